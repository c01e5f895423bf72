package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// envelopeHeader mirrors the fields common to every event kind (spec.md §6
// "Event payload (normative)"): the kind-specific payload fields are
// flattened into the same JSON object rather than nested, so wire readers
// written against the spec's normative shape decode directly.
type envelopeHeader struct {
	Event    Kind   `json:"event"`
	TS       string `json:"ts"`
	Tenant   string `json:"tenant"`
	RitualID string `json:"ritualId"`
	RunID    string `json:"runId"`
}

// Marshal renders the envelope as a single flat JSON object: the common
// header fields plus the kind-specific payload fields merged in.
func (e Envelope) Marshal() ([]byte, error) {
	header, err := json.Marshal(envelopeHeader{
		Event:    e.Event,
		TS:       e.TS.UTC().Format(rfc3339Milli),
		Tenant:   e.Tenant,
		RitualID: e.RitualID,
		RunID:    e.RunID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event header: %w", err)
	}

	payload := e.payload()
	if payload == nil {
		return header, nil
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return mergeJSONObjects(header, payloadJSON)
}

func (e Envelope) payload() any {
	switch e.Event {
	case KindRitualStarted:
		return e.RitualStarted
	case KindStateTransitioned:
		return e.StateTransitioned
	case KindRitualCompleted:
		return e.RitualCompleted
	case KindTimerScheduled:
		return e.TimerScheduled
	case KindTimerFired:
		return e.TimerFired
	case KindApprovalRequested:
		return e.ApprovalRequested
	case KindApprovalGranted:
		return e.ApprovalGranted
	case KindApprovalDenied:
		return e.ApprovalDenied
	case KindPolicyDecision:
		return e.PolicyDecision
	default:
		return nil
	}
}

// Unmarshal decodes a flat event object into an Envelope, routing the
// remaining fields into the kind-specific payload based on the "event"
// discriminator.
func Unmarshal(data []byte) (Envelope, error) {
	var header envelopeHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal event header: %w", err)
	}
	ts, err := time.Parse(rfc3339Milli, header.TS)
	if err != nil {
		return Envelope{}, fmt.Errorf("parse event ts: %w", err)
	}
	e := Envelope{
		Event:    header.Event,
		TS:       ts,
		Tenant:   header.Tenant,
		RitualID: header.RitualID,
		RunID:    header.RunID,
	}
	switch header.Event {
	case KindRitualStarted:
		e.RitualStarted = &RitualStarted{}
		return e, json.Unmarshal(data, e.RitualStarted)
	case KindStateTransitioned:
		e.StateTransitioned = &StateTransitioned{}
		return e, json.Unmarshal(data, e.StateTransitioned)
	case KindRitualCompleted:
		e.RitualCompleted = &RitualCompleted{}
		return e, json.Unmarshal(data, e.RitualCompleted)
	case KindTimerScheduled:
		e.TimerScheduled = &TimerScheduled{}
		return e, json.Unmarshal(data, e.TimerScheduled)
	case KindTimerFired:
		e.TimerFired = &TimerFired{}
		return e, json.Unmarshal(data, e.TimerFired)
	case KindApprovalRequested:
		e.ApprovalRequested = &ApprovalRequested{}
		return e, json.Unmarshal(data, e.ApprovalRequested)
	case KindApprovalGranted:
		e.ApprovalGranted = &ApprovalGranted{}
		return e, json.Unmarshal(data, e.ApprovalGranted)
	case KindApprovalDenied:
		e.ApprovalDenied = &ApprovalDenied{}
		return e, json.Unmarshal(data, e.ApprovalDenied)
	case KindPolicyDecision:
		e.PolicyDecision = &PolicyDecision{}
		return e, json.Unmarshal(data, e.PolicyDecision)
	default:
		return e, fmt.Errorf("unknown event kind %q", header.Event)
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func mergeJSONObjects(a, b []byte) ([]byte, error) {
	var am, bm map[string]json.RawMessage
	if err := json.Unmarshal(a, &am); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &bm); err != nil {
		return nil, err
	}
	for k, v := range bm {
		am[k] = v
	}
	return json.Marshal(am)
}
