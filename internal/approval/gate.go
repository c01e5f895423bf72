// Package approval implements Approval Gates (spec.md §4.4): a
// first-writer-wins terminal state machine per (runId, gateId), an HTTP
// surface for grant/deny, and the TTL auto-expiry processor the TTL Worker
// invokes.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/events"
)

// GateState is the lifecycle state of a single (runId, gateId) pair.
type GateState string

const (
	GateAbsent  GateState = "absent"
	GatePending GateState = "pending"
	GateGranted GateState = "granted"
	GateDenied  GateState = "denied"
)

// Gate is the observed state of one approval gate, folded from a run's
// events.
type Gate struct {
	State       GateState
	GateID      string
	Approvers   []string
	RequestedTS time.Time
	TTLSeconds  int
	Approver    string // set once terminal
	Reason      string // set only when denied
	Note        string // set only when granted
}

// ExpiryTimerID returns the timer id the ritual engine schedules for a
// gate's TTL (spec.md §4.4 "TTL scheduling").
func ExpiryTimerID(runID, gateID string) string {
	return fmt.Sprintf("%s:approval:%s:expiry", runID, gateID)
}

func requestMessageID(runID, gateID string) string { return fmt.Sprintf("%s:approval:%s", runID, gateID) }
func grantedMessageID(runID, gateID string) string {
	return fmt.Sprintf("%s:approval:%s:granted", runID, gateID)
}
func deniedMessageID(runID, gateID string) string {
	return fmt.Sprintf("%s:approval:%s:denied", runID, gateID)
}

// Fold reconstructs the Gate state for gateID from a run's ordered events.
// If no approval.requested for gateID appears, the gate is Absent.
func Fold(runEvents []events.Envelope, gateID string) Gate {
	g := Gate{State: GateAbsent, GateID: gateID}
	for _, env := range runEvents {
		switch env.Event {
		case events.KindApprovalRequested:
			if env.ApprovalRequested == nil || env.ApprovalRequested.GateID != gateID {
				continue
			}
			if g.State == GateAbsent {
				g.State = GatePending
				g.Approvers = env.ApprovalRequested.Approvers
				g.RequestedTS = env.ApprovalRequested.RequestedTS
				g.TTLSeconds = env.ApprovalRequested.TTLSeconds
			}
		case events.KindApprovalGranted:
			if env.ApprovalGranted == nil || env.ApprovalGranted.GateID != gateID {
				continue
			}
			if g.State == GatePending {
				g.State = GateGranted
				g.Approver = env.ApprovalGranted.Approver
				g.Note = env.ApprovalGranted.Note
			}
		case events.KindApprovalDenied:
			if env.ApprovalDenied == nil || env.ApprovalDenied.GateID != gateID {
				continue
			}
			if g.State == GatePending {
				g.State = GateDenied
				g.Approver = env.ApprovalDenied.Approver
				g.Reason = env.ApprovalDenied.Reason
			}
		}
	}
	return g
}

// TerminalOutcome reports what happened when a terminal (grant or deny) was
// submitted.
type TerminalOutcome int

const (
	// OutcomePublished means this call's terminal was the first and was
	// published.
	OutcomePublished TerminalOutcome = iota
	// OutcomeNoop means the same terminal kind already existed.
	OutcomeNoop
	// OutcomeConflict means the opposite terminal kind already existed.
	OutcomeConflict
)

// Result carries the outcome of a Grant/Deny/ProcessExpiryIfPending call plus the
// observed gate state, for the HTTP layer to translate into status codes.
type Result struct {
	Outcome TerminalOutcome
	Gate    Gate
}

// Coordinator applies terminal grant/deny calls against the event log with
// first-writer-wins semantics (spec.md §4.4).
type Coordinator struct {
	log eventlog.Log
}

// NewCoordinator constructs a Coordinator over log.
func NewCoordinator(log eventlog.Log) *Coordinator {
	return &Coordinator{log: log}
}

// RequestApproval appends approval.requested for gateID, idempotently.
func (c *Coordinator) RequestApproval(ctx context.Context, subject, tenant, ritualID, runID, gateID string, approvers []string, ttlSeconds int, reason string, requestedTS time.Time) error {
	env := events.Envelope{
		Event:    events.KindApprovalRequested,
		TS:       requestedTS,
		Tenant:   tenant,
		RitualID: ritualID,
		RunID:    runID,
		ApprovalRequested: &events.ApprovalRequested{
			GateID:      gateID,
			Approvers:   approvers,
			RequestedTS: requestedTS,
			TTLSeconds:  ttlSeconds,
			Reason:      reason,
		},
	}
	_, err := c.log.Publish(ctx, subject, requestMessageID(runID, gateID), env)
	if err != nil {
		return fmt.Errorf("publish approval.requested: %w", err)
	}
	return nil
}

// Grant applies a first-writer-wins grant for (runID, gateID).
func (c *Coordinator) Grant(ctx context.Context, subject, tenant, ritualID, runID, gateID, approver, note string) (Result, error) {
	return c.terminal(ctx, subject, tenant, ritualID, runID, gateID, func(current Gate) (events.Envelope, string, GateState) {
		return events.Envelope{
				Event:    events.KindApprovalGranted,
				TS:       time.Now().UTC(),
				Tenant:   tenant,
				RitualID: ritualID,
				RunID:    runID,
				ApprovalGranted: &events.ApprovalGranted{
					GateID:   gateID,
					Approver: approver,
					Note:     note,
				},
			}, grantedMessageID(runID, gateID), GateGranted
	})
}

// Deny applies a first-writer-wins deny for (runID, gateID).
func (c *Coordinator) Deny(ctx context.Context, subject, tenant, ritualID, runID, gateID, approver, reason string) (Result, error) {
	return c.terminal(ctx, subject, tenant, ritualID, runID, gateID, func(current Gate) (events.Envelope, string, GateState) {
		return events.Envelope{
				Event:    events.KindApprovalDenied,
				TS:       time.Now().UTC(),
				Tenant:   tenant,
				RitualID: ritualID,
				RunID:    runID,
				ApprovalDenied: &events.ApprovalDenied{
					GateID:   gateID,
					Approver: approver,
					Reason:   reason,
				},
			}, deniedMessageID(runID, gateID), GateDenied
	})
}

// ProcessExpiryIfPending is the TTL auto-expiry processor (spec.md §4.4):
// if the gate has no terminal, it denies with reason "expired" by system;
// otherwise it is a no-op.
func (c *Coordinator) ProcessExpiryIfPending(ctx context.Context, subject, tenant, ritualID, runID, gateID string) (Result, error) {
	current, err := c.observe(ctx, subject, gateID)
	if err != nil {
		return Result{}, err
	}
	if current.State != GatePending {
		return Result{Outcome: OutcomeNoop, Gate: current}, nil
	}
	return c.Deny(ctx, subject, tenant, ritualID, runID, gateID, "system", "expired")
}

func (c *Coordinator) observe(ctx context.Context, subject, gateID string) (Gate, error) {
	runEvents, err := c.log.ReadOrdered(ctx, subject, 0)
	if err != nil {
		return Gate{}, fmt.Errorf("read run events: %w", err)
	}
	return Fold(runEvents, gateID), nil
}

func (c *Coordinator) terminal(ctx context.Context, subject, tenant, ritualID, runID, gateID string, build func(Gate) (events.Envelope, string, GateState)) (Result, error) {
	current, err := c.observe(ctx, subject, gateID)
	if err != nil {
		return Result{}, err
	}

	env, messageID, targetState := build(current)

	switch current.State {
	case GateGranted, GateDenied:
		if current.State == targetState {
			return Result{Outcome: OutcomeNoop, Gate: current}, nil
		}
		return Result{Outcome: OutcomeConflict, Gate: current}, nil
	}

	if _, err := c.log.Publish(ctx, subject, messageID, env); err != nil {
		return Result{}, fmt.Errorf("publish terminal: %w", err)
	}

	updated, err := c.observe(ctx, subject, gateID)
	if err != nil {
		return Result{}, err
	}
	return Result{Outcome: OutcomePublished, Gate: updated}, nil
}
