// Package projector implements the Run Projector (spec.md §4.8): a pure,
// total, monotone fold over a run's ordered events producing its derived
// read-only view.
package projector

import (
	"sort"
	"time"

	"github.com/demon-run/demon/internal/events"
)

// Status enumerates a run's derived lifecycle status.
type Status string

const (
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompletedSuccess Status = "completed:success"
	StatusCompletedFailure Status = "completed:failure"
	StatusCompletedCancel  Status = "completed:cancelled"
)

// PendingGate describes an approval gate still awaiting a terminal.
type PendingGate struct {
	GateID      string
	Approvers   []string
	RequestedTS time.Time
	TTLSeconds  int
	ExpiresAt   *time.Time
}

// PolicyCounter is the last-observed decision for a capability.
type PolicyCounter struct {
	Capability string
	Allowed    bool
	Quota      events.QuotaInfo
	Reason     string
}

// Projection is the Run Projector's output (spec.md §4.8).
type Projection struct {
	Status         Status
	Timeline       []events.Envelope
	PendingGates   []PendingGate
	PolicyCounters map[string]PolicyCounter
}

// Project folds runEvents (already deduplicated by messageId at the log
// layer) into a Projection. Total: always returns a value, even for an
// empty or nil slice (StatusRunning with no timeline). Monotone: a longer
// event prefix never removes information already derived from a shorter
// one — gates resolved stay resolved, and a completed:* status is never
// replaced by running or awaiting_approval.
func Project(runEvents []events.Envelope) Projection {
	sorted := make([]events.Envelope, len(runEvents))
	copy(sorted, runEvents)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Seq != sorted[j].Seq {
			return sorted[i].Seq < sorted[j].Seq
		}
		return sorted[i].TS.Before(sorted[j].TS)
	})

	p := Projection{
		Status:         StatusRunning,
		Timeline:       sorted,
		PolicyCounters: make(map[string]PolicyCounter),
	}

	gates := make(map[string]*PendingGate)
	gateOrder := make([]string, 0)
	resolved := make(map[string]bool)

	for _, env := range sorted {
		switch env.Event {
		case events.KindApprovalRequested:
			if env.ApprovalRequested == nil {
				continue
			}
			id := env.ApprovalRequested.GateID
			if _, exists := gates[id]; !exists && !resolved[id] {
				g := &PendingGate{
					GateID:      id,
					Approvers:   env.ApprovalRequested.Approvers,
					RequestedTS: env.ApprovalRequested.RequestedTS,
					TTLSeconds:  env.ApprovalRequested.TTLSeconds,
				}
				if g.TTLSeconds > 0 {
					expires := g.RequestedTS.Add(time.Duration(g.TTLSeconds) * time.Second)
					g.ExpiresAt = &expires
				}
				gates[id] = g
				gateOrder = append(gateOrder, id)
			}
			if p.Status == StatusRunning {
				p.Status = StatusAwaitingApproval
			}
		case events.KindApprovalGranted:
			if env.ApprovalGranted == nil {
				continue
			}
			delete(gates, env.ApprovalGranted.GateID)
			resolved[env.ApprovalGranted.GateID] = true
		case events.KindApprovalDenied:
			if env.ApprovalDenied == nil {
				continue
			}
			delete(gates, env.ApprovalDenied.GateID)
			resolved[env.ApprovalDenied.GateID] = true
		case events.KindPolicyDecision:
			if env.PolicyDecision == nil {
				continue
			}
			pd := env.PolicyDecision
			p.PolicyCounters[pd.Capability] = PolicyCounter{
				Capability: pd.Capability,
				Allowed:    pd.Allowed,
				Quota:      pd.Quota,
				Reason:     pd.Reason,
			}
		case events.KindRitualCompleted:
			if env.RitualCompleted == nil {
				continue
			}
			switch env.RitualCompleted.Outcome {
			case events.OutcomeSuccess:
				p.Status = StatusCompletedSuccess
			case events.OutcomeFailure:
				p.Status = StatusCompletedFailure
			case events.OutcomeCancelled:
				p.Status = StatusCompletedCancel
			}
		}
	}

	if p.Status != StatusCompletedSuccess && p.Status != StatusCompletedFailure && p.Status != StatusCompletedCancel {
		for _, id := range gateOrder {
			if g, ok := gates[id]; ok {
				p.PendingGates = append(p.PendingGates, *g)
			}
		}
		if len(p.PendingGates) == 0 && p.Status == StatusAwaitingApproval {
			p.Status = StatusRunning
		}
	}

	return p
}

// IsTerminal reports whether status is one of the completed:* variants.
func (s Status) IsTerminal() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedFailure || s == StatusCompletedCancel
}
