package projector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/demon-run/demon/internal/events"
)

func TestProject_EmptyIsRunning(t *testing.T) {
	p := Project(nil)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Empty(t, p.Timeline)
}

func TestProject_AwaitingApproval(t *testing.T) {
	now := time.Now()
	envs := []events.Envelope{
		{Seq: 1, Event: events.KindRitualStarted, RitualStarted: &events.RitualStarted{}},
		{Seq: 2, Event: events.KindApprovalRequested, ApprovalRequested: &events.ApprovalRequested{
			GateID: "gate-1", Approvers: []string{"alice"}, RequestedTS: now, TTLSeconds: 300,
		}},
	}
	p := Project(envs)
	assert.Equal(t, StatusAwaitingApproval, p.Status)
	assert.Len(t, p.PendingGates, 1)
	assert.Equal(t, "gate-1", p.PendingGates[0].GateID)
	assert.NotNil(t, p.PendingGates[0].ExpiresAt)
}

func TestProject_GrantedClearsGate(t *testing.T) {
	now := time.Now()
	envs := []events.Envelope{
		{Seq: 1, Event: events.KindApprovalRequested, ApprovalRequested: &events.ApprovalRequested{GateID: "gate-1", RequestedTS: now}},
		{Seq: 2, Event: events.KindApprovalGranted, ApprovalGranted: &events.ApprovalGranted{GateID: "gate-1", Approver: "alice"}},
	}
	p := Project(envs)
	assert.Equal(t, StatusRunning, p.Status)
	assert.Empty(t, p.PendingGates)
}

func TestProject_TerminalOutcomes(t *testing.T) {
	envs := []events.Envelope{
		{Seq: 1, Event: events.KindRitualCompleted, RitualCompleted: &events.RitualCompleted{Outcome: events.OutcomeFailure}},
	}
	p := Project(envs)
	assert.Equal(t, StatusCompletedFailure, p.Status)
	assert.True(t, p.Status.IsTerminal())
}

func TestProject_PolicyCounters_LastObservedWins(t *testing.T) {
	envs := []events.Envelope{
		{Seq: 1, Event: events.KindPolicyDecision, PolicyDecision: &events.PolicyDecision{
			Capability: "deploy", Allowed: true, Quota: events.QuotaInfo{Limit: 5, WindowSeconds: 60, Remaining: 4},
		}},
		{Seq: 2, Event: events.KindPolicyDecision, PolicyDecision: &events.PolicyDecision{
			Capability: "deploy", Allowed: false, Reason: "limit_exceeded", Quota: events.QuotaInfo{Limit: 5, WindowSeconds: 60, Remaining: 0},
		}},
	}
	p := Project(envs)
	c := p.PolicyCounters["deploy"]
	assert.False(t, c.Allowed)
	assert.Equal(t, "limit_exceeded", c.Reason)
}

func TestProject_Idempotent_DuplicatesCoalesced(t *testing.T) {
	now := time.Now()
	envs := []events.Envelope{
		{Seq: 1, Event: events.KindApprovalRequested, ApprovalRequested: &events.ApprovalRequested{GateID: "gate-1", RequestedTS: now}},
		{Seq: 1, Event: events.KindApprovalRequested, ApprovalRequested: &events.ApprovalRequested{GateID: "gate-1", RequestedTS: now}},
	}
	p := Project(envs)
	assert.Len(t, p.PendingGates, 1)
}
