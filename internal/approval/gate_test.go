package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/events"
)

type fakeLog struct {
	mu   sync.Mutex
	seq  uint64
	byID map[string]uint64
	envs []events.Envelope
}

func newFakeLog() *fakeLog { return &fakeLog{byID: make(map[string]uint64)} }

func (f *fakeLog) Publish(ctx context.Context, subject, messageID string, env events.Envelope) (eventlog.PublishResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if seq, ok := f.byID[messageID]; ok {
		return eventlog.PublishResult{Seq: seq, Duplicate: true}, nil
	}
	f.seq++
	env.Seq = f.seq
	f.byID[messageID] = f.seq
	f.envs = append(f.envs, env)
	return eventlog.PublishResult{Seq: f.seq}, nil
}

func (f *fakeLog) ReadOrdered(ctx context.Context, subjectFilter string, from uint64) ([]events.Envelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]events.Envelope, len(f.envs))
	copy(out, f.envs)
	return out, nil
}

func (f *fakeLog) SubscribeEphemeral(ctx context.Context, subjectFilter string) (<-chan events.Envelope, error) {
	ch := make(chan events.Envelope)
	close(ch)
	return ch, nil
}

func (f *fakeLog) CreateDurableConsumer(ctx context.Context, name, subjectFilter string) (eventlog.Consumer, error) {
	return nil, nil
}

func (f *fakeLog) Close() error { return nil }

func TestCoordinator_GrantFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	c := NewCoordinator(log)

	require.NoError(t, c.RequestApproval(ctx, "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 300, "", time.Now()))

	result, err := c.Grant(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "alice", "lgtm")
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, result.Outcome)
	assert.Equal(t, GateGranted, result.Gate.State)
}

func TestCoordinator_DuplicateGrantIsNoop(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	c := NewCoordinator(log)

	require.NoError(t, c.RequestApproval(ctx, "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	_, err := c.Grant(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "alice", "")
	require.NoError(t, err)

	result, err := c.Grant(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, result.Outcome)
}

func TestCoordinator_OppositeTerminalIsConflict(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	c := NewCoordinator(log)

	require.NoError(t, c.RequestApproval(ctx, "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 0, "", time.Now()))
	_, err := c.Grant(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "alice", "")
	require.NoError(t, err)

	result, err := c.Deny(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "bob", "no")
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, result.Outcome)
	assert.Equal(t, GateGranted, result.Gate.State)
}

func TestCoordinator_ProcessExpiryIfPending_DeniesWhenPending(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	c := NewCoordinator(log)

	require.NoError(t, c.RequestApproval(ctx, "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 300, "", time.Now()))

	result, err := c.ProcessExpiryIfPending(ctx, "subj", "acme", "deploy", "run-1", "gate-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, result.Outcome)
	assert.Equal(t, GateDenied, result.Gate.State)
	assert.Equal(t, "system", result.Gate.Approver)
	assert.Equal(t, "expired", result.Gate.Reason)
}

func TestCoordinator_ProcessExpiryIfPending_NoopWhenAlreadyTerminal(t *testing.T) {
	ctx := context.Background()
	log := newFakeLog()
	c := NewCoordinator(log)

	require.NoError(t, c.RequestApproval(ctx, "subj", "acme", "deploy", "run-1", "gate-1", []string{"alice"}, 300, "", time.Now()))
	_, err := c.Grant(ctx, "subj", "acme", "deploy", "run-1", "gate-1", "alice", "")
	require.NoError(t, err)

	result, err := c.ProcessExpiryIfPending(ctx, "subj", "acme", "deploy", "run-1", "gate-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, result.Outcome)
	assert.Equal(t, GateGranted, result.Gate.State)
}

func TestFold_AbsentWhenNoRequest(t *testing.T) {
	g := Fold(nil, "gate-1")
	assert.Equal(t, GateAbsent, g.State)
}
