// Package eventlog implements the Event Log (spec.md §4.1): the sole
// persistence owner for every other kernel component. It wraps a NATS
// JetStream stream bound to tenant-scoped ritual subjects, giving
// idempotent keyed publish, ordered replay, and both ephemeral and durable
// consumption.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/demon-run/demon/internal/events"
)

// ErrTransport wraps publish/read failures surfaced by the underlying bus;
// callers retry with the same messageId (spec.md §4.1 "Failure model").
var ErrTransport = errors.New("eventlog: transport error")

// ConflictError reports that a messageId was already bound to a different
// logical record than the caller expected — a defensive signal only, since
// messageIds are a deterministic function of (runId, step, subkind) and
// should never collide across subjects.
type ConflictError struct {
	MessageID   string
	ExistingSeq uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("eventlog: messageId %q already bound to seq %d", e.MessageID, e.ExistingSeq)
}

// PublishResult reports the stream sequence assigned to a publish. When
// Duplicate is true the publish was a dedupe no-op: the caller still
// observes success and Seq is the sequence of the original publish.
type PublishResult struct {
	Seq       uint64
	Duplicate bool
}

// Consumer pulls events from a durable, at-least-once consumer. Events must
// be explicitly acknowledged; unacknowledged events redeliver.
type Consumer interface {
	// Fetch pulls up to max pending messages, waiting at most timeout for
	// the first one to arrive.
	Fetch(ctx context.Context, max int, timeout time.Duration) ([]Delivery, error)
}

// Delivery pairs a decoded event with its acknowledgement handle.
type Delivery struct {
	Envelope events.Envelope
	Ack      func() error
	Nak      func() error
}

// Log is the Event Log's public surface (spec.md §4.1 "Operations").
type Log interface {
	// Publish appends payload under subject with idempotency key messageId.
	// Two publishes with the same messageId within the dedupe window yield
	// the same seq; the second is a no-op and the caller observes success.
	Publish(ctx context.Context, subject, messageID string, env events.Envelope) (PublishResult, error)

	// ReadOrdered returns every event on subject from the given start
	// sequence (0 means from the beginning), ordered by stream sequence.
	ReadOrdered(ctx context.Context, subjectFilter string, from uint64) ([]events.Envelope, error)

	// SubscribeEphemeral tails subjectFilter starting at "new" (no durable
	// state is retained for this subscription).
	SubscribeEphemeral(ctx context.Context, subjectFilter string) (<-chan events.Envelope, error)

	// CreateDurableConsumer binds (or rebinds) a named durable consumer
	// filtered to subjectFilter, for at-least-once processing.
	CreateDurableConsumer(ctx context.Context, name, subjectFilter string) (Consumer, error)

	// Close releases the underlying connection.
	Close() error
}
