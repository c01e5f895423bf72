// Package ttlworker implements the TTL Worker (spec.md §4.5): a durable
// consumer over the ritual event stream that auto-denies approval gates
// whose TTL has elapsed.
package ttlworker

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/demon-run/demon/internal/approval"
	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/events"
	"github.com/demon-run/demon/internal/telemetry"
)

// expiryTimerID matches "{runId}:approval:{gateId}:expiry" (spec.md §4.5
// step 1). runId and gateId may each contain any character except ':'.
var expiryTimerID = regexp.MustCompile(`^([^:]+):approval:([^:]+):expiry$`)

// SubjectResolver maps a runId observed on the TTL worker's consumer back
// to its event log subject and tenant/ritualId, since the worker's filter
// subject is the ritual-events wildcard rather than one specific run.
type SubjectResolver func(runID string) (subject, tenant, ritualID string, ok bool)

// Worker pulls timer.scheduled:v1 from a durable consumer and drives
// expired approval gates to a denied terminal.
type Worker struct {
	consumer   eventlog.Consumer
	coord      *approval.Coordinator
	resolve    SubjectResolver
	batch      int
	pullWait   time.Duration
	now        func() time.Time
	log        telemetry.Logger
}

// Config bundles the tunables spec.md §6 exposes for the TTL worker.
type Config struct {
	Batch    int
	PullWait time.Duration
}

// New constructs a Worker. now defaults to time.Now when nil.
func New(consumer eventlog.Consumer, coord *approval.Coordinator, resolve SubjectResolver, cfg Config, log telemetry.Logger, now func() time.Time) *Worker {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 32
	}
	if cfg.PullWait <= 0 {
		cfg.PullWait = 2 * time.Second
	}
	return &Worker{consumer: consumer, coord: coord, resolve: resolve, batch: cfg.Batch, pullWait: cfg.PullWait, log: log, now: now}
}

// Run loops fetching and processing batches until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn(ctx, "ttl worker batch failed", "error", err.Error())
		}
	}
}

// RunOnce fetches and processes a single batch (spec.md §4.5 "Per-message
// processing").
func (w *Worker) RunOnce(ctx context.Context) error {
	deliveries, err := w.consumer.Fetch(ctx, w.batch, w.pullWait)
	if err != nil {
		return fmt.Errorf("fetch timer.scheduled batch: %w", err)
	}

	for _, d := range deliveries {
		w.process(ctx, d)
	}
	return nil
}

func (w *Worker) process(ctx context.Context, d eventlog.Delivery) {
	env := d.Envelope
	if env.Event != events.KindTimerScheduled || env.TimerScheduled == nil {
		_ = d.Ack()
		return
	}

	m := expiryTimerID.FindStringSubmatch(env.TimerScheduled.TimerID)
	if m == nil {
		// step 1: not an approval expiry timer id, ack and skip.
		_ = d.Ack()
		return
	}
	runID, gateID := m[1], m[2]

	if w.now().Before(env.TimerScheduled.DueTS) {
		// step 2: not due yet; negative-acknowledge so it redelivers later.
		_ = d.Nak()
		return
	}

	subject, tenant, ritualID, ok := w.resolve(runID)
	if !ok {
		w.log.Warn(ctx, "ttl worker: unknown run, dropping", "runId", runID)
		_ = d.Ack()
		return
	}

	_, err := w.coord.ProcessExpiryIfPending(ctx, subject, tenant, ritualID, runID, gateID)
	if err != nil {
		w.log.Warn(ctx, "ttl worker: process expiry failed, leaving unacked", "runId", runID, "gateId", gateID, "error", err.Error())
		return
	}
	_ = d.Ack()
}
