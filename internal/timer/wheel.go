// Package timer implements the Timer Wheel (spec.md §4.2): a single
// in-memory schedule of pending timers, persisted through the event log
// rather than through its own storage, and reconstructed by replay on
// restart.
package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/events"
	"github.com/demon-run/demon/internal/telemetry"
)

// State is the lifecycle state of a single timer id.
type State int

const (
	StateScheduled State = iota
	StateFired
	StateCancelled
)

type timerEntry struct {
	DueTS time.Time
	State State
}

// Wheel tracks timers for a single run's subject. One Wheel is scoped to
// one (tenant, ritualId, runId); the ritual engine builds and restores one
// each time a step schedules a timer.
type Wheel struct {
	log     eventlog.Log
	subject string

	mu     sync.Mutex
	timers map[string]*timerEntry

	telemetry telemetry.Logger
}

// New constructs a Wheel bound to subject, with no timers loaded. Call
// Restore to replay prior state before scheduling or ticking.
func New(log eventlog.Log, subject string, lg telemetry.Logger) *Wheel {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	return &Wheel{
		log:       log,
		subject:   subject,
		timers:    make(map[string]*timerEntry),
		telemetry: lg,
	}
}

// Restore reconstructs in-memory timer state by replaying the subject's
// timer.scheduled and timer.fired events (spec.md §4.2 "Restart replay").
func (w *Wheel) Restore(ctx context.Context) error {
	envs, err := w.log.ReadOrdered(ctx, w.subject, 0)
	if err != nil {
		return fmt.Errorf("replay timers: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, env := range envs {
		switch env.Event {
		case events.KindTimerScheduled:
			if env.TimerScheduled == nil {
				continue
			}
			if _, exists := w.timers[env.TimerScheduled.TimerID]; !exists {
				w.timers[env.TimerScheduled.TimerID] = &timerEntry{
					DueTS: env.TimerScheduled.DueTS,
					State: StateScheduled,
				}
			}
		case events.KindTimerFired:
			if env.TimerFired == nil {
				continue
			}
			if entry, ok := w.timers[env.TimerFired.TimerID]; ok {
				entry.State = StateFired
			}
		}
	}
	return nil
}

// Schedule emits timer.scheduled:v1{timerId=id, dueTs} with messageId
// "{id}:scheduled". A repeat call for an id already scheduled is a no-op:
// the publish carries the same messageId and the bus dedupes it.
func (w *Wheel) Schedule(ctx context.Context, id string, dueTS time.Time, tenant, ritualID, runID string) error {
	w.mu.Lock()
	if entry, exists := w.timers[id]; exists {
		w.mu.Unlock()
		_ = entry
		return nil
	}
	w.timers[id] = &timerEntry{DueTS: dueTS, State: StateScheduled}
	w.mu.Unlock()

	env := events.Envelope{
		Event:          events.KindTimerScheduled,
		TS:             dueTS,
		Tenant:         tenant,
		RitualID:       ritualID,
		RunID:          runID,
		TimerScheduled: &events.TimerScheduled{TimerID: id, DueTS: dueTS},
	}
	_, err := w.log.Publish(ctx, w.subject, id+":scheduled", env)
	if err != nil {
		w.mu.Lock()
		delete(w.timers, id)
		w.mu.Unlock()
		return fmt.Errorf("publish timer.scheduled: %w", err)
	}
	return nil
}

// CancelByKey logically marks the timer delivered, preventing any future
// firing. Idempotent: calling it after Fire has no effect.
func (w *Wheel) CancelByKey(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	entry, ok := w.timers[id]
	if !ok {
		w.timers[id] = &timerEntry{State: StateCancelled}
		return
	}
	if entry.State == StateScheduled {
		entry.State = StateCancelled
	}
}

// Due returns the ids of every scheduled, non-cancelled, non-fired timer
// with DueTS <= now.
func (w *Wheel) Due(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var due []string
	for id, entry := range w.timers {
		if entry.State == StateScheduled && !entry.DueTS.After(now) {
			due = append(due, id)
		}
	}
	return due
}

// Tick publishes timer.fired:v1 for every due, non-fired, non-cancelled
// timer and advances its state to Fired.
func (w *Wheel) Tick(ctx context.Context, now time.Time, tenant, ritualID, runID string) ([]string, error) {
	due := w.Due(now)
	var fired []string
	for _, id := range due {
		env := events.Envelope{
			Event:      events.KindTimerFired,
			TS:         now,
			Tenant:     tenant,
			RitualID:   ritualID,
			RunID:      runID,
			TimerFired: &events.TimerFired{TimerID: id},
		}
		if _, err := w.log.Publish(ctx, w.subject, id+":fired", env); err != nil {
			w.telemetry.Warn(ctx, "timer fire publish failed", "timerId", id, "error", err.Error())
			continue
		}
		w.mu.Lock()
		if entry, ok := w.timers[id]; ok {
			entry.State = StateFired
		}
		w.mu.Unlock()
		fired = append(fired, id)
	}
	return fired, nil
}
