package ritual

import (
	"context"
	"fmt"
	"time"

	"github.com/demon-run/demon/internal/approval"
	"github.com/demon-run/demon/internal/capsule/containerexec"
	"github.com/demon-run/demon/internal/envelope"
	"github.com/demon-run/demon/internal/eventlog"
	"github.com/demon-run/demon/internal/events"
	"github.com/demon-run/demon/internal/projector"
	"github.com/demon-run/demon/internal/telemetry"
	"github.com/demon-run/demon/internal/timer"
	"github.com/demon-run/demon/internal/wards"
)

// Run identifies one in-flight execution of a Definition.
type Run struct {
	Tenant   string
	RitualID string
	RunID    string
	Subject  string
}

// Engine translates a Definition into a deterministic sequence of events
// (spec.md §4.7). It is logically cooperative: Advance may be called
// repeatedly, and each call resumes from the event log rather than held
// in-memory state, so an engine crash loses no progress.
type Engine struct {
	log       eventlog.Log
	wardsK    *wards.Kernel
	approvals *approval.Coordinator
	capsules  containerexec.Runner
	validator *envelope.Validator

	artifactsRootDir string
	workspaceRootDir string

	telemetry telemetry.Logger
	tracer    telemetry.Tracer
}

// New constructs an Engine.
func New(log eventlog.Log, wardsK *wards.Kernel, approvals *approval.Coordinator, capsules containerexec.Runner, artifactsRootDir, workspaceRootDir string, lg telemetry.Logger, tr telemetry.Tracer) *Engine {
	if lg == nil {
		lg = telemetry.NewNoopLogger()
	}
	if tr == nil {
		tr = telemetry.NewNoopTracer()
	}
	return &Engine{
		log:              log,
		wardsK:           wardsK,
		approvals:        approvals,
		capsules:         capsules,
		artifactsRootDir: artifactsRootDir,
		workspaceRootDir: workspaceRootDir,
		telemetry:        lg,
		tracer:           tr,
	}
}

// stepOutcomeFor looks up the recorded outcome ("success"/"failure") of a
// prior step by scanning its state.transitioned "to" markers, the only
// per-step result carried by the wire event schema (spec.md §3's Event
// kinds define no dedicated capsule-result payload). Switch steps branch
// on this marker rather than a general bound-variable store.
func stepOutcomeFor(timeline []events.Envelope, stepID string) (string, bool) {
	for i := len(timeline) - 1; i >= 0; i-- {
		env := timeline[i]
		if env.Event != events.KindStateTransitioned || env.StateTransitioned == nil {
			continue
		}
		if env.StateTransitioned.From != stepPendingLabel(stepID) {
			continue
		}
		return env.StateTransitioned.To, true
	}
	return "", false
}

func stepPendingLabel(stepID string) string { return fmt.Sprintf("step:%s:pending", stepID) }

// Start publishes ritual.started, idempotently, and begins step
// interpretation.
func (e *Engine) Start(ctx context.Context, def Definition, run Run, inputs map[string]any) error {
	env := events.Envelope{
		Event:         events.KindRitualStarted,
		TS:            time.Now().UTC(),
		Tenant:        run.Tenant,
		RitualID:      run.RitualID,
		RunID:         run.RunID,
		RitualStarted: &events.RitualStarted{Inputs: inputs},
	}
	if _, err := e.log.Publish(ctx, run.Subject, run.RunID+":started", env); err != nil {
		return fmt.Errorf("publish ritual.started: %w", err)
	}
	return e.Advance(ctx, def, run)
}

// Advance drives the run forward through as many steps as it can without
// suspending, resuming from the event log each time rather than from
// in-memory state (spec.md §4.7 "Suspension model").
func (e *Engine) Advance(ctx context.Context, def Definition, run Run) error {
	ctx, span := e.tracer.Start(ctx, "ritual.Advance")
	defer span.End()

	timeline, err := e.log.ReadOrdered(ctx, run.Subject, 0)
	if err != nil {
		return fmt.Errorf("read run timeline: %w", err)
	}

	proj := projector.Project(timeline)
	if proj.Status.IsTerminal() {
		return nil
	}

	return e.runSteps(ctx, def.Steps, timeline, run, make(map[string]any))
}

// runSteps executes steps in order, skipping any already recorded in
// timeline, until it suspends (awaiting an approval or timer not yet
// resolved) or a step fails/completes the run. outputs accumulates each
// successful step's recorded result, keyed by step id, and becomes the
// outputs of the final ritual.completed; it is threaded by reference
// through Switch branch recursion so results survive branching. No step
// reads outputs (Switch branches on recorded outcomes, not on outputs),
// and outputs are not persisted: results of steps that completed in an
// earlier Advance call are absent from ritual.completed.
func (e *Engine) runSteps(ctx context.Context, steps []Step, timeline []events.Envelope, run Run, outputs map[string]any) error {
	for _, step := range steps {
		if _, done := stepOutcomeFor(timeline, step.ID); done {
			continue
		}

		result, err := e.runStep(ctx, step, timeline, run)
		if err != nil {
			return err
		}
		if result.Suspended {
			return nil
		}

		timeline = append(timeline, e.syntheticTransition(run, step.ID, result.Outcome))

		if result.Outcome == "failure" {
			errorKind := result.ErrorKind
			if errorKind == "" {
				errorKind = "step_failed"
			}
			return e.complete(ctx, run, events.OutcomeFailure, map[string]any{"errorKind": errorKind, "stepId": step.ID})
		}
		if len(result.Outputs) > 0 {
			outputs[step.ID] = result.Outputs
		}
		if step.Kind == StepSwitch {
			branch, ok := e.selectBranch(step.Switch, timeline)
			if !ok {
				continue
			}
			if err := e.runSteps(ctx, branch, timeline, run, outputs); err != nil {
				return err
			}
			return nil
		}
	}

	var completedOutputs map[string]any
	if len(outputs) > 0 {
		completedOutputs = outputs
	}
	return e.complete(ctx, run, events.OutcomeSuccess, completedOutputs)
}

// syntheticTransition is a local (unpersisted) bookkeeping record used only
// to let runSteps see the outcome of the step it just ran without a second
// read-ordered round trip. For capsule steps the persisted record was
// already published by runCapsuleStep; approval, timer and switch steps
// publish no state.transitioned of their own and are evaluated again from
// their gate/timer events on each Advance.
func (e *Engine) syntheticTransition(run Run, stepID, outcome string) events.Envelope {
	return events.Envelope{
		Event:             events.KindStateTransitioned,
		Tenant:            run.Tenant,
		RitualID:          run.RitualID,
		RunID:             run.RunID,
		StateTransitioned: &events.StateTransitioned{From: stepPendingLabel(stepID), To: outcome},
	}
}

// stepResult is a step runner's outcome. ErrorKind is only meaningful when
// Outcome is "failure"; it lets runSteps label the run's completion reason
// (e.g. "policy_denied" vs the generic "step_failed") without the runner
// publishing a second, conflicting ritual.completed itself.
type stepResult struct {
	Outcome   string
	Suspended bool
	ErrorKind string
	Outputs   map[string]any
}

func (e *Engine) runStep(ctx context.Context, step Step, timeline []events.Envelope, run Run) (stepResult, error) {
	switch step.Kind {
	case StepCapsule:
		return e.runCapsuleStep(ctx, step, run)
	case StepApproval:
		return e.runApprovalStep(ctx, step, timeline, run)
	case StepTimer:
		return e.runTimerStep(ctx, step, timeline, run)
	case StepSwitch:
		// Switch itself never fails or suspends; branch selection happens
		// in runSteps after this returns.
		return stepResult{Outcome: "success"}, nil
	default:
		return stepResult{}, fmt.Errorf("unknown step kind %q", step.Kind)
	}
}

func (e *Engine) transition(ctx context.Context, run Run, stepID, to string) error {
	env := events.Envelope{
		Event:             events.KindStateTransitioned,
		TS:                time.Now().UTC(),
		Tenant:            run.Tenant,
		RitualID:          run.RitualID,
		RunID:             run.RunID,
		StateTransitioned: &events.StateTransitioned{From: stepPendingLabel(stepID), To: to},
	}
	messageID := fmt.Sprintf("%s:step:%s:%s", run.RunID, stepID, to)
	_, err := e.log.Publish(ctx, run.Subject, messageID, env)
	return err
}

// enterStep publishes the "before" half of a step's state.transitioned pair
// (spec.md §4.7): the step is entering its pending/running state, recorded
// before any work that might fail is attempted, so a crash mid-step still
// leaves a record that the step was started.
func (e *Engine) enterStep(ctx context.Context, run Run, stepID string) error {
	env := events.Envelope{
		Event:             events.KindStateTransitioned,
		TS:                time.Now().UTC(),
		Tenant:            run.Tenant,
		RitualID:          run.RitualID,
		RunID:             run.RunID,
		StateTransitioned: &events.StateTransitioned{From: "start", To: stepPendingLabel(stepID)},
	}
	messageID := fmt.Sprintf("%s:step:%s:enter", run.RunID, stepID)
	_, err := e.log.Publish(ctx, run.Subject, messageID, env)
	return err
}

func (e *Engine) runCapsuleStep(ctx context.Context, step Step, run Run) (stepResult, error) {
	c := step.Capsule

	if err := e.enterStep(ctx, run, step.ID); err != nil {
		return stepResult{}, err
	}

	decision := e.wardsK.Evaluate(ctx, run.Tenant, c.Capability)
	policyEnv := events.Envelope{
		Event:          events.KindPolicyDecision,
		TS:             time.Now().UTC(),
		Tenant:         run.Tenant,
		RitualID:       run.RitualID,
		RunID:          run.RunID,
		PolicyDecision: decision.ToEvent(run.Tenant, c.Capability),
	}
	messageID := fmt.Sprintf("%s:step:%s:policy", run.RunID, step.ID)
	if _, err := e.log.Publish(ctx, run.Subject, messageID, policyEnv); err != nil {
		return stepResult{}, fmt.Errorf("publish policy.decision: %w", err)
	}
	if !decision.Allowed {
		// spec.md §4.7 "Policy denial: terminal failure" — runSteps drives
		// the single ritual.completed publish, tagged policy_denied here.
		return stepResult{Outcome: "failure", ErrorKind: "policy_denied"}, nil
	}

	spec := containerexec.Spec{
		ImageDigest:    c.ImageDigest,
		Command:        c.Command,
		Env:            c.Env,
		WorkspaceDir:   e.workspaceRootDir,
		ArtifactsDir:   e.artifactsRootDir,
		EnvelopePath:   fmt.Sprintf("/workspace/.artifacts/%s-envelope.json", step.ID),
		TimeoutSeconds: 60,
	}

	result, err := e.capsules.Run(ctx, spec)
	if err != nil {
		return stepResult{}, fmt.Errorf("capsule run: %w", err)
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	if err := e.transition(ctx, run, step.ID, outcome); err != nil {
		return stepResult{}, err
	}
	return stepResult{Outcome: outcome, Outputs: result.Outputs}, nil
}

func (e *Engine) runApprovalStep(ctx context.Context, step Step, timeline []events.Envelope, run Run) (stepResult, error) {
	a := step.Approval
	gate := approval.Fold(timeline, a.GateID)

	switch gate.State {
	case approval.GateAbsent:
		now := time.Now().UTC()
		if err := e.approvals.RequestApproval(ctx, run.Subject, run.Tenant, run.RitualID, run.RunID, a.GateID, a.Approvers, a.TTLSeconds, a.Reason, now); err != nil {
			return stepResult{}, err
		}
		// spec.md §4.4/§4.7: the engine is the single logical executor for
		// its run, so scheduling the expiry timer here (rather than in an
		// external caller) cannot race another scheduler. Wheel.Schedule is
		// idempotent by timer id, so a re-entrant Advance after a crash
		// just no-ops the second call.
		if a.TTLSeconds > 0 {
			w := timer.New(e.log, run.Subject, e.telemetry)
			if err := w.Restore(ctx); err != nil {
				return stepResult{}, err
			}
			due := now.Add(time.Duration(a.TTLSeconds) * time.Second)
			if err := w.Schedule(ctx, approval.ExpiryTimerID(run.RunID, a.GateID), due, run.Tenant, run.RitualID, run.RunID); err != nil {
				return stepResult{}, err
			}
		}
		return stepResult{Suspended: true}, nil
	case approval.GatePending:
		return stepResult{Suspended: true}, nil
	case approval.GateGranted:
		return stepResult{Outcome: "success"}, nil
	case approval.GateDenied:
		return stepResult{Outcome: "failure", ErrorKind: "approval_denied"}, nil
	default:
		return stepResult{}, fmt.Errorf("unknown gate state %q", gate.State)
	}
}

func (e *Engine) runTimerStep(ctx context.Context, step Step, timeline []events.Envelope, run Run) (stepResult, error) {
	timerID := fmt.Sprintf("%s:step:%s:timer", run.RunID, step.ID)
	w := timer.New(e.log, run.Subject, e.telemetry)
	if err := w.Restore(ctx); err != nil {
		return stepResult{}, err
	}

	fired := false
	for _, env := range timeline {
		if env.Event == events.KindTimerFired && env.TimerFired != nil && env.TimerFired.TimerID == timerID {
			fired = true
			break
		}
	}
	if fired {
		return stepResult{Outcome: "success"}, nil
	}

	due := time.Now().UTC().Add(time.Duration(step.Timer.DurationSeconds) * time.Second)
	if err := w.Schedule(ctx, timerID, due, run.Tenant, run.RitualID, run.RunID); err != nil {
		return stepResult{}, err
	}
	return stepResult{Suspended: true}, nil
}

func (e *Engine) selectBranch(sw *SwitchStep, timeline []events.Envelope) ([]Step, bool) {
	for _, cond := range sw.Conditions {
		if cond.Binding == "" {
			return cond.Steps, true // default/else branch
		}
		outcome, ok := stepOutcomeFor(timeline, cond.Binding)
		if ok && (outcome == cond.Equals || (cond.Equals == "" && outcome != "")) {
			return cond.Steps, true
		}
	}
	return nil, false
}

func (e *Engine) complete(ctx context.Context, run Run, outcome events.Outcome, outputs map[string]any) error {
	env := events.Envelope{
		Event:    events.KindRitualCompleted,
		TS:       time.Now().UTC(),
		Tenant:   run.Tenant,
		RitualID: run.RitualID,
		RunID:    run.RunID,
		RitualCompleted: &events.RitualCompleted{
			Outcome: outcome,
			Success: outcome == events.OutcomeSuccess,
			Outputs: outputs,
		},
	}
	_, err := e.log.Publish(ctx, run.Subject, run.RunID+":completed", env)
	if err != nil {
		return fmt.Errorf("publish ritual.completed: %w", err)
	}
	return nil
}
