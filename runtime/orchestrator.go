package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errRunCancelled marks cooperative cancellation; the run service maps it
// to the cancelled terminal status rather than failed.
var errRunCancelled = errors.New("run cancelled")

// Orchestrator drives the control-flow state machine for one run: it walks
// each flow's step sequence, builds budgeted context, dispatches the engine,
// persists everything the engine returns, and decides whether to advance,
// repeat the step (microloop), or halt.
type Orchestrator struct {
	l        *slog.Logger
	ledger   Ledger
	registry *FlowRegistry
	engine   Engine
	cfg      Config
	tracer   trace.Tracer
}

func NewOrchestrator(l *slog.Logger, ledger Ledger, registry *FlowRegistry, engine Engine, cfg Config) *Orchestrator {
	return &Orchestrator{
		l:        l,
		ledger:   ledger,
		registry: registry,
		engine:   engine,
		cfg:      cfg,
		tracer:   otel.Tracer("stepflow/runtime"),
	}
}

// ExecuteRun executes every requested flow in order, sharing one run-scoped
// history. Returns nil on success, errRunCancelled on cooperative
// cancellation, or a *RunError describing the terminal failure.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string, spec RunSpec) error {
	// Fetch and fail-fast-validate every flow before any dispatch.
	flows := make([]Flow, 0, len(spec.FlowKeys))
	for _, key := range spec.FlowKeys {
		flow, err := o.registry.GetFlow(key)
		if err != nil {
			return err
		}
		for _, s := range flow.Steps {
			if len(s.Agents) == 0 {
				return newRunError(KindConfiguration, key, s.ID, "step %q has no assigned agents", s.ID)
			}
		}
		flows = append(flows, flow)
	}

	var history []StepResult
	for _, flow := range flows {
		if err := o.executeFlow(ctx, runID, spec, flow, &history); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) executeFlow(ctx context.Context, runID string, spec RunSpec, flow Flow, history *[]StepResult) error {
	loopCount := make(map[string]int)

	i := 0
	for i < len(flow.Steps) {
		// Cancellation is honored at the dispatch boundary.
		if ctx.Err() != nil {
			return errRunCancelled
		}

		step := flow.Steps[i]

		if step.Condition != "" {
			met, err := evalCondition(step.Condition, conditionEnv(spec, *history))
			if err != nil {
				return newRunError(KindConfiguration, flow.Key, step.ID, "condition error: %v", err)
			}
			if !met {
				o.l.InfoContext(ctx, "Skipping step", "run", runID, "flow", flow.Key, "step", step.ID, "condition", step.Condition)
				if err := o.recordSkipped(runID, flow.Key, step, history); err != nil {
					return err
				}
				i++
				continue
			}
		}

		iteration := loopCount[step.ID] + 1
		loopCount[step.ID] = iteration

		result, err := o.dispatchStep(ctx, runID, spec, flow, step, i, iteration, *history)
		if err != nil {
			return err
		}
		*history = append(*history, result)

		switch decision := o.decide(result, iteration); decision {
		case decisionAdvance:
			i++
		case decisionLoop:
			o.l.InfoContext(ctx, "Microloop iteration",
				"run", runID, "flow", flow.Key, "step", step.ID, "iteration", iteration+1, "cap", o.cfg.MicroloopCap)
		case decisionCancelled:
			return errRunCancelled
		case decisionFailed:
			return o.failure(flow.Key, step.ID, result, iteration)
		}
	}
	return nil
}

type stepDecision int

const (
	decisionAdvance stepDecision = iota
	decisionLoop
	decisionFailed
	decisionCancelled
)

// decide interprets a step result's decision fields. Forward progress is the
// default: a result with no embedded verification, or with only a routing
// recommendation, advances.
func (o *Orchestrator) decide(result StepResult, iteration int) stepDecision {
	switch result.Status {
	case StepFailed:
		return decisionFailed
	case StepCancelled:
		return decisionCancelled
	}

	switch result.Verification {
	case BlockedStatus:
		return decisionFailed
	case UnverifiedStatus:
		canHelp := result.Routing != nil && result.Routing.CanFurtherIterationHelp
		if canHelp && iteration < o.cfg.MicroloopCap {
			return decisionLoop
		}
		return decisionFailed
	default:
		return decisionAdvance
	}
}

// failure maps a terminal step result to the error taxonomy.
func (o *Orchestrator) failure(flowKey, stepID string, result StepResult, iteration int) *RunError {
	switch {
	case result.Status == StepFailed:
		return newRunError(KindEngineExecution, flowKey, stepID, "engine execution failed: %s", result.Error)
	case result.Verification == BlockedStatus:
		reason := "engine reported blocked"
		if result.Routing != nil && result.Routing.Reason != "" {
			reason = result.Routing.Reason
		}
		return newRunError(KindBlocked, flowKey, stepID, "%s", reason)
	default:
		if iteration < o.cfg.MicroloopCap {
			return newRunError(KindLoopExhausted, flowKey, stepID,
				"unverified after %d iteration(s), further iteration cannot help", iteration)
		}
		return newRunError(KindLoopExhausted, flowKey, stepID,
			"microloop cap %d exhausted without verification", o.cfg.MicroloopCap)
	}
}

// dispatchStep executes one engine call and persists its full trail: the
// loop-iteration marker, step-started, every engine event in order, the
// transcript, the receipt, critic-result when a judgment is embedded, and
// step-ended carrying the result.
func (o *Orchestrator) dispatchStep(ctx context.Context, runID string, spec RunSpec, flow Flow, step Step, index, iteration int, history []StepResult) (StepResult, error) {
	sc := StepContext{
		RunID:     runID,
		FlowKey:   flow.Key,
		StepID:    step.ID,
		StepIndex: index,
		StepTotal: len(flow.Steps),
		Role:      step.Role,
		Agents:    step.Agents,
		Iteration: iteration,
		Spec:      spec,
		History:   BudgetHistory(history, o.cfg.Budget),
	}

	if iteration > 1 {
		if _, err := o.ledger.AppendEvent(runID, Event{
			Kind:     EventLoopIteration,
			FlowKey:  flow.Key,
			StepID:   step.ID,
			AgentKey: sc.AgentKey(),
			Payload:  map[string]any{"iteration": iteration, "cap": o.cfg.MicroloopCap},
		}); err != nil {
			return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
		}
	}

	if _, err := o.ledger.AppendEvent(runID, Event{
		Kind:     EventStepStarted,
		FlowKey:  flow.Key,
		StepID:   step.ID,
		AgentKey: sc.AgentKey(),
		Payload:  map[string]any{"iteration": iteration, "engine": o.engine.EngineID(), "role": step.Role},
	}); err != nil {
		return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
	}

	spanCtx, span := o.tracer.Start(ctx, "stepflow.step",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("flow.key", flow.Key),
			attribute.String("step.id", step.ID),
			attribute.Int("step.iteration", iteration),
			attribute.String("engine.id", o.engine.EngineID()),
		))

	stepCtx, cancel := context.WithTimeout(spanCtx, o.cfg.StepTimeout)
	started := time.Now().UTC()
	result, events, transcript := o.engine.RunStep(stepCtx, sc)
	completed := time.Now().UTC()
	timedOut := errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	// Normalize contract fields the engine must populate.
	if result.StepID == "" {
		result.StepID = step.ID
	}
	if result.AgentKey == "" {
		result.AgentKey = sc.AgentKey()
	}
	if result.Duration == 0 {
		result.Duration = completed.Sub(started)
	}

	// Exceeding the per-step ceiling is treated identically to an
	// engine-reported failure.
	if timedOut && result.Status != StepFailed {
		result.Status = StepFailed
		result.Error = "step timeout exceeded: " + o.cfg.StepTimeout.String()
	}

	if result.Status == StepFailed {
		span.SetStatus(codes.Error, result.Error)
	}
	span.End()

	for _, ev := range events {
		ev.FlowKey = flow.Key
		if ev.StepID == "" {
			ev.StepID = step.ID
		}
		if ev.AgentKey == "" {
			ev.AgentKey = sc.AgentKey()
		}
		if _, err := o.ledger.AppendEvent(runID, ev); err != nil {
			return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
		}
	}

	for _, rec := range transcript {
		if err := o.ledger.AppendTranscriptRecord(runID, flow.Key, step.ID, sc.AgentKey(), o.engine.EngineID(), rec); err != nil {
			return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
		}
	}

	receipt := Receipt{
		Engine:      o.engine.EngineID(),
		Model:       result.Model,
		RunID:       runID,
		FlowKey:     flow.Key,
		StepID:      step.ID,
		AgentKey:    sc.AgentKey(),
		Iteration:   iteration,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  result.Duration.Milliseconds(),
		Status:      result.Status,
		Tokens:      result.Tokens,
	}
	if err := o.ledger.WriteReceipt(runID, flow.Key, step.ID, sc.AgentKey(), receipt); err != nil {
		return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
	}

	if result.Verification != VerificationNone {
		payload := map[string]any{"verification": string(result.Verification), "iteration": iteration}
		if result.Routing != nil {
			payload["recommendation"] = result.Routing.Recommendation
			payload["can_further_iteration_help"] = result.Routing.CanFurtherIterationHelp
			if result.Routing.Reason != "" {
				payload["reason"] = result.Routing.Reason
			}
		}
		if _, err := o.ledger.AppendEvent(runID, Event{
			Kind:     EventCriticResult,
			FlowKey:  flow.Key,
			StepID:   step.ID,
			AgentKey: sc.AgentKey(),
			Payload:  payload,
		}); err != nil {
			return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
		}
	}

	if _, err := o.ledger.AppendEvent(runID, Event{
		Kind:     EventStepEnded,
		FlowKey:  flow.Key,
		StepID:   step.ID,
		AgentKey: sc.AgentKey(),
		Payload:  map[string]any{"iteration": iteration, "result": result},
	}); err != nil {
		return StepResult{}, o.storageFailure(flow.Key, step.ID, err)
	}

	o.l.InfoContext(ctx, "Step completed",
		"run", runID, "flow", flow.Key, "step", step.ID,
		"iteration", iteration, "status", result.Status, "verification", result.Verification,
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

func (o *Orchestrator) recordSkipped(runID, flowKey string, step Step, history *[]StepResult) error {
	result := StepResult{
		StepID:   step.ID,
		AgentKey: step.Agents[0],
		Status:   StepSkipped,
	}
	if _, err := o.ledger.AppendEvent(runID, Event{
		Kind:     EventStepSkipped,
		FlowKey:  flowKey,
		StepID:   step.ID,
		AgentKey: result.AgentKey,
		Payload:  map[string]any{"condition": step.Condition, "result": result},
	}); err != nil {
		return o.storageFailure(flowKey, step.ID, err)
	}

	// Skipped results still keep the one-receipt-per-result discipline.
	now := time.Now().UTC()
	receipt := Receipt{
		Engine:      o.engine.EngineID(),
		RunID:       runID,
		FlowKey:     flowKey,
		StepID:      step.ID,
		AgentKey:    result.AgentKey,
		Iteration:   1,
		StartedAt:   now,
		CompletedAt: now,
		Status:      StepSkipped,
	}
	if err := o.ledger.WriteReceipt(runID, flowKey, step.ID, result.AgentKey, receipt); err != nil {
		return o.storageFailure(flowKey, step.ID, err)
	}

	*history = append(*history, result)
	return nil
}

func (o *Orchestrator) storageFailure(flowKey, stepID string, err error) *RunError {
	re := newRunError(KindStorageUnavailable, flowKey, stepID, "ledger write failed: %v", err)
	re.Cause = err
	return re
}
