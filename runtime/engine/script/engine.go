// Package script provides a deterministic in-process engine. Step outcomes
// are scripted through the run spec's params, which makes it the engine of
// choice for tests, demos, and CI where no real backend should be called.
package script

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"

	"stepflow/runtime"
)

const EngineID = "script"

// Outcome describes one scripted dispatch of a step. A step with more
// dispatches than outcomes keeps receiving the last one.
type Outcome struct {
	Status                  string `json:"status"`
	Verification            string `json:"verification"`
	Output                  string `json:"output"`
	Error                   string `json:"error"`
	Recommendation          string `json:"recommendation"`
	Reason                  string `json:"reason"`
	CanFurtherIterationHelp bool   `json:"can_further_iteration_help"`
	Model                   string `json:"model"`
	// SleepMS simulates a long-running step; the sleep is interruptible so
	// cancellation behavior can be exercised.
	SleepMS int `json:"sleep_ms"`
}

// Engine reads its script from spec params under the "script" key:
// a map of step id to ordered outcomes, one per dispatch.
type Engine struct{}

func New() *Engine {
	return &Engine{}
}

func (e *Engine) EngineID() string {
	return EngineID
}

func (e *Engine) RunStep(ctx context.Context, sc runtime.StepContext) (runtime.StepResult, []runtime.Event, []runtime.TranscriptRecord) {
	started := time.Now()

	fail := func(msg string) (runtime.StepResult, []runtime.Event, []runtime.TranscriptRecord) {
		return runtime.StepResult{
			StepID:   sc.StepID,
			AgentKey: sc.AgentKey(),
			Status:   runtime.StepFailed,
			Error:    msg,
			Duration: time.Since(started),
		}, nil, nil
	}

	outcome, err := e.outcomeFor(sc)
	if err != nil {
		return fail(err.Error())
	}

	// Status and verification are closed sets; an unknown value is a contract
	// violation, not something to pass through.
	switch runtime.StepStatus(outcome.Status) {
	case "", runtime.StepSucceeded, runtime.StepFailed, runtime.StepSkipped, runtime.StepCancelled:
	default:
		return fail(fmt.Sprintf("script declared unknown status %q", outcome.Status))
	}
	switch runtime.Verification(outcome.Verification) {
	case runtime.VerificationNone, runtime.VerifiedStatus, runtime.UnverifiedStatus, runtime.BlockedStatus:
	default:
		return fail(fmt.Sprintf("script declared unknown verification %q", outcome.Verification))
	}

	if outcome.SleepMS > 0 {
		select {
		case <-time.After(time.Duration(outcome.SleepMS) * time.Millisecond):
		case <-ctx.Done():
			return runtime.StepResult{
				StepID:   sc.StepID,
				AgentKey: sc.AgentKey(),
				Status:   runtime.StepCancelled,
				Error:    ctx.Err().Error(),
				Duration: time.Since(started),
			}, nil, nil
		}
	}

	result := runtime.StepResult{
		StepID:       sc.StepID,
		AgentKey:     sc.AgentKey(),
		Status:       runtime.StepStatus(outcome.Status),
		Verification: runtime.Verification(outcome.Verification),
		Output:       outcome.Output,
		Error:        outcome.Error,
		Model:        outcome.Model,
		Duration:     time.Since(started),
	}
	if result.Status == "" {
		result.Status = runtime.StepSucceeded
	}
	if result.Output == "" && result.Status == runtime.StepSucceeded {
		result.Output = fmt.Sprintf("Scripted output for step %s (%s), iteration %d.", sc.StepID, sc.Role, sc.Iteration)
	}
	if outcome.Recommendation != "" || outcome.Verification != "" {
		result.Routing = &runtime.RoutingSignal{
			Recommendation:          outcome.Recommendation,
			Reason:                  outcome.Reason,
			CanFurtherIterationHelp: outcome.CanFurtherIterationHelp,
		}
	}

	events := []runtime.Event{
		{Kind: runtime.EventToolStarted, StepID: sc.StepID, Payload: map[string]any{"tool": "script", "iteration": sc.Iteration}},
		{Kind: runtime.EventToolEnded, StepID: sc.StepID, Payload: map[string]any{"tool": "script", "status": string(result.Status)}},
	}

	transcript := []runtime.TranscriptRecord{
		{Role: "system", Content: fmt.Sprintf("You are %s. Role: %s", sc.AgentKey(), sc.Role)},
		{Role: "user", Content: sc.History},
		{Role: "assistant", Content: result.Output},
	}

	return result, events, transcript
}

// outcomeFor decodes the script from spec params and selects the outcome for
// the current iteration. An absent script or step entry yields a plain
// verified success.
func (e *Engine) outcomeFor(sc runtime.StepContext) (Outcome, error) {
	raw, ok := sc.Spec.Params["script"]
	if !ok {
		return Outcome{}, nil
	}

	var script map[string][]Outcome
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &script,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("script decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return Outcome{}, fmt.Errorf("invalid script params: %w", err)
	}

	outcomes, ok := script[sc.StepID]
	if !ok || len(outcomes) == 0 {
		return Outcome{}, nil
	}
	idx := sc.Iteration - 1
	if idx >= len(outcomes) {
		idx = len(outcomes) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return outcomes[idx], nil
}
