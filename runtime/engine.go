package runtime

import (
	"context"
	"time"
)

// StepStatus is the execution-level outcome of one engine call.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Verification is the content-level judgment embedded by engines that
// implement the microloop protocol. It is a closed set; anything else an
// engine reports is rejected at the contract boundary.
type Verification string

const (
	// VerificationNone means the engine embedded no judgment; the
	// orchestrator treats this as verified (silence never loops).
	VerificationNone Verification = ""
	VerifiedStatus   Verification = "verified"
	UnverifiedStatus Verification = "unverified"
	BlockedStatus    Verification = "blocked"
)

// RoutingSignal is an engine's structured recommendation for what should
// happen after the step, plus whether another microloop iteration is
// expected to help.
type RoutingSignal struct {
	Recommendation          string `json:"recommendation,omitempty"` // retry | advance | escalate
	Reason                  string `json:"reason,omitempty"`
	CanFurtherIterationHelp bool   `json:"can_further_iteration_help"`
}

// StepResult is the immutable output of one engine dispatch.
type StepResult struct {
	StepID       string         `json:"step_id"`
	AgentKey     string         `json:"agent_key"`
	Status       StepStatus     `json:"status"`
	Verification Verification   `json:"verification,omitempty"`
	Output       string         `json:"output,omitempty"`
	Error        string         `json:"error,omitempty"`
	Duration     time.Duration  `json:"duration_ns"`
	Routing      *RoutingSignal `json:"routing,omitempty"`
	Tokens       *TokenUse      `json:"tokens,omitempty"`
	Model        string         `json:"model,omitempty"`
}

// StepContext is the ephemeral input for one engine dispatch. It is built
// fresh per dispatch and never persisted; History is the budgeted rendering
// of all completed prior step results.
type StepContext struct {
	RunID     string
	FlowKey   string
	StepID    string
	StepIndex int
	StepTotal int
	Role      string
	Agents    []string
	Iteration int
	Spec      RunSpec
	History   string
}

// AgentKey returns the primary agent assigned to the step.
func (sc StepContext) AgentKey() string {
	if len(sc.Agents) == 0 {
		return ""
	}
	return sc.Agents[0]
}

// Engine executes exactly one step. Implementations must be behaviorally
// interchangeable: they never write to the ledger (events and transcript
// records are returned for the orchestrator to persist), never panic across
// the boundary (internal failures become a StepResult with Status failed and
// a non-empty Error), and honor ctx cancellation cooperatively, reporting
// Status cancelled once they observe it.
type Engine interface {
	EngineID() string
	RunStep(ctx context.Context, sc StepContext) (StepResult, []Event, []TranscriptRecord)
}
