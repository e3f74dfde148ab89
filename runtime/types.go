package runtime

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RunStatus tracks a run's execution lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// RunSpec captures the intent of a run: which flows to execute, on which
// engine, and any engine-specific parameters.
type RunSpec struct {
	FlowKeys  []string       `json:"flow_keys" validate:"required,min=1,dive,required"`
	Engine    string         `json:"engine" validate:"required"`
	Initiator string         `json:"initiator,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
}

// RunMeta is the durable per-run metadata persisted as meta.json.
type RunMeta struct {
	ID          string     `json:"id"`
	Spec        RunSpec    `json:"spec"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Failure detail, populated when Status is failed.
	Error       string `json:"error,omitempty"`
	FailedStep  string `json:"failed_step,omitempty"`
	FailureKind string `json:"failure_kind,omitempty"`
}

// RunSummary is the query-surface view of a run: its metadata plus the
// completed step results read back from the ledger.
type RunSummary struct {
	RunMeta
	History []StepResult `json:"history,omitempty"`
}

// Event kinds emitted by the orchestrator and engines.
const (
	EventRunStarted    = "run-started"
	EventRunEnded      = "run-ended"
	EventStepStarted   = "step-started"
	EventStepEnded     = "step-ended"
	EventStepSkipped   = "step-skipped"
	EventToolStarted   = "tool-started"
	EventToolEnded     = "tool-ended"
	EventCriticResult  = "critic-result"
	EventLoopIteration = "loop-iteration"
)

// Event is an immutable, timestamped fact about run progress. Seq is
// assigned by the ledger at append time and is strictly increasing within
// a run.
type Event struct {
	Seq      int64          `json:"seq"`
	Kind     string         `json:"kind"`
	RunID    string         `json:"run_id"`
	Ts       time.Time      `json:"ts"`
	FlowKey  string         `json:"flow_key,omitempty"`
	StepID   string         `json:"step_id,omitempty"`
	AgentKey string         `json:"agent_key,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Receipt summarizes one step dispatch: who executed it, when, and with
// what outcome. One receipt per dispatch, microloop iterations included.
type Receipt struct {
	Engine      string     `json:"engine"`
	Model       string     `json:"model,omitempty"`
	RunID       string     `json:"run_id"`
	FlowKey     string     `json:"flow_key"`
	StepID      string     `json:"step_id"`
	AgentKey    string     `json:"agent_key"`
	Iteration   int        `json:"iteration"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at"`
	DurationMS  int64      `json:"duration_ms"`
	Status      StepStatus `json:"status"`
	Tokens      *TokenUse  `json:"tokens,omitempty"`
}

// TokenUse is optional token/cost accounting reported by an engine.
type TokenUse struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// TranscriptRecord is one raw interaction turn captured during a step.
type TranscriptRecord struct {
	Ts      time.Time `json:"ts"`
	Role    string    `json:"role"` // system | user | assistant | tool
	Content string    `json:"content"`
}

// NewRunID generates a sortable run identifier with an embedded UTC
// timestamp, e.g. "run-20260823-141502-3f9a2c".
func NewRunID() string {
	now := time.Now().UTC()
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return "run-" + now.Format("20060102-150405") + "-" + suffix
}
