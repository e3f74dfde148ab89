// Package agent provides an engine that delegates step execution to a remote
// agent service over HTTP. The service receives the full step context and
// answers with a structured envelope carrying the result, routing signal,
// transcript, and any events to persist.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"

	"stepflow/runtime"
)

const EngineID = "agent-http"

// Config holds the remote engine configuration with declarative tags.
type Config struct {
	Endpoint    string        `yaml:"endpoint" validate:"required,url"`
	Timeout     time.Duration `yaml:"timeout" default:"5m" validate:"gte=1s"`
	MaxRetries  int           `yaml:"max_retries" default:"0" validate:"gte=0,lte=5"`
	RetryWaitMS int           `yaml:"retry_wait_ms" default:"250" validate:"gte=0,lte=10000"`
}

// Engine posts step contexts to a remote agent endpoint.
type Engine struct {
	cfg    Config
	client *resty.Client
}

func New(cfg Config) (*Engine, error) {
	if err := runtime.PrepareConfig(&cfg); err != nil {
		return nil, err
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(time.Duration(cfg.RetryWaitMS) * time.Millisecond)
	return &Engine{cfg: cfg, client: client}, nil
}

func (e *Engine) EngineID() string {
	return EngineID
}

// stepRequest is the wire form of a step dispatch.
type stepRequest struct {
	RunID     string         `json:"run_id"`
	FlowKey   string         `json:"flow_key"`
	StepID    string         `json:"step_id"`
	StepIndex int            `json:"step_index"`
	StepTotal int            `json:"step_total"`
	Role      string         `json:"role"`
	Agents    []string       `json:"agents"`
	Iteration int            `json:"iteration"`
	Params    map[string]any `json:"params,omitempty"`
	History   string         `json:"history"`
}

func (e *Engine) RunStep(ctx context.Context, sc runtime.StepContext) (runtime.StepResult, []runtime.Event, []runtime.TranscriptRecord) {
	started := time.Now()

	fail := func(format string, args ...any) (runtime.StepResult, []runtime.Event, []runtime.TranscriptRecord) {
		return runtime.StepResult{
			StepID:   sc.StepID,
			AgentKey: sc.AgentKey(),
			Status:   runtime.StepFailed,
			Error:    fmt.Sprintf(format, args...),
			Duration: time.Since(started),
		}, nil, nil
	}

	req := stepRequest{
		RunID:     sc.RunID,
		FlowKey:   sc.FlowKey,
		StepID:    sc.StepID,
		StepIndex: sc.StepIndex,
		StepTotal: sc.StepTotal,
		Role:      sc.Role,
		Agents:    sc.Agents,
		Iteration: sc.Iteration,
		Params:    sc.Spec.Params,
		History:   sc.History,
	}

	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(e.cfg.Endpoint)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.StepResult{
				StepID:   sc.StepID,
				AgentKey: sc.AgentKey(),
				Status:   runtime.StepCancelled,
				Error:    ctx.Err().Error(),
				Duration: time.Since(started),
			}, nil, nil
		}
		return fail("agent request failed: %v", err)
	}
	if resp.IsError() {
		return fail("agent returned %s: %s", resp.Status(), resp.String())
	}

	envelope, err := gabs.ParseJSON(resp.Body())
	if err != nil {
		return fail("agent returned malformed envelope: %v", err)
	}

	result := e.parseResult(sc, envelope, time.Since(started))
	events := parseEvents(envelope, sc.StepID)
	transcript := parseTranscript(envelope)
	return result, events, transcript
}

// parseResult reads the contract fields out of the envelope. Agent services
// differ in how much they report, so parsing is tolerant: only the status
// field is demanded, everything else defaults.
func (e *Engine) parseResult(sc runtime.StepContext, envelope *gabs.Container, elapsed time.Duration) runtime.StepResult {
	result := runtime.StepResult{
		StepID:   sc.StepID,
		AgentKey: sc.AgentKey(),
		Duration: elapsed,
	}

	status, ok := envelope.Path("status").Data().(string)
	if !ok || status == "" {
		result.Status = runtime.StepFailed
		result.Error = "agent envelope missing status"
		return result
	}
	result.Status = runtime.StepStatus(status)
	switch result.Status {
	case runtime.StepSucceeded, runtime.StepFailed, runtime.StepSkipped, runtime.StepCancelled:
	default:
		result.Status = runtime.StepFailed
		result.Error = fmt.Sprintf("agent reported unknown status %q", status)
		return result
	}

	if v, ok := envelope.Path("verification").Data().(string); ok {
		switch verification := runtime.Verification(v); verification {
		case runtime.VerifiedStatus, runtime.UnverifiedStatus, runtime.BlockedStatus, runtime.VerificationNone:
			result.Verification = verification
		default:
			result.Status = runtime.StepFailed
			result.Error = fmt.Sprintf("agent reported unknown verification %q", v)
			return result
		}
	}
	if out, ok := envelope.Path("output").Data().(string); ok {
		result.Output = out
	}
	if errMsg, ok := envelope.Path("error").Data().(string); ok {
		result.Error = errMsg
	}
	if model, ok := envelope.Path("model").Data().(string); ok {
		result.Model = model
	}

	if routing := envelope.Path("routing"); routing != nil && routing.Data() != nil {
		signal := &runtime.RoutingSignal{}
		if rec, ok := routing.Path("recommendation").Data().(string); ok {
			signal.Recommendation = rec
		}
		if reason, ok := routing.Path("reason").Data().(string); ok {
			signal.Reason = reason
		}
		if help, ok := routing.Path("can_further_iteration_help").Data().(bool); ok {
			signal.CanFurtherIterationHelp = help
		}
		result.Routing = signal
	}

	if tokens := envelope.Path("tokens"); tokens != nil && tokens.Data() != nil {
		use := &runtime.TokenUse{}
		if in, ok := tokens.Path("input").Data().(float64); ok {
			use.Input = int64(in)
		}
		if out, ok := tokens.Path("output").Data().(float64); ok {
			use.Output = int64(out)
		}
		result.Tokens = use
	}

	if result.Status == runtime.StepFailed && result.Error == "" {
		result.Error = "agent reported failure without detail"
	}
	return result
}

func parseEvents(envelope *gabs.Container, stepID string) []runtime.Event {
	children := envelope.Path("events").Children()
	if len(children) == 0 {
		return nil
	}
	events := make([]runtime.Event, 0, len(children))
	for _, child := range children {
		kind, ok := child.Path("kind").Data().(string)
		if !ok || kind == "" {
			continue
		}
		ev := runtime.Event{Kind: kind, StepID: stepID}
		if payload, ok := child.Path("payload").Data().(map[string]any); ok {
			ev.Payload = payload
		}
		events = append(events, ev)
	}
	return events
}

func parseTranscript(envelope *gabs.Container) []runtime.TranscriptRecord {
	children := envelope.Path("transcript").Children()
	if len(children) == 0 {
		return nil
	}
	records := make([]runtime.TranscriptRecord, 0, len(children))
	for _, child := range children {
		role, _ := child.Path("role").Data().(string)
		content, _ := child.Path("content").Data().(string)
		if role == "" {
			continue
		}
		records = append(records, runtime.TranscriptRecord{Role: role, Content: content})
	}
	return records
}
