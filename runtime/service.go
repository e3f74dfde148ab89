package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrRunNotFound is returned for queries against an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// RunService owns run lifecycle: it allocates run ids, binds each run to one
// orchestrator+engine pair running in its own goroutine, and exposes the
// minimal surface consumed by the HTTP facade and the CLI. The run-id →
// handle map is the only shared mutable state; mutations take the write
// lock, queries the read lock.
type RunService struct {
	l        *slog.Logger
	ledger   Ledger
	registry *FlowRegistry
	cfg      Config

	mu      sync.RWMutex
	engines map[string]Engine
	handles map[string]*runHandle
}

type runHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunService(l *slog.Logger, ledger Ledger, registry *FlowRegistry, cfg Config) *RunService {
	return &RunService{
		l:        l,
		ledger:   ledger,
		registry: registry,
		cfg:      cfg,
		engines:  make(map[string]Engine),
		handles:  make(map[string]*runHandle),
	}
}

// RegisterEngine makes an engine selectable via RunSpec.Engine.
func (s *RunService) RegisterEngine(e Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.engines[e.EngineID()] = e
}

// Engines returns the registered engine ids.
func (s *RunService) Engines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.engines))
	for id := range s.engines {
		ids = append(ids, id)
	}
	return ids
}

// StartRun validates the run spec, persists initial metadata, begins
// asynchronous orchestration, and returns the new run id immediately.
func (s *RunService) StartRun(spec RunSpec) (string, error) {
	if err := validate.Struct(spec); err != nil {
		return "", newRunError(KindConfiguration, "", "", "invalid run spec: %v", err)
	}
	for _, key := range spec.FlowKeys {
		if _, err := s.registry.GetFlow(key); err != nil {
			return "", err
		}
	}

	s.mu.RLock()
	engine, ok := s.engines[spec.Engine]
	s.mu.RUnlock()
	if !ok {
		return "", newRunError(KindConfiguration, "", "", "unknown engine %q", spec.Engine)
	}

	runID := NewRunID()
	if err := s.ledger.CreateRun(runID, spec); err != nil {
		return "", fmt.Errorf("error creating run %s: %w", runID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.handles[runID] = handle
	s.mu.Unlock()

	go s.execute(ctx, runID, spec, engine, handle)

	s.l.Info("Run started", "run", runID, "flows", spec.FlowKeys, "engine", spec.Engine)
	return runID, nil
}

func (s *RunService) execute(ctx context.Context, runID string, spec RunSpec, engine Engine, handle *runHandle) {
	defer func() {
		handle.cancel()
		s.mu.Lock()
		delete(s.handles, runID)
		s.mu.Unlock()
		close(handle.done)
	}()

	meta, err := s.ledger.ReadMeta(runID)
	if err != nil {
		s.l.Error("Failed to read run meta before start", "run", runID, "error", err)
		return
	}

	now := time.Now().UTC()
	meta.Status = RunRunning
	meta.StartedAt = &now
	if err := s.ledger.WriteMeta(meta); err != nil {
		s.l.Error("Failed to mark run running", "run", runID, "error", err)
		return
	}
	if _, err := s.ledger.AppendEvent(runID, Event{
		Kind:    EventRunStarted,
		Payload: map[string]any{"flows": spec.FlowKeys, "engine": engine.EngineID(), "initiator": spec.Initiator},
	}); err != nil {
		s.l.Error("Failed to record run-started event", "run", runID, "error", err)
	}

	orch := NewOrchestrator(s.l, s.ledger, s.registry, engine, s.cfg)
	runErr := orch.ExecuteRun(ctx, runID, spec)

	completed := time.Now().UTC()
	meta.CompletedAt = &completed
	endPayload := map[string]any{}

	var re *RunError
	switch {
	case runErr == nil:
		meta.Status = RunSucceeded
	case errors.Is(runErr, errRunCancelled):
		meta.Status = RunCancelled
	case errors.As(runErr, &re):
		meta.Status = RunFailed
		meta.Error = re.Message
		meta.FailedStep = re.Step
		meta.FailureKind = string(re.Kind)
		endPayload["error"] = re.ToMap()
	default:
		meta.Status = RunFailed
		meta.Error = runErr.Error()
		endPayload["error"] = map[string]any{"message": runErr.Error()}
	}
	endPayload["status"] = string(meta.Status)

	if _, err := s.ledger.AppendEvent(runID, Event{Kind: EventRunEnded, Payload: endPayload}); err != nil {
		s.l.Error("Failed to record run-ended event", "run", runID, "error", err)
	}
	if err := s.ledger.WriteMeta(meta); err != nil {
		s.l.Error("Failed to write terminal run meta", "run", runID, "error", err)
	}

	s.l.Info("Run finished", "run", runID, "status", meta.Status, "error", meta.Error)
}

// GetRunSummary returns the run's metadata and its completed step results.
func (s *RunService) GetRunSummary(runID string) (RunSummary, error) {
	meta, err := s.ledger.ReadMeta(runID)
	if err != nil {
		return RunSummary{}, err
	}
	history, err := s.ledger.ReadHistory(runID)
	if err != nil {
		return RunSummary{}, err
	}
	return RunSummary{RunMeta: meta, History: history}, nil
}

// ReadEvents returns the run's full ordered event stream.
func (s *RunService) ReadEvents(runID string) ([]Event, error) {
	return s.ledger.ReadEvents(runID)
}

// ListRuns returns summaries (metadata only) for every stored run.
func (s *RunService) ListRuns() ([]RunMeta, error) {
	return s.ledger.ListRuns()
}

// CancelRun requests cooperative cancellation. Cancelling a run that is
// already terminal is a no-op.
func (s *RunService) CancelRun(runID string) error {
	s.mu.RLock()
	handle, ok := s.handles[runID]
	s.mu.RUnlock()

	if ok {
		handle.cancel()
		s.l.Info("Cancellation requested", "run", runID)
		return nil
	}

	// No in-flight handle: the run must exist and be terminal.
	if _, err := s.ledger.ReadMeta(runID); err != nil {
		return err
	}
	return nil
}

// Wait blocks until the run's goroutine exits or ctx is done. Returns
// immediately for runs that are not in flight.
func (s *RunService) Wait(ctx context.Context, runID string) error {
	s.mu.RLock()
	handle, ok := s.handles[runID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
