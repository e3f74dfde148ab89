package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine replays canned results per step id, one per iteration, and can
// block on a chosen step until cancelled.
type fakeEngine struct {
	mu         sync.Mutex
	results    map[string][]StepResult
	dispatched []string
	blockOn    string
	started    chan struct{} // closed once the blocking step is entered
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{results: make(map[string][]StepResult), started: make(chan struct{})}
}

func (f *fakeEngine) EngineID() string { return "fake" }

func (f *fakeEngine) RunStep(ctx context.Context, sc StepContext) (StepResult, []Event, []TranscriptRecord) {
	f.mu.Lock()
	f.dispatched = append(f.dispatched, sc.StepID)
	f.mu.Unlock()

	if sc.StepID == f.blockOn {
		close(f.started)
		<-ctx.Done()
		return StepResult{StepID: sc.StepID, Status: StepCancelled, Error: ctx.Err().Error()}, nil, nil
	}

	seq, ok := f.results[sc.StepID]
	if !ok || len(seq) == 0 {
		return StepResult{StepID: sc.StepID, Status: StepSucceeded, Output: "ok"}, nil, nil
	}
	idx := sc.Iteration - 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	r := seq[idx]
	r.StepID = sc.StepID
	return r, nil, nil
}

func (f *fakeEngine) dispatches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dispatched...)
}

func testConfig(t *testing.T) Config {
	t.Helper()
	var cfg Config
	require.NoError(t, PrepareConfig(&cfg))
	cfg.StepTimeout = 5 * time.Second
	return cfg
}

func testRegistry(t *testing.T, flows ...Flow) *FlowRegistry {
	t.Helper()
	r, err := NewFlowRegistry(t.TempDir())
	require.NoError(t, err)
	for _, f := range flows {
		require.NoError(t, r.Register(f))
	}
	return r
}

func buildFlow() Flow {
	return Flow{Key: "build", Steps: []Step{
		{ID: "author", Role: "Implement the change", Agents: []string{"code-implementer"}},
		{ID: "critic", Role: "Review the change", Agents: []string{"code-critic"}},
	}}
}

func newTestOrchestrator(t *testing.T, engine Engine, flows ...Flow) (*Orchestrator, *FileLedger) {
	t.Helper()
	ledger := newTestLedger(t)
	orch := NewOrchestrator(slog.Default(), ledger, testRegistry(t, flows...), engine, testConfig(t))
	return orch, ledger
}

func TestOrchestrator_AllVerifiedVisitsEachStepOnce(t *testing.T) {
	engine := newFakeEngine()
	engine.results["author"] = []StepResult{{Status: StepSucceeded, Output: "done"}}
	engine.results["critic"] = []StepResult{{Status: StepSucceeded, Verification: VerifiedStatus}}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "critic"}, engine.dispatches())

	history, err := ledger.ReadHistory("run-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestOrchestrator_MicroloopConvergesWithinCap(t *testing.T) {
	engine := newFakeEngine()
	engine.results["critic"] = []StepResult{
		{Status: StepSucceeded, Verification: UnverifiedStatus, Routing: &RoutingSignal{Recommendation: "retry", CanFurtherIterationHelp: true}},
		{Status: StepSucceeded, Verification: UnverifiedStatus, Routing: &RoutingSignal{Recommendation: "retry", CanFurtherIterationHelp: true}},
		{Status: StepSucceeded, Verification: VerifiedStatus},
	}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "critic", "critic", "critic"}, engine.dispatches())

	// Loop iterations are observable in the event stream.
	events, err := ledger.ReadEvents("run-1")
	require.NoError(t, err)
	var loops int
	for _, ev := range events {
		if ev.Kind == EventLoopIteration {
			loops++
		}
	}
	assert.Equal(t, 2, loops)

	// One receipt per critic dispatch.
	var criticReceipts int
	for _, ev := range events {
		if ev.Kind == EventStepEnded && ev.StepID == "critic" {
			criticReceipts++
		}
	}
	assert.Equal(t, 3, criticReceipts)
}

func TestOrchestrator_LoopCapExhausted(t *testing.T) {
	engine := newFakeEngine()
	engine.results["critic"] = []StepResult{
		{Status: StepSucceeded, Verification: UnverifiedStatus, Routing: &RoutingSignal{CanFurtherIterationHelp: true}},
	}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	require.Error(t, err)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindLoopExhausted, re.Kind)
	assert.Equal(t, "critic", re.Step)
	// Cap of 3 means exactly 3 critic dispatches.
	assert.Equal(t, []string{"author", "critic", "critic", "critic"}, engine.dispatches())
}

func TestOrchestrator_UnverifiedCannotHelpEscalates(t *testing.T) {
	engine := newFakeEngine()
	engine.results["critic"] = []StepResult{
		{Status: StepSucceeded, Verification: UnverifiedStatus, Routing: &RoutingSignal{Recommendation: "escalate", CanFurtherIterationHelp: false}},
	}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindLoopExhausted, re.Kind)
	// No second dispatch: iteration cannot help.
	assert.Equal(t, []string{"author", "critic"}, engine.dispatches())
}

func TestOrchestrator_BlockedHaltsImmediately(t *testing.T) {
	engine := newFakeEngine()
	engine.results["author"] = []StepResult{
		{Status: StepSucceeded, Verification: BlockedStatus, Routing: &RoutingSignal{Reason: "requires human sign-off"}},
	}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindBlocked, re.Kind)
	assert.Equal(t, "requires human sign-off", re.Message)
	// The critic never dispatches.
	assert.Equal(t, []string{"author"}, engine.dispatches())
}

func TestOrchestrator_EngineFailureIsFatal(t *testing.T) {
	engine := newFakeEngine()
	engine.results["author"] = []StepResult{{Status: StepFailed, Error: "backend exploded"}}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindEngineExecution, re.Kind)
	assert.Contains(t, re.Message, "backend exploded")
	assert.Equal(t, []string{"author"}, engine.dispatches())
}

func TestOrchestrator_RoutingWithoutVerificationAdvances(t *testing.T) {
	engine := newFakeEngine()
	engine.results["author"] = []StepResult{
		{Status: StepSucceeded, Routing: &RoutingSignal{Recommendation: "advance"}},
	}
	engine.results["critic"] = []StepResult{{Status: StepSucceeded, Verification: VerifiedStatus}}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "critic"}, engine.dispatches())
}

func TestOrchestrator_ZeroAgentsFailsFast(t *testing.T) {
	flow := Flow{Key: "bad", Steps: []Step{{ID: "solo", Role: "Do the thing"}}}
	engine := newFakeEngine()
	// Register bypasses the load-time agent check on purpose; the
	// orchestrator must still refuse before dispatch.
	orch, ledger := newTestOrchestrator(t, engine, flow)
	spec := RunSpec{FlowKeys: []string{"bad"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindConfiguration, re.Kind)
	assert.Empty(t, engine.dispatches())
}

func TestOrchestrator_ConditionSkipsStep(t *testing.T) {
	flow := Flow{Key: "cond", Steps: []Step{
		{ID: "always", Role: "Always runs", Agents: []string{"a"}},
		{ID: "gated", Role: "Runs when enabled", Agents: []string{"b"}, Condition: "params.enabled == true"},
		{ID: "last", Role: "Always runs too", Agents: []string{"c"}},
	}}
	engine := newFakeEngine()

	orch, ledger := newTestOrchestrator(t, engine, flow)
	spec := RunSpec{FlowKeys: []string{"cond"}, Engine: "fake", Params: map[string]any{"enabled": false}}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	require.NoError(t, err)
	assert.Equal(t, []string{"always", "last"}, engine.dispatches())

	history, err := ledger.ReadHistory("run-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StepSkipped, history[1].Status)

	// A skipped result still gets its receipt.
	data, err := os.ReadFile(filepath.Join(ledger.base, "run-1", "cond", "receipts", "gated-b.json"))
	require.NoError(t, err)
	var rc Receipt
	require.NoError(t, json.Unmarshal(data, &rc))
	assert.Equal(t, StepSkipped, rc.Status)
	assert.Equal(t, int64(0), rc.DurationMS)
}

func TestOrchestrator_CancellationAtDispatchBoundary(t *testing.T) {
	engine := newFakeEngine()
	engine.blockOn = "author"

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- orch.ExecuteRun(ctx, "run-1", spec) }()

	<-engine.started
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errRunCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not observe cancellation")
	}
	// The in-flight step returned; nothing dispatched afterwards.
	assert.Equal(t, []string{"author"}, engine.dispatches())
}

func TestOrchestrator_EventSeqStrictlyIncreasingAcrossMicroloop(t *testing.T) {
	engine := newFakeEngine()
	engine.results["critic"] = []StepResult{
		{Status: StepSucceeded, Verification: UnverifiedStatus, Routing: &RoutingSignal{CanFurtherIterationHelp: true}},
		{Status: StepSucceeded, Verification: VerifiedStatus},
	}

	orch, ledger := newTestOrchestrator(t, engine, buildFlow())
	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))
	require.NoError(t, orch.ExecuteRun(context.Background(), "run-1", spec))

	events, err := ledger.ReadEvents("run-1")
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestOrchestrator_StepTimeoutIsEngineFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.blockOn = "author"

	ledger := newTestLedger(t)
	cfg := testConfig(t)
	cfg.StepTimeout = 50 * time.Millisecond
	orch := NewOrchestrator(slog.Default(), ledger, testRegistry(t, buildFlow()), engine, cfg)

	spec := RunSpec{FlowKeys: []string{"build"}, Engine: "fake"}
	require.NoError(t, ledger.CreateRun("run-1", spec))

	err := orch.ExecuteRun(context.Background(), "run-1", spec)
	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindEngineExecution, re.Kind)
	assert.Contains(t, re.Message, "timeout")
}
