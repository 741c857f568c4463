package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/errkind"
	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/nodes"
	"github.com/casarerpa/casarerpa/internal/values"
	"github.com/casarerpa/casarerpa/internal/workflow"
)

func testRegistry() *nodes.Registry {
	r := nodes.NewRegistry()
	nodes.RegisterControlFlow(r)
	return r
}

func mustLoad(t *testing.T, doc workflow.Document) *workflow.Graph {
	t.Helper()
	g, err := workflow.Load(doc, testRegistry())
	require.NoError(t, err)
	return g
}

func newTestRunner(t *testing.T, g *workflow.Graph, opts ...Option) (*Runner, *execctx.Context) {
	t.Helper()
	jobID := values.NewJobID()
	ctx := execctx.New(jobID, zap.NewNop())
	bus := eventbus.New(zap.NewNop())
	return New(g, ctx, bus, zap.NewNop(), opts...), ctx
}

// s1Document mirrors scenario S1: Start -> SetVariable(counter=0) ->
// IncrementVariable(counter, by=5) -> End.
func s1Document() workflow.Document {
	return workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "s1", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "set", Type: nodes.TypeSetVariable, Name: "SetVariable", Config: map[string]any{"name": "counter", "value": float64(0)}},
			{NodeID: "inc", Type: nodes.TypeIncrementVariable, Name: "IncrementVariable", Config: map[string]any{"name": "counter", "by": float64(5)}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "set", TargetPort: values.ExecInPort},
			{SourceNode: "set", SourcePort: values.ExecOutPort, TargetNode: "inc", TargetPort: values.ExecInPort},
			{SourceNode: "inc", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}
}

func TestRun_LinearWorkflowCompletes(t *testing.T) {
	g := mustLoad(t, s1Document())
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "s1")
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, float64(5), ctx.Get("counter", nil))
	assert.Equal(t, 100.0, r.Progress())
	assert.Equal(t,
		[]values.NodeID{"start", "set", "inc", "end"},
		ctx.Path(),
	)
}

func TestRun_IfNodeRoutesToTrueBranch(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "branch", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "flag", Type: nodes.TypeSetVariable, Name: "flag", Config: map[string]any{"name": "flag", "value": true}},
			{NodeID: "branch", Type: nodes.TypeIf, Name: "If", Config: map[string]any{"variable": "flag"}},
			{NodeID: "true_set", Type: nodes.TypeSetVariable, Name: "true_set", Config: map[string]any{"name": "result", "value": "true_taken"}},
			{NodeID: "false_set", Type: nodes.TypeSetVariable, Name: "false_set", Config: map[string]any{"name": "result", "value": "false_taken"}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "flag", TargetPort: values.ExecInPort},
			{SourceNode: "flag", SourcePort: values.ExecOutPort, TargetNode: "branch", TargetPort: values.ExecInPort},
			{SourceNode: "branch", SourcePort: "true", TargetNode: "true_set", TargetPort: values.ExecInPort},
			{SourceNode: "branch", SourcePort: "false", TargetNode: "false_set", TargetPort: values.ExecInPort},
			{SourceNode: "true_set", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
			{SourceNode: "false_set", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "branch")
	assert.Equal(t, StateCompleted, state)
	assert.Equal(t, "true_taken", ctx.Get("result", nil))
	assert.NotContains(t, ctx.Path(), values.NodeID("false_set"))
}

// TestRun_IfNodeEvaluatesComparisonOperator mirrors scenario S2:
// Start -> SetVariable(x=10) -> If(x > 5) --true--> End, the false branch
// must never be visited.
func TestRun_IfNodeEvaluatesComparisonOperator(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "s2", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "set", Type: nodes.TypeSetVariable, Name: "SetVariable", Config: map[string]any{"name": "x", "value": float64(10)}},
			{NodeID: "branch", Type: nodes.TypeIf, Name: "If", Config: map[string]any{"variable": "x", "operator": ">", "value": float64(5)}},
			{NodeID: "false_set", Type: nodes.TypeSetVariable, Name: "false_set", Config: map[string]any{"name": "visited", "value": "false_branch"}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "set", TargetPort: values.ExecInPort},
			{SourceNode: "set", SourcePort: values.ExecOutPort, TargetNode: "branch", TargetPort: values.ExecInPort},
			{SourceNode: "branch", SourcePort: "true", TargetNode: "end", TargetPort: values.ExecInPort},
			{SourceNode: "branch", SourcePort: "false", TargetNode: "false_set", TargetPort: values.ExecInPort},
			{SourceNode: "false_set", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "s2")
	assert.Equal(t, StateCompleted, state)
	assert.NotContains(t, ctx.Path(), values.NodeID("false_set"))
	assert.Nil(t, ctx.Get("visited", nil))
}

// TestRun_ForEachLoopVisitsEveryItem exercises While/ForEach cycle handling:
// Start -> SetVariable(items) -> ForEach -> body: IncrementVariable(count) ->
// LoopEnd -> (re-enters ForEach) -> exec_out -> End.
func TestRun_ForEachLoopVisitsEveryItem(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "loop", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "items", Type: nodes.TypeSetVariable, Name: "items", Config: map[string]any{"name": "items", "value": []any{"a", "b", "c"}}},
			{NodeID: "loop", Type: nodes.TypeForEach, Name: "ForEach", Config: map[string]any{
				"collection_variable": "items", "item_variable": "item", "index_variable": "idx",
			}},
			{NodeID: "inc", Type: nodes.TypeIncrementVariable, Name: "inc", Config: map[string]any{"name": "count", "by": float64(1)}},
			{NodeID: "loopend", Type: nodes.TypeLoopEnd, Name: "LoopEnd"},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "items", TargetPort: values.ExecInPort},
			{SourceNode: "items", SourcePort: values.ExecOutPort, TargetNode: "loop", TargetPort: values.ExecInPort},
			{SourceNode: "loop", SourcePort: "body", TargetNode: "inc", TargetPort: values.ExecInPort},
			{SourceNode: "inc", SourcePort: values.ExecOutPort, TargetNode: "loopend", TargetPort: values.ExecInPort},
			{SourceNode: "loop", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "loop")
	require.Equal(t, StateCompleted, state)
	assert.Equal(t, float64(3), ctx.Get("count", nil))
}

// TestRun_TryCatchRoutesOnFailure builds Start -> Try -> try_body:
// ThrowError -> Try(catch) -> SetVariable(caught=true) -> End, exercising the
// scope-stack failure routing from a node inside try_body back to its Try.
func TestRun_TryCatchRoutesOnFailure(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "trycatch", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "try1", Type: nodes.TypeTry, Name: "Try"},
			{NodeID: "boom", Type: nodes.TypeThrowError, Name: "Throw", Config: map[string]any{"message": "boom", "error_type": "Transient"}},
			{NodeID: "caught", Type: nodes.TypeSetVariable, Name: "caught", Config: map[string]any{"name": "caught", "value": true}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "try1", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "try_body", TargetNode: "boom", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "catch", TargetNode: "caught", TargetPort: values.ExecInPort},
			{SourceNode: "caught", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "trycatch")
	require.Equal(t, StateCompleted, state)
	assert.Equal(t, true, ctx.Get("caught", nil))
}

// TestRun_TrySucceedsWithoutFailureViaTryEnd wires try_body to terminate in a
// TryEndNode instead of a throw, exercising the "clean completion" path.
func TestRun_TrySucceedsWithoutFailureViaTryEnd(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "tryok", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "try1", Type: nodes.TypeTry, Name: "Try"},
			{NodeID: "work", Type: nodes.TypeSetVariable, Name: "work", Config: map[string]any{"name": "worked", "value": true}},
			{NodeID: "tryend", Type: nodes.TypeTryEnd, Name: "TryEnd"},
			{NodeID: "onsuccess", Type: nodes.TypeSetVariable, Name: "onsuccess", Config: map[string]any{"name": "outcome", "value": "success"}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "try1", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "try_body", TargetNode: "work", TargetPort: values.ExecInPort},
			{SourceNode: "work", SourcePort: values.ExecOutPort, TargetNode: "tryend", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "success", TargetNode: "onsuccess", TargetPort: values.ExecInPort},
			{SourceNode: "onsuccess", SourcePort: values.ExecOutPort, TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "tryok")
	require.Equal(t, StateCompleted, state)
	assert.Equal(t, true, ctx.Get("worked", nil))
	assert.Equal(t, "success", ctx.Get("outcome", nil))
}

// flakyNode fails its first two executions then succeeds, used to exercise
// RetryNode's runner-driven re-entry loop (mirrors scenario S3).
type flakyNode struct{ nodes.Base }

func newFlakyNode(id values.NodeID, name string) *flakyNode {
	return &flakyNode{nodes.NewBase(id, name)}
}

func (n *flakyNode) Type() string      { return "Flaky" }
func (n *flakyNode) IsStartNode() bool { return false }
func (n *flakyNode) InputPorts() []nodes.PortDeclaration {
	return []nodes.PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *flakyNode) OutputPorts() []nodes.PortDeclaration {
	return []nodes.PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *flakyNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *flakyNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	attempts := ctx.Get("flaky_attempts", float64(0)).(float64)
	attempts++
	ctx.Set("flaky_attempts", attempts)
	if attempts < 3 {
		return values.ExecutionResult{Success: false, Error: "not yet", ErrorType: string(errkind.Transient)}
	}
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

// TestRun_RetryWrappingTryEventuallySucceeds wires Retry -> body -> Try ->
// try_body: Flaky; Try catch -> RetryFail; Try success -> RetrySuccess;
// Retry succeeded -> End. Flaky fails twice then succeeds, so the run
// completes on the third retry attempt.
func TestRun_RetryWrappingTryEventuallySucceeds(t *testing.T) {
	r := testRegistry()
	r.Register("Flaky", func(id values.NodeID, name string) nodes.Node { return newFlakyNode(id, name) })

	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "retry", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "retry1", Type: nodes.TypeRetry, Name: "Retry", Config: map[string]any{
				"max_attempts": float64(5), "initial_delay_ms": float64(1), "backoff_multiplier": float64(1),
			}},
			{NodeID: "try1", Type: nodes.TypeTry, Name: "Try"},
			{NodeID: "flaky1", Type: "Flaky", Name: "Flaky"},
			{NodeID: "retryfail", Type: nodes.TypeRetryFail, Name: "RetryFail", Config: map[string]any{"scope_node_id": "retry1"}},
			{NodeID: "retrysuccess", Type: nodes.TypeRetrySuccess, Name: "RetrySuccess", Config: map[string]any{"scope_node_id": "retry1"}},
			{NodeID: "end", Type: nodes.TypeEnd, Name: "End"},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "retry1", TargetPort: values.ExecInPort},
			{SourceNode: "retry1", SourcePort: "body", TargetNode: "try1", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "try_body", TargetNode: "flaky1", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "catch", TargetNode: "retryfail", TargetPort: values.ExecInPort},
			{SourceNode: "try1", SourcePort: "success", TargetNode: "retrysuccess", TargetPort: values.ExecInPort},
			{SourceNode: "retry1", SourcePort: "succeeded", TargetNode: "end", TargetPort: values.ExecInPort},
			{SourceNode: "retry1", SourcePort: "failed", TargetNode: "end", TargetPort: values.ExecInPort},
		},
	}

	g, err := workflow.Load(doc, r)
	require.NoError(t, err)
	runner, ctx := newTestRunner(t, g)

	state := runner.Run(ctx.JobID(), "retry")
	require.Equal(t, StateCompleted, state)
	assert.Equal(t, float64(3), ctx.Get("flaky_attempts", nil))
}

func TestRun_UnhandledFailureEndsRunFailed(t *testing.T) {
	doc := workflow.Document{
		SchemaVersion: 1,
		Metadata:      workflow.Metadata{Name: "fail", Version: 1},
		Nodes: []nodes.Serialized{
			{NodeID: "start", Type: nodes.TypeStart, Name: "Start"},
			{NodeID: "boom", Type: nodes.TypeThrowError, Name: "Throw", Config: map[string]any{"message": "fatal", "error_type": "Fatal"}},
		},
		Connections: []workflow.Connection{
			{SourceNode: "start", SourcePort: values.ExecOutPort, TargetNode: "boom", TargetPort: values.ExecInPort},
		},
	}

	g := mustLoad(t, doc)
	r, ctx := newTestRunner(t, g)

	state := r.Run(ctx.JobID(), "fail")
	assert.Equal(t, StateFailed, state)
	require.NotNil(t, r.Failure())
	assert.Equal(t, values.NodeID("boom"), r.Failure().FailedNode)
	assert.Equal(t, "Fatal", r.Failure().ErrorType)
}

func TestPauseResume_GatesRunUntilReleased(t *testing.T) {
	g := mustLoad(t, s1Document())
	r, _ := newTestRunner(t, g)

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()

	r.Pause()
	assert.Equal(t, StatePaused, r.State())

	released := make(chan State, 1)
	go func() { released <- r.awaitResumeOrStop() }()

	r.Resume()
	assert.Equal(t, StateRunning, <-released)
}

func TestPauseResume_PublishesWorkflowPausedAndResumedEvents(t *testing.T) {
	g := mustLoad(t, s1Document())
	jobID := values.NewJobID()
	ctx := execctx.New(jobID, zap.NewNop())
	bus := eventbus.New(zap.NewNop())

	var seen []values.EventType
	bus.Subscribe(values.EventWorkflowPaused, func(e values.Event) { seen = append(seen, e.Type) })
	bus.Subscribe(values.EventWorkflowResumed, func(e values.Event) { seen = append(seen, e.Type) })

	r := New(g, ctx, bus, zap.NewNop())
	r.mu.Lock()
	r.state = StateRunning
	r.jobID = jobID
	r.mu.Unlock()

	r.Pause()
	r.Resume()

	assert.Equal(t, []values.EventType{values.EventWorkflowPaused, values.EventWorkflowResumed}, seen)
}

func TestPauseResume_StopWhilePausedUnblocksAsStopping(t *testing.T) {
	g := mustLoad(t, s1Document())
	r, _ := newTestRunner(t, g)

	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()
	r.Pause()

	released := make(chan State, 1)
	go func() { released <- r.awaitResumeOrStop() }()

	r.Stop()
	assert.Equal(t, StateStopping, <-released)
}

func TestRun_StopTerminatesBeforeCompletion(t *testing.T) {
	g := mustLoad(t, s1Document())
	r, ctx := newTestRunner(t, g)
	r.Stop()

	state := r.Run(ctx.JobID(), "s1")
	assert.Equal(t, StateStopped, state)
}

// fakeCheckpoints records every call so tests can assert auto-save cadence.
type fakeCheckpoints struct {
	saves int
}

func (f *fakeCheckpoints) StartJob(values.JobID, string) {}
func (f *fakeCheckpoints) SaveCheckpoint(values.JobID, values.NodeID, *execctx.Context) (values.CheckpointID, bool) {
	f.saves++
	return values.NewCheckpointID(), true
}
func (f *fakeCheckpoints) EndJob(values.JobID)                             {}
func (f *fakeCheckpoints) RecordError(values.JobID, values.NodeID, string) {}

func TestRun_AutoSaveCheckpointsAtInterval(t *testing.T) {
	g := mustLoad(t, s1Document())
	fc := &fakeCheckpoints{}
	r, ctx := newTestRunner(t, g, WithCheckpointManager(fc), WithAutoSave(2))

	state := r.Run(ctx.JobID(), "s1")
	require.Equal(t, StateCompleted, state)
	assert.Positive(t, fc.saves)
}
