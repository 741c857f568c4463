// Package runner implements the Workflow Runner (C7) — the heart of the
// robot side: graph traversal, input-data propagation, control-flow
// routing, pause/resume/stop, checkpoint integration, and progress
// reporting.
//
// Grounded on the executor.Run/execute loop shape in agent/internal/
// executor/executor.go: a select-driven loop processing one unit of work
// at a time, with status/log callbacks — generalized here from "one job,
// one linear pipeline" to "one job, a graph traversal with branching,
// looping, and scoped failure handling". The per-node timeout-via-goroutine
// pattern follows spec §9's "async/await control flow → explicit task
// model": node.Execute is a synchronous call, so the runner races it
// against a timer in its own goroutine rather than requiring every node to
// be context-aware.
package runner

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/errkind"
	"github.com/casarerpa/casarerpa/internal/eventbus"
	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/nodes"
	"github.com/casarerpa/casarerpa/internal/values"
	"github.com/casarerpa/casarerpa/internal/workflow"
)

// State is the run's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// defaultNodeTimeout applies when a node doesn't declare its own via the
// optional Timeoutable interface.
const defaultNodeTimeout = 30 * time.Second

// defaultCheckpointInterval is how many executed nodes (failed ones included)
// elapse between auto-save checkpoints, absent a barrier node.
const defaultCheckpointInterval = 5

// Timeoutable is implemented by node types that declare a custom per-
// execution timeout.
type Timeoutable interface {
	Timeout() time.Duration
}

// Barrier is implemented by node types that always force a checkpoint just
// before they execute (e.g. a node performing an irreversible side effect),
// regardless of the interval counter.
type Barrier interface {
	IsBarrier() bool
}

// ScopeSignaling is implemented by nodes whose completion must route
// control back to a specific, statically-known scope node — used by
// RetrySuccessNode/RetryFailNode, which are configured with their
// enclosing Retry node's id at workflow-author time.
type ScopeSignaling interface {
	ScopeTarget() values.NodeID
}

// CheckpointManager is the subset of the checkpoint manager (C8) the runner
// drives. Defined here (not imported from internal/checkpoint) would create
// no cycle, but the interface is kept narrow regardless so tests can supply
// a fake without wiring persistence.
type CheckpointManager interface {
	StartJob(jobID values.JobID, workflowName string)
	SaveCheckpoint(jobID values.JobID, nodeID values.NodeID, ctx *execctx.Context) (values.CheckpointID, bool)
	EndJob(jobID values.JobID)
	RecordError(jobID values.JobID, nodeID values.NodeID, message string)
}

// noopCheckpoints satisfies CheckpointManager by doing nothing, used when a
// runner is created without checkpoint support (e.g. subflow execution).
type noopCheckpoints struct{}

func (noopCheckpoints) StartJob(values.JobID, string)                                     {}
func (noopCheckpoints) SaveCheckpoint(values.JobID, values.NodeID, *execctx.Context) (values.CheckpointID, bool) {
	return "", false
}
func (noopCheckpoints) EndJob(values.JobID)                             {}
func (noopCheckpoints) RecordError(values.JobID, values.NodeID, string) {}

// FailureSummary is the compact, user-visible description of a failed run
// (spec §7: "{job_id, failed_node, error_type, message, execution_path}").
type FailureSummary struct {
	JobID        values.JobID
	FailedNode   values.NodeID
	ErrorType    string
	Message      string
	ExecutionPath []values.NodeID
}

// workItem is one entry in the traversal work list: the node to execute,
// and the stack of enclosing scope nodes (loop/try) it was reached through.
type workItem struct {
	nodeID     values.NodeID
	scopeStack []values.NodeID
	// controlFlow carries a re-entry signal into a scope node's inputs
	// (e.g. loop_break), or ControlFlowNone for a normal first entry.
	controlFlow values.ControlFlowSignal
}

// Runner drives one run of one Graph to completion. Single-run object: a
// second run requires a new Runner instance.
type Runner struct {
	graph   *workflow.Graph
	ctx     *execctx.Context
	bus     *eventbus.Bus
	chkpt   CheckpointManager
	logger  *zap.Logger

	mu          sync.Mutex
	state       State
	jobID       values.JobID
	resumeGate  chan struct{}
	checkpointAutoSave bool
	checkpointInterval int
	sinceLastCheckpoint int

	outputValues map[values.NodeID]map[string]any
	nodeStatus   map[values.NodeID]values.NodeStatus
	executedSet  map[values.NodeID]bool

	failure *FailureSummary
}

// Option configures a Runner at construction.
type Option func(*Runner)

// WithCheckpointManager wires a checkpoint manager; absent this option the
// runner uses a no-op implementation (no auto-save, no resume support).
func WithCheckpointManager(m CheckpointManager) Option {
	return func(r *Runner) { r.chkpt = m }
}

// WithAutoSave enables auto-save checkpointing every interval executed nodes,
// failed ones included (or on every barrier node, regardless of interval).
func WithAutoSave(interval int) Option {
	return func(r *Runner) {
		r.checkpointAutoSave = true
		if interval > 0 {
			r.checkpointInterval = interval
		}
	}
}

// New creates a Runner for graph, driven by ctx, publishing lifecycle
// events on bus.
func New(graph *workflow.Graph, ctx *execctx.Context, bus *eventbus.Bus, logger *zap.Logger, opts ...Option) *Runner {
	r := &Runner{
		graph:              graph,
		ctx:                ctx,
		bus:                bus,
		chkpt:              noopCheckpoints{},
		logger:             logger.Named("runner"),
		state:              StateIdle,
		checkpointInterval: defaultCheckpointInterval,
		outputValues:       make(map[values.NodeID]map[string]any),
		nodeStatus:         make(map[values.NodeID]values.NodeStatus),
		executedSet:        make(map[values.NodeID]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	for id := range graph.Nodes {
		r.nodeStatus[id] = values.NodeStatusPending
	}
	return r
}

// State returns the run's current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Progress returns |executed_nodes| / |workflow.nodes| in percent, 0 if the
// workflow is empty.
func (r *Runner) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := r.graph.NodeCount()
	if total == 0 {
		return 0
	}
	return float64(len(r.executedSet)) / float64(total) * 100
}

// Failure returns the run's failure summary, if it ended in StateFailed.
func (r *Runner) Failure() *FailureSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// Pause transitions running→paused, setting an internal gate that Run
// checks between node executions.
func (r *Runner) Pause() {
	r.mu.Lock()
	if r.state != StateRunning {
		r.mu.Unlock()
		return
	}
	r.state = StatePaused
	r.resumeGate = make(chan struct{})
	jobID := r.jobID
	r.mu.Unlock()

	r.bus.Publish(values.NewEvent(values.EventWorkflowPaused, map[string]any{"job_id": jobID}))
}

// Resume releases the pause gate, if one is set.
func (r *Runner) Resume() {
	r.mu.Lock()
	if r.state != StatePaused {
		r.mu.Unlock()
		return
	}
	r.state = StateRunning
	close(r.resumeGate)
	jobID := r.jobID
	r.mu.Unlock()

	r.bus.Publish(values.NewEvent(values.EventWorkflowResumed, map[string]any{"job_id": jobID}))
}

// Stop transitions running/paused→stopping; the run terminates at the next
// suspension point. An in-flight node is not aborted, but its result is
// discarded if it arrives after the run has reached Stopped.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRunning, StatePaused, StateIdle:
		wasPaused := r.state == StatePaused
		r.state = StateStopping
		if wasPaused {
			close(r.resumeGate)
		}
	}
}

// CancelAfter calls Stop after duration elapses, unless the run has already
// reached a terminal state.
func (r *Runner) CancelAfter(duration time.Duration) {
	time.AfterFunc(duration, func() {
		if s := r.State(); s == StateRunning || s == StatePaused {
			r.Stop()
		}
	})
}

// awaitResumeOrStop blocks while paused, returning StateStopping if Stop was
// called while waiting, or StateRunning once resumed.
func (r *Runner) awaitResumeOrStop() State {
	r.mu.Lock()
	if r.state != StatePaused {
		s := r.state
		r.mu.Unlock()
		return s
	}
	gate := r.resumeGate
	r.mu.Unlock()

	<-gate

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Run executes the graph to completion (or pause/stop), returning the final
// state. jobID and workflowName are forwarded to the checkpoint manager.
func (r *Runner) Run(jobID values.JobID, workflowName string) State {
	r.mu.Lock()
	if r.state == StateStopping {
		r.mu.Unlock()
		return r.finish(jobID, StateStopped, nil)
	}
	r.state = StateRunning
	r.jobID = jobID
	r.mu.Unlock()

	r.chkpt.StartJob(jobID, workflowName)
	defer r.chkpt.EndJob(jobID)

	r.bus.Publish(values.NewEvent(values.EventWorkflowStarted, map[string]any{"job_id": jobID}))

	start, err := workflow.FindStartNode(r.graph)
	if err != nil {
		r.logger.Error("cannot resolve start node", zap.Error(err))
		return r.finish(jobID, StateFailed, &FailureSummary{JobID: jobID, Message: err.Error()})
	}

	queue := []workItem{{nodeID: start}}

	for len(queue) > 0 {
		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		if state == StateStopping {
			return r.finish(jobID, StateStopped, nil)
		}
		if state == StatePaused {
			if s := r.awaitResumeOrStop(); s == StateStopping {
				return r.finish(jobID, StateStopped, nil)
			}
		}

		item := queue[0]
		queue = queue[1:]

		successors, scopeSignal, terminal := r.executeOne(jobID, item)
		if terminal != nil {
			return r.finish(jobID, terminal.state, terminal.summary)
		}
		if scopeSignal != nil {
			queue = append(queue, *scopeSignal)
			continue
		}
		queue = append(queue, successors...)
	}

	return r.finish(jobID, StateCompleted, nil)
}

type terminalOutcome struct {
	state   State
	summary *FailureSummary
}

// executeOne runs a single work item. It returns the successor work items to
// enqueue, OR a single re-entry work item for a scope node (mutually
// exclusive with successors), OR a terminal outcome that ends the run.
func (r *Runner) executeOne(jobID values.JobID, item workItem) ([]workItem, *workItem, *terminalOutcome) {
	nodeID := item.nodeID
	node, ok := r.graph.Nodes[nodeID]
	if !ok {
		return nil, nil, &terminalOutcome{state: StateFailed, summary: &FailureSummary{
			JobID: jobID, FailedNode: nodeID, ErrorType: string(errkind.Fatal),
			Message: fmt.Sprintf("node %s not found in graph", nodeID),
		}}
	}

	inputs := r.propagateInputs(nodeID)
	if item.controlFlow != values.ControlFlowNone {
		inputs["__control_flow"] = item.controlFlow
	}

	r.setStatus(nodeID, values.NodeStatusRunning)
	r.bus.Publish(values.NewEvent(values.EventNodeStarted, map[string]any{"job_id": jobID}, nodeID))

	r.maybeCheckpoint(jobID, nodeID, node)

	result := r.executeWithTimeout(node, inputs)

	r.ctx.AppendPath(nodeID)
	r.markExecuted(nodeID)

	if result.Data != nil {
		r.mu.Lock()
		r.outputValues[nodeID] = result.Data
		r.mu.Unlock()
	}

	if !result.Success {
		r.setStatus(nodeID, values.NodeStatusError)
		r.ctx.AddError(nodeID, result.Error)
		r.chkpt.RecordError(jobID, nodeID, result.Error)
		r.bus.Publish(values.NewEvent(values.EventNodeError, map[string]any{
			"job_id": jobID, "error": result.Error, "error_type": result.ErrorType,
		}, nodeID))

		if scope, found := r.nearestTryScope(item.scopeStack); found {
			nodes.RecordFailure(r.ctx, scope, result.ErrorType, result.Error)
			return nil, &workItem{nodeID: scope, scopeStack: r.stackBefore(item.scopeStack, scope)}, nil
		}

		summary := &FailureSummary{
			JobID: jobID, FailedNode: nodeID, ErrorType: result.ErrorType,
			Message: result.Error, ExecutionPath: r.ctx.Path(),
		}
		return nil, nil, &terminalOutcome{state: StateFailed, summary: summary}
	}

	r.setStatus(nodeID, values.NodeStatusSuccess)
	r.bus.Publish(values.NewEvent(values.EventNodeCompleted, map[string]any{"job_id": jobID}, nodeID))

	if result.ControlFlow != values.ControlFlowNone {
		if signaling, ok := node.(ScopeSignaling); ok {
			target := signaling.ScopeTarget()
			return nil, &workItem{nodeID: target, scopeStack: item.scopeStack, controlFlow: result.ControlFlow}, nil
		}
		if len(item.scopeStack) > 0 {
			target := item.scopeStack[len(item.scopeStack)-1]
			return nil, &workItem{
				nodeID:      target,
				scopeStack:  item.scopeStack[:len(item.scopeStack)-1],
				controlFlow: result.ControlFlow,
			}, nil
		}
		// No enclosing scope to signal — treat as a dead end.
		return nil, nil, nil
	}

	next := result.NextNodes
	if next == nil && len(node.OutputPorts()) > 0 {
		next = values.DefaultNextNodes
	}

	var successors []workItem
	for _, port := range next {
		for _, conn := range r.graph.OutgoingExec(nodeID) {
			if conn.SourcePort != port {
				continue
			}
			stack := item.scopeStack
			if conn.SourcePort == "body" || conn.SourcePort == "try_body" {
				stack = append(append([]values.NodeID(nil), item.scopeStack...), nodeID)
			}
			successors = append(successors, workItem{nodeID: conn.TargetNode, scopeStack: stack})
		}
	}
	return successors, nil, nil
}

// nearestTryScope scans stack from the top (nearest enclosing) for a Try
// node, returning it and whether one was found.
func (r *Runner) nearestTryScope(stack []values.NodeID) (values.NodeID, bool) {
	for i := len(stack) - 1; i >= 0; i-- {
		if n, ok := r.graph.Nodes[stack[i]]; ok && n.Type() == nodes.TypeTry {
			return stack[i], true
		}
	}
	return "", false
}

// stackBefore returns the portion of stack before (not including) target,
// i.e. the scopes enclosing target itself.
func (r *Runner) stackBefore(stack []values.NodeID, target values.NodeID) []values.NodeID {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == target {
			return append([]values.NodeID(nil), stack[:i]...)
		}
	}
	return stack
}

// propagateInputs copies each incoming data edge's recorded source output
// into nodeID's input map. Multiple sources targeting the same input port
// is disallowed by workflow.Load's validation, so last-writer iteration
// order is only a defensive fallback, not a relied-upon behavior.
func (r *Runner) propagateInputs(nodeID values.NodeID) map[string]any {
	inputs := make(map[string]any)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.graph.IncomingData(nodeID) {
		if out, ok := r.outputValues[conn.SourceNode]; ok {
			if v, ok := out[conn.SourcePort]; ok {
				inputs[conn.TargetPort] = v
			}
		}
	}
	return inputs
}

func (r *Runner) setStatus(nodeID values.NodeID, status values.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeStatus[nodeID] = status
}

func (r *Runner) markExecuted(nodeID values.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executedSet[nodeID] = true
	r.sinceLastCheckpoint++
}

// executeWithTimeout runs node.Execute in its own goroutine, racing it
// against the node's declared timeout (or the default). A timeout produces
// a failure ExecutionResult with ErrorType=Timeout; the goroutine is not
// killed (Go has no preemptive cancellation of arbitrary code) but its
// result is discarded.
func (r *Runner) executeWithTimeout(node nodes.Node, inputs map[string]any) values.ExecutionResult {
	timeout := defaultNodeTimeout
	if t, ok := node.(Timeoutable); ok {
		timeout = t.Timeout()
	}

	resultCh := make(chan values.ExecutionResult, 1)
	go func() {
		resultCh <- node.Execute(r.ctx, inputs)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-time.After(timeout):
		return values.ExecutionResult{
			Success:   false,
			Error:     fmt.Sprintf("node %s exceeded timeout %s", node.ID(), timeout),
			ErrorType: string(errkind.Timeout),
		}
	}
}

// maybeCheckpoint saves a checkpoint if auto-save is enabled and either the
// node is a barrier or the interval has elapsed, per spec §4.6.
func (r *Runner) maybeCheckpoint(jobID values.JobID, nodeID values.NodeID, node nodes.Node) {
	if !r.checkpointAutoSave {
		return
	}
	isBarrier := false
	if b, ok := node.(Barrier); ok {
		isBarrier = b.IsBarrier()
	}

	r.mu.Lock()
	due := isBarrier || r.sinceLastCheckpoint >= r.checkpointInterval
	if due {
		r.sinceLastCheckpoint = 0
	}
	r.mu.Unlock()

	if !due {
		return
	}
	r.chkpt.SaveCheckpoint(jobID, nodeID, r.ctx)
}

func (r *Runner) finish(jobID values.JobID, state State, summary *FailureSummary) State {
	r.mu.Lock()
	r.state = state
	r.failure = summary
	r.mu.Unlock()

	if err := r.ctx.Teardown(); err != nil {
		r.logger.Warn("context teardown reported errors", zap.Error(err))
	}

	switch state {
	case StateCompleted:
		r.bus.Publish(values.NewEvent(values.EventWorkflowComplete, map[string]any{"job_id": jobID}))
	case StateStopped:
		r.bus.Publish(values.NewEvent(values.EventWorkflowStopped, map[string]any{"job_id": jobID}))
	case StateFailed:
		r.bus.Publish(values.NewEvent(values.EventWorkflowComplete, map[string]any{
			"job_id": jobID, "failed": true,
		}))
	}
	return state
}
