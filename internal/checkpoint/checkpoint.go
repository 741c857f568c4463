// Package checkpoint implements the checkpoint manager (C8): periodic
// snapshots of a running workflow's variables, executed-node set, and
// execution path, durable enough to resume a job after a crash.
//
// Grounded on execctx's scoped-acquisition style (one owner object tracking
// state for the run currently in flight) and the repository error
// handling pattern (a malformed/missing read degrades to a zero value, never
// a panic — see server/internal/repositories/snapshot.go's ErrNotFound path,
// generalized here to "return false/nil" since spec §4.7 explicitly forbids
// raising on a malformed checkpoint). Persistence is delegated to
// internal/offlinequeue (C9); this package only owns the serialize/
// sanitize/restore logic the spec describes, satisfying the
// runner.CheckpointManager interface so a Manager can be passed directly to
// runner.WithCheckpointManager.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/offlinequeue"
	"github.com/casarerpa/casarerpa/internal/values"
)

const nonSerializableFmt = "<non-serializable: %T>"

// ErrorEntry is one recorded (node, message) pair in a checkpoint's running
// error list.
type ErrorEntry struct {
	NodeID    values.NodeID `json:"node_id"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// State is the serializable snapshot described in spec §3 CheckpointState.
type State struct {
	CheckpointID  values.CheckpointID `json:"checkpoint_id"`
	JobID         values.JobID        `json:"job_id"`
	WorkflowName  string              `json:"workflow_name"`
	CreatedAt     time.Time           `json:"created_at"`
	CurrentNodeID values.NodeID       `json:"current_node_id"`
	ExecutedNodes []values.NodeID     `json:"executed_nodes"`
	ExecutionPath []values.NodeID     `json:"execution_path"`
	Variables     map[string]any      `json:"variables"`
	Errors        []ErrorEntry        `json:"errors"`
	BrowserState  values.BrowserState `json:"browser_state"`
}

// NewState is the factory spec §4.7 calls create_checkpoint_state: a fresh
// 8-character id and a UTC timestamp, everything else taken verbatim from
// the caller.
func NewState(jobID values.JobID, workflowName string, nodeID values.NodeID, executedNodes []values.NodeID, variables map[string]any) State {
	return State{
		CheckpointID:  values.NewCheckpointID(),
		JobID:         jobID,
		WorkflowName:  workflowName,
		CreatedAt:     time.Now().UTC(),
		CurrentNodeID: nodeID,
		ExecutedNodes: append([]values.NodeID(nil), executedNodes...),
		Variables:     variables,
	}
}

// jobTracking is the bookkeeping kept for the currently active job between
// StartJob and EndJob.
type jobTracking struct {
	jobID         values.JobID
	workflowName  string
	executedNodes []values.NodeID
	seen          map[values.NodeID]bool
	errors        []ErrorEntry
}

// Manager is the checkpoint manager. One Manager serves one robot process
// (cmd/robot builds it); start_job/end_job scope which job its save/record calls apply
// to, mirroring a single-run object rather than per-job instances, per
// spec §4.7's "clears prior tracking" framing.
type Manager struct {
	mu    sync.Mutex
	queue offlinequeue.Queue
	log   *zap.Logger

	current *jobTracking
}

// New returns a Manager persisting through queue.
func New(queue offlinequeue.Queue, logger *zap.Logger) *Manager {
	return &Manager{queue: queue, log: logger.Named("checkpoint")}
}

// StartJob clears any prior tracking and begins tracking jobID.
func (m *Manager) StartJob(jobID values.JobID, workflowName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = &jobTracking{
		jobID:        jobID,
		workflowName: workflowName,
		seen:         make(map[values.NodeID]bool),
	}
}

// EndJob clears tracking for jobID if it is the currently active job.
func (m *Manager) EndJob(jobID values.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && m.current.jobID == jobID {
		m.current = nil
	}
}

// SaveCheckpoint serializes the context's variables and executed-node set
// into a State, persists it via the offline queue, and returns its fresh
// checkpoint id. Returns ("", false) if jobID is not the active job or the
// persistence write fails — spec §4.7 treats both as "no checkpoint taken",
// not an error the caller must handle.
func (m *Manager) SaveCheckpoint(jobID values.JobID, nodeID values.NodeID, ctx *execctx.Context) (values.CheckpointID, bool) {
	m.mu.Lock()
	if m.current == nil || m.current.jobID != jobID {
		m.mu.Unlock()
		return "", false
	}
	if !m.current.seen[nodeID] {
		m.current.seen[nodeID] = true
		m.current.executedNodes = append(m.current.executedNodes, nodeID)
	}
	state := State{
		CheckpointID:  values.NewCheckpointID(),
		JobID:         jobID,
		WorkflowName:  m.current.workflowName,
		CreatedAt:     time.Now().UTC(),
		CurrentNodeID: nodeID,
		ExecutedNodes: append([]values.NodeID(nil), m.current.executedNodes...),
		ExecutionPath: ctx.Path(),
		Variables:     sanitizeVariables(ctx.Variables()),
		Errors:        append([]ErrorEntry(nil), m.current.errors...),
	}
	m.mu.Unlock()

	if bs, ok := ctx.BrowserState(); ok {
		state.BrowserState = bs
	}

	blob, err := json.Marshal(state)
	if err != nil {
		m.log.Warn("checkpoint serialize failed", zap.String("job_id", string(jobID)), zap.Error(err))
		return "", false
	}

	if !m.queue.SaveCheckpoint(context.Background(), jobID, state.CheckpointID, nodeID, blob) {
		m.log.Warn("checkpoint persist failed", zap.String("job_id", string(jobID)))
		return "", false
	}
	return state.CheckpointID, true
}

// GetCheckpoint returns the latest stored state for jobID, or (nil, false)
// if none exists or the stored payload is malformed. A malformed payload is
// never treated as an error — per spec §4.7 it degrades to "no checkpoint".
func (m *Manager) GetCheckpoint(jobID values.JobID) (*State, bool) {
	blob, found := m.queue.GetLatestCheckpoint(context.Background(), jobID)
	if !found {
		return nil, false
	}
	var state State
	if err := json.Unmarshal(blob, &state); err != nil {
		m.log.Warn("checkpoint payload malformed", zap.String("job_id", string(jobID)), zap.Error(err))
		return nil, false
	}
	return &state, true
}

// RestoreFromCheckpoint copies state's variables (skipping the
// non-serializable sentinel) and execution path onto ctx, for resuming a
// run. Always returns true — there is no failure mode once state has
// already been successfully decoded by GetCheckpoint.
func (m *Manager) RestoreFromCheckpoint(state State, ctx *execctx.Context) bool {
	restored := make(map[string]any, len(state.Variables))
	for k, v := range state.Variables {
		if s, ok := v.(string); ok && isSentinel(s) {
			continue
		}
		restored[k] = v
	}
	ctx.RestoreVariables(restored)
	ctx.RestorePath(state.ExecutionPath)
	return true
}

// RecordError appends (nodeID, message) to the active job's running error
// list, picked up by the next SaveCheckpoint call.
func (m *Manager) RecordError(jobID values.JobID, nodeID values.NodeID, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.jobID != jobID {
		return
	}
	m.current.errors = append(m.current.errors, ErrorEntry{
		NodeID:    nodeID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// ClearCheckpoints deletes the stored checkpoint row for jobID.
func (m *Manager) ClearCheckpoints(jobID values.JobID) error {
	if err := m.queue.ClearCheckpoints(context.Background(), jobID); err != nil {
		return fmt.Errorf("checkpoint: clear checkpoints: %w", err)
	}
	return nil
}

// sanitizeVariables replaces any value that does not round-trip through
// JSON with a sentinel string carrying its Go type, per spec §4.7/§3.
func sanitizeVariables(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if v == nil {
			out[k] = nil
			continue
		}
		if _, err := json.Marshal(v); err != nil {
			out[k] = fmt.Sprintf(nonSerializableFmt, v)
			continue
		}
		out[k] = v
	}
	return out
}

const sentinelPrefix = "<non-serializable: "

func isSentinel(s string) bool {
	return strings.HasPrefix(s, sentinelPrefix) && strings.HasSuffix(s, ">")
}
