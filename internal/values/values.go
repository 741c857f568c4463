// Package values defines the shared domain primitives used by every other
// package in CasareRPA: identifiers, the port type system, node execution
// results, and event kinds. It intentionally has no dependencies on any
// other internal package so it can sit at the bottom of the import graph.
package values

import (
	"time"

	"github.com/google/uuid"
)

// ─── Identifiers ─────────────────────────────────────────────────────────────

// NodeID identifies a node within a single workflow document. Unique only
// within that document — not globally.
type NodeID string

// JobID is a UUIDv4 assigned by the robot manager at submission time.
type JobID string

// NewJobID mints a fresh, globally unique job identifier.
func NewJobID() JobID {
	return JobID(uuid.NewString())
}

// RobotID identifies a registered robot. Persistent across reconnects.
type RobotID string

// TenantID is an isolation boundary: a job with a tenant ID goes only to
// robots with the same tenant ID. The zero value means "no tenant": a job
// with no tenant may go to any robot, and a robot with no tenant receives
// only jobs with no tenant (see robotmanager's matchesTenant).
type TenantID string

// WorkflowID identifies a saved workflow document.
type WorkflowID string

// CheckpointID is an 8-character random identifier minted per checkpoint.
type CheckpointID string

// BrowserState is the opaque browser-presence snapshot a checkpoint carries.
// Nodes that own a browser session populate it on the execution context;
// the checkpoint manager only reads it, never interprets it, keeping the
// concrete browser driver out of scope.
type BrowserState struct {
	Present        bool
	ActivePageName string
	PageCount      int
}

const checkpointIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewCheckpointID mints a fresh 8-character checkpoint identifier.
func NewCheckpointID() CheckpointID {
	id := uuid.New()
	b := make([]byte, 8)
	for i := range b {
		b[i] = checkpointIDAlphabet[int(id[i])%len(checkpointIDAlphabet)]
	}
	return CheckpointID(b)
}

// ─── Port type system ────────────────────────────────────────────────────────

// PortType is the data type carried by a node port.
type PortType string

const (
	PortAny           PortType = "ANY"
	PortBoolean       PortType = "BOOLEAN"
	PortInteger       PortType = "INTEGER"
	PortFloat         PortType = "FLOAT"
	PortString        PortType = "STRING"
	PortList          PortType = "LIST"
	PortDict          PortType = "DICT"
	PortDateTime      PortType = "DATETIME"
	PortBytes         PortType = "BYTES"
	PortNodeReference PortType = "NODE_REFERENCE"
)

// ExecInPort and ExecOutPort are the two reserved control-flow port names.
// They never carry data and never appear in data-flow edges.
const (
	ExecInPort  = "exec_in"
	ExecOutPort = "exec_out"
)

// IsControlPort reports whether name is a reserved control-flow port name.
func IsControlPort(name string) bool {
	return name == ExecInPort || name == ExecOutPort
}

// CompatibleTypes reports whether a connection from a source port of type
// src to a target port of type dst is structurally valid. ANY accepts
// anything; otherwise types must match exactly, except that INTEGER widens
// to FLOAT.
func CompatibleTypes(src, dst PortType) bool {
	if src == PortAny || dst == PortAny {
		return true
	}
	if src == dst {
		return true
	}
	return src == PortInteger && dst == PortFloat
}

// ─── Node runtime status ─────────────────────────────────────────────────────

// NodeStatus is the transient per-run state of a node.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
	NodeStatusSkipped NodeStatus = "skipped"
	NodeStatusPaused  NodeStatus = "paused"
)

// ─── Node execution result ───────────────────────────────────────────────────

// ControlFlowSignal is an optional annotation a node attaches to its result
// describing a scope transition the runner must act on.
type ControlFlowSignal string

const (
	ControlFlowNone         ControlFlowSignal = ""
	ControlFlowRetrySuccess ControlFlowSignal = "retry_success"
	ControlFlowRetryFail    ControlFlowSignal = "retry_fail"
	ControlFlowLoopContinue ControlFlowSignal = "loop_continue"
	ControlFlowLoopBreak    ControlFlowSignal = "loop_break"
	ControlFlowTryEnd       ControlFlowSignal = "try_end"
)

// ExecutionResult is returned by every node's Execute call.
type ExecutionResult struct {
	Success bool
	Data    map[string]any
	Error   string
	// ErrorType is one of the error kinds in errkind.Kind, carried as a
	// plain string so nodes outside this module can produce one without
	// importing errkind.
	ErrorType string
	// NextNodes names the exec_* output ports to fire. Nil means the runner
	// applies the default: ["exec_out"] for a regular node, nothing for a
	// leaf/end node. A non-nil empty slice fires nothing.
	NextNodes []string
	// ControlFlow is an optional scope-transition signal (see above).
	ControlFlow ControlFlowSignal
}

// DefaultNextNodes is what a plain (non-branching, non-terminal) node fires
// when it does not set NextNodes explicitly.
var DefaultNextNodes = []string{ExecOutPort}

// ─── Event kinds ─────────────────────────────────────────────────────────────

// EventType identifies the kind of lifecycle event published on the event bus.
type EventType string

const (
	EventWorkflowStarted  EventType = "WORKFLOW_STARTED"
	EventWorkflowPaused   EventType = "WORKFLOW_PAUSED"
	EventWorkflowResumed  EventType = "WORKFLOW_RESUMED"
	EventWorkflowStopped  EventType = "WORKFLOW_STOPPED"
	EventWorkflowComplete EventType = "WORKFLOW_COMPLETED"

	EventNodeStarted   EventType = "NODE_STARTED"
	EventNodeCompleted EventType = "NODE_COMPLETED"
	EventNodeError     EventType = "NODE_ERROR"

	EventRobotRegistered   EventType = "RobotRegistered"
	EventRobotDisconnected EventType = "RobotDisconnected"
	EventRobotHeartbeat    EventType = "RobotHeartbeat"

	EventJobSubmitted EventType = "JobSubmitted"
	EventJobAssigned  EventType = "JobAssigned"
	EventJobRequeued  EventType = "JobRequeued"
	EventJobCompleted EventType = "JobCompletedOnOrchestrator"
)

// ─── Job (orchestrator side) ─────────────────────────────────────────────────

// JobStatus is a Job's lifecycle state.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job is a unit of work submitted to the robot manager for dispatch to a
// connected robot. WorkflowData carries the serialized workflow document
// (see workflow.Document) so a robot can execute it without a separate
// fetch. RejectedBy accumulates robots that have already declined or lost
// this job, so requeue_job never reassigns it to the same robot twice in a
// row.
type Job struct {
	JobID                JobID
	WorkflowID           WorkflowID
	WorkflowData         []byte
	Variables            map[string]any
	Priority             int
	TargetRobotID        RobotID
	RequiredCapabilities []string
	TimeoutMS            int64
	TenantID             TenantID
	Status               JobStatus
	AssignedRobotID      RobotID
	RejectedBy           []RobotID
	CreatedAt            time.Time
}

// Event is the payload delivered to event bus subscribers.
type Event struct {
	Type      EventType
	Data      map[string]any
	NodeID    NodeID
	Timestamp time.Time
}

// NewEvent builds an Event stamped with the current UTC time. nodeID is
// optional — pass it for node-scoped events (NODE_STARTED and friends),
// omit it for workflow- or job-scoped events.
func NewEvent(t EventType, data map[string]any, nodeID ...NodeID) Event {
	e := Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
	if len(nodeID) > 0 {
		e.NodeID = nodeID[0]
	}
	return e
}
