// Package execctx implements the workflow run's execution context (C4): the
// variable store every node reads and writes, the running error list, the
// executed-node path, and externally-owned resources that must be torn down
// in reverse-registration order on every exit path.
//
// Grounded on the executor.execute pipeline shape in agent/internal/
// executor/executor.go: a sequence of steps that each may fail, with a
// single "fail" closure doing cleanup/reporting — generalized here into a
// reusable scoped-acquisition Context instead of one-off closures per job.
package execctx

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casarerpa/casarerpa/internal/values"
)

// ExecutionError is one entry in the context's running error list.
type ExecutionError struct {
	NodeID    values.NodeID
	Message   string
	Timestamp time.Time
}

// Releaser is called during teardown to release an externally-owned
// resource (a browser session, an open file handle, a DB connection
// borrowed for the run's lifetime).
type Releaser func() error

type resourceEntry struct {
	name    string
	release Releaser
}

// Context is the per-run execution state shared by every node. Safe for
// concurrent use; the runner itself is single-flow but nodes may read
// variables from goroutines they spawn (e.g. a timed wait).
type Context struct {
	mu sync.RWMutex

	jobID      values.JobID
	variables  map[string]any
	path       []values.NodeID
	errors     []ExecutionError
	resources  []resourceEntry
	scopeState map[values.NodeID]any
	browser    *values.BrowserState

	logger *zap.Logger
}

// New creates an empty Context for the given job.
func New(jobID values.JobID, logger *zap.Logger) *Context {
	return &Context{
		jobID:      jobID,
		variables:  make(map[string]any),
		scopeState: make(map[values.NodeID]any),
		logger:     logger.Named("execctx"),
	}
}

// JobID returns the run's job identifier.
func (c *Context) JobID() values.JobID { return c.jobID }

// Get returns the named variable, or def if it is not set. Never fails.
func (c *Context) Get(name string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.variables[name]; ok {
		return v
	}
	return def
}

// Lookup is like Get but also reports whether the variable was set.
func (c *Context) Lookup(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// Set assigns a variable, observable by ReadVariable nodes in subsequent
// node executions.
func (c *Context) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Delete removes a variable. A no-op if it was not set.
func (c *Context) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.variables, name)
}

// Variables returns a shallow copy of the variable map, safe for a caller to
// range over or serialize (e.g. into a checkpoint).
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// RestoreVariables replaces the variable map wholesale, used when resuming
// from a checkpoint.
func (c *Context) RestoreVariables(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables = make(map[string]any, len(vars))
	for k, v := range vars {
		c.variables[k] = v
	}
}

// AddError appends to the running error list without failing the call.
func (c *Context) AddError(nodeID values.NodeID, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, ExecutionError{
		NodeID:    nodeID,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// Errors returns a copy of the running error list.
func (c *Context) Errors() []ExecutionError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ExecutionError, len(c.errors))
	copy(out, c.errors)
	return out
}

// AppendPath records a node as successfully executed. Called by the runner
// after each successful node execution, never before.
func (c *Context) AppendPath(nodeID values.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = append(c.path, nodeID)
}

// Path returns a copy of the executed-node sequence so far.
func (c *Context) Path() []values.NodeID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]values.NodeID, len(c.path))
	copy(out, c.path)
	return out
}

// RestorePath replaces the executed-node path wholesale, used on checkpoint
// resume.
func (c *Context) RestorePath(path []values.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = append([]values.NodeID(nil), path...)
}

// ScopeState returns the scope-state value stored under scopeNodeID (e.g. a
// loop counter, a retry attempt count), and whether it was present. Scope
// state lives on the context rather than on the node itself (spec §9: cyclic
// graphs use a scope-state map on the runner, not per-node mutable state).
func (c *Context) ScopeState(scopeNodeID values.NodeID) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.scopeState[scopeNodeID]
	return v, ok
}

// SetScopeState stores the scope-state value for scopeNodeID.
func (c *Context) SetScopeState(scopeNodeID values.NodeID, state any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scopeState[scopeNodeID] = state
}

// ClearScopeState removes the scope-state entry for scopeNodeID, e.g. when a
// loop or retry scope exits.
func (c *Context) ClearScopeState(scopeNodeID values.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.scopeState, scopeNodeID)
}

// SetBrowserState records the current browser-presence snapshot, overwriting
// any previous value. Called by a node that owns a browser session; left
// unset otherwise.
func (c *Context) SetBrowserState(s values.BrowserState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browser = &s
}

// BrowserState returns the last-recorded browser-presence snapshot and
// whether one has ever been set.
func (c *Context) BrowserState() (values.BrowserState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.browser == nil {
		return values.BrowserState{}, false
	}
	return *c.browser, true
}

// RegisterResource records an externally-owned resource under name with its
// release callback. Resources are torn down in reverse-registration order by
// Teardown, guaranteeing inner-acquired resources release before outer ones.
func (c *Context) RegisterResource(name string, release Releaser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, resourceEntry{name: name, release: release})
}

// Teardown releases every registered resource in reverse order, continuing
// past individual failures and returning them joined. Safe to call multiple
// times — already-torn-down resources are cleared after the first call.
func (c *Context) Teardown() error {
	c.mu.Lock()
	resources := c.resources
	c.resources = nil
	c.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := r.release(); err != nil {
			c.logger.Warn("resource teardown failed",
				zap.String("resource", r.name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", r.name, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("execctx: %d resource(s) failed teardown: %v", len(errs), errs)
}
