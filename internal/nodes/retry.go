package nodes

import (
	"time"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

const (
	TypeTry          = "Try"
	TypeTryEnd       = "TryEnd"
	TypeRetry        = "Retry"
	TypeRetrySuccess = "RetrySuccess"
	TypeRetryFail    = "RetryFail"
)

// RegisterRetryNodes registers the Try/Retry family with r.
func RegisterRetryNodes(r *Registry) {
	r.Register(TypeTry, func(id values.NodeID, name string) Node { return NewTryNode(id, name) })
	r.Register(TypeTryEnd, func(id values.NodeID, name string) Node { return NewTryEndNode(id, name) })
	r.Register(TypeRetry, func(id values.NodeID, name string) Node { return NewRetryNode(id, name) })
	r.Register(TypeRetrySuccess, func(id values.NodeID, name string) Node { return NewRetrySuccessNode(id, name) })
	r.Register(TypeRetryFail, func(id values.NodeID, name string) Node { return NewRetryFailNode(id, name) })
}

// ─── Try ─────────────────────────────────────────────────────────────────

// tryScopeState tracks whether a try scope is open and the last error
// recorded against it by the runner when a downstream failure traces back
// here.
type tryScopeState struct {
	open       bool
	lastError  string
	errorType  string
	hasFailure bool
}

// TryNode is a two-phase scope node. First entry opens the scope and routes
// to "try_body". A downstream failure whose ownership traces back to this
// Try re-enters it with the error recorded in scope state, routing to
// "catch". A clean re-entry (no recorded failure) routes to "success".
// Routing to "catch" or "success" closes the scope, so a later entry (the
// next attempt of an enclosing Retry, say) opens it again.
// The runner drives re-entry; this node only inspects/clears scope state.
type TryNode struct{ Base }

func NewTryNode(id values.NodeID, name string) *TryNode { return &TryNode{NewBase(id, name)} }

func (n *TryNode) Type() string      { return TypeTry }
func (n *TryNode) IsStartNode() bool { return false }
func (n *TryNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *TryNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: "try_body", Type: values.PortAny},
		{Name: "catch", Type: values.PortAny},
		{Name: "success", Type: values.PortAny},
	}
}
func (n *TryNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *TryNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	state, hasState := ctx.ScopeState(n.ID())
	ts, _ := state.(tryScopeState)

	if !hasState {
		ctx.SetScopeState(n.ID(), tryScopeState{open: true})
		return values.ExecutionResult{Success: true, NextNodes: []string{"try_body"}}
	}

	if ts.hasFailure {
		ctx.ClearScopeState(n.ID())
		return values.ExecutionResult{
			Success: true,
			Data:    map[string]any{"error": ts.lastError, "error_type": ts.errorType},
			NextNodes: []string{"catch"},
		}
	}

	ctx.ClearScopeState(n.ID())
	return values.ExecutionResult{Success: true, NextNodes: []string{"success"}}
}

// TryEndNode marks the natural, non-failing end of a try_body branch:
// reaching it re-enters the enclosing Try node, which reports "success"
// since no failure was recorded against it. Mirrors LoopEndNode's role for
// While/ForEach — the runner routes the re-entry via scope-stack inference,
// since (unlike RetrySuccessNode/RetryFailNode) a TryEndNode is not wired to
// one specific Try node at author time.
type TryEndNode struct{ Base }

func NewTryEndNode(id values.NodeID, name string) *TryEndNode { return &TryEndNode{NewBase(id, name)} }

func (n *TryEndNode) Type() string      { return TypeTryEnd }
func (n *TryEndNode) IsStartNode() bool { return false }
func (n *TryEndNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *TryEndNode) OutputPorts() []PortDeclaration { return nil }
func (n *TryEndNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *TryEndNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowTryEnd}
}

// RecordFailure is called by the runner when a node inside this try's body
// fails, so the next re-entry routes to "catch". Exported so the runner
// package (which drives scope re-entry) can reach into scope state without
// reimplementing the Try node's bookkeeping.
func RecordFailure(ctx *execctx.Context, scopeNodeID values.NodeID, errType, message string) {
	state, _ := ctx.ScopeState(scopeNodeID)
	ts, _ := state.(tryScopeState)
	ts.hasFailure = true
	ts.lastError = message
	ts.errorType = errType
	ctx.SetScopeState(scopeNodeID, ts)
}

// ─── Retry ───────────────────────────────────────────────────────────────

func retrySchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "max_attempts", Type: PropertyInteger, Default: float64(3), Required: true, Order: 0},
		{Name: "initial_delay_ms", Type: PropertyInteger, Default: float64(100), Order: 1},
		{Name: "backoff_multiplier", Type: PropertyFloat, Default: float64(2), Order: 2},
	}
}

// retryScopeState holds the attempt count and the outcome the body last
// marked; max_attempts, initial_delay_ms and backoff_multiplier are read from
// the RetryNode's config on every entry rather than stored here.
type retryScopeState struct {
	attempt   int
	succeeded bool
	failed    bool
}

// RetryNode re-enters its body up to max_attempts times, sleeping a backoff
// before the 2nd+ attempt. RetrySuccessNode/RetryFailNode (reached inside
// the body) mark the outcome on re-entry. Exceeding max_attempts fires
// "failed"; a recorded success fires "succeeded".
type RetryNode struct{ Base }

func NewRetryNode(id values.NodeID, name string) *RetryNode { return &RetryNode{NewBase(id, name)} }

func (n *RetryNode) Type() string      { return TypeRetry }
func (n *RetryNode) IsStartNode() bool { return false }
func (n *RetryNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *RetryNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: "body", Type: values.PortAny},
		{Name: "succeeded", Type: values.PortAny},
		{Name: "failed", Type: values.PortAny},
	}
}
func (n *RetryNode) PropertySchemas() []PropertySchema { return retrySchemas() }
func (n *RetryNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, retrySchemas())
}
func (n *RetryNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	maxAttempts := int(toFloat(n.ConfigValue("max_attempts"), 3))
	initialDelay := time.Duration(toFloat(n.ConfigValue("initial_delay_ms"), 100)) * time.Millisecond
	multiplier := toFloat(n.ConfigValue("backoff_multiplier"), 2)

	state, hasState := ctx.ScopeState(n.ID())
	rs, _ := state.(retryScopeState)
	if !hasState {
		rs = retryScopeState{}
	}

	if rs.succeeded {
		ctx.ClearScopeState(n.ID())
		return values.ExecutionResult{Success: true, NextNodes: []string{"succeeded"}}
	}
	if rs.failed {
		if rs.attempt >= maxAttempts {
			ctx.ClearScopeState(n.ID())
			return values.ExecutionResult{Success: true, NextNodes: []string{"failed"}}
		}
	}

	rs.attempt++
	if rs.attempt > 1 {
		delay := initialDelay
		for i := 1; i < rs.attempt-1; i++ {
			delay = time.Duration(float64(delay) * multiplier)
		}
		time.Sleep(delay)
	}
	rs.failed = false
	ctx.SetScopeState(n.ID(), rs)
	return values.ExecutionResult{Success: true, NextNodes: []string{"body"}}
}

// RetrySuccessNode marks the enclosing retry scope as succeeded.
type RetrySuccessNode struct {
	Base
	scope values.NodeID
}

func NewRetrySuccessNode(id values.NodeID, name string) *RetrySuccessNode {
	return &RetrySuccessNode{Base: NewBase(id, name)}
}

func (n *RetrySuccessNode) Type() string      { return TypeRetrySuccess }
func (n *RetrySuccessNode) IsStartNode() bool { return false }
func (n *RetrySuccessNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *RetrySuccessNode) OutputPorts() []PortDeclaration { return nil }

func retryScopeSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "scope_node_id", Type: PropertyString, Required: true, Label: "Enclosing Retry node id", Order: 0},
	}
}

func (n *RetrySuccessNode) PropertySchemas() []PropertySchema { return retryScopeSchemas() }
func (n *RetrySuccessNode) Configure(config map[string]any) error {
	if err := n.ValidateAndStoreConfig(config, retryScopeSchemas()); err != nil {
		return err
	}
	scopeID, _ := n.ConfigValue("scope_node_id").(string)
	n.scope = values.NodeID(scopeID)
	return nil
}
func (n *RetrySuccessNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	state, _ := ctx.ScopeState(n.scope)
	rs, _ := state.(retryScopeState)
	rs.succeeded = true
	ctx.SetScopeState(n.scope, rs)
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowRetrySuccess}
}

// ScopeTarget returns the enclosing Retry node's id, set at configure time.
// The runner uses this to route re-entry without relying on traversal-order
// scope-stack inference, since a RetrySuccessNode is explicitly wired to one
// Retry node by config rather than lexically nested under it.
func (n *RetrySuccessNode) ScopeTarget() values.NodeID { return n.scope }

// RetryFailNode marks the enclosing retry scope's current attempt as failed.
type RetryFailNode struct {
	Base
	scope values.NodeID
}

func NewRetryFailNode(id values.NodeID, name string) *RetryFailNode {
	return &RetryFailNode{Base: NewBase(id, name)}
}

func (n *RetryFailNode) Type() string      { return TypeRetryFail }
func (n *RetryFailNode) IsStartNode() bool { return false }
func (n *RetryFailNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *RetryFailNode) OutputPorts() []PortDeclaration { return nil }
func (n *RetryFailNode) PropertySchemas() []PropertySchema { return retryScopeSchemas() }
func (n *RetryFailNode) Configure(config map[string]any) error {
	if err := n.ValidateAndStoreConfig(config, retryScopeSchemas()); err != nil {
		return err
	}
	scopeID, _ := n.ConfigValue("scope_node_id").(string)
	n.scope = values.NodeID(scopeID)
	return nil
}
func (n *RetryFailNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	state, _ := ctx.ScopeState(n.scope)
	rs, _ := state.(retryScopeState)
	rs.failed = true
	ctx.SetScopeState(n.scope, rs)
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowRetryFail}
}

// ScopeTarget returns the enclosing Retry node's id, set at configure time.
func (n *RetryFailNode) ScopeTarget() values.NodeID { return n.scope }
