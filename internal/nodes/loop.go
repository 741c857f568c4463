package nodes

import (
	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

const (
	TypeWhile       = "While"
	TypeForEach     = "ForEach"
	TypeLoopEnd     = "LoopEnd"
	TypeLoopBreak   = "LoopBreak"
	TypeLoopContinue = "LoopContinue"
)

// RegisterLoopNodes registers the While/ForEach family with r.
func RegisterLoopNodes(r *Registry) {
	r.Register(TypeWhile, func(id values.NodeID, name string) Node { return NewWhileNode(id, name) })
	r.Register(TypeForEach, func(id values.NodeID, name string) Node { return NewForEachNode(id, name) })
	r.Register(TypeLoopEnd, func(id values.NodeID, name string) Node { return NewLoopEndNode(id, name) })
	r.Register(TypeLoopBreak, func(id values.NodeID, name string) Node { return NewLoopBreakNode(id, name) })
	r.Register(TypeLoopContinue, func(id values.NodeID, name string) Node { return NewLoopContinueNode(id, name) })
}

// loopScopeState is the per-entry state a While/ForEach node keeps on the
// run's scope-state map (spec §9: cyclic graphs store state keyed by scope
// node id on the runner, not on the node itself).
type loopScopeState struct {
	iteration  int
	collection []any
	index      int
}

// ─── While ───────────────────────────────────────────────────────────────

func whileSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "condition_variable", Type: PropertyString, Required: true, Label: "Condition variable", Order: 0},
	}
}

// WhileNode re-enters its body while condition_variable is truthy. Entry
// routes to "body"; the loop exits via "exec_out" once the condition is
// false or a LoopBreakNode signals control_flow=loop_break on re-entry.
type WhileNode struct{ Base }

func NewWhileNode(id values.NodeID, name string) *WhileNode { return &WhileNode{NewBase(id, name)} }

func (n *WhileNode) Type() string      { return TypeWhile }
func (n *WhileNode) IsStartNode() bool { return false }
func (n *WhileNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *WhileNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: "body", Type: values.PortAny},
		{Name: values.ExecOutPort, Type: values.PortAny},
	}
}
func (n *WhileNode) PropertySchemas() []PropertySchema { return whileSchemas() }
func (n *WhileNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, whileSchemas())
}
func (n *WhileNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	state, _ := ctx.ScopeState(n.ID())
	ls, _ := state.(loopScopeState)

	if reenter, ok := inputs["__control_flow"]; ok {
		if reenter == values.ControlFlowLoopBreak {
			ctx.ClearScopeState(n.ID())
			return values.ExecutionResult{Success: true, NextNodes: []string{values.ExecOutPort}}
		}
	}

	varName, _ := n.ConfigValue("condition_variable").(string)
	v, _ := ctx.Lookup(varName)
	if !truthy(v) {
		ctx.ClearScopeState(n.ID())
		return values.ExecutionResult{Success: true, NextNodes: []string{values.ExecOutPort}}
	}

	ls.iteration++
	ctx.SetScopeState(n.ID(), ls)
	return values.ExecutionResult{Success: true, NextNodes: []string{"body"}}
}

// ─── ForEach ─────────────────────────────────────────────────────────────

func forEachSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "collection_variable", Type: PropertyString, Required: true, Label: "Collection variable", Order: 0},
		{Name: "item_variable", Type: PropertyString, Default: "item", Label: "Loop item variable name", Order: 1},
		{Name: "index_variable", Type: PropertyString, Default: "index", Label: "Loop index variable name", Order: 2},
	}
}

// ForEachNode iterates a collection variable, writing the current item and
// index into context variables on each entry into "body".
type ForEachNode struct{ Base }

func NewForEachNode(id values.NodeID, name string) *ForEachNode { return &ForEachNode{NewBase(id, name)} }

func (n *ForEachNode) Type() string      { return TypeForEach }
func (n *ForEachNode) IsStartNode() bool { return false }
func (n *ForEachNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *ForEachNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: "body", Type: values.PortAny},
		{Name: values.ExecOutPort, Type: values.PortAny},
	}
}
func (n *ForEachNode) PropertySchemas() []PropertySchema { return forEachSchemas() }
func (n *ForEachNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, forEachSchemas())
}
func (n *ForEachNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	state, hasState := ctx.ScopeState(n.ID())
	ls, _ := state.(loopScopeState)

	if reenter, ok := inputs["__control_flow"]; ok && reenter == values.ControlFlowLoopBreak {
		ctx.ClearScopeState(n.ID())
		return values.ExecutionResult{Success: true, NextNodes: []string{values.ExecOutPort}}
	}

	if !hasState {
		collVar, _ := n.ConfigValue("collection_variable").(string)
		raw, _ := ctx.Lookup(collVar)
		items, _ := raw.([]any)
		ls = loopScopeState{collection: items, index: 0}
	}

	if ls.index >= len(ls.collection) {
		ctx.ClearScopeState(n.ID())
		return values.ExecutionResult{Success: true, NextNodes: []string{values.ExecOutPort}}
	}

	itemVar, _ := n.ConfigValue("item_variable").(string)
	idxVar, _ := n.ConfigValue("index_variable").(string)
	ctx.Set(itemVar, ls.collection[ls.index])
	ctx.Set(idxVar, ls.index)

	ls.index++
	ls.iteration++
	ctx.SetScopeState(n.ID(), ls)
	return values.ExecutionResult{Success: true, NextNodes: []string{"body"}}
}

// ─── LoopEnd / LoopBreak / LoopContinue ─────────────────────────────────

// LoopEndNode marks the natural end of a loop body; reaching it re-enters
// the enclosing While/ForEach node with control_flow=loop_continue. The
// runner (not this node) is responsible for routing back to the scope node
// — LoopEndNode just signals the intent.
type LoopEndNode struct{ Base }

func NewLoopEndNode(id values.NodeID, name string) *LoopEndNode { return &LoopEndNode{NewBase(id, name)} }

func (n *LoopEndNode) Type() string      { return TypeLoopEnd }
func (n *LoopEndNode) IsStartNode() bool { return false }
func (n *LoopEndNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *LoopEndNode) OutputPorts() []PortDeclaration { return nil }
func (n *LoopEndNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *LoopEndNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowLoopContinue}
}

// LoopBreakNode exits the enclosing loop immediately via exec_out.
type LoopBreakNode struct{ Base }

func NewLoopBreakNode(id values.NodeID, name string) *LoopBreakNode {
	return &LoopBreakNode{NewBase(id, name)}
}

func (n *LoopBreakNode) Type() string      { return TypeLoopBreak }
func (n *LoopBreakNode) IsStartNode() bool { return false }
func (n *LoopBreakNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *LoopBreakNode) OutputPorts() []PortDeclaration { return nil }
func (n *LoopBreakNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *LoopBreakNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowLoopBreak}
}

// LoopContinueNode skips the remainder of the loop body and re-enters the
// enclosing loop node for its next iteration.
type LoopContinueNode struct{ Base }

func NewLoopContinueNode(id values.NodeID, name string) *LoopContinueNode {
	return &LoopContinueNode{NewBase(id, name)}
}

func (n *LoopContinueNode) Type() string      { return TypeLoopContinue }
func (n *LoopContinueNode) IsStartNode() bool { return false }
func (n *LoopContinueNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *LoopContinueNode) OutputPorts() []PortDeclaration { return nil }
func (n *LoopContinueNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *LoopContinueNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, ControlFlow: values.ControlFlowLoopContinue}
}
