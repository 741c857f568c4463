package nodes

import (
	"fmt"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

// Register names for the built-in control-flow node types. Concrete
// automation nodes (browser, desktop, HTTP, DB, OCR) live outside this
// module per spec §1's Non-goals and register through the same Registry at
// their own package's init.
const (
	TypeStart             = "Start"
	TypeEnd               = "End"
	TypeSetVariable       = "SetVariable"
	TypeReadVariable      = "ReadVariable"
	TypeWriteVariable     = "WriteVariable"
	TypeIncrementVariable = "IncrementVariable"
	TypeIf                = "If"
	TypeThrowError        = "ThrowError"
	TypeAssert            = "Assert"
	TypeOnError           = "OnError"
)

// RegisterControlFlow registers every built-in control-flow node type with
// r. Called once at composition-root startup (cmd/robot's main), mirroring
// an explicit wiring-by-constructor-call style rather than import-time side
// effects (spec §9: "plugin nodes loaded by class name → explicit
// registration").
func RegisterControlFlow(r *Registry) {
	r.Register(TypeStart, func(id values.NodeID, name string) Node { return NewStartNode(id, name) })
	r.Register(TypeEnd, func(id values.NodeID, name string) Node { return NewEndNode(id, name) })
	r.Register(TypeSetVariable, func(id values.NodeID, name string) Node { return NewSetVariableNode(id, name) })
	r.Register(TypeReadVariable, func(id values.NodeID, name string) Node { return NewReadVariableNode(id, name) })
	r.Register(TypeWriteVariable, func(id values.NodeID, name string) Node { return NewWriteVariableNode(id, name) })
	r.Register(TypeIncrementVariable, func(id values.NodeID, name string) Node { return NewIncrementVariableNode(id, name) })
	r.Register(TypeIf, func(id values.NodeID, name string) Node { return NewIfNode(id, name) })
	r.Register(TypeThrowError, func(id values.NodeID, name string) Node { return NewThrowErrorNode(id, name) })
	r.Register(TypeAssert, func(id values.NodeID, name string) Node { return NewAssertNode(id, name) })
	r.Register(TypeOnError, func(id values.NodeID, name string) Node { return NewOnErrorNode(id, name) })
	RegisterLoopNodes(r)
	RegisterRetryNodes(r)
}

// ─── Start ───────────────────────────────────────────────────────────────

// StartNode marks a workflow's entry point. It declares no exec_in, carries
// no config, and always succeeds, firing exec_out.
type StartNode struct{ Base }

func NewStartNode(id values.NodeID, name string) *StartNode { return &StartNode{NewBase(id, name)} }

func (n *StartNode) Type() string        { return TypeStart }
func (n *StartNode) IsStartNode() bool   { return true }
func (n *StartNode) InputPorts() []PortDeclaration  { return nil }
func (n *StartNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *StartNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *StartNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

// ─── End ─────────────────────────────────────────────────────────────────

// EndNode is a terminal node: it declares exec_in and no exec_out, so it
// never produces successors regardless of NextNodes.
type EndNode struct{ Base }

func NewEndNode(id values.NodeID, name string) *EndNode { return &EndNode{NewBase(id, name)} }

func (n *EndNode) Type() string      { return TypeEnd }
func (n *EndNode) IsStartNode() bool { return false }
func (n *EndNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *EndNode) OutputPorts() []PortDeclaration { return nil }
func (n *EndNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *EndNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true}
}

// ─── SetVariable ─────────────────────────────────────────────────────────

func setVariableSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "name", Type: PropertyString, Required: true, Label: "Variable name", Order: 0},
		{Name: "value", Type: PropertyJSON, Required: true, Label: "Value", Order: 1},
	}
}

// SetVariableNode assigns a literal config value into the context's
// variable store, unconditionally, every execution.
type SetVariableNode struct{ Base }

func NewSetVariableNode(id values.NodeID, name string) *SetVariableNode {
	return &SetVariableNode{NewBase(id, name)}
}

func (n *SetVariableNode) Type() string { return TypeSetVariable }
func (n *SetVariableNode) IsStartNode() bool { return false }
func (n *SetVariableNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *SetVariableNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *SetVariableNode) PropertySchemas() []PropertySchema { return setVariableSchemas() }
func (n *SetVariableNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, setVariableSchemas())
}
func (n *SetVariableNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	name, _ := n.ConfigValue("name").(string)
	if name == "" {
		return values.ExecutionResult{Success: false, Error: "SetVariable: name is empty", ErrorType: "Validation"}
	}
	ctx.Set(name, n.ConfigValue("value"))
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

// ─── ReadVariable ────────────────────────────────────────────────────────

func readVariableSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "name", Type: PropertyString, Required: true, Label: "Variable name", Order: 0},
		{Name: "output_port", Type: PropertyString, Default: "value", Label: "Output port name", Order: 1},
	}
}

// ReadVariableNode copies a context variable into its Data output so
// downstream data-flow edges can consume it.
type ReadVariableNode struct{ Base }

func NewReadVariableNode(id values.NodeID, name string) *ReadVariableNode {
	return &ReadVariableNode{NewBase(id, name)}
}

func (n *ReadVariableNode) Type() string      { return TypeReadVariable }
func (n *ReadVariableNode) IsStartNode() bool { return false }
func (n *ReadVariableNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *ReadVariableNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: values.ExecOutPort, Type: values.PortAny},
		{Name: "value", Type: values.PortAny},
	}
}
func (n *ReadVariableNode) PropertySchemas() []PropertySchema { return readVariableSchemas() }
func (n *ReadVariableNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, readVariableSchemas())
}
func (n *ReadVariableNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	name, _ := n.ConfigValue("name").(string)
	outPort, _ := n.ConfigValue("output_port").(string)
	if outPort == "" {
		outPort = "value"
	}
	v, _ := ctx.Lookup(name)
	return values.ExecutionResult{
		Success:   true,
		Data:      map[string]any{outPort: v},
		NextNodes: values.DefaultNextNodes,
	}
}

// ─── WriteVariable ───────────────────────────────────────────────────────

func writeVariableSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "name", Type: PropertyString, Required: true, Label: "Variable name", Order: 0},
		{Name: "input_port", Type: PropertyString, Default: "value", Label: "Input port name", Order: 1},
	}
}

// WriteVariableNode writes its Data input (read from the data-flow edge
// feeding input_port) into the named context variable.
type WriteVariableNode struct{ Base }

func NewWriteVariableNode(id values.NodeID, name string) *WriteVariableNode {
	return &WriteVariableNode{NewBase(id, name)}
}

func (n *WriteVariableNode) Type() string      { return TypeWriteVariable }
func (n *WriteVariableNode) IsStartNode() bool { return false }
func (n *WriteVariableNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: values.ExecInPort, Type: values.PortAny},
		{Name: "value", Type: values.PortAny},
	}
}
func (n *WriteVariableNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *WriteVariableNode) PropertySchemas() []PropertySchema { return writeVariableSchemas() }
func (n *WriteVariableNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, writeVariableSchemas())
}
func (n *WriteVariableNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	name, _ := n.ConfigValue("name").(string)
	inPort, _ := n.ConfigValue("input_port").(string)
	if inPort == "" {
		inPort = "value"
	}
	ctx.Set(name, inputs[inPort])
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

// ─── IncrementVariable ───────────────────────────────────────────────────

func incrementVariableSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "name", Type: PropertyString, Required: true, Label: "Variable name", Order: 0},
		{Name: "by", Type: PropertyFloat, Default: float64(1), Label: "Increment amount", Order: 1},
	}
}

// IncrementVariableNode adds a numeric config amount to a numeric context
// variable, creating it at zero if unset.
type IncrementVariableNode struct{ Base }

func NewIncrementVariableNode(id values.NodeID, name string) *IncrementVariableNode {
	return &IncrementVariableNode{NewBase(id, name)}
}

func (n *IncrementVariableNode) Type() string      { return TypeIncrementVariable }
func (n *IncrementVariableNode) IsStartNode() bool { return false }
func (n *IncrementVariableNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *IncrementVariableNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *IncrementVariableNode) PropertySchemas() []PropertySchema { return incrementVariableSchemas() }
func (n *IncrementVariableNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, incrementVariableSchemas())
}
func (n *IncrementVariableNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	name, _ := n.ConfigValue("name").(string)
	by := toFloat(n.ConfigValue("by"), 1)
	current := toFloat(ctx.Get(name, float64(0)), 0)
	ctx.Set(name, current+by)
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

func toFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	default:
		return def
	}
}

// ─── If ──────────────────────────────────────────────────────────────────

func ifSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "variable", Type: PropertyString, Required: true, Label: "Variable to test", Order: 0},
		{Name: "operator", Type: PropertyChoice, Required: false, Label: "Comparison operator", Choices: []string{"==", "!=", ">", ">=", "<", "<="}, Order: 1},
		{Name: "value", Type: PropertyJSON, Required: false, Label: "Value to compare against", Order: 2},
	}
}

// IfNode evaluates the context variable named by `variable` and fires the
// "true" or "false" exec output accordingly. With no operator configured it
// falls back to testing the variable's truthiness (Go zero-value convention,
// generalized across types: false/0/""/nil/empty collection are falsy). With
// an operator configured, it compares the variable's value against `value`
// using that operator — this is what lets a workflow express S2's `x > 5`.
type IfNode struct{ Base }

func NewIfNode(id values.NodeID, name string) *IfNode { return &IfNode{NewBase(id, name)} }

func (n *IfNode) Type() string      { return TypeIf }
func (n *IfNode) IsStartNode() bool { return false }
func (n *IfNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *IfNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{
		{Name: "true", Type: values.PortAny},
		{Name: "false", Type: values.PortAny},
	}
}
func (n *IfNode) PropertySchemas() []PropertySchema { return ifSchemas() }
func (n *IfNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, ifSchemas())
}
func (n *IfNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	varName, _ := n.ConfigValue("variable").(string)
	v, _ := ctx.Lookup(varName)

	op, _ := n.ConfigValue("operator").(string)
	var result bool
	if op == "" {
		result = truthy(v)
	} else {
		result = compare(v, op, n.ConfigValue("value"))
	}

	if result {
		return values.ExecutionResult{Success: true, NextNodes: []string{"true"}}
	}
	return values.ExecutionResult{Success: true, NextNodes: []string{"false"}}
}

// compare evaluates "lhs <op> rhs". Numeric operands are compared as
// float64; everything else falls back to equality/inequality on their
// string representation, so ==/!= still work on non-numeric variables while
// ordering operators on non-numeric operands are simply false.
func compare(lhs any, op string, rhs any) bool {
	lf, lok := asFloat(lhs)
	rf, rok := asFloat(rhs)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf
		case "!=":
			return lf != rf
		case ">":
			return lf > rf
		case ">=":
			return lf >= rf
		case "<":
			return lf < rf
		case "<=":
			return lf <= rf
		}
		return false
	}

	switch op {
	case "==":
		return fmt.Sprint(lhs) == fmt.Sprint(rhs)
	case "!=":
		return fmt.Sprint(lhs) != fmt.Sprint(rhs)
	default:
		return false
	}
}

// asFloat reports whether v is a numeric kind and its value as float64.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// ─── ThrowError / Assert ─────────────────────────────────────────────────

func throwErrorSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "message", Type: PropertyString, Required: true, Label: "Error message", Order: 0},
		{Name: "error_type", Type: PropertyString, Default: "Fatal", Label: "Error kind", Order: 1},
	}
}

// ThrowErrorNode unconditionally produces a failure ExecutionResult, handled
// exactly like any other node failure (bubbles to the nearest enclosing try).
type ThrowErrorNode struct{ Base }

func NewThrowErrorNode(id values.NodeID, name string) *ThrowErrorNode {
	return &ThrowErrorNode{NewBase(id, name)}
}

func (n *ThrowErrorNode) Type() string      { return TypeThrowError }
func (n *ThrowErrorNode) IsStartNode() bool { return false }
func (n *ThrowErrorNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *ThrowErrorNode) OutputPorts() []PortDeclaration { return nil }
func (n *ThrowErrorNode) PropertySchemas() []PropertySchema { return throwErrorSchemas() }
func (n *ThrowErrorNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, throwErrorSchemas())
}
func (n *ThrowErrorNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	msg, _ := n.ConfigValue("message").(string)
	errType, _ := n.ConfigValue("error_type").(string)
	return values.ExecutionResult{Success: false, Error: msg, ErrorType: errType}
}

func assertSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "variable", Type: PropertyString, Required: true, Label: "Variable to assert", Order: 0},
		{Name: "message", Type: PropertyString, Default: "assertion failed", Label: "Failure message", Order: 1},
	}
}

// AssertNode fails unless the named variable is truthy.
type AssertNode struct{ Base }

func NewAssertNode(id values.NodeID, name string) *AssertNode { return &AssertNode{NewBase(id, name)} }

func (n *AssertNode) Type() string      { return TypeAssert }
func (n *AssertNode) IsStartNode() bool { return false }
func (n *AssertNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *AssertNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *AssertNode) PropertySchemas() []PropertySchema { return assertSchemas() }
func (n *AssertNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, assertSchemas())
}
func (n *AssertNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	varName, _ := n.ConfigValue("variable").(string)
	v, _ := ctx.Lookup(varName)
	if !truthy(v) {
		msg, _ := n.ConfigValue("message").(string)
		return values.ExecutionResult{Success: false, Error: msg, ErrorType: "Validation"}
	}
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

// ─── OnError ─────────────────────────────────────────────────────────────

// OnErrorNode provides finally-style semantics for a try scope: the runner
// routes to it after a try's catch/success branch completes, regardless of
// outcome, before leaving the scope. It carries no config.
type OnErrorNode struct{ Base }

func NewOnErrorNode(id values.NodeID, name string) *OnErrorNode { return &OnErrorNode{NewBase(id, name)} }

func (n *OnErrorNode) Type() string      { return TypeOnError }
func (n *OnErrorNode) IsStartNode() bool { return false }
func (n *OnErrorNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *OnErrorNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *OnErrorNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, nil)
}
func (n *OnErrorNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}
