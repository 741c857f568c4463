package nodes

import (
	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

const TypeSubflowInvoke = "SubflowInvoke"

// SubflowRunner executes a nested workflow by name within the calling
// context's variable namespace, returning a possible failure. It is an
// interface injected through RegisterSubflowInvoke to avoid a nodes → runner
// → nodes import cycle (the runner depends on the node registry, not the
// other way around). No type in this module implements it: internal/runner
// has no RunSubflow method, and cmd/robot does not call
// RegisterSubflowInvoke.
type SubflowRunner interface {
	RunSubflow(ctx *execctx.Context, workflowName string, inputMapping, outputMapping map[string]string) error
}

// RegisterSubflowInvoke registers SubflowInvokeNode, binding it to runner so
// every constructed instance shares the same subflow execution entry point.
func RegisterSubflowInvoke(r *Registry, runner SubflowRunner) {
	r.Register(TypeSubflowInvoke, func(id values.NodeID, name string) Node {
		return &SubflowInvokeNode{Base: NewBase(id, name), runner: runner}
	})
}

func subflowInvokeSchemas() []PropertySchema {
	return []PropertySchema{
		{Name: "workflow_name", Type: PropertyString, Required: true, Label: "Subflow name", Order: 0},
		{Name: "input_mapping", Type: PropertyJSON, Label: "Port → variable input mapping", Order: 1},
		{Name: "output_mapping", Type: PropertyJSON, Label: "Port → variable output mapping", Order: 2},
	}
}

// SubflowInvokeNode loads and executes a nested workflow within the same
// context namespace, mapping declared input/output ports to variables.
type SubflowInvokeNode struct {
	Base
	runner SubflowRunner
}

func (n *SubflowInvokeNode) Type() string      { return TypeSubflowInvoke }
func (n *SubflowInvokeNode) IsStartNode() bool { return false }
func (n *SubflowInvokeNode) InputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecInPort, Type: values.PortAny}}
}
func (n *SubflowInvokeNode) OutputPorts() []PortDeclaration {
	return []PortDeclaration{{Name: values.ExecOutPort, Type: values.PortAny}}
}
func (n *SubflowInvokeNode) PropertySchemas() []PropertySchema { return subflowInvokeSchemas() }
func (n *SubflowInvokeNode) Configure(config map[string]any) error {
	return n.ValidateAndStoreConfig(config, subflowInvokeSchemas())
}
func (n *SubflowInvokeNode) Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult {
	workflowName, _ := n.ConfigValue("workflow_name").(string)
	inputMapping := toStringMap(n.ConfigValue("input_mapping"))
	outputMapping := toStringMap(n.ConfigValue("output_mapping"))

	if n.runner == nil {
		return values.ExecutionResult{
			Success:   false,
			Error:     "SubflowInvoke: no subflow runner bound",
			ErrorType: "Fatal",
		}
	}

	if err := n.runner.RunSubflow(ctx, workflowName, inputMapping, outputMapping); err != nil {
		return values.ExecutionResult{Success: false, Error: err.Error(), ErrorType: "Fatal"}
	}
	return values.ExecutionResult{Success: true, NextNodes: values.DefaultNextNodes}
}

func toStringMap(v any) map[string]string {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, val := range raw {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
