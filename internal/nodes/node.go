// Package nodes implements the node contract and registry (C5): the
// abstract interface every workflow node type satisfies, its port and
// property-schema declarations, serialization, and the type-string →
// constructor registry used when loading a workflow document.
//
// Grounded on generalizing a registry-free dispatch into an explicit one,
// per spec §9 ("dynamic dispatch on node types → tagged variant +
// registry"): there is no existing node system to imitate directly, so the
// registration style (explicit Register calls made from the composition root,
// no init-time side effects, no reflection-based plugin discovery) follows the same "explicit injection at
// the boundary" principle applied to the credential store and audit store
// constructors in server/cmd/server/main.go's wiring order.
package nodes

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/casarerpa/casarerpa/internal/execctx"
	"github.com/casarerpa/casarerpa/internal/values"
)

// PropertyType is the declared type of a node's configuration property.
type PropertyType string

const (
	PropertyString   PropertyType = "STRING"
	PropertyInteger  PropertyType = "INTEGER"
	PropertyFloat    PropertyType = "FLOAT"
	PropertyBoolean  PropertyType = "BOOLEAN"
	PropertyChoice   PropertyType = "CHOICE"
	PropertyDuration PropertyType = "DURATION"
	PropertyJSON     PropertyType = "JSON"
)

// PropertySchema describes one configuration property a node type accepts.
type PropertySchema struct {
	Name        string
	Type        PropertyType
	Default     any
	Label       string
	Tooltip     string
	Required    bool
	Order       int
	Choices     []string
	Min, Max    *float64
	// DisplayWhen conditions this property's visibility on another
	// property's value — used by "super nodes" multiplexing several
	// actions behind one config property (e.g. an HTTP node whose
	// body-template field only shows when method != GET).
	DisplayWhen *DisplayCondition
}

// DisplayCondition names the controlling property and the value that makes
// the dependent property visible.
type DisplayCondition struct {
	Property string
	Equals   any
}

// PortDeclaration describes one input or output port on a node type.
type PortDeclaration struct {
	Name     string
	Type     values.PortType
	Label    string
	Required bool
}

// Node is the capability set every node type must satisfy: port
// declarations, serialization, and execution.
type Node interface {
	// ID returns this node instance's identifier within its workflow.
	ID() values.NodeID
	// Type returns the registry key this node was constructed from.
	Type() string
	// InputPorts and OutputPorts declare the node's port surface,
	// including the exec_in/exec_out control ports where applicable.
	InputPorts() []PortDeclaration
	OutputPorts() []PortDeclaration
	// IsStartNode reports whether this node may serve as a workflow's
	// entry point even if it has exec_in predecessors.
	IsStartNode() bool
	// Configure applies the node's static config map, validated against
	// its PropertySchema set. Called once after construction, before any
	// Execute call.
	Configure(config map[string]any) error
	// Config returns the node's current configuration, for serialization.
	Config() map[string]any
	// Execute runs the node against the given context and input values,
	// producing an ExecutionResult. Implementations must not block past
	// ctx cancellation/timeout enforcement, which the runner applies
	// externally.
	Execute(ctx *execctx.Context, inputs map[string]any) values.ExecutionResult
}

// Describable is implemented by node types that expose a property schema,
// used by the editor (out of scope here) and by Configure/serialization to
// validate config key sets.
type Describable interface {
	PropertySchemas() []PropertySchema
}

// Serialized is the on-disk representation of one node, per spec §4.4.
type Serialized struct {
	NodeID     values.NodeID  `json:"node_id" yaml:"node_id"`
	Type       string         `json:"type" yaml:"type"`
	Name       string         `json:"name" yaml:"name"`
	Position   Position       `json:"position" yaml:"position"`
	Config     map[string]any `json:"config" yaml:"config"`
	Properties []PropertySchema `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Position is the node's canvas coordinate, carried through purely for
// round-trip fidelity — the runner never reads it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Base embeds the identifier, name and position bookkeeping shared by every
// concrete node type, and config storage/validation shared by Configure.
type Base struct {
	id     values.NodeID
	name   string
	pos    Position
	config map[string]any
}

// NewBase constructs the shared node bookkeeping.
func NewBase(id values.NodeID, name string) Base {
	return Base{id: id, name: name, config: make(map[string]any)}
}

func (b *Base) ID() values.NodeID { return b.id }
func (b *Base) Name() string      { return b.name }
func (b *Base) Position() Position { return b.pos }
func (b *Base) SetPosition(p Position) { b.pos = p }
func (b *Base) Config() map[string]any {
	out := make(map[string]any, len(b.config))
	for k, v := range b.config {
		out[k] = v
	}
	return out
}

// ValidateAndStoreConfig checks config's key set against schemas (every
// required property present, no unknown keys) and stores it. Per spec §3:
// "Config key set equals property-schema key set on save; unknown keys
// rejected on load."
func (b *Base) ValidateAndStoreConfig(config map[string]any, schemas []PropertySchema) error {
	allowed := make(map[string]PropertySchema, len(schemas))
	for _, s := range schemas {
		allowed[s.Name] = s
	}
	for key := range config {
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("nodes: unknown config key %q for node %s", key, b.id)
		}
	}
	for _, s := range schemas {
		if s.Required {
			if _, ok := config[s.Name]; !ok {
				return fmt.Errorf("nodes: missing required config key %q for node %s", s.Name, b.id)
			}
		}
	}
	stored := make(map[string]any, len(schemas))
	for _, s := range schemas {
		if v, ok := config[s.Name]; ok {
			stored[s.Name] = v
		} else {
			stored[s.Name] = s.Default
		}
	}
	b.config = stored
	return nil
}

func (b *Base) ConfigValue(name string) any { return b.config[name] }

// Constructor builds a fresh, unconfigured node instance of a registered
// type.
type Constructor func(id values.NodeID, name string) Node

// ErrUnknownNodeType is returned by Load when a serialized node names a type
// string with no registered constructor.
type ErrUnknownNodeType struct {
	Type string
}

func (e *ErrUnknownNodeType) Error() string {
	return fmt.Sprintf("nodes: unknown node type %q", e.Type)
}

// Registry maps a node type string to its constructor. The zero value is
// usable. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor under nodeType. Registering the same type
// twice overwrites the previous constructor — callers own ordering of
// Register calls.
func (r *Registry) Register(nodeType string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctors == nil {
		r.ctors = make(map[string]Constructor)
	}
	r.ctors[nodeType] = ctor
}

// Construct builds a new, unconfigured node of nodeType.
func (r *Registry) Construct(nodeType string, id values.NodeID, name string) (Node, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrUnknownNodeType{Type: nodeType}
	}
	return ctor(id, name), nil
}

// Load builds and configures a Node from its serialized form.
func (r *Registry) Load(s Serialized) (Node, error) {
	node, err := r.Construct(s.Type, s.NodeID, s.Name)
	if err != nil {
		return nil, err
	}
	if base, ok := node.(interface{ SetPosition(Position) }); ok {
		base.SetPosition(s.Position)
	}
	if err := node.Configure(s.Config); err != nil {
		return nil, fmt.Errorf("nodes: configuring %s (%s): %w", s.NodeID, s.Type, err)
	}
	return node, nil
}

// Save serializes node into its on-disk form.
func Save(node Node, name string, pos Position) Serialized {
	s := Serialized{
		NodeID: node.ID(),
		Type:   node.Type(),
		Name:   name,
		Position: pos,
		Config: node.Config(),
	}
	if d, ok := node.(Describable); ok {
		s.Properties = d.PropertySchemas()
	}
	return s
}

// MarshalConfig is a convenience for node types whose config is stored as a
// typed struct rather than a raw map — it round-trips through JSON for
// structural conversion without reflection.
func MarshalConfig(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
