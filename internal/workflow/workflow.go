// Package workflow implements the workflow schema (C6): a graph of nodes and
// typed port connections, JSON/YAML save/load, and the connection-invariant
// validation from spec §3.
//
// Grounded on the GORM model conventions for stable-key-order JSON
// serialization (server/internal/db/models.go uses struct tags consistently
// so marshaled output is deterministic) generalized from a DB row shape to a
// document shape, and on `server/internal/api/response.go`'s envelope
// pattern for wrapping validation failures with a named error kind.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casarerpa/casarerpa/internal/nodes"
	"github.com/casarerpa/casarerpa/internal/values"
)

const currentSchemaVersion = 1

// Metadata describes a workflow document's identity, independent of its
// graph contents.
type Metadata struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     int      `json:"version" yaml:"version"`
	Author      string   `json:"author,omitempty" yaml:"author,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Connection is a tuple (source_node, source_port, target_node, target_port).
type Connection struct {
	SourceNode values.NodeID `json:"source_node" yaml:"source_node"`
	SourcePort string        `json:"source_port" yaml:"source_port"`
	TargetNode values.NodeID `json:"target_node" yaml:"target_node"`
	TargetPort string        `json:"target_port" yaml:"target_port"`
}

// IsControl reports whether this connection carries control flow (both
// endpoints are reserved exec ports).
func (c Connection) IsControl() bool {
	return values.IsControlPort(c.SourcePort) && values.IsControlPort(c.TargetPort)
}

// Document is the on-disk / wire representation of a workflow: schema
// version, metadata, nodes, and connections. Document is the serializable
// shape; Graph (below) is the loaded, validated, executable shape.
type Document struct {
	SchemaVersion int                  `json:"schema_version" yaml:"schema_version"`
	Metadata      Metadata             `json:"metadata" yaml:"metadata"`
	Nodes         []nodes.Serialized   `json:"nodes" yaml:"nodes"`
	Connections   []Connection         `json:"connections" yaml:"connections"`
}

// Graph is a loaded and validated workflow: constructed Node instances plus
// their connections, indexed for traversal.
type Graph struct {
	Metadata    Metadata
	Nodes       map[values.NodeID]nodes.Node
	NodeNames   map[values.NodeID]string
	Connections []Connection

	// outgoingExec/incomingExec index control-flow edges by source/target
	// node for the runner's traversal.
	outgoingExec map[values.NodeID][]Connection
	incomingExec map[values.NodeID][]Connection
	// outgoingData/incomingData index data-flow edges the same way.
	outgoingData map[values.NodeID][]Connection
	incomingData map[values.NodeID][]Connection
}

// OutgoingExec returns the control-flow edges leaving nodeID.
func (g *Graph) OutgoingExec(nodeID values.NodeID) []Connection { return g.outgoingExec[nodeID] }

// IncomingExec returns the control-flow edges entering nodeID.
func (g *Graph) IncomingExec(nodeID values.NodeID) []Connection { return g.incomingExec[nodeID] }

// IncomingData returns the data-flow edges entering nodeID.
func (g *Graph) IncomingData(nodeID values.NodeID) []Connection { return g.incomingData[nodeID] }

// NodeCount returns the number of nodes in the graph, used for progress
// reporting (spec §4.6: progress = |executed_nodes| / |workflow.nodes|).
func (g *Graph) NodeCount() int { return len(g.Nodes) }

// ErrKind names a workflow-validation failure kind.
type ErrKind string

const (
	ErrUnsupportedVersion ErrKind = "UnsupportedSchemaVersion"
	ErrUnknownNodeType    ErrKind = "UnknownNodeType"
	ErrInvalidConnection  ErrKind = "InvalidConnection"
	ErrAmbiguousStart     ErrKind = "AmbiguousStart"
	ErrNoStart            ErrKind = "NoStartNode"
)

// ValidationError reports a single reason a workflow document failed to load.
type ValidationError struct {
	Kind    ErrKind
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("workflow: %s: %s", e.Kind, e.Message) }

// Save writes doc as UTF-8 JSON with stable key order to path. Struct field
// order plus encoding/json's map-key sorting (for the Config maps nested in
// each node) keeps repeated saves of the same graph byte-identical.
func Save(doc Document, path string) error {
	b, err := MarshalJSON(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// MarshalJSON renders doc as stable-key-order UTF-8 JSON. Go's
// encoding/json already sorts map keys in output, and struct fields marshal
// in declaration order, so this is a direct encode — called out by name so
// save_to_file's ordering guarantee (spec §4.5) has one obvious call site.
func MarshalJSON(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// LoadDocument reads and parses a workflow document from path, dispatching
// on file extension: ".yaml"/".yml" decode via gopkg.in/yaml.v3 as an
// authoring convenience; everything else (including ".json") decodes as
// JSON, the canonical wire/storage format.
func LoadDocument(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	var doc Document
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return Document{}, fmt.Errorf("workflow: parsing yaml: %w", err)
		}
		return doc, nil
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return Document{}, fmt.Errorf("workflow: parsing json: %w", err)
	}
	return doc, nil
}

// Load resolves doc's node type strings against registry, validates schema
// version and connection invariants, and returns an executable Graph. On
// any failure, no partial Graph is returned (spec §4.5: "on any failure the
// load returns no partial state").
func Load(doc Document, registry *nodes.Registry) (*Graph, error) {
	if doc.SchemaVersion != currentSchemaVersion {
		return nil, &ValidationError{
			Kind:    ErrUnsupportedVersion,
			Message: fmt.Sprintf("got %d, want %d", doc.SchemaVersion, currentSchemaVersion),
		}
	}

	built := make(map[values.NodeID]nodes.Node, len(doc.Nodes))
	names := make(map[values.NodeID]string, len(doc.Nodes))
	for _, s := range doc.Nodes {
		node, err := registry.Load(s)
		if err != nil {
			var unknown *nodes.ErrUnknownNodeType
			if errors.As(err, &unknown) {
				return nil, &ValidationError{Kind: ErrUnknownNodeType, Message: unknown.Error()}
			}
			return nil, &ValidationError{Kind: ErrInvalidConnection, Message: err.Error()}
		}
		built[s.NodeID] = node
		names[s.NodeID] = s.Name
	}

	g := &Graph{
		Metadata:     doc.Metadata,
		Nodes:        built,
		NodeNames:    names,
		Connections:  doc.Connections,
		outgoingExec: make(map[values.NodeID][]Connection),
		incomingExec: make(map[values.NodeID][]Connection),
		outgoingData: make(map[values.NodeID][]Connection),
		incomingData: make(map[values.NodeID][]Connection),
	}

	if err := validateConnections(g, doc.Connections); err != nil {
		return nil, err
	}

	for _, c := range doc.Connections {
		if c.IsControl() {
			g.outgoingExec[c.SourceNode] = append(g.outgoingExec[c.SourceNode], c)
			g.incomingExec[c.TargetNode] = append(g.incomingExec[c.TargetNode], c)
		} else {
			g.outgoingData[c.SourceNode] = append(g.outgoingData[c.SourceNode], c)
			g.incomingData[c.TargetNode] = append(g.incomingData[c.TargetNode], c)
		}
	}

	return g, nil
}

// validateConnections checks every §3 connection invariant: both endpoints
// resolve, ports exist, source is an output / target is an input, control
// and data ports aren't mixed, data targets accept exactly one source, and
// data type compatibility holds.
func validateConnections(g *Graph, conns []Connection) error {
	seenDataTarget := make(map[string]bool)

	for _, c := range conns {
		srcNode, ok := g.Nodes[c.SourceNode]
		if !ok {
			return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("unknown source node %s", c.SourceNode)}
		}
		dstNode, ok := g.Nodes[c.TargetNode]
		if !ok {
			return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("unknown target node %s", c.TargetNode)}
		}

		srcPort, ok := findPort(srcNode.OutputPorts(), c.SourcePort)
		if !ok {
			return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("%s has no output port %s", c.SourceNode, c.SourcePort)}
		}
		dstPort, ok := findPort(dstNode.InputPorts(), c.TargetPort)
		if !ok {
			return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("%s has no input port %s", c.TargetNode, c.TargetPort)}
		}

		srcIsControl := values.IsControlPort(c.SourcePort)
		dstIsControl := values.IsControlPort(c.TargetPort)
		if srcIsControl != dstIsControl {
			return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("%s->%s mixes control and data ports", c.SourceNode, c.TargetNode)}
		}

		if !srcIsControl {
			if !values.CompatibleTypes(srcPort.Type, dstPort.Type) {
				return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("%s:%s (%s) incompatible with %s:%s (%s)", c.SourceNode, c.SourcePort, srcPort.Type, c.TargetNode, c.TargetPort, dstPort.Type)}
			}
			key := string(c.TargetNode) + ":" + c.TargetPort
			if seenDataTarget[key] {
				return &ValidationError{Kind: ErrInvalidConnection, Message: fmt.Sprintf("data target %s appears more than once", key)}
			}
			seenDataTarget[key] = true
		}
	}
	return nil
}

func findPort(ports []nodes.PortDeclaration, name string) (nodes.PortDeclaration, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return nodes.PortDeclaration{}, false
}

// FindStartNode resolves the workflow's entry point: the node flagged
// IsStartNode, or the single node with no incoming exec edges. Two or more
// candidates is AmbiguousStart; zero is NoStartNode.
func FindStartNode(g *Graph) (values.NodeID, error) {
	var flagged []values.NodeID
	for id, n := range g.Nodes {
		if n.IsStartNode() {
			flagged = append(flagged, id)
		}
	}
	if len(flagged) == 1 {
		return flagged[0], nil
	}
	if len(flagged) > 1 {
		sort.Slice(flagged, func(i, j int) bool { return flagged[i] < flagged[j] })
		return "", &ValidationError{Kind: ErrAmbiguousStart, Message: fmt.Sprintf("%d nodes flagged as start", len(flagged))}
	}

	var noPredecessor []values.NodeID
	for id := range g.Nodes {
		if len(g.incomingExec[id]) == 0 {
			noPredecessor = append(noPredecessor, id)
		}
	}
	sort.Slice(noPredecessor, func(i, j int) bool { return noPredecessor[i] < noPredecessor[j] })

	switch len(noPredecessor) {
	case 0:
		return "", &ValidationError{Kind: ErrNoStart, Message: "no node without exec_in predecessors"}
	case 1:
		return noPredecessor[0], nil
	default:
		return "", &ValidationError{Kind: ErrAmbiguousStart, Message: fmt.Sprintf("%d candidate start nodes: %v", len(noPredecessor), noPredecessor)}
	}
}

// CanonicalEqual reports whether two documents are equal in their
// serialized canonical form (spec §4.5: "two workflows compare equal iff
// their serialized canonical form matches").
func CanonicalEqual(a, b Document) (bool, error) {
	ab, err := MarshalJSON(a)
	if err != nil {
		return false, err
	}
	bb, err := MarshalJSON(b)
	if err != nil {
		return false, err
	}
	return string(ab) == string(bb), nil
}
