// Package flow defines the authored graph document consumed by the engine:
// nodes with type-tagged data, edges disambiguated by source handles, and
// the load-time validation that rechecks authoring invariants.
package flow

import (
	"encoding/json"
	"fmt"
)

// NodeType tags the variant held in Node.Data.
type NodeType string

const (
	NodeTrigger      NodeType = "trigger"
	NodeMessage      NodeType = "message"
	NodeOptions      NodeType = "options"
	NodeDelay        NodeType = "delay"
	NodeCondition    NodeType = "condition"
	NodeAPI          NodeType = "api"
	NodeAssign       NodeType = "assign"
	NodeMedia        NodeType = "media"
	NodeHandoff      NodeType = "handoff"
	NodeGoto         NodeType = "goto"
	NodeEnd          NodeType = "end"
	NodeWhatsAppFlow NodeType = "whatsapp_flow"
)

// Source-handle values for branching arcs.
const (
	HandleTrue    = "true"
	HandleFalse   = "false"
	HandleNoMatch = "no-match"
)

// OptionHandle returns the handle for option index i ("opt-0", "opt-1", ...).
func OptionHandle(i int) string {
	return fmt.Sprintf("opt-%d", i)
}

// Node is one vertex of the graph. Data keeps the raw JSON so unknown
// fields survive a round trip through the store; typed views are decoded
// on demand.
type Node struct {
	ID   string          `json:"id"`
	Type NodeType        `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Edge is one directed arc. SourceHandle distinguishes outbound arcs of
// branching nodes; it is empty for default arcs.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Graph is the flow definition document.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// OutEdges returns all arcs leaving a node in insertion order.
func (g *Graph) OutEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EdgeByHandle returns the arc leaving nodeID with the given handle, or nil.
func (g *Graph) EdgeByHandle(nodeID, handle string) *Edge {
	for i := range g.Edges {
		if g.Edges[i].Source == nodeID && g.Edges[i].SourceHandle == handle {
			return &g.Edges[i]
		}
	}
	return nil
}

// DefaultNext returns the target of the first outbound arc without a
// branching handle, or "" when the node is a sink.
func (g *Graph) DefaultNext(nodeID string) string {
	for _, e := range g.Edges {
		if e.Source == nodeID {
			switch e.SourceHandle {
			case HandleTrue, HandleFalse, HandleNoMatch:
				continue
			}
			if isOptionHandle(e.SourceHandle) {
				continue
			}
			return e.Target
		}
	}
	return ""
}

// TriggerNode returns the graph's first trigger node, or nil.
func (g *Graph) TriggerNode() *Node {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTrigger {
			return &g.Nodes[i]
		}
	}
	return nil
}

func isOptionHandle(h string) bool {
	var i int
	_, err := fmt.Sscanf(h, "opt-%d", &i)
	return err == nil && h == OptionHandle(i)
}

// Decode unmarshals a node's data into the typed struct for its type.
// Unknown JSON fields are ignored.
func Decode[T any](n *Node) (T, error) {
	var v T
	if len(n.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(n.Data, &v); err != nil {
		return v, fmt.Errorf("node %s: decode %s data: %w", n.ID, n.Type, err)
	}
	return v, nil
}
