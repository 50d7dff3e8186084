package flow

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rechecks the structural invariants the authoring surface
// enforces, plus per-node data schemas. A graph that fails here must not
// reach the engine.
func Validate(g *Graph) error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph has no nodes")
	}

	seen := make(map[string]bool, len(g.Nodes))
	triggers := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node %d: missing id", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("node %s: duplicate id", n.ID)
		}
		seen[n.ID] = true
		if n.Type == NodeTrigger {
			triggers++
		}
		if err := validateNodeData(n); err != nil {
			return err
		}
	}
	if triggers == 0 {
		return fmt.Errorf("graph has no trigger node")
	}

	for _, e := range g.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge %s: unknown source %s", e.ID, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge %s: unknown target %s", e.ID, e.Target)
		}
	}

	for i := range g.Nodes {
		if err := validateNodeArcs(g, &g.Nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateNodeData(n *Node) error {
	var err error
	switch n.Type {
	case NodeTrigger:
		err = decodeAndCheck[TriggerData](n)
	case NodeMessage:
		err = decodeAndCheck[MessageData](n)
	case NodeOptions:
		err = decodeAndCheck[OptionsData](n)
	case NodeDelay:
		err = decodeAndCheck[DelayData](n)
	case NodeCondition:
		err = decodeAndCheck[ConditionData](n)
	case NodeAPI:
		err = decodeAndCheck[APIData](n)
	case NodeAssign:
		err = decodeAndCheck[AssignData](n)
	case NodeMedia:
		err = decodeAndCheck[MediaData](n)
	case NodeHandoff:
		err = decodeAndCheck[HandoffData](n)
	case NodeGoto:
		err = decodeAndCheck[GotoData](n)
	case NodeEnd:
		err = decodeAndCheck[EndData](n)
	case NodeWhatsAppFlow:
		err = decodeAndCheck[WhatsAppFlowData](n)
	default:
		return fmt.Errorf("node %s: unknown type %q", n.ID, n.Type)
	}
	return err
}

func decodeAndCheck[T any](n *Node) error {
	v, err := Decode[T](n)
	if err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("node %s: invalid %s data: %w", n.ID, n.Type, err)
	}
	return nil
}

func validateNodeArcs(g *Graph, n *Node) error {
	out := g.OutEdges(n.ID)

	switch n.Type {
	case NodeTrigger:
		for _, e := range g.Edges {
			if e.Target == n.ID {
				return fmt.Errorf("node %s: trigger must be a source only", n.ID)
			}
		}
	case NodeEnd:
		if len(out) > 0 {
			return fmt.Errorf("node %s: end must be a sink", n.ID)
		}
	case NodeCondition:
		if g.EdgeByHandle(n.ID, HandleTrue) == nil || g.EdgeByHandle(n.ID, HandleFalse) == nil {
			return fmt.Errorf("node %s: condition needs both true and false arcs", n.ID)
		}
	case NodeOptions:
		data, err := Decode[OptionsData](n)
		if err != nil {
			return err
		}
		for i := range data.Options {
			if g.EdgeByHandle(n.ID, OptionHandle(i)) == nil {
				return fmt.Errorf("node %s: missing arc for %s", n.ID, OptionHandle(i))
			}
		}
		if g.EdgeByHandle(n.ID, HandleNoMatch) == nil {
			return fmt.Errorf("node %s: missing no-match arc", n.ID)
		}
	case NodeGoto:
		data, err := Decode[GotoData](n)
		if err != nil {
			return err
		}
		if g.NodeByID(data.TargetNodeID) == nil {
			return fmt.Errorf("node %s: goto target %s not found", n.ID, data.TargetNodeID)
		}
	default:
		// Non-branching nodes carry at most one default arc.
		defaults := 0
		for _, e := range out {
			switch e.SourceHandle {
			case HandleTrue, HandleFalse, HandleNoMatch:
			default:
				if !isOptionHandle(e.SourceHandle) {
					defaults++
				}
			}
		}
		if defaults > 1 {
			return fmt.Errorf("node %s: more than one default arc", n.ID)
		}
	}
	return nil
}
