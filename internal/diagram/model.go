// Package diagram renders compiled workflow graphs for the `loom graph`
// command: Mermaid for documentation, plain text for terminals.
package diagram

import (
	"fmt"

	"github.com/loomctl/loom/internal/compile"
	"github.com/loomctl/loom/pkg/schema"
)

// NodeKind classifies a diagram node for shape selection.
type NodeKind string

const (
	NodeKindAction NodeKind = "action"
	NodeKindBranch NodeKind = "branch"
	NodeKindLoop   NodeKind = "loop"
	NodeKindJump   NodeKind = "jump"
)

// Model is the renderer-independent form of a compiled workflow: one
// section per compiled graph, in execution order.
type Model struct {
	Title    string
	Sections []Section
}

// Section is one compiled graph: a job, a finally list, or a handler list.
type Section struct {
	Name  string
	Nodes []Node
	Edges []Edge
}

// Node is a single diagram node.
type Node struct {
	ID    string
	Label string
	Kind  NodeKind
}

// Edge is a labeled connection between two nodes of the same section.
type Edge struct {
	From  string
	To    string
	Label string
}

// Build compiles the workflow and converts every graph into a section:
// jobs in declaration order, then on_complete, on_failure, and finally.
func Build(def *schema.WorkflowDefinition) (*Model, error) {
	m := &Model{Title: def.Name}

	for _, job := range def.Jobs {
		g, err := compile.Compile(job)
		if err != nil {
			return nil, err
		}
		m.Sections = append(m.Sections, buildSection("job: "+job.Name, g))
	}

	handlers := []struct {
		name  string
		steps []*schema.Step
	}{
		{"on_complete", def.OnComplete},
		{"on_failure", def.OnFailure},
		{"finally", def.Finally},
	}
	for _, h := range handlers {
		if len(h.steps) == 0 {
			continue
		}
		g, err := compile.CompileSteps(h.steps)
		if err != nil {
			return nil, err
		}
		m.Sections = append(m.Sections, buildSection(h.name, g))
	}

	return m, nil
}

func buildSection(name string, g *compile.Graph) Section {
	sec := Section{Name: name}
	for _, id := range g.ExecutionOrder() {
		n := g.Node(id)
		sec.Nodes = append(sec.Nodes, Node{
			ID:    n.ID,
			Label: nodeLabel(n),
			Kind:  nodeKind(n),
		})
		if n.Next != "" {
			sec.Edges = append(sec.Edges, Edge{From: n.ID, To: n.Next, Label: nextLabel(n)})
		}
		if n.Else != "" {
			sec.Edges = append(sec.Edges, Edge{From: n.ID, To: n.Else, Label: elseLabel(n)})
		}
		if n.OnFail != "" {
			sec.Edges = append(sec.Edges, Edge{From: n.ID, To: n.OnFail, Label: "fail"})
		}
		if n.Target != "" {
			sec.Edges = append(sec.Edges, Edge{From: n.ID, To: n.Target})
		}
	}
	return sec
}

func nodeKind(n *compile.Node) NodeKind {
	switch n.Kind {
	case compile.NodeBranch:
		return NodeKindBranch
	case compile.NodeLoopHead, compile.NodeLoopTail:
		return NodeKindLoop
	case compile.NodeJump:
		return NodeKindJump
	default:
		return NodeKindAction
	}
}

func nodeLabel(n *compile.Node) string {
	step := n.Step
	switch n.Kind {
	case compile.NodeBranch:
		return fmt.Sprintf("%s?", step.If)
	case compile.NodeLoopHead:
		return fmt.Sprintf("loop %s", step.Loop)
	case compile.NodeLoopTail:
		if step.BreakIf != "" {
			return fmt.Sprintf("break if %s", step.BreakIf)
		}
		return "next item"
	case compile.NodeJump:
		return "jump"
	}
	if step.Uses != "" {
		return fmt.Sprintf("%s (%s)", step.ID, step.Uses)
	}
	return fmt.Sprintf("%s (run)", step.ID)
}

func nextLabel(n *compile.Node) string {
	switch n.Kind {
	case compile.NodeBranch:
		return "yes"
	case compile.NodeLoopHead:
		return "item"
	case compile.NodeLoopTail:
		return "done"
	}
	return ""
}

func elseLabel(n *compile.Node) string {
	switch n.Kind {
	case compile.NodeBranch:
		return "no"
	case compile.NodeLoopHead:
		return "empty"
	case compile.NodeLoopTail:
		return "again"
	}
	return ""
}
