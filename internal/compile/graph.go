package compile

import (
	"fmt"
	"strings"

	"github.com/loomctl/loom/pkg/schema"
)

// NodeKind discriminates the executable node types.
type NodeKind string

const (
	// NodeAction wraps one step and dispatches it.
	NodeAction NodeKind = "action"
	// NodeBranch evaluates a step's if expression and selects a successor.
	NodeBranch NodeKind = "branch"
	// NodeLoopHead materializes the loop sequence on first entry and binds
	// the current item on every pass.
	NodeLoopHead NodeKind = "loop_head"
	// NodeLoopTail checks break_if, advances the index, and either takes the
	// back-edge or exits the loop.
	NodeLoopTail NodeKind = "loop_tail"
	// NodeJump is an unconditional edge, used for on_failure targets.
	NodeJump NodeKind = "jump"
)

// Node is one executable unit of a compiled graph. Edges are node IDs; an
// empty edge means the walk ends (or, for OnFail, the failure aborts to the
// finally subgraph).
type Node struct {
	ID   string       `json:"id"`
	Kind NodeKind     `json:"kind"`
	Step *schema.Step `json:"-"`

	// Next is the successor on success. For LoopHead it enters the body;
	// for LoopTail it exits the loop (exhausted or broken).
	Next string `json:"next,omitempty"`
	// Else is the Branch false edge, the LoopHead empty-sequence exit, and
	// the LoopTail back-edge.
	Else string `json:"else,omitempty"`
	// OnFail is the failure edge. Empty means the failure propagates: to the
	// enclosing loop's continue_on_error if set, otherwise the job aborts.
	OnFail string `json:"on_fail,omitempty"`
	// Target is the Jump destination.
	Target string `json:"target,omitempty"`
}

// Graph is the compiled form of one step list plus its finally list. The
// graph is acyclic except for loop back-edges, which are bounded by the
// materialized sequence length. Read-only after compilation and safely
// shared across runs.
type Graph struct {
	Nodes        map[string]*Node
	Order        []string // node IDs in declaration order
	Entry        string
	FinallyEntry string
}

// Node returns a node by ID, or nil.
func (g *Graph) Node(id string) *Node {
	return g.Nodes[id]
}

// ExecutionOrder lists node IDs in declaration order, for dry-run output.
func (g *Graph) ExecutionOrder() []string {
	out := make([]string, len(g.Order))
	copy(out, g.Order)
	return out
}

// String renders the graph one node per line with its edges, in declaration
// order.
func (g *Graph) String() string {
	var b strings.Builder
	for _, id := range g.Order {
		n := g.Nodes[id]
		fmt.Fprintf(&b, "%-10s %s", n.Kind, n.ID)
		if n.Next != "" {
			fmt.Fprintf(&b, " -> %s", n.Next)
		}
		if n.Else != "" {
			fmt.Fprintf(&b, " [else -> %s]", n.Else)
		}
		if n.OnFail != "" {
			fmt.Fprintf(&b, " [fail -> %s]", n.OnFail)
		}
		if n.Target != "" {
			fmt.Fprintf(&b, " [target %s]", n.Target)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
