package compile

import (
	"github.com/loomctl/loom/pkg/schema"
)

// Compile lowers a job into a Graph. Compilation is pure and deterministic:
// compiling the same job twice yields structurally identical graphs. The
// job's finally list becomes a separate subgraph reached via FinallyEntry,
// walked on every way out of the main chain.
func Compile(job *schema.Job) (*Graph, error) {
	if job == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "cannot compile nil job")
	}

	g := &Graph{Nodes: map[string]*Node{}}

	entry, err := compileChain(g, job.Steps)
	if err != nil {
		return nil, err
	}
	g.Entry = entry

	if len(job.Finally) > 0 {
		finallyEntry, err := compileChain(g, job.Finally)
		if err != nil {
			return nil, err
		}
		g.FinallyEntry = finallyEntry
	}

	return g, nil
}

// CompileSteps lowers a bare step list (document-level finally, on_complete,
// on_failure handlers) into a Graph with no finally subgraph.
func CompileSteps(steps []*schema.Step) (*Graph, error) {
	g := &Graph{Nodes: map[string]*Node{}}
	entry, err := compileChain(g, steps)
	if err != nil {
		return nil, err
	}
	g.Entry = entry
	return g, nil
}

// entryID returns the node a step's compiled subgraph is entered through.
// A loop brackets everything; a bare conditional is entered at its branch.
func entryID(step *schema.Step) string {
	switch {
	case step.Loop != "":
		return step.ID + ":head"
	case step.If != "":
		return step.ID + ":branch"
	default:
		return step.ID
	}
}

// compileChain builds the node sequence for one step list and returns its
// entry node ID. on_failure jump targets are resolved in a second pass so
// they may point at later steps in the same list.
func compileChain(g *Graph, steps []*schema.Step) (string, error) {
	if len(steps) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "cannot compile empty step list")
	}

	stepEntry := make(map[string]string, len(steps))
	for _, step := range steps {
		if step == nil || step.ID == "" {
			return "", schema.NewError(schema.ErrCodeValidation, "step without id")
		}
		if _, exists := g.Nodes[entryID(step)]; exists {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate step id %q", step.ID)
		}
		stepEntry[step.ID] = entryID(step)
	}

	var jumps []*Node

	for i, step := range steps {
		after := ""
		if i+1 < len(steps) {
			after = entryID(steps[i+1])
		}

		failEdge := ""
		if step.OnFailure != "" {
			failEdge = step.ID + ":onfail"
		}

		if step.Loop != "" {
			headID := step.ID + ":head"
			tailID := step.ID + ":tail"

			bodyEntry := step.ID
			if step.If != "" {
				bodyEntry = step.ID + ":branch"
			}

			add(g, &Node{ID: headID, Kind: NodeLoopHead, Step: step,
				Next: bodyEntry, Else: after})
			if step.If != "" {
				// A skipped iteration still advances the loop.
				add(g, &Node{ID: step.ID + ":branch", Kind: NodeBranch, Step: step,
					Next: step.ID, Else: tailID})
			}
			add(g, &Node{ID: step.ID, Kind: NodeAction, Step: step,
				Next: tailID, OnFail: failEdge})
			add(g, &Node{ID: tailID, Kind: NodeLoopTail, Step: step,
				Next: after, Else: headID})
		} else {
			if step.If != "" {
				add(g, &Node{ID: step.ID + ":branch", Kind: NodeBranch, Step: step,
					Next: step.ID, Else: after})
			}
			add(g, &Node{ID: step.ID, Kind: NodeAction, Step: step,
				Next: after, OnFail: failEdge})
		}

		if step.OnFailure != "" {
			jump := &Node{ID: failEdge, Kind: NodeJump, Step: step}
			add(g, jump)
			jumps = append(jumps, jump)
		}
	}

	// Second pass: resolve jump targets, allowing forward references.
	for _, jump := range jumps {
		target, ok := stepEntry[jump.Step.OnFailure]
		if !ok {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"on_failure target %q not found for step %q",
				jump.Step.OnFailure, jump.Step.ID)
		}
		jump.Target = target
	}

	return entryID(steps[0]), nil
}

func add(g *Graph, n *Node) {
	g.Nodes[n.ID] = n
	g.Order = append(g.Order, n.ID)
}
