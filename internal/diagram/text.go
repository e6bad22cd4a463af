package diagram

import (
	"fmt"
	"strings"
)

// RenderText renders the model as indented plain text, one line per node in
// execution order with its outgoing edges.
func RenderText(m *Model) string {
	var b strings.Builder

	if m.Title != "" {
		fmt.Fprintf(&b, "workflow: %s\n", m.Title)
	}

	for _, sec := range m.Sections {
		fmt.Fprintf(&b, "\n%s\n", sec.Name)
		edges := edgeIndex(sec)
		for _, node := range sec.Nodes {
			fmt.Fprintf(&b, "  %-8s %s", node.Kind, node.ID)
			if out := edges[node.ID]; len(out) > 0 {
				b.WriteString("  ")
				for i, e := range out {
					if i > 0 {
						b.WriteString(", ")
					}
					if e.Label != "" {
						fmt.Fprintf(&b, "%s-> %s", e.Label+" ", e.To)
					} else {
						fmt.Fprintf(&b, "-> %s", e.To)
					}
				}
			}
			b.WriteByte('\n')
		}
	}

	return b.String()
}

func edgeIndex(sec Section) map[string][]Edge {
	out := make(map[string][]Edge, len(sec.Edges))
	for _, e := range sec.Edges {
		out[e.From] = append(out[e.From], e)
	}
	return out
}
