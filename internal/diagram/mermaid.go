package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the model as a Mermaid flowchart, one subgraph per
// section.
func RenderMermaid(m *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if m.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", m.Title)
	}

	for i, sec := range m.Sections {
		fmt.Fprintf(&b, "    subgraph s%d[%q]\n", i, sec.Name)
		for _, node := range sec.Nodes {
			fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(i, node))
		}
		for _, edge := range sec.Edges {
			label := ""
			if edge.Label != "" {
				label = fmt.Sprintf("|%s|", edge.Label)
			}
			fmt.Fprintf(&b, "        %s -->%s %s\n",
				mermaidID(i, edge.From), label, mermaidID(i, edge.To))
		}
		b.WriteString("    end\n")
	}

	return b.String()
}

// mermaidNodeDef picks the node shape by kind: diamond for branches,
// double-bracket for loop bookkeeping, circle for jumps.
func mermaidNodeDef(section int, node Node) string {
	id := mermaidID(section, node.ID)
	switch node.Kind {
	case NodeKindBranch:
		return fmt.Sprintf("%s{%q}", id, node.Label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, node.Label)
	case NodeKindJump:
		return fmt.Sprintf("%s((%q))", id, node.Label)
	default:
		return fmt.Sprintf("%s[%q]", id, node.Label)
	}
}

// mermaidID prefixes the section index so the same step ID in two sections
// stays distinct, and strips characters Mermaid rejects in identifiers.
func mermaidID(section int, id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_", ":", "_")
	return fmt.Sprintf("s%d_%s", section, r.Replace(id))
}
