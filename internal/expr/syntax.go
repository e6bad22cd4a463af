package expr

import (
	"sort"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/loomctl/loom/pkg/schema"
)

// CheckSyntax verifies that an expression parses and references only known
// top-level identifiers, without resolving any values. The validator calls
// this before inputs are bound.
func (e *Evaluator) CheckSyntax(source string) error {
	source = strings.TrimSpace(source)
	if source == "" {
		return schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	return checkIdentifiers(rewritePipes(source), e.allowed)
}

// StepRefs returns the step IDs an expression reads via steps.<id>, sorted
// and deduplicated. Parse failures are reported by CheckSyntax; here they
// yield no refs.
func StepRefs(source string) []string {
	tree, err := parser.Parse(rewritePipes(source))
	if err != nil {
		return nil
	}

	c := &stepRefCollector{refs: map[string]bool{}}
	ast.Walk(&tree.Node, c)

	out := make([]string, 0, len(c.refs))
	for id := range c.refs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// checkIdentifiers parses the source and rejects any top-level identifier
// outside the allowed set. Member properties (steps.<id>.outputs) parse as
// string constants, not identifiers, so only namespaces and filter names
// reach this check.
func checkIdentifiers(source string, allowed map[string]bool) error {
	tree, err := parser.Parse(source)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExpression,
			"parse error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": source})
	}

	c := &identCollector{idents: map[string]bool{}}
	ast.Walk(&tree.Node, c)

	var unknown []string
	for ident := range c.idents {
		if !allowed[ident] {
			unknown = append(unknown, ident)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		known := make([]string, 0, len(allowed))
		for name := range allowed {
			known = append(known, name)
		}
		sort.Strings(known)
		return schema.NewErrorf(schema.ErrCodeExpression,
			"unknown identifier %q in %q; known: %s",
			unknown[0], source, strings.Join(known, ", ")).
			WithDetails(map[string]any{"expression": source, "unknown": unknown})
	}
	return nil
}

type identCollector struct {
	idents map[string]bool
}

func (c *identCollector) Visit(node *ast.Node) {
	if n, ok := (*node).(*ast.IdentifierNode); ok {
		c.idents[n.Value] = true
	}
}

type stepRefCollector struct {
	refs map[string]bool
}

func (c *stepRefCollector) Visit(node *ast.Node) {
	member, ok := (*node).(*ast.MemberNode)
	if !ok {
		return
	}
	base, ok := member.Node.(*ast.IdentifierNode)
	if !ok || base.Value != "steps" {
		return
	}
	if prop, ok := member.Property.(*ast.StringNode); ok {
		c.refs[prop.Value] = true
	}
}
