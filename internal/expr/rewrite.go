package expr

import "strings"

// pipeAliases maps filter names the expression grammar reserves as infix
// string operators to the function names they actually compile to. The
// public names stay in the registry so validation and docs know them.
var pipeAliases = map[string]string{
	"contains":   "_contains",
	"startsWith": "_startsWith",
	"endsWith":   "_endsWith",
}

// rewritePipes rewrites pipe applications of reserved filter names into
// plain calls before compilation: `v | contains("x")` becomes
// `_contains((v), "x")`. The grammar lexes contains, startsWith, and
// endsWith as operators, so the pipe form cannot parse as written. Pipes
// into any other filter pass through untouched, as does the bare operator
// form.
func rewritePipes(source string) string {
	for {
		rewritten, changed := rewriteFirstPipe(source)
		if !changed {
			return source
		}
		source = rewritten
	}
}

// rewriteFirstPipe rewrites the leftmost reserved pipe call, tracking quotes
// and nesting so the piped value extends back to the start of its enclosing
// segment. The pipe binds looser than every other operator, so the segment
// boundary is the start of the expression or the nearest opening bracket,
// argument comma, or ternary branch.
func rewriteFirstPipe(source string) (string, bool) {
	starts := []int{0}
	i := 0
	for i < len(source) {
		switch c := source[i]; {
		case c == '\'' || c == '"' || c == '`':
			i = skipString(source, i)
			continue
		case c == '(' || c == '[' || c == '{':
			starts = append(starts, i+1)
		case c == ')' || c == ']' || c == '}':
			if len(starts) > 1 {
				starts = starts[:len(starts)-1]
			}
		case c == ',' || c == ':':
			starts[len(starts)-1] = i + 1
		case c == '?':
			// ?. and ?? are chaining operators, not ternary branches.
			if i+1 < len(source) && (source[i+1] == '.' || source[i+1] == '?') {
				i += 2
				continue
			}
			starts[len(starts)-1] = i + 1
		case c == '|':
			if i+1 < len(source) && source[i+1] == '|' {
				i += 2
				continue
			}
			name, open, ok := pipeCallAt(source, i+1)
			if !ok {
				break
			}
			closing := matchParen(source, open)
			if closing < 0 {
				break
			}
			lhsStart := skipSpace(source, starts[len(starts)-1])
			lhs := strings.TrimRight(source[lhsStart:i], " \t\n\r")
			args := strings.TrimSpace(source[open+1 : closing])

			var b strings.Builder
			b.WriteString(source[:lhsStart])
			b.WriteString(pipeAliases[name])
			b.WriteString("((")
			b.WriteString(lhs)
			b.WriteString(")")
			if args != "" {
				b.WriteString(", ")
				b.WriteString(args)
			}
			b.WriteString(")")
			b.WriteString(source[closing+1:])
			return b.String(), true
		}
		i++
	}
	return source, false
}

// pipeCallAt reports whether the text after a pipe is a reserved filter
// call, returning the filter name and the index of its opening paren.
func pipeCallAt(source string, j int) (string, int, bool) {
	j = skipSpace(source, j)
	start := j
	for j < len(source) && isIdentChar(source[j]) {
		j++
	}
	name := source[start:j]
	if _, ok := pipeAliases[name]; !ok {
		return "", 0, false
	}
	j = skipSpace(source, j)
	if j >= len(source) || source[j] != '(' {
		return "", 0, false
	}
	return name, j, true
}

// matchParen returns the index of the paren closing the one at open, or -1.
func matchParen(source string, open int) int {
	depth := 0
	for i := open; i < len(source); i++ {
		switch source[i] {
		case '\'', '"', '`':
			i = skipString(source, i) - 1
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// skipString returns the index just past the string literal opening at i.
func skipString(source string, i int) int {
	quote := source[i]
	for i++; i < len(source); i++ {
		if source[i] == '\\' && quote != '`' {
			i++
			continue
		}
		if source[i] == quote {
			return i + 1
		}
	}
	return i
}

func skipSpace(source string, i int) int {
	for i < len(source) {
		switch source[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' || c == '_'
}
