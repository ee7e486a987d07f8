package inproc

import (
	"fmt"
	"regexp"
	"strings"
)

// Statement forms understood by the interpreter. Expressions are CUE
// expressions evaluated with the namespace in scope.
//
//	name = expr        bind a value
//	name += expr       update a value
//	del a, b           unbind names
//	print expr, ...    write to stdout
//	raise Kind         raise; also raise Kind("msg") and raise Kind: msg
//	expr               evaluate; the last one becomes the display value
//	pass, # comment    ignored
var (
	assignRe = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_]*)\s*(\+|-|\*)?=\s*(.*)$`)
	raiseRe  = regexp.MustCompile(`^raise\s+([A-Za-z][A-Za-z0-9_.]*)\s*(?:\(\s*(.*)\s*\)|:\s*(.*))?$`)
	delRe    = regexp.MustCompile(`^del\s+(.+)$`)
	printRe  = regexp.MustCompile(`^print(?:\s*\((.*)\)|\s+(.*))$`)
)

type stmtKind int

const (
	stmtExpr stmtKind = iota
	stmtAssign
	stmtDel
	stmtPrint
	stmtRaise
)

type statement struct {
	line int
	text string
	kind stmtKind

	name string // assign target or raise kind
	op   string // augmented assignment operator
	expr string // expression, print args or raise message
	del  []string
}

// parse splits code into statements. Statements are separated by newlines or
// by semicolons outside string literals.
func parse(code string) ([]statement, error) {
	var out []statement
	for _, raw := range splitStatements(code) {
		text := strings.TrimSpace(raw.text)
		if text == "" || text == "pass" || strings.HasPrefix(text, "#") {
			continue
		}
		st := statement{line: raw.line, text: text}

		switch {
		case raiseRe.MatchString(text):
			m := raiseRe.FindStringSubmatch(text)
			st.kind = stmtRaise
			st.name = m[1]
			st.expr = strings.TrimSpace(m[2] + m[3])
		case delRe.MatchString(text):
			m := delRe.FindStringSubmatch(text)
			st.kind = stmtDel
			for n := range strings.SplitSeq(m[1], ",") {
				n = strings.TrimSpace(n)
				if n == "" {
					return nil, fmt.Errorf("line %d: empty name in del", raw.line)
				}
				st.del = append(st.del, n)
			}
		case printRe.MatchString(text):
			m := printRe.FindStringSubmatch(text)
			st.kind = stmtPrint
			st.expr = strings.TrimSpace(m[1] + m[2])
		case isAssignment(text):
			m := assignRe.FindStringSubmatch(text)
			st.kind = stmtAssign
			st.name = m[1]
			st.op = m[2]
			st.expr = strings.TrimSpace(m[3])
			if st.expr == "" {
				return nil, fmt.Errorf("line %d: missing value in assignment", raw.line)
			}
		default:
			st.kind = stmtExpr
			st.expr = text
		}
		out = append(out, st)
	}
	return out, nil
}

// isAssignment reports whether text binds a name, distinguishing "a = 1"
// from comparisons such as "a == 1" or "a <= 1".
func isAssignment(text string) bool {
	m := assignRe.FindStringSubmatch(text)
	if m == nil {
		return false
	}
	return !strings.HasPrefix(m[3], "=")
}

type rawStatement struct {
	line int
	text string
}

func splitStatements(code string) []rawStatement {
	var (
		out   []rawStatement
		cur   strings.Builder
		quote rune
		esc   bool
		line  = 1
		start = 1
	)
	flush := func() {
		out = append(out, rawStatement{line: start, text: cur.String()})
		cur.Reset()
		start = line
	}
	for _, r := range code {
		switch {
		case esc:
			esc = false
		case quote != 0 && r == '\\':
			esc = true
		case quote != 0 && r == quote:
			quote = 0
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
		case quote == 0 && r == ';':
			flush()
			continue
		case r == '\n':
			line++
			if quote == 0 {
				flush()
				continue
			}
		}
		cur.WriteRune(r)
	}
	flush()
	return out
}
