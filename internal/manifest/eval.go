package manifest

import (
	"fmt"
	"strings"
)

// envLookup resolves a variable reference during evaluation. Unknown
// variables resolve to the empty string, matching ninja.
type envLookup interface {
	lookup(name string) string
}

// token is one piece of an unevaluated $-expression: either literal text
// or a variable reference.
type token struct {
	lit string
	ref string
}

// evalString is a parsed but unevaluated value: literal chunks
// interleaved with variable references. Rule variables stay in this form
// until an edge supplies $in/$out and its own bindings.
type evalString []token

func (e evalString) eval(env envLookup) string {
	var b strings.Builder
	for _, t := range e {
		if t.ref != "" {
			b.WriteString(env.lookup(t.ref))
		} else {
			b.WriteString(t.lit)
		}
	}
	return b.String()
}

func isVarChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parseEval parses a binding value: everything after `=` up to end of the
// logical line. Handles $$, "$ ", $:, $name, and ${name}.
func parseEval(s string) (evalString, error) {
	var out evalString
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			out = append(out, token{lit: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(s); {
		c := s[i]
		if c != '$' {
			lit.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("trailing $")
		}
		switch next := s[i+1]; {
		case next == '$' || next == ' ' || next == ':':
			lit.WriteByte(next)
			i += 2
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unterminated ${")
			}
			name := s[i+2 : i+2+end]
			if name == "" {
				return nil, fmt.Errorf("empty ${} reference")
			}
			flush()
			out = append(out, token{ref: name})
			i += 2 + end + 1
		case isVarChar(next):
			j := i + 1
			for j < len(s) && isVarChar(s[j]) {
				j++
			}
			flush()
			out = append(out, token{ref: s[i+1 : j]})
			i = j
		default:
			return nil, fmt.Errorf("bad $-escape %q", s[i:i+2])
		}
	}
	flush()
	return out, nil
}

// pathToken is one element of a build statement's path list: either a
// path expression or one of the delimiters ":", "|", "||".
type pathToken struct {
	delim string
	path  evalString
}

// lexPaths splits the body of a build statement into path expressions and
// delimiters. Spaces separate paths unless escaped with "$ "; ":" and "|"
// are delimiters unless escaped.
func lexPaths(s string) ([]pathToken, error) {
	var toks []pathToken
	var cur evalString
	var lit strings.Builder

	flushLit := func() {
		if lit.Len() > 0 {
			cur = append(cur, token{lit: lit.String()})
			lit.Reset()
		}
	}
	flushPath := func() {
		flushLit()
		if len(cur) > 0 {
			toks = append(toks, pathToken{path: cur})
			cur = nil
		}
	}

	for i := 0; i < len(s); {
		switch c := s[i]; c {
		case ' ', '\t':
			flushPath()
			i++
		case ':':
			flushPath()
			toks = append(toks, pathToken{delim: ":"})
			i++
		case '|':
			flushPath()
			if i+1 < len(s) && s[i+1] == '|' {
				toks = append(toks, pathToken{delim: "||"})
				i += 2
			} else {
				toks = append(toks, pathToken{delim: "|"})
				i++
			}
		case '$':
			if i+1 >= len(s) {
				return nil, fmt.Errorf("trailing $")
			}
			switch next := s[i+1]; {
			case next == '$' || next == ' ' || next == ':':
				lit.WriteByte(next)
				i += 2
			case next == '{':
				end := strings.IndexByte(s[i+2:], '}')
				if end < 0 {
					return nil, fmt.Errorf("unterminated ${")
				}
				flushLit()
				cur = append(cur, token{ref: s[i+2 : i+2+end]})
				i += 2 + end + 1
			case isVarChar(next):
				j := i + 1
				for j < len(s) && isVarChar(s[j]) {
					j++
				}
				flushLit()
				cur = append(cur, token{ref: s[i+1 : j]})
				i = j
			default:
				return nil, fmt.Errorf("bad $-escape %q", s[i:i+2])
			}
		default:
			lit.WriteByte(c)
			i++
		}
	}
	flushPath()
	return toks, nil
}

// scope is one level of variable bindings: the file scope, or a subninja
// child of it. Lookup walks toward the root.
type scope struct {
	vars   map[string]string
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{vars: make(map[string]string), parent: parent}
}

func (s *scope) lookup(name string) string {
	for sc := s; sc != nil; sc = sc.parent {
		if v, ok := sc.vars[name]; ok {
			return v
		}
	}
	return ""
}

func (s *scope) set(name, value string) { s.vars[name] = value }
