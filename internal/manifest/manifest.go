// Package manifest parses ninja-syntax build files into a build graph.
//
// The parser accepts the subset of the syntax girder executes: top-level
// variable bindings, rule blocks, build statements with implicit and
// order-only inputs and implicit outputs, default statements, pool
// declarations, include and subninja. The builtin phony rule and console
// pool are predefined.
//
// Determinism contract: edges, their input and output lists, and the
// default-target list are appended in source order. Two parses of the
// same manifest produce graphs with identical orderings; the signature
// engine depends on that stability.
package manifest

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/roach88/girder/internal/graph"
)

// rule is a parsed rule block. Its variables stay unevaluated until a
// build statement instantiates the rule and supplies $in, $out, and its
// own bindings.
type rule struct {
	name string
	vars map[string]evalString
}

// Parser accumulates parsed files into one graph.
type Parser struct {
	g     *graph.Graph
	read  func(path string) ([]byte, error)
	rules map[string]*rule
}

// NewParser returns a parser that writes into g and reads included files
// from the filesystem.
func NewParser(g *graph.Graph) *Parser {
	return &Parser{
		g:    g,
		read: os.ReadFile,
		rules: map[string]*rule{
			"phony": {name: "phony", vars: map[string]evalString{}},
		},
	}
}

// SetFileReader replaces the file reader, letting tests parse in-memory
// manifests and fake include targets.
func (p *Parser) SetFileReader(read func(path string) ([]byte, error)) {
	p.read = read
}

// Load parses the manifest at path, plus anything it includes, into the
// parser's graph.
func (p *Parser) Load(path string) error {
	return p.parseFile(path, newScope(nil))
}

// srcLine is one logical line: continuations already joined, num is the
// first physical line number.
type srcLine struct {
	text string
	num  int
}

// trailingDollars counts consecutive '$' at the end of s.
func trailingDollars(s string) int {
	n := 0
	for i := len(s) - 1; i >= 0 && s[i] == '$'; i-- {
		n++
	}
	return n
}

// logicalLines splits source text into logical lines, joining physical
// lines whose newline is escaped by an unpaired trailing '$'. The
// continuation's leading whitespace is dropped.
func logicalLines(data string) []srcLine {
	physical := strings.Split(data, "\n")
	var out []srcLine
	for i := 0; i < len(physical); i++ {
		text := strings.TrimSuffix(physical[i], "\r")
		num := i + 1
		for trailingDollars(text)%2 == 1 && i+1 < len(physical) {
			i++
			next := strings.TrimSuffix(physical[i], "\r")
			text = text[:len(text)-1] + strings.TrimLeft(next, " \t")
		}
		out = append(out, srcLine{text: text, num: num})
	}
	return out
}

// bindEnv resolves references during edge-binding and path evaluation:
// earlier edge bindings shadow the file scope.
type bindEnv struct {
	vars map[string]string
	sc   *scope
}

func (e bindEnv) lookup(name string) string {
	if v, ok := e.vars[name]; ok {
		return v
	}
	return e.sc.lookup(name)
}

// edgeEnv resolves references while expanding rule variables for one
// edge: edge bindings, then the $in/$out specials, then other rule
// variables (recursively, with a cycle guard), then the file scope.
type edgeEnv struct {
	vars       map[string]string
	rule       *rule
	sc         *scope
	in         string
	inNewline  string
	out        string
	evaluating map[string]bool
}

func (e *edgeEnv) lookup(name string) string {
	if v, ok := e.vars[name]; ok {
		return v
	}
	switch name {
	case "in":
		return e.in
	case "in_newline":
		return e.inNewline
	case "out":
		return e.out
	}
	if ev, ok := e.rule.vars[name]; ok && !e.evaluating[name] {
		e.evaluating[name] = true
		v := ev.eval(e)
		delete(e.evaluating, name)
		return v
	}
	return e.sc.lookup(name)
}

// binding is one `key = value` line from a block, value unevaluated.
type binding struct {
	key   string
	value evalString
	num   int
}

func (p *Parser) parseFile(path string, sc *scope) error {
	data, err := p.read(path)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	lines := logicalLines(string(data))

	for i := 0; i < len(lines); {
		ln := lines[i]
		trimmed := strings.TrimSpace(ln.text)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			i++
			continue
		}
		if ln.text[0] == ' ' || ln.text[0] == '\t' {
			return fmt.Errorf("%s:%d: unexpected indent", path, ln.num)
		}
		i++

		keyword, rest, _ := strings.Cut(trimmed, " ")
		rest = strings.TrimSpace(rest)
		var err error
		switch keyword {
		case "rule":
			i, err = p.parseRule(path, rest, lines, i, ln.num)
		case "build":
			i, err = p.parseBuild(path, rest, lines, i, ln.num, sc)
		case "default":
			err = p.parseDefault(path, rest, sc, ln.num)
		case "pool":
			i, err = p.parsePool(path, rest, lines, i, ln.num, sc)
		case "include":
			err = p.parseInclude(path, rest, sc, ln.num, sc)
		case "subninja":
			err = p.parseInclude(path, rest, sc, ln.num, newScope(sc))
		default:
			// A top-level binding; evaluated immediately in file scope.
			key, value, ok := cutBinding(trimmed)
			if !ok {
				return fmt.Errorf("%s:%d: expected declaration or binding, got %q", path, ln.num, keyword)
			}
			ev, perr := parseEval(value)
			if perr != nil {
				return fmt.Errorf("%s:%d: %w", path, ln.num, perr)
			}
			sc.set(key, ev.eval(sc))
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// cutBinding splits a `key = value` line. The value keeps trailing
// whitespace but drops whitespace after the '='.
func cutBinding(line string) (key, value string, ok bool) {
	eq := strings.IndexByte(line, '=')
	if eq < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return key, strings.TrimLeft(line[eq+1:], " \t"), true
}

// collectBindings consumes the indented block following a declaration.
func collectBindings(path string, lines []srcLine, i int) ([]binding, int, error) {
	var out []binding
	for i < len(lines) {
		ln := lines[i]
		if strings.TrimSpace(ln.text) == "" {
			i++
			continue
		}
		if ln.text[0] != ' ' && ln.text[0] != '\t' {
			break
		}
		key, value, ok := cutBinding(strings.TrimSpace(ln.text))
		if !ok {
			return nil, i, fmt.Errorf("%s:%d: expected binding, got %q", path, ln.num, strings.TrimSpace(ln.text))
		}
		ev, err := parseEval(value)
		if err != nil {
			return nil, i, fmt.Errorf("%s:%d: %w", path, ln.num, err)
		}
		out = append(out, binding{key: key, value: ev, num: ln.num})
		i++
	}
	return out, i, nil
}

func (p *Parser) parseRule(path, name string, lines []srcLine, i, num int) (int, error) {
	if name == "" {
		return i, fmt.Errorf("%s:%d: rule needs a name", path, num)
	}
	if _, exists := p.rules[name]; exists {
		return i, fmt.Errorf("%s:%d: duplicate rule %q", path, num, name)
	}
	bindings, i, err := collectBindings(path, lines, i)
	if err != nil {
		return i, err
	}
	r := &rule{name: name, vars: make(map[string]evalString, len(bindings))}
	for _, b := range bindings {
		r.vars[b.key] = b.value
	}
	p.rules[name] = r
	return i, nil
}

func (p *Parser) parsePool(path, name string, lines []srcLine, i, num int, _ *scope) (int, error) {
	if name == "" {
		return i, fmt.Errorf("%s:%d: pool needs a name", path, num)
	}
	if _, exists := p.g.Pools[name]; exists {
		return i, fmt.Errorf("%s:%d: duplicate pool %q", path, num, name)
	}
	bindings, i, err := collectBindings(path, lines, i)
	if err != nil {
		return i, err
	}
	depth := -1
	for _, b := range bindings {
		if b.key != "depth" {
			return i, fmt.Errorf("%s:%d: unexpected pool variable %q", path, b.num, b.key)
		}
		d, err := strconv.Atoi(b.value.eval(newScope(nil)))
		if err != nil || d < 1 {
			return i, fmt.Errorf("%s:%d: pool depth must be a positive integer", path, b.num)
		}
		depth = d
	}
	if depth < 0 {
		return i, fmt.Errorf("%s:%d: pool %q is missing depth", path, num, name)
	}
	p.g.Pools[name] = &graph.Pool{Name: name, Depth: depth}
	return i, nil
}

func (p *Parser) parseDefault(path, rest string, sc *scope, num int) error {
	toks, err := lexPaths(rest)
	if err != nil {
		return fmt.Errorf("%s:%d: %w", path, num, err)
	}
	if len(toks) == 0 {
		return fmt.Errorf("%s:%d: default needs at least one target", path, num)
	}
	for _, tok := range toks {
		if tok.delim != "" {
			return fmt.Errorf("%s:%d: unexpected %q in default", path, num, tok.delim)
		}
		name := tok.path.eval(sc)
		id, ok := p.g.Lookup(name)
		if !ok {
			return fmt.Errorf("%s:%d: unknown default target %q", path, num, name)
		}
		p.g.Defaults = append(p.g.Defaults, id)
	}
	return nil
}

func (p *Parser) parseInclude(path, rest string, sc *scope, num int, target *scope) error {
	toks, err := lexPaths(rest)
	if err != nil {
		return fmt.Errorf("%s:%d: %w", path, num, err)
	}
	if len(toks) != 1 || toks[0].delim != "" {
		return fmt.Errorf("%s:%d: include needs exactly one path", path, num)
	}
	return p.parseFile(toks[0].path.eval(sc), target)
}

// buildDecl is the token structure of one build statement.
type buildDecl struct {
	outs, implicitOuts []evalString
	ruleName           string
	ins, implicitIns   []evalString
	orderOnly          []evalString
}

func parseBuildDecl(rest string) (*buildDecl, error) {
	toks, err := lexPaths(rest)
	if err != nil {
		return nil, err
	}
	d := &buildDecl{}
	// Sections in order: outs | implicit-outs : rule ins | implicit-ins || order-only
	const (
		secOuts = iota
		secImplicitOuts
		secRule
		secIns
		secImplicitIns
		secOrderOnly
	)
	sec := secOuts
	for _, tok := range toks {
		if tok.delim != "" {
			switch {
			case tok.delim == "|" && sec == secOuts:
				sec = secImplicitOuts
			case tok.delim == ":" && sec <= secImplicitOuts:
				sec = secRule
			case tok.delim == "|" && (sec == secIns || sec == secRule):
				sec = secImplicitIns
			case tok.delim == "||" && (sec == secIns || sec == secRule || sec == secImplicitIns):
				sec = secOrderOnly
			default:
				return nil, fmt.Errorf("unexpected %q", tok.delim)
			}
			continue
		}
		switch sec {
		case secOuts:
			d.outs = append(d.outs, tok.path)
		case secImplicitOuts:
			d.implicitOuts = append(d.implicitOuts, tok.path)
		case secRule:
			if len(tok.path) != 1 || tok.path[0].ref != "" {
				return nil, fmt.Errorf("rule name must be literal")
			}
			d.ruleName = tok.path[0].lit
			sec = secIns
		case secIns:
			d.ins = append(d.ins, tok.path)
		case secImplicitIns:
			d.implicitIns = append(d.implicitIns, tok.path)
		case secOrderOnly:
			d.orderOnly = append(d.orderOnly, tok.path)
		}
	}
	if d.ruleName == "" {
		return nil, fmt.Errorf("missing rule name")
	}
	if len(d.outs) == 0 {
		return nil, fmt.Errorf("build statement needs at least one output")
	}
	return d, nil
}

func (p *Parser) parseBuild(path, rest string, lines []srcLine, i, num int, sc *scope) (int, error) {
	decl, err := parseBuildDecl(rest)
	if err != nil {
		return i, fmt.Errorf("%s:%d: %w", path, num, err)
	}
	r, ok := p.rules[decl.ruleName]
	if !ok {
		return i, fmt.Errorf("%s:%d: unknown rule %q", path, num, decl.ruleName)
	}

	bindings, i, err := collectBindings(path, lines, i)
	if err != nil {
		return i, err
	}

	// Edge bindings are evaluated in declaration order; later bindings
	// see earlier ones.
	edgeVars := make(map[string]string, len(bindings))
	env := bindEnv{vars: edgeVars, sc: sc}
	for _, b := range bindings {
		edgeVars[b.key] = b.value.eval(env)
	}

	evalAll := func(exprs []evalString) []string {
		out := make([]string, 0, len(exprs))
		for _, e := range exprs {
			out = append(out, e.eval(env))
		}
		return out
	}
	explicitOuts := evalAll(decl.outs)
	implicitOuts := evalAll(decl.implicitOuts)
	explicitIns := evalAll(decl.ins)
	implicitIns := evalAll(decl.implicitIns)
	orderOnly := evalAll(decl.orderOnly)

	b := &graph.Build{
		Rule:            r.name,
		NumExplicitIns:  len(explicitIns),
		NumExplicitOuts: len(explicitOuts),
	}
	intern := func(names []string) []graph.FileID {
		ids := make([]graph.FileID, 0, len(names))
		for _, n := range names {
			ids = append(ids, p.g.Intern(n))
		}
		return ids
	}
	b.Ins = append(intern(explicitIns), intern(implicitIns)...)
	b.OrderOnly = intern(orderOnly)
	b.Outs = append(intern(explicitOuts), intern(implicitOuts)...)

	renv := &edgeEnv{
		vars:       edgeVars,
		rule:       r,
		sc:         sc,
		in:         strings.Join(explicitIns, " "),
		inNewline:  strings.Join(explicitIns, "\n"),
		out:        strings.Join(explicitOuts, " "),
		evaluating: make(map[string]bool),
	}
	if !b.Phony() {
		b.Cmdline = renv.lookup("command")
		if b.Cmdline == "" {
			return i, fmt.Errorf("%s:%d: rule %q has no command", path, num, r.name)
		}
	}
	b.Desc = renv.lookup("description")
	b.Depfile = renv.lookup("depfile")
	b.Pool = renv.lookup("pool")
	if b.Pool != "" {
		if _, ok := p.g.Pools[b.Pool]; !ok {
			return i, fmt.Errorf("%s:%d: unknown pool %q", path, num, b.Pool)
		}
	}
	if rsp := renv.lookup("rspfile"); rsp != "" {
		content, ok := r.vars["rspfile_content"]
		if !ok {
			return i, fmt.Errorf("%s:%d: rule %q has rspfile but no rspfile_content", path, num, r.name)
		}
		b.Rsp = &graph.RspFile{Path: rsp, Content: content.eval(renv)}
	}

	if err := p.g.AddBuild(b); err != nil {
		return i, fmt.Errorf("%s:%d: %w", path, num, err)
	}
	return i, nil
}
