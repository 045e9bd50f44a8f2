package manifest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/girder/internal/graph"
)

// parseString parses a single in-memory manifest into a fresh graph.
func parseString(t *testing.T, text string) *graph.Graph {
	t.Helper()
	g, err := tryParseString(text, nil)
	require.NoError(t, err)
	return g
}

// tryParseString parses `text` as build.ninja; extra maps additional
// file names (for include/subninja) to their content.
func tryParseString(text string, extra map[string]string) (*graph.Graph, error) {
	g := graph.New()
	p := NewParser(g)
	p.SetFileReader(func(path string) ([]byte, error) {
		if path == "build.ninja" {
			return []byte(text), nil
		}
		if content, ok := extra[path]; ok {
			return []byte(content), nil
		}
		return nil, fmt.Errorf("no such manifest %q", path)
	})
	if err := p.Load("build.ninja"); err != nil {
		return nil, err
	}
	return g, nil
}

func names(g *graph.Graph, ids []graph.FileID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.File(id).Name)
	}
	return out
}

func TestParseBasicManifest(t *testing.T) {
	g := parseString(t, `
cflags = -O2

rule cc
  command = gcc $cflags -c $in -o $out
  description = CC $out

build out/a.o: cc src/a.c

default out/a.o
`)

	require.Len(t, g.Builds, 1)
	b := g.Builds[0]
	assert.Equal(t, "cc", b.Rule)
	assert.Equal(t, "gcc -O2 -c src/a.c -o out/a.o", b.Cmdline)
	assert.Equal(t, "CC out/a.o", b.Desc)
	assert.Equal(t, []string{"src/a.c"}, names(g, b.Ins))
	assert.Equal(t, []string{"out/a.o"}, names(g, b.Outs))
	assert.Equal(t, []string{"out/a.o"}, names(g, g.Defaults))

	out, ok := g.Lookup("out/a.o")
	require.True(t, ok)
	assert.Same(t, b, g.File(out).Input, "output must point back at its producing edge")
}

func TestParseImplicitAndOrderOnly(t *testing.T) {
	g := parseString(t, `
rule cc
  command = cc $in -o $out

build out/a.o | out/a.d: cc src/a.c | src/a.h || out/stamp
build out/stamp: cc src/stamp.c
`)

	b := g.Builds[0]
	assert.Equal(t, []string{"src/a.c", "src/a.h"}, names(g, b.Ins))
	assert.Equal(t, 1, b.NumExplicitIns)
	assert.Equal(t, []string{"out/stamp"}, names(g, b.OrderOnly))
	assert.Equal(t, []string{"out/a.o", "out/a.d"}, names(g, b.Outs))
	assert.Equal(t, 1, b.NumExplicitOuts)
	// Implicit inputs do not appear in $in, implicit outputs not in $out.
	assert.Equal(t, "cc src/a.c -o out/a.o", b.Cmdline)
}

func TestParseEscapes(t *testing.T) {
	g := parseString(t, `
rule touch
  command = touch $out

build odd$ name.txt: touch in$$put$:x
`)

	b := g.Builds[0]
	assert.Equal(t, []string{"odd name.txt"}, names(g, b.Outs))
	assert.Equal(t, []string{"in$put:x"}, names(g, b.Ins))
	assert.Equal(t, "touch odd name.txt", b.Cmdline)
}

func TestParseLineContinuation(t *testing.T) {
	g := parseString(t, "rule cc\n  command = gcc $\n      -c $in -o $out\n\nbuild out/a.o: cc src/a.c\n")
	assert.Equal(t, "gcc -c src/a.c -o out/a.o", g.Builds[0].Cmdline)
}

func TestParseEdgeBindingsShadowScope(t *testing.T) {
	g := parseString(t, `
cflags = -O2

rule cc
  command = gcc $cflags -c $in -o $out

build out/debug.o: cc src/a.c
  cflags = -O0 -g

build out/opt.o: cc src/a.c
`)

	assert.Equal(t, "gcc -O0 -g -c src/a.c -o out/debug.o", g.Builds[0].Cmdline)
	assert.Equal(t, "gcc -O2 -c src/a.c -o out/opt.o", g.Builds[1].Cmdline)
}

func TestParseRspFile(t *testing.T) {
	g := parseString(t, `
rule link
  command = ld @$out.rsp -o $out
  rspfile = $out.rsp
  rspfile_content = $in

build out/app: link out/a.o out/b.o
`)

	b := g.Builds[0]
	require.NotNil(t, b.Rsp)
	assert.Equal(t, "out/app.rsp", b.Rsp.Path)
	assert.Equal(t, "out/a.o out/b.o", b.Rsp.Content)
}

func TestParsePools(t *testing.T) {
	g := parseString(t, `
pool heavy
  depth = 2

rule cc
  command = cc $in -o $out
  pool = heavy

build out/a.o: cc src/a.c
build out/b.o: cc src/b.c
  pool = console
`)

	require.Contains(t, g.Pools, "heavy")
	assert.Equal(t, 2, g.Pools["heavy"].Depth)
	assert.Equal(t, "heavy", g.Builds[0].Pool)
	assert.Equal(t, "console", g.Builds[1].Pool, "edge binding overrides the rule's pool")

	_, err := tryParseString(`
rule cc
  command = cc
  pool = nope

build out/a.o: cc src/a.c
`, nil)
	assert.ErrorContains(t, err, `unknown pool "nope"`)
}

func TestParsePhony(t *testing.T) {
	g := parseString(t, `
rule touch
  command = touch $out

build out/a: touch src/a
build all: phony out/a
`)

	b := g.Builds[1]
	assert.True(t, b.Phony())
	assert.Empty(t, b.Cmdline)
}

func TestParseIncludeAndSubninja(t *testing.T) {
	extra := map[string]string{
		"rules.ninja": "cflags = -O2\nrule cc\n  command = gcc $cflags -c $in -o $out\n",
		"sub.ninja":   "cflags = -O0\nbuild sub/a.o: cc sub/a.c\n",
	}
	g, err := tryParseString(`
include rules.ninja
subninja sub.ninja
build out/a.o: cc src/a.c
`, extra)
	require.NoError(t, err)

	// include shares the parent scope, so its binding is visible here;
	// subninja's rebinding stays in the child scope.
	assert.Equal(t, "gcc -O0 -c sub/a.c -o sub/a.o", g.Builds[0].Cmdline)
	assert.Equal(t, "gcc -O2 -c src/a.c -o out/a.o", g.Builds[1].Cmdline)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name, text, want string
	}{
		{"unknown rule", "build a: nope b\n", `unknown rule "nope"`},
		{"duplicate output", "rule t\n  command = t\nbuild a: t b\nbuild a: t c\n", "multiple rules generate a"},
		{"missing command", "rule empty\n  description = d\nbuild a: empty b\n", `rule "empty" has no command`},
		{"unknown default", "default nothing\n", `unknown default target "nothing"`},
		{"pool without depth", "pool p\n", `pool "p" is missing depth`},
		{"bad escape", "rule t\n  command = a$%b\n", "bad $-escape"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tryParseString(tc.text, nil)
			assert.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParsePathCanonicalization(t *testing.T) {
	g := parseString(t, `
rule cc
  command = cc $in -o $out

build ./out/a.o: cc ./src/../src/a.c
`)

	b := g.Builds[0]
	assert.Equal(t, []string{"src/a.c"}, names(g, b.Ins))
	assert.Equal(t, []string{"out/a.o"}, names(g, b.Outs))
}

// Two loads of the same manifest must produce edges whose input and
// output orders are identical; the signature engine depends on the
// loader presenting files in a stable order.
func TestParseOrderingIsStable(t *testing.T) {
	const text = `
rule cc
  command = cc $in -o $out

build out/z.o: cc src/z.c | src/b.h src/a.h
build out/a.o: cc src/a.c src/z.c
default out/z.o out/a.o
`
	first, err := tryParseString(text, nil)
	require.NoError(t, err)
	second, err := tryParseString(text, nil)
	require.NoError(t, err)

	require.Equal(t, len(first.Builds), len(second.Builds))
	for i := range first.Builds {
		assert.Equal(t, names(first, first.Builds[i].Ins), names(second, second.Builds[i].Ins))
		assert.Equal(t, names(first, first.Builds[i].Outs), names(second, second.Builds[i].Outs))
	}
	assert.Equal(t, names(first, first.Defaults), names(second, second.Defaults))
}
