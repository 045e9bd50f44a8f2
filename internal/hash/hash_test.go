package hash

import (
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/girder/internal/graph"
)

// edgeFixture interns the named files, stamps them all Present at base,
// and returns an edge wired to them.
func edgeFixture(g *graph.Graph, base time.Time, ins, outs []string) (*graph.Build, *graph.FileState) {
	b := &graph.Build{Rule: "cc"}
	for _, name := range ins {
		b.Ins = append(b.Ins, g.Intern(name))
	}
	b.NumExplicitIns = len(b.Ins)
	for _, name := range outs {
		b.Outs = append(b.Outs, g.Intern(name))
	}
	b.NumExplicitOuts = len(b.Outs)

	state := graph.NewFileState(g)
	for _, id := range b.Ins {
		state.Set(id, graph.MTime{Exists: true, Stamp: base})
	}
	for _, id := range b.Outs {
		state.Set(id, graph.MTime{Exists: true, Stamp: base})
	}
	return b, state
}

func TestBuildDeterminism(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base, []string{"src/main.c"}, []string{"out/main.o"})
	b.Cmdline = "cc -c src/main.c -o out/main.o"

	first := Build(g, state, b)
	second := Build(g, state, b)
	assert.Equal(t, first, second, "identical arguments must produce identical fingerprints")
}

func TestBuildSensitiveToTimestamps(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base, []string{"src/a.c", "src/b.c"}, []string{"out/ab.o"})
	b.Cmdline = "cc"

	initial := Build(g, state, b)

	// Touching any single referenced file changes the fingerprint.
	for _, id := range append(append([]graph.FileID{}, b.Ins...), b.Outs...) {
		state.Set(id, graph.MTime{Exists: true, Stamp: base.Add(time.Second)})
		changed := Build(g, state, b)
		assert.NotEqual(t, initial, changed,
			"touching %s should change the fingerprint", g.File(id).Name)
		state.Set(id, graph.MTime{Exists: true, Stamp: base})
	}

	// And restoring everything restores the original value.
	assert.Equal(t, initial, Build(g, state, b))
}

func TestBuildSensitiveToCommandLine(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base, []string{"src/a.c"}, []string{"out/a.o"})

	b.Cmdline = "cc -O0"
	slow := Build(g, state, b)
	b.Cmdline = "cc -O2"
	fast := Build(g, state, b)
	assert.NotEqual(t, slow, fast)
}

func TestGroupBoundarySeparation(t *testing.T) {
	// Two edges whose concatenated hashed text is identical but whose
	// input/output partitioning differs must not collide.
	base := time.UnixMilli(1700000000000)

	g1 := graph.New()
	e1, s1 := edgeFixture(g1, base, []string{"ab"}, []string{"c"})

	g2 := graph.New()
	e2, s2 := edgeFixture(g2, base, []string{"a"}, []string{"bc"})

	assert.NotEqual(t, Build(g1, s1, e1), Build(g2, s2, e2),
		"group separator must disambiguate [ab]|[c] from [a]|[bc]")
}

func TestRspfileSensitivity(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base, []string{"src/a.c"}, []string{"out/a.o"})
	b.Cmdline = "cc @out/a.rsp"

	b.Rsp = &graph.RspFile{Path: "out/a.rsp", Content: "-O2 -Wall"}
	first := Build(g, state, b)

	b.Rsp = &graph.RspFile{Path: "out/a.rsp", Content: "-O2 -Wall -Werror"}
	second := Build(g, state, b)
	assert.NotEqual(t, first, second, "response-file content is part of the signature")

	b.Rsp = nil
	third := Build(g, state, b)
	assert.NotEqual(t, first, third, "dropping the response file changes the signature")
}

func TestDiscoveredInputsAreHashed(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base, []string{"src/a.c"}, []string{"out/a.o"})

	without := Build(g, state, b)

	dep := g.Intern("include/a.h")
	// The snapshot grew a file after construction; rebuild it at the new size.
	state = graph.NewFileState(g)
	for _, id := range append(append([]graph.FileID{}, b.Ins...), b.Outs...) {
		state.Set(id, graph.MTime{Exists: true, Stamp: base})
	}
	state.Set(dep, graph.MTime{Exists: true, Stamp: base})
	b.Discovered = []graph.FileID{dep}

	with := Build(g, state, b)
	assert.NotEqual(t, without, with)
}

// explainGroup extracts the file names listed under one group label in
// explain output.
func explainGroup(t *testing.T, text, label string) []string {
	t.Helper()
	var names []string
	inGroup := false
	for _, line := range strings.Split(text, "\n") {
		switch {
		case line == label+":":
			inGroup = true
		case strings.HasPrefix(line, "  ") && inGroup:
			fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
			require.Len(t, fields, 2, "malformed explain line %q", line)
			names = append(names, fields[1])
		default:
			inGroup = false
		}
	}
	return names
}

func TestExplainEnumeratesHashedFiles(t *testing.T) {
	g := graph.New()
	base := time.UnixMilli(1700000000000)
	b, state := edgeFixture(g, base,
		[]string{"src/z.c", "src/a.c"}, // deliberately not sorted
		[]string{"out/z.o", "out/extra.o"})
	b.Cmdline = "cc"

	dep := g.Intern("include/z.h")
	state = graph.NewFileState(g)
	for _, id := range append(append([]graph.FileID{dep}, b.Ins...), b.Outs...) {
		state.Set(id, graph.MTime{Exists: true, Stamp: base})
	}
	b.Discovered = []graph.FileID{dep}

	text := Explain(g, state, b)

	toNames := func(ids []graph.FileID) []string {
		var names []string
		for _, id := range ids {
			names = append(names, g.File(id).Name)
		}
		return names
	}

	// The explain recorder must enumerate exactly the identifiers the
	// signature hashes, per group, in the same order.
	assert.Equal(t, toNames(b.Ins), explainGroup(t, text, "in"))
	assert.Equal(t, toNames(b.Discovered), explainGroup(t, text, "discovered"))
	assert.Equal(t, toNames(b.Outs), explainGroup(t, text, "out"))
}

func TestExplainGolden(t *testing.T) {
	g := graph.New()
	b := &graph.Build{
		Rule:    "cc",
		Cmdline: "cc -c src/main.c -o out/main.o",
	}
	b.Ins = []graph.FileID{g.Intern("src/main.c"), g.Intern("include/util.h")}
	b.NumExplicitIns = 1
	b.Discovered = []graph.FileID{g.Intern("include/gen.h")}
	b.Outs = []graph.FileID{g.Intern("out/main.o")}
	b.NumExplicitOuts = 1

	state := graph.NewFileState(g)
	state.Set(b.Ins[0], graph.MTime{Exists: true, Stamp: time.UnixMilli(1700000000000)})
	state.Set(b.Ins[1], graph.MTime{Exists: true, Stamp: time.UnixMilli(1700000000500)})
	state.Set(b.Discovered[0], graph.MTime{Exists: true, Stamp: time.UnixMilli(1700000001000)})
	state.Set(b.Outs[0], graph.MTime{Exists: true, Stamp: time.UnixMilli(1700000002000)})

	gold := goldie.New(t)
	gold.Assert(t, "explain_basic", []byte(Explain(g, state, b)))
}

func TestMissingStatusPanics(t *testing.T) {
	g := graph.New()
	b := &graph.Build{Rule: "cc", Outs: []graph.FileID{g.Intern("out/a.o")}}
	b.Ins = []graph.FileID{g.Intern("src/a.c")}
	state := graph.NewFileState(g)
	state.Set(b.Outs[0], graph.MTime{Exists: true, Stamp: time.UnixMilli(1700000000000)})

	// No status recorded for the input: the stat-before-hash contract is
	// broken, which is an internal invariant violation.
	assert.Panics(t, func() { Build(g, state, b) })
}

func TestMissingFilePanics(t *testing.T) {
	g := graph.New()
	b := &graph.Build{Rule: "cc"}
	b.Ins = []graph.FileID{g.Intern("src/a.c")}
	state := graph.NewFileState(g)
	state.Set(b.Ins[0], graph.MTime{Exists: false})

	assert.Panics(t, func() { Build(g, state, b) })
}
