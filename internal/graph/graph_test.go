package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/unicode/norm"
)

func TestInternReturnsStableIDs(t *testing.T) {
	g := New()
	a := g.Intern("src/a.c")
	b := g.Intern("src/b.c")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, g.Intern("src/a.c"))
	assert.Equal(t, 2, g.NumFiles())
	assert.Equal(t, "src/a.c", g.File(a).Name)
}

func TestInternCanonicalizesPaths(t *testing.T) {
	g := New()
	a := g.Intern("src/a.c")
	assert.Equal(t, a, g.Intern("./src/a.c"))
	assert.Equal(t, a, g.Intern("src/../src/a.c"))
}

func TestInternNormalizesUnicode(t *testing.T) {
	g := New()
	// "é" spelled precomposed and as e + combining accent.
	nfc := g.Intern("café.txt")
	nfd := g.Intern("café.txt")
	assert.Equal(t, nfc, nfd)
	assert.Equal(t, norm.NFC.String("café.txt"), g.File(nfc).Name)
}

func TestLookupDoesNotIntern(t *testing.T) {
	g := New()
	_, ok := g.Lookup("never/seen")
	assert.False(t, ok)
	assert.Equal(t, 0, g.NumFiles())

	id := g.Intern("src/a.c")
	got, ok := g.Lookup("./src/a.c")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestAddBuildClaimsOutputs(t *testing.T) {
	g := New()
	out := g.Intern("out/a.o")
	b := &Build{Rule: "cc", Outs: []FileID{out}}
	require.NoError(t, g.AddBuild(b))
	assert.Same(t, b, g.File(out).Input)
	assert.Equal(t, []*Build{b}, g.Builds)
}

func TestAddBuildRejectsDuplicateOutput(t *testing.T) {
	g := New()
	out := g.Intern("out/a.o")
	require.NoError(t, g.AddBuild(&Build{Rule: "cc", Outs: []FileID{out}}))
	err := g.AddBuild(&Build{Rule: "cc", Outs: []FileID{out}})
	assert.ErrorContains(t, err, "multiple rules generate out/a.o")
}

func TestPhony(t *testing.T) {
	assert.True(t, (&Build{Rule: "phony"}).Phony())
	assert.False(t, (&Build{Rule: "cc"}).Phony())
}

func TestConsolePoolIsBuiltin(t *testing.T) {
	g := New()
	p, ok := g.Pools[ConsolePool]
	require.True(t, ok)
	assert.Equal(t, 1, p.Depth)
}

func TestFileStateGetSet(t *testing.T) {
	g := New()
	a := g.Intern("a")
	b := g.Intern("b")
	s := NewFileState(g)

	_, ok := s.Get(a)
	assert.False(t, ok, "nothing recorded yet")

	when := time.Now()
	s.Set(a, MTime{Exists: true, Stamp: when})
	mt, ok := s.Get(a)
	require.True(t, ok)
	assert.True(t, mt.Exists)
	assert.Equal(t, when, mt.Stamp)

	s.Set(b, MTime{})
	mt, ok = s.Get(b)
	require.True(t, ok, "a recorded absence is still a recording")
	assert.False(t, mt.Exists)
}

func TestFileStateGrowsForLateInterns(t *testing.T) {
	g := New()
	s := NewFileState(g)

	// Files interned after the snapshot was sized, as depfile parsing does.
	late := g.Intern("include/late.h")
	_, ok := s.Get(late)
	assert.False(t, ok)
	s.Set(late, MTime{Exists: true})
	mt, ok := s.Get(late)
	require.True(t, ok)
	assert.True(t, mt.Exists)
}
