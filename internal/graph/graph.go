// Package graph holds the loaded build graph: interned file identifiers,
// build edges, resource pools, and the per-pass file status snapshot.
//
// This package is the foundational layer. All other internal packages
// import graph; graph imports nothing internal, which keeps the dependency
// structure acyclic.
//
// Files are interned: each distinct path gets a FileID, and every other
// part of the system refers to files by ID so that membership checks and
// lookups never compare strings. Paths are NFC-normalized before interning
// so that two Unicode spellings of the same path (common across macOS and
// Linux filesystems) intern to the same ID.
package graph

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/text/unicode/norm"
)

// FileID is a stable handle to a file within one Graph.
// IDs are dense and start at zero, so per-file tables can be flat slices.
type FileID int32

// File is a node in the build graph.
type File struct {
	// Name is the canonicalized path as it appears in the manifest.
	Name string

	// Input is the edge that produces this file, or nil for source files.
	Input *Build
}

// RspFile is an auxiliary argument file written next to a command before it
// runs, for argument lists too long for a direct command line.
type RspFile struct {
	Path    string
	Content string
}

// Build is a single build edge: inputs plus a command producing outputs.
//
// Input and output slices keep manifest declaration order. That order is
// part of the edge's identity for fingerprinting, so nothing in this
// package (or anywhere else) may sort or deduplicate them.
type Build struct {
	// Rule is the name of the rule this edge instantiates. The builtin
	// "phony" rule marks alias edges that run no command.
	Rule string

	// Cmdline is the fully expanded command, empty for phony edges.
	Cmdline string

	// Desc is the human-oriented description shown by progress output;
	// empty means progress falls back to the command line.
	Desc string

	// Depfile is the expanded path of the Makefile-style dependency file
	// the command writes, or empty if the rule declares none.
	Depfile string

	// Rsp is the response file to materialize before running, if any.
	Rsp *RspFile

	// Pool names the resource pool limiting this edge's concurrency;
	// empty means the default (unbounded) pool.
	Pool string

	// Ins holds the dirtying inputs: explicit then implicit, in
	// declaration order. A change to any of these requires re-running.
	Ins []FileID

	// NumExplicitIns is how many leading entries of Ins are explicit
	// (substituted for $in); the rest are implicit.
	NumExplicitIns int

	// OrderOnly inputs order execution but do not dirty the edge.
	OrderOnly []FileID

	// Discovered holds inputs found by a previous execution (from the
	// depfile), in the order the prior run reported them.
	Discovered []FileID

	// Outs holds outputs: explicit then implicit, in declaration order.
	Outs []FileID

	// NumExplicitOuts is how many leading entries of Outs are explicit
	// (substituted for $out).
	NumExplicitOuts int
}

// Phony reports whether the edge is an alias with no command.
func (b *Build) Phony() bool { return b.Rule == "phony" }

// DirtyingIns returns the inputs whose change must trigger a rebuild.
func (b *Build) DirtyingIns() []FileID { return b.Ins }

// Pool is a named concurrency limit shared by a set of edges.
type Pool struct {
	Name string

	// Depth is the maximum number of edges from this pool that may run
	// at once; 0 means unbounded.
	Depth int
}

// ConsolePool is the builtin pool for edges that need direct terminal
// access; it always has depth 1.
const ConsolePool = "console"

// Graph is the result of loading a manifest.
//
// Single-toucher contract: after loading, only the scheduler's
// coordinator goroutine may read or grow the graph (depfiles intern new
// files mid-pass). Worker goroutines never hold a reference; anything
// they need is resolved to plain strings before dispatch.
type Graph struct {
	files  []*File
	byName map[string]FileID

	// Builds lists every edge in manifest declaration order.
	Builds []*Build

	// Defaults lists the targets from default statements, in order.
	Defaults []FileID

	// Pools maps pool name to its declaration.
	Pools map[string]*Pool
}

// New returns an empty graph with the builtin pools registered.
func New() *Graph {
	return &Graph{
		byName: make(map[string]FileID),
		Pools: map[string]*Pool{
			ConsolePool: {Name: ConsolePool, Depth: 1},
		},
	}
}

// canonPath normalizes a manifest path to its interning key.
func canonPath(name string) string {
	return filepath.Clean(norm.NFC.String(name))
}

// Intern returns the FileID for name, creating it on first use.
func (g *Graph) Intern(name string) FileID {
	name = canonPath(name)
	if id, ok := g.byName[name]; ok {
		return id
	}
	id := FileID(len(g.files))
	g.files = append(g.files, &File{Name: name})
	g.byName[name] = id
	return id
}

// Lookup returns the FileID for name if it was ever interned.
func (g *Graph) Lookup(name string) (FileID, bool) {
	id, ok := g.byName[canonPath(name)]
	return id, ok
}

// File returns the node for id. The id must come from this graph.
func (g *Graph) File(id FileID) *File { return g.files[id] }

// NumFiles returns the number of interned files, for sizing flat tables.
func (g *Graph) NumFiles() int { return len(g.files) }

// AddBuild registers an edge and claims its outputs.
// It fails if another edge already produces one of the outputs.
func (g *Graph) AddBuild(b *Build) error {
	for _, out := range b.Outs {
		f := g.File(out)
		if f.Input != nil {
			return fmt.Errorf("multiple rules generate %s", f.Name)
		}
		f.Input = b
	}
	g.Builds = append(g.Builds, b)
	return nil
}

// MTime is the observed status of one file: present with a modification
// time, or missing.
type MTime struct {
	Exists bool
	Stamp  time.Time
}

// FileState is a snapshot of file statuses for one build pass.
//
// A snapshot is populated by the scheduler's stat pass and then read-only
// while hashing is in flight; it is discarded when the pass completes.
// Reads of distinct entries are safe concurrently once population stops.
type FileState struct {
	known  []bool
	mtimes []MTime
}

// NewFileState returns an empty snapshot sized for g.
func NewFileState(g *Graph) *FileState {
	n := g.NumFiles()
	return &FileState{
		known:  make([]bool, n),
		mtimes: make([]MTime, n),
	}
}

// Get returns the recorded status for id, and whether one was recorded.
func (s *FileState) Get(id FileID) (MTime, bool) {
	if int(id) >= len(s.known) || !s.known[id] {
		return MTime{}, false
	}
	return s.mtimes[id], true
}

// Set records the status for id, replacing any earlier observation.
// The tables grow on demand: depfile parsing can intern files after the
// snapshot was sized.
func (s *FileState) Set(id FileID, mt MTime) {
	for int(id) >= len(s.known) {
		s.known = append(s.known, false)
		s.mtimes = append(s.mtimes, MTime{})
	}
	s.known[id] = true
	s.mtimes[id] = mt
}
