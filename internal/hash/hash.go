// Package hash computes the per-edge build signature used for staleness
// detection.
//
// A single fingerprint is recorded for each executed edge, covering its
// dirtying inputs, discovered inputs, command line, response file, and
// outputs, each with the file's observed modification time. On a later
// pass the edge is up to date exactly when the freshly computed
// fingerprint matches the recorded one.
//
// The same traversal also powers the -d explain diagnostic output: both
// modes implement one small buildHasher capability behind one walk of the
// edge, so the hashed data and the explained data can never drift apart.
package hash

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/roach88/girder/internal/graph"
)

// Fingerprint identifies a given instance of an edge's execution; it is
// compared against the stored value to decide whether the edge is up to
// date. Opaque beyond equality.
type Fingerprint uint64

// String renders the fingerprint as fixed-width hex for logs and explain
// output.
func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// unitSeparator terminates each hashed group. Without a boundary marker,
// differently partitioned groups with the same concatenated bytes would
// collide (inputs ["ab"] outputs ["c"] versus inputs ["a"] outputs
// ["bc"]). 0x1F is the ASCII unit separator and cannot appear in a
// canonicalized path or a command line.
const unitSeparator = 0x1F

// buildHasher is the capability an edge traversal writes into. Implemented
// twice: terseHash for the real signature and explainHash for -d explain
// text. desc labels the group and is used only by the explain mode.
type buildHasher interface {
	writeFiles(desc string, g *graph.Graph, state *graph.FileState, ids []graph.FileID)
	writeRsp(rsp *graph.RspFile)
	writeCmdline(cmdline string)
}

// fileStatus resolves one referenced file to its name and timestamp.
//
// Panics if the file has no recorded status or is missing: the scheduler
// must stat every referenced file before hashing, and an edge with a
// missing file is out of date regardless of the other files, so it must
// never reach this package. A violation is a bug in the caller, not a
// user error.
func fileStatus(g *graph.Graph, state *graph.FileState, id graph.FileID) (string, time.Time) {
	f := g.File(id)
	mt, ok := state.Get(id)
	if !ok {
		panic(fmt.Sprintf("hash: no file state for %q", f.Name))
	}
	if !mt.Exists {
		panic(fmt.Sprintf("hash: missing file: %q", f.Name))
	}
	return f.Name, mt.Stamp
}

// terseHash feeds the traversal into a 64-bit xxhash digest.
type terseHash struct {
	d xxhash.Digest
}

func newTerseHash() *terseHash {
	h := &terseHash{}
	h.d.Reset()
	return h
}

func (h *terseHash) writeString(s string) {
	_, _ = h.d.WriteString(s)
}

func (h *terseHash) writeTime(t time.Time) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(t.UnixNano()))
	_, _ = h.d.Write(buf[:])
}

func (h *terseHash) writeSeparator() {
	_, _ = h.d.Write([]byte{unitSeparator})
}

func (h *terseHash) writeFiles(_ string, g *graph.Graph, state *graph.FileState, ids []graph.FileID) {
	for _, id := range ids {
		name, mtime := fileStatus(g, state, id)
		h.writeString(name)
		h.writeTime(mtime)
	}
	h.writeSeparator()
}

func (h *terseHash) writeCmdline(cmdline string) {
	h.writeString(cmdline)
	h.writeSeparator()
}

func (h *terseHash) writeRsp(rsp *graph.RspFile) {
	// The separator bounds the path; paths cannot contain it.
	h.writeString(rsp.Path)
	h.writeSeparator()
	h.writeString(rsp.Content)
}

func (h *terseHash) sum() Fingerprint {
	return Fingerprint(h.d.Sum64())
}

// hashBuildWith walks one edge in the fixed five-step order. Every step
// runs even when its field is empty so that group boundaries stay stable.
func hashBuildWith(h buildHasher, g *graph.Graph, state *graph.FileState, b *graph.Build) {
	h.writeFiles("in", g, state, b.DirtyingIns())
	h.writeFiles("discovered", g, state, b.Discovered)
	h.writeCmdline(b.Cmdline)
	if b.Rsp != nil {
		h.writeRsp(b.Rsp)
	}
	h.writeFiles("out", g, state, b.Outs)
}

// Build computes the signature of one edge against the current snapshot.
//
// The result depends only on the names, timestamps, command text, and
// response-file content in exactly the order the edge supplies them; this
// function never reorders or deduplicates. Two calls with identical
// arguments return identical fingerprints.
//
// Precondition: every file the edge references is Present in state; see
// fileStatus.
func Build(g *graph.Graph, state *graph.FileState, b *graph.Build) Fingerprint {
	h := newTerseHash()
	hashBuildWith(h, g, state, b)
	return h.sum()
}

// explainHash records human-readable traversal state for -d explain.
type explainHash struct {
	text strings.Builder
}

func (h *explainHash) writeFiles(desc string, g *graph.Graph, state *graph.FileState, ids []graph.FileID) {
	fmt.Fprintf(&h.text, "%s:\n", desc)
	for _, id := range ids {
		name, mtime := fileStatus(g, state, id)
		fmt.Fprintf(&h.text, "  %d %s\n", mtime.UnixMilli(), name)
	}
}

func (h *explainHash) writeRsp(rsp *graph.RspFile) {
	fmt.Fprintf(&h.text, "rspfile path: %s\n", rsp.Path)
	// The content may be large; summarize it by its own 64-bit hash.
	fmt.Fprintf(&h.text, "rspfile hash: %x\n", xxhash.Sum64String(rsp.Content))
}

func (h *explainHash) writeCmdline(cmdline string) {
	fmt.Fprintf(&h.text, "cmdline: %s\n", cmdline)
}

// Explain renders the state of everything Build would hash for one edge,
// as readable text. Diagnostics only; staleness decisions never consult
// it. Same precondition as Build.
func Explain(g *graph.Graph, state *graph.FileState, b *graph.Build) string {
	h := &explainHash{}
	hashBuildWith(h, g, state, b)
	return h.text.String()
}
