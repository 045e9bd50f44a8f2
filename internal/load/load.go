// Package load assembles everything one build pass needs: the parsed
// graph, the fingerprint store and its records, and the default targets.
package load

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/roach88/girder/internal/graph"
	"github.com/roach88/girder/internal/manifest"
	"github.com/roach88/girder/internal/store"
)

// DBName is the fingerprint database file, kept next to the manifest.
const DBName = ".girder.db"

// State is the loaded world for one orchestration pass. When the
// manifest regenerates itself the whole State is discarded and Read runs
// again.
type State struct {
	Graph *graph.Graph

	// Records holds the stored fingerprints keyed by edge key.
	Records map[string]store.Record

	// Store stays open for the scheduler's post-task writes; Close it
	// when the State is discarded.
	Store *store.Store

	// Defaults are the manifest's default targets, declaration order.
	Defaults []graph.FileID
}

// Close releases the fingerprint store. Safe on a State with no store.
func (s *State) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// Read parses the manifest at path and opens the fingerprint database
// beside it. Discovered dependencies recorded by earlier runs are
// re-attached to their edges so this pass hashes the same input set the
// previous pass recorded.
func Read(ctx context.Context, path string) (*State, error) {
	g := graph.New()
	if err := manifest.NewParser(g).Load(path); err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	st, err := store.Open(filepath.Join(filepath.Dir(path), DBName))
	if err != nil {
		return nil, err
	}
	records, err := st.LoadAll(ctx)
	if err != nil {
		st.Close()
		return nil, err
	}

	for _, b := range g.Builds {
		attachDiscovered(g, b, records)
	}

	return &State{
		Graph:    g,
		Records:  records,
		Store:    st,
		Defaults: g.Defaults,
	}, nil
}

// attachDiscovered restores the stored discovered-input list for b, in
// stored order, skipping paths that are already dirtying inputs.
func attachDiscovered(g *graph.Graph, b *graph.Build, records map[string]store.Record) {
	outs := make([]string, 0, len(b.Outs))
	for _, id := range b.Outs {
		outs = append(outs, g.File(id).Name)
	}
	rec, ok := records[store.EdgeKey(outs)]
	if !ok || len(rec.Discovered) == 0 {
		return
	}

	direct := make(map[graph.FileID]bool, len(b.Ins))
	for _, id := range b.Ins {
		direct[id] = true
	}
	seen := make(map[graph.FileID]bool)
	for _, p := range rec.Discovered {
		id := g.Intern(p)
		if direct[id] || seen[id] {
			continue
		}
		seen[id] = true
		b.Discovered = append(b.Discovered, id)
	}
}
