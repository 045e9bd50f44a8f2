// Package build sequences a whole invocation: load the graph, bring a
// self-generating manifest up to date (reloading once if it changed),
// resolve the target set, and run the scheduler over it.
package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/girder/internal/graph"
	"github.com/roach88/girder/internal/load"
	"github.com/roach88/girder/internal/trace"
)

// Loader produces a fresh State from a manifest path. Indirected so the
// self-rebuild protocol's reload behavior is testable with a counting
// fake; load.Read is the production implementation.
type Loader interface {
	Load(ctx context.Context, path string) (*load.State, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, path string) (*load.State, error)

func (f LoaderFunc) Load(ctx context.Context, path string) (*load.State, error) {
	return f(ctx, path)
}

// Scheduler is the slice of the work scheduler the orchestrator drives.
// Run's contract: (nil, nil) means the run failed and was already
// reported through the progress sink; (&n, nil) means n tasks executed.
type Scheduler interface {
	IsBuildTarget(name string) (graph.FileID, bool)
	WantFile(name string) error
	WantFileID(id graph.FileID) error
	Run(ctx context.Context) (*int, error)
}

// SchedulerFactory builds a scheduler over freshly loaded state. Called
// again after a manifest regeneration so the new scheduler sees the new
// graph.
type SchedulerFactory func(st *load.State) Scheduler

// Orchestrator drives one build invocation.
type Orchestrator struct {
	loader  Loader
	factory SchedulerFactory
	tracer  *trace.Tracer
}

// New wires an orchestrator. tracer may be nil. The caller owns the
// tracer's lifecycle; the orchestrator only records phases into it.
func New(loader Loader, factory SchedulerFactory, tracer *trace.Tracer) *Orchestrator {
	return &Orchestrator{loader: loader, factory: factory, tracer: tracer}
}

func (o *Orchestrator) loadScoped(ctx context.Context, path string) (*load.State, error) {
	var st *load.State
	err := o.tracer.Scope("load", func() error {
		var err error
		st, err = o.loader.Load(ctx, path)
		return err
	})
	return st, err
}

func (o *Orchestrator) runScoped(ctx context.Context, w Scheduler) (*int, error) {
	var tasks *int
	err := o.tracer.Scope("work.run", func() error {
		var err error
		tasks, err = w.Run(ctx)
		return err
	})
	return tasks, err
}

// Build loads manifestPath and brings targets up to date; with no
// explicit targets it falls back to the manifest's defaults, and with no
// defaults either it fails rather than silently doing nothing.
//
// If the manifest is itself a build output, it is brought up to date
// first; when that executes any tasks, all loaded state is discarded and
// reloaded exactly once before the main phase. The single reload is a
// known limitation: a manifest still stale after its own regeneration
// (a chained generator) is built with the once-reloaded state rather
// than looping, which trades a rare spurious stale pass for guaranteed
// termination.
//
// The result mirrors the scheduler contract: (nil, nil) when a task
// failed and was already reported, otherwise the number of tasks the
// final phase executed.
func (o *Orchestrator) Build(ctx context.Context, manifestPath string, targets []string) (*int, error) {
	st, err := o.loadScoped(ctx, manifestPath)
	if err != nil {
		return nil, err
	}
	w := o.factory(st)

	if id, ok := w.IsBuildTarget(manifestPath); ok {
		if err := w.WantFileID(id); err != nil {
			st.Close()
			return nil, err
		}
		tasks, err := o.runScoped(ctx, w)
		if err != nil {
			st.Close()
			return nil, err
		}
		switch {
		case tasks == nil:
			// Manifest regeneration failed; already reported.
			st.Close()
			return nil, nil
		case *tasks == 0:
			// Manifest already current; keep the loaded state.
		default:
			// Manifest regenerated: every loaded structure may now be
			// wrong, so discard and reload from scratch.
			st.Close()
			st, err = o.loadScoped(ctx, manifestPath)
			if err != nil {
				return nil, err
			}
			w = o.factory(st)
		}
	}
	defer st.Close()

	switch {
	case len(targets) > 0:
		for _, name := range targets {
			if err := w.WantFile(name); err != nil {
				return nil, err
			}
		}
	case len(st.Defaults) > 0:
		for _, id := range st.Defaults {
			if err := w.WantFileID(id); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.New("no path specified and no default")
	}

	return o.runScoped(ctx, w)
}

// ProductionLoader returns the real Loader backed by load.Read.
func ProductionLoader() Loader {
	return LoaderFunc(func(ctx context.Context, path string) (*load.State, error) {
		st, err := load.Read(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("loading build file: %w", err)
		}
		return st, nil
	})
}
