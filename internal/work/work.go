// Package work plans and executes the out-of-date subset of a build
// graph.
//
// A Work owns one orchestration pass: callers declare targets with
// WantFile/WantFileID, then Run executes every wanted edge whose
// fingerprint no longer matches the stored one, in dependency order,
// across a bounded worker pool. Staleness decisions, bookkeeping, and
// store updates all happen on the single coordinator goroutine. Workers
// receive pre-resolved Task values and never read the graph or the
// file-status snapshot: the coordinator mutates both mid-pass (depfile
// paths are interned as results come in), so it must be their only
// toucher.
package work

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/roach88/girder/internal/graph"
	"github.com/roach88/girder/internal/hash"
	"github.com/roach88/girder/internal/progress"
	"github.com/roach88/girder/internal/store"
	"github.com/roach88/girder/internal/trace"
)

// Options configures one pass.
type Options struct {
	// Parallelism is the worker count; values below 1 mean 1.
	Parallelism int

	// KeepGoing stops issuing new work after this many task failures;
	// 0 means keep going regardless of failures.
	KeepGoing int

	// Explain reports why each out-of-date edge was considered stale.
	Explain bool
}

// Work schedules and executes wanted edges.
type Work struct {
	g      *graph.Graph
	prev   map[string]store.Record
	db     *store.Store
	opts   Options
	sink   progress.Sink
	tracer *trace.Tracer
	runner Runner

	state *graph.FileState
	want  map[*graph.Build]bool
	done  map[*graph.Build]bool
}

// New assembles a pass over g. prev holds the stored records keyed by
// edge key; db receives updated records and may be nil (nothing is
// persisted then). tracer may be nil.
func New(g *graph.Graph, prev map[string]store.Record, db *store.Store, opts Options, sink progress.Sink, tracer *trace.Tracer) *Work {
	if opts.Parallelism < 1 {
		opts.Parallelism = 1
	}
	if prev == nil {
		prev = make(map[string]store.Record)
	}
	return &Work{
		g:      g,
		prev:   prev,
		db:     db,
		opts:   opts,
		sink:   sink,
		tracer: tracer,
		runner: NewShellRunner(),
		state:  graph.NewFileState(g),
		want:   make(map[*graph.Build]bool),
		done:   make(map[*graph.Build]bool),
	}
}

// SetRunner replaces the command runner; tests use it to avoid spawning
// processes.
func (w *Work) SetRunner(r Runner) { w.runner = r }

// IsBuildTarget reports whether name is produced by some edge, and which
// file it is. Used by the orchestrator to detect a self-generating
// manifest.
func (w *Work) IsBuildTarget(name string) (graph.FileID, bool) {
	id, ok := w.g.Lookup(name)
	if !ok {
		return 0, false
	}
	return id, w.g.File(id).Input != nil
}

// WantFile resolves name and wants its producing edge and everything
// upstream of it. Fails if the name is not in the graph.
func (w *Work) WantFile(name string) error {
	id, ok := w.g.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown target %q", name)
	}
	return w.WantFileID(id)
}

// WantFileID wants the edge producing id, transitively. A source file
// (no producing edge) is a valid no-op target.
func (w *Work) WantFileID(id graph.FileID) error {
	return w.wantFile(id, make(map[*graph.Build]bool))
}

func (w *Work) wantFile(id graph.FileID, visiting map[*graph.Build]bool) error {
	b := w.g.File(id).Input
	if b == nil || w.want[b] {
		return nil
	}
	if visiting[b] {
		return fmt.Errorf("dependency cycle involving %q", w.g.File(id).Name)
	}
	visiting[b] = true
	for _, lists := range [][]graph.FileID{b.Ins, b.Discovered, b.OrderOnly} {
		for _, in := range lists {
			if err := w.wantFile(in, visiting); err != nil {
				return err
			}
		}
	}
	delete(visiting, b)
	w.want[b] = true
	return nil
}

// inputs visits every input identifier of b, in group order.
func inputs(b *graph.Build) []graph.FileID {
	ids := make([]graph.FileID, 0, len(b.Ins)+len(b.Discovered)+len(b.OrderOnly))
	ids = append(ids, b.Ins...)
	ids = append(ids, b.Discovered...)
	ids = append(ids, b.OrderOnly...)
	return ids
}

func (w *Work) edgeKey(b *graph.Build) string {
	names := make([]string, 0, len(b.Outs))
	for _, id := range b.Outs {
		names = append(names, w.g.File(id).Name)
	}
	return store.EdgeKey(names)
}

func (w *Work) label(b *graph.Build) string {
	if len(b.Outs) == 0 {
		return b.Rule
	}
	return w.g.File(b.Outs[0]).Name
}

// job pairs an edge with its pre-resolved task. The coordinator resolves
// every graph-derived string before sending; workers must not read the
// graph, which the coordinator keeps mutating (depfile interning) while
// they run.
type job struct {
	b *graph.Build
	t Task
}

// taskResult is what a worker hands back to the coordinator.
type taskResult struct {
	b      *graph.Build
	r      RunResult
	worker int
	start  time.Time
	dur    time.Duration
}

// resolveTask flattens b into plain strings. Coordinator only.
func (w *Work) resolveTask(b *graph.Build) Task {
	outs := make([]string, 0, len(b.Outs))
	for _, id := range b.Outs {
		outs = append(outs, w.g.File(id).Name)
	}
	return Task{Cmdline: b.Cmdline, Outs: outs, Depfile: b.Depfile, Rsp: b.Rsp}
}

func (w *Work) worker(id int, jobs <-chan job, results chan<- taskResult) {
	for j := range jobs {
		start := time.Now()
		r := w.runner.Run(j.t)
		results <- taskResult{b: j.b, r: r, worker: id, start: start, dur: time.Since(start)}
	}
}

// poolDepth returns the concurrency cap for b's pool, 0 for unbounded.
func (w *Work) poolDepth(b *graph.Build) int {
	if b.Pool == "" {
		return 0
	}
	if p, ok := w.g.Pools[b.Pool]; ok {
		return p.Depth
	}
	return 0
}

// Run executes every wanted, not-yet-done edge.
//
// The return follows the scheduler contract: (nil, err) for an
// environment error, (nil, nil) when a task failed and the failure was
// already reported through the progress sink, and (&n, nil) when the
// pass completed with n tasks executed. Run may be called again on the
// same Work after more targets are wanted; completed edges stay
// completed.
func (w *Work) Run(ctx context.Context) (*int, error) {
	// Pending edges in manifest declaration order keeps scheduling
	// deterministic when parallelism is 1.
	var pending []*graph.Build
	pendingSet := make(map[*graph.Build]bool)
	for _, b := range w.g.Builds {
		if w.want[b] && !w.done[b] {
			pending = append(pending, b)
			pendingSet[b] = true
		}
	}

	// Count, per edge, the pending producers it waits on, and invert
	// into a dependents list for completion propagation.
	waiting := make(map[*graph.Build]int)
	dependents := make(map[*graph.Build][]*graph.Build)
	for _, b := range pending {
		seen := make(map[*graph.Build]bool)
		for _, in := range inputs(b) {
			p := w.g.File(in).Input
			if p == nil || p == b || !pendingSet[p] || seen[p] {
				continue
			}
			seen[p] = true
			waiting[b]++
			dependents[p] = append(dependents[p], b)
		}
	}

	total := 0
	for _, b := range pending {
		if !b.Phony() {
			total++
		}
	}
	w.sink.SetTotal(total)
	slog.Debug("build pass planned",
		"wanted", len(pending), "tasks", total, "parallelism", w.opts.Parallelism)

	var ready []*graph.Build
	for _, b := range pending {
		if waiting[b] == 0 {
			ready = append(ready, b)
		}
	}

	jobs := make(chan job)
	results := make(chan taskResult)
	for i := 0; i < w.opts.Parallelism; i++ {
		go w.worker(i+1, jobs, results)
	}
	defer close(jobs)

	poolRunning := make(map[string]int)
	inFlight := 0
	failures := 0
	tasksRun := 0
	var firstErr error

	stopped := func() bool {
		return firstErr != nil ||
			(w.opts.KeepGoing != 0 && failures >= w.opts.KeepGoing)
	}
	complete := func(b *graph.Build) {
		w.done[b] = true
		for _, d := range dependents[b] {
			waiting[d]--
			if waiting[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	for {
		// Dispatch everything dispatchable, then wait for one result.
		for i := 0; i < len(ready) && !stopped() && inFlight < w.opts.Parallelism; {
			b := ready[i]
			if depth := w.poolDepth(b); depth > 0 && poolRunning[b.Pool] >= depth {
				i++
				continue
			}
			ready = append(ready[:i], ready[i+1:]...)

			if b.Phony() {
				// Alias edge: nothing to execute, nothing to hash.
				complete(b)
				continue
			}
			dirty, err := w.outOfDate(b)
			if err != nil {
				firstErr = err
				break
			}
			if !dirty {
				w.sink.TaskUpToDate(b)
				complete(b)
				continue
			}

			w.sink.TaskStarted(b)
			poolRunning[b.Pool]++
			inFlight++
			jobs <- job{b: b, t: w.resolveTask(b)}
		}

		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		poolRunning[res.b.Pool]--
		w.tracer.Span(w.label(res.b), res.worker, res.start, res.dur)
		w.sink.TaskFinished(res.b, res.r.Success, res.r.Output)
		if !res.r.Success {
			failures++
			continue
		}
		tasksRun++
		if err := w.recordSuccess(ctx, res.b); err != nil && firstErr == nil {
			firstErr = err
		}
		complete(res.b)
	}

	if firstErr != nil {
		return nil, firstErr
	}
	if failures > 0 {
		// Already reported through the sink; no summary for the caller.
		return nil, nil
	}
	n := tasksRun
	return &n, nil
}

// stat returns the cached status for id, statting on first use.
func (w *Work) stat(id graph.FileID) (graph.MTime, error) {
	if mt, ok := w.state.Get(id); ok {
		return mt, nil
	}
	return w.restat(id)
}

// restat queries the filesystem and replaces any cached status.
func (w *Work) restat(id graph.FileID) (graph.MTime, error) {
	name := w.g.File(id).Name
	fi, err := os.Stat(name)
	var mt graph.MTime
	switch {
	case err == nil:
		mt = graph.MTime{Exists: true, Stamp: fi.ModTime()}
	case errors.Is(err, fs.ErrNotExist):
		mt = graph.MTime{}
	default:
		return graph.MTime{}, fmt.Errorf("stat %s: %w", name, err)
	}
	w.state.Set(id, mt)
	return mt, nil
}

// outOfDate decides whether b must run. Every file b references is
// statted first, which upholds the signature engine's precondition: an
// edge with any missing file is out of date unconditionally and is never
// hashed.
func (w *Work) outOfDate(b *graph.Build) (bool, error) {
	missing := ""
	refs := append(inputs(b), b.Outs...)
	for _, id := range refs {
		mt, err := w.stat(id)
		if err != nil {
			return false, err
		}
		if !mt.Exists && missing == "" {
			missing = w.g.File(id).Name
		}
	}
	if missing != "" {
		if w.opts.Explain {
			w.sink.Explain(b, fmt.Sprintf("%s is missing\n", missing))
		}
		return true, nil
	}

	fp := hash.Build(w.g, w.state, b)
	prev, ok := w.prev[w.edgeKey(b)]
	switch {
	case !ok:
		if w.opts.Explain {
			w.sink.Explain(b, "no signature recorded for this edge\n")
		}
		return true, nil
	case prev.Fingerprint != fp:
		if w.opts.Explain {
			w.sink.Explain(b, fmt.Sprintf("signature %s does not match recorded %s\n%s",
				fp, prev.Fingerprint, hash.Explain(w.g, w.state, b)))
		}
		return true, nil
	}
	return false, nil
}

// recordSuccess refreshes an executed edge's discovered deps and file
// stamps, then persists its new signature. If any referenced file is
// still missing afterwards no record is written, which leaves the edge
// out of date for the next pass.
func (w *Work) recordSuccess(ctx context.Context, b *graph.Build) error {
	if b.Depfile != "" {
		data, err := os.ReadFile(b.Depfile)
		if err == nil {
			w.updateDiscovered(b, parseDepfile(string(data)))
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("read depfile for %s: %w", w.label(b), err)
		}
	}

	for _, id := range b.Outs {
		if _, err := w.restat(id); err != nil {
			return err
		}
	}
	for _, id := range inputs(b) {
		if _, err := w.stat(id); err != nil {
			return err
		}
	}

	for _, id := range append(append(append([]graph.FileID{}, b.Ins...), b.Discovered...), b.Outs...) {
		if mt, ok := w.state.Get(id); !ok || !mt.Exists {
			slog.Debug("not recording signature; referenced file missing",
				"edge", w.label(b), "file", w.g.File(id).Name)
			return nil
		}
	}

	fp := hash.Build(w.g, w.state, b)
	key := w.edgeKey(b)
	discovered := make([]string, 0, len(b.Discovered))
	for _, id := range b.Discovered {
		discovered = append(discovered, w.g.File(id).Name)
	}
	w.prev[key] = store.Record{Fingerprint: fp, Discovered: discovered}
	if w.db == nil {
		return nil
	}
	if err := w.db.PutEdge(ctx, key, fp, discovered); err != nil {
		return fmt.Errorf("record signature for %s: %w", w.label(b), err)
	}
	return nil
}

// updateDiscovered replaces b's discovered inputs with the depfile's
// paths, keeping reported order and skipping paths already among the
// dirtying inputs.
func (w *Work) updateDiscovered(b *graph.Build, paths []string) {
	direct := make(map[graph.FileID]bool, len(b.Ins))
	for _, id := range b.Ins {
		direct[id] = true
	}
	var ids []graph.FileID
	seen := make(map[graph.FileID]bool)
	for _, p := range paths {
		id := w.g.Intern(p)
		if direct[id] || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	b.Discovered = ids
}
