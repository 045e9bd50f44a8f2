// Package trace emits Chrome trace-event JSON for -d trace.
//
// Tracing is a process-wide diagnostic, but it is modeled as an explicit
// handle rather than ambient global state: the CLI opens a Tracer at
// startup, passes it down, and closes it exactly once on every exit path.
// A nil *Tracer is valid and disables tracing with no cost, so call sites
// never branch on whether tracing is on.
//
// The output loads directly into chrome://tracing and Perfetto.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// event is one trace entry in the Chrome trace-event format.
type event struct {
	Name  string            `json:"name"`
	Phase string            `json:"ph"`
	TS    int64             `json:"ts"`            // microseconds since trace start
	Dur   int64             `json:"dur,omitempty"` // microseconds
	PID   int               `json:"pid"`
	TID   int               `json:"tid"`
	Args  map[string]string `json:"args,omitempty"`
}

// Tracer streams trace events to a file.
type Tracer struct {
	mu     sync.Mutex
	f      *os.File
	start  time.Time
	wrote  bool
	closed bool

	// RunID tags this invocation; it also appears in debug logs so a
	// trace file can be matched to its log output.
	RunID string
}

// Open creates path and starts a trace. The returned tracer must be
// closed to produce a readable file.
func Open(path string) (*Tracer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	t := &Tracer{f: f, start: time.Now(), RunID: uuid.NewString()}
	if _, err := f.WriteString("[\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("write trace header: %w", err)
	}
	t.emit(event{
		Name:  "process_name",
		Phase: "M",
		PID:   1,
		Args:  map[string]string{"name": "girder", "run_id": t.RunID},
	})
	return t, nil
}

func (t *Tracer) emit(ev event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if t.wrote {
		_, _ = t.f.WriteString(",\n")
	}
	_, _ = t.f.Write(data)
	t.wrote = true
}

// Scope runs fn and records it as a complete event on the coordinator
// thread. The function's error passes through untouched. Safe on a nil
// tracer.
func (t *Tracer) Scope(name string, fn func() error) error {
	if t == nil {
		return fn()
	}
	begin := time.Now()
	err := fn()
	t.Span(name, 0, begin, time.Since(begin))
	return err
}

// Span records an already-measured interval, tid distinguishing worker
// lanes. Safe on a nil tracer and safe concurrently.
func (t *Tracer) Span(name string, tid int, begin time.Time, d time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.emit(event{
		Name:  name,
		Phase: "X",
		TS:    begin.Sub(t.start).Microseconds(),
		Dur:   d.Microseconds(),
		PID:   1,
		TID:   tid,
	})
}

// Close terminates the event array and closes the file. Idempotent, and
// safe on a nil tracer, so callers can defer it unconditionally.
func (t *Tracer) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if _, err := t.f.WriteString("\n]\n"); err != nil {
		t.f.Close()
		return fmt.Errorf("finish trace file: %w", err)
	}
	if err := t.f.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	return nil
}
