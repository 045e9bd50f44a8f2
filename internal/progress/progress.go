// Package progress renders build status to the terminal.
package progress

import (
	"fmt"
	"io"
	"sync"

	"github.com/roach88/girder/internal/graph"
)

// Sink receives scheduling events. The scheduler calls it from its
// coordinator goroutine only, but implementations lock anyway so tests
// and future callers need not care.
type Sink interface {
	// SetTotal reports how many edges the pass wants, once planning
	// completes. Phony edges are excluded.
	SetTotal(total int)

	// TaskStarted fires when an edge's command is handed to a worker.
	TaskStarted(b *graph.Build)

	// TaskFinished fires when an edge's command completes. output is the
	// command's combined stdout and stderr.
	TaskFinished(b *graph.Build, success bool, output string)

	// TaskUpToDate fires when a wanted edge is skipped because its
	// fingerprint matches the stored one.
	TaskUpToDate(b *graph.Build)

	// Explain reports why an edge was considered out of date; only
	// called when the explain option is on.
	Explain(b *graph.Build, text string)
}

// describe picks the human-readable label for an edge.
func describe(b *graph.Build) string {
	if b.Desc != "" {
		return b.Desc
	}
	return b.Cmdline
}

// target names an edge by its first output for diagnostics.
func target(g *graph.Graph, b *graph.Build) string {
	if len(b.Outs) == 0 {
		return "?"
	}
	return g.File(b.Outs[0]).Name
}

// Console is the standard terminal sink.
type Console struct {
	mu      sync.Mutex
	g       *graph.Graph
	out     io.Writer
	verbose bool

	total    int
	finished int
}

// NewConsole returns a sink writing to out. With verbose set it prints
// each executed command line.
func NewConsole(g *graph.Graph, out io.Writer, verbose bool) *Console {
	return &Console{g: g, out: out, verbose: verbose}
}

func (c *Console) SetTotal(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total += total
}

func (c *Console) TaskStarted(b *graph.Build) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verbose {
		fmt.Fprintf(c.out, "%s\n", b.Cmdline)
	}
}

func (c *Console) TaskFinished(b *graph.Build, success bool, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
	if success {
		fmt.Fprintf(c.out, "[%d/%d] %s\n", c.finished, c.total, describe(b))
	} else {
		fmt.Fprintf(c.out, "FAILED: %s\n%s\n", target(c.g, b), b.Cmdline)
	}
	if output != "" {
		fmt.Fprint(c.out, output)
		if output[len(output)-1] != '\n' {
			fmt.Fprintln(c.out)
		}
	}
}

func (c *Console) TaskUpToDate(b *graph.Build) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished++
}

func (c *Console) Explain(b *graph.Build, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "explain: %s is out of date:\n%s", target(c.g, b), text)
}
