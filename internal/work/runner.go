package work

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/roach88/girder/internal/graph"
)

// Task is one edge's command with every graph-derived field already
// resolved to plain strings. The coordinator builds it before dispatch;
// workers receive only the Task, never the graph, which keeps them safe
// from the interning the coordinator does when a depfile names a new
// file.
type Task struct {
	Cmdline string
	Outs    []string
	Depfile string
	Rsp     *graph.RspFile
}

// RunResult is the outcome of executing one edge's command.
type RunResult struct {
	Success bool

	// Output holds the command's combined stdout and stderr, plus any
	// runner-level error text (for example a response file that could
	// not be written).
	Output string
}

// Runner executes a single edge's command. Indirected as an interface so
// tests and dry runs can substitute an implementation that does not
// spawn processes.
type Runner interface {
	Run(t Task) RunResult
}

// shellRunner executes commands through /bin/sh, the way ninja does on
// POSIX systems.
type shellRunner struct{}

// NewShellRunner returns the production runner.
func NewShellRunner() Runner { return shellRunner{} }

func (shellRunner) Run(t Task) RunResult {
	// Output directories exist before the command runs; rules are
	// entitled to assume that.
	for _, out := range t.Outs {
		dir := filepath.Dir(out)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return RunResult{Output: fmt.Sprintf("create output directory %s: %v", dir, err)}
		}
	}

	if t.Rsp != nil {
		if err := os.MkdirAll(filepath.Dir(t.Rsp.Path), 0o755); err != nil {
			return RunResult{Output: fmt.Sprintf("create rspfile directory: %v", err)}
		}
		if err := os.WriteFile(t.Rsp.Path, []byte(t.Rsp.Content), 0o644); err != nil {
			return RunResult{Output: fmt.Sprintf("write rspfile %s: %v", t.Rsp.Path, err)}
		}
	}

	cmd := exec.Command("/bin/sh", "-c", t.Cmdline)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, isExit := err.(*exec.ExitError); !isExit {
			return RunResult{Output: fmt.Sprintf("%sspawn: %v", output, err)}
		}
		// Keep the rspfile around for debugging the failed command.
		return RunResult{Output: string(output)}
	}

	if t.Rsp != nil {
		// Best effort; a stale rspfile is harmless.
		_ = os.Remove(t.Rsp.Path)
	}
	return RunResult{Success: true, Output: string(output)}
}
