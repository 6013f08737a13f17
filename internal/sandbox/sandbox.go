// Package sandbox provides isolated execution environments for untrusted,
// dynamically generated geometry scripts. A script never runs directly on
// the host; it always goes through an Executor.
package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/umba/internal/scratch"
)

// Well-known paths and environment variables inside the container.
// The script wrapper reads the output paths from the environment, so these
// names are part of the contract with the trusted feature library.
const (
	ScratchMount = "/workspace" // Scratch area mount point (rw).
	LibraryMount = "/app/lib"   // Trusted feature library mount point (ro).

	StepOutputEnv = "STEP_OUTPUT"
	MeshOutputEnv = "STL_OUTPUT"
)

// TimeoutExitCode is the sentinel reported when the wall-clock timeout
// forcibly terminated the container. Distinct from any script-raised error
// so the controller can treat timeouts as fatal rather than recoverable.
const TimeoutExitCode = 124

// Executor runs one untrusted script against a scratch area.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request describes one execution.
type Request struct {
	// Scratch is the exclusively owned scratch area. The script must
	// already be written at Scratch.ScriptPath().
	Scratch *scratch.Area

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// MemoryMB overrides the memory cap. Zero = use default.
	MemoryMB int
}

// Result captures the outcome of one execution. Exclusively owned by the
// attempt that produced it.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration

	// Artifact files found in the scratch area after the run.
	// Empty string = not produced.
	StepFile string
	MeshFile string
}

// TimedOut reports whether the execution hit the wall-clock ceiling.
func (r *Result) TimedOut() bool { return r.ExitCode == TimeoutExitCode }

// collectArtifacts records which expected output files the script produced.
func collectArtifacts(area *scratch.Area, res *Result) {
	if fileExists(area.StepPath()) {
		res.StepFile = area.StepPath()
	}
	if fileExists(area.MeshPath()) {
		res.MeshFile = area.MeshPath()
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// containerOutputPath maps a scratch-relative artifact name to its
// in-container path.
func containerOutputPath(name string) string {
	return filepath.Join(ScratchMount, name)
}

// maxOutputBytes caps captured stdout/stderr to prevent OOM from chatty scripts.
const maxOutputBytes = 1 << 20 // 1 MB

// limitedWriter truncates after the cap instead of erroring, so cmd.Run
// still drains the pipes.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		if _, err := lw.w.Write(p[:lw.remaining]); err != nil {
			return 0, err
		}
		lw.remaining = 0
		return len(p), nil
	}
	lw.remaining -= len(p)
	return lw.w.Write(p)
}
