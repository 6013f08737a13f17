package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

const defaultCPUSeconds = 60

// ProcessConfig configures the process-based executor.
type ProcessConfig struct {
	Interpreter    string // Script interpreter on the host (e.g. "python3").
	LibraryPath    string // Feature library directory, exposed via PYTHONPATH.
	DefaultTimeout time.Duration
	MemoryMB       int // Virtual memory cap (ulimit -v).
	CPUSeconds     int // CPU time cap (ulimit -t).
}

// ProcessExecutor runs geometry scripts as direct host processes with
// ulimit-based resource caps. It cannot provide the container guarantees
// (no network isolation, no read-only rootfs) and exists only for local
// development where Docker is unavailable. Production deployments use
// DockerExecutor.
type ProcessExecutor struct {
	config ProcessConfig
	logger *slog.Logger
}

// NewProcessExecutor creates a process-based executor.
func NewProcessExecutor(cfg ProcessConfig, logger *slog.Logger) *ProcessExecutor {
	if cfg.Interpreter == "" {
		cfg.Interpreter = "python3"
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUSeconds == 0 {
		cfg.CPUSeconds = defaultCPUSeconds
	}
	return &ProcessExecutor{config: cfg, logger: logger}
}

// Execute runs the scratch area's script with the configured interpreter.
// Timeout and launch-failure semantics match DockerExecutor: the sentinel
// exit code on timeout, a non-nil error on launch failure.
func (e *ProcessExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Scratch == nil {
		return nil, fmt.Errorf("no scratch area")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	memoryMB := e.config.MemoryMB
	if req.MemoryMB > 0 {
		memoryMB = req.MemoryMB
	}

	// ulimit wrapper with exec "$@" so the script path is never
	// interpolated into the shell string.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memoryMB*1024, e.config.CPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh",
		"-c", shellScript, "_", e.config.Interpreter, req.Scratch.ScriptPath())
	cmd.Dir = req.Scratch.Dir

	// Own process group so the whole tree dies on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Minimal environment with no host inheritance, so credentials never leak
	// into the script. Output paths are host paths in process mode.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + req.Scratch.Dir,
		"PYTHONPATH=" + e.config.LibraryPath,
		StepOutputEnv + "=" + req.Scratch.StepPath(),
		MeshOutputEnv + "=" + req.Scratch.MeshPath(),
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("process sandbox executing",
		slog.String("interpreter", e.config.Interpreter),
		slog.String("scratch", req.Scratch.Dir),
		slog.Int("memory_mb", memoryMB),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		// The timeout sentinel is reserved for the wall-clock ceiling.
		// External cancellation aborts the run with a plain error.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res := &Result{
				Stderr:   fmt.Sprintf("TIMEOUT: execution exceeded the %s limit", timeout),
				ExitCode: TimeoutExitCode,
				Duration: duration,
			}
			collectArtifacts(req.Scratch, res)
			return res, nil
		}
		if cause := ctx.Err(); cause != nil {
			return nil, fmt.Errorf("execution aborted: %w", cause)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("interpreter launch failed: %w", runErr)
		}
	}

	res := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}
	collectArtifacts(req.Scratch, res)
	return res, nil
}
