package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"

	"github.com/jkaninda/umba/internal/scratch"
)

const (
	defaultDockerImage = "umba-runner:latest"
	defaultTimeout     = 30 * time.Second
	defaultMemoryMB    = 2048
	defaultCPUCores    = 2.0
	defaultDockerPIDs  = 64
	defaultTmpfsSizeMB = 512
)

// DockerConfig configures the Docker-based executor.
type DockerConfig struct {
	Image          string        // Runner image with the solid-modeling toolchain baked in.
	LibraryPath    string        // Host path of the trusted feature library, mounted read-only.
	DefaultTimeout time.Duration // Wall-clock ceiling per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit.
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
}

// DockerExecutor runs geometry scripts inside ephemeral Docker containers.
//
// Guarantees enforced on every invocation:
//   - No network stack at all (--network=none)
//   - All Linux capabilities dropped, no privilege escalation
//   - Read-only root filesystem; only the scratch mount and a bounded /tmp
//     tmpfs are writable
//   - Non-root user
//   - Hard memory limit with swap disabled, CPU rate limited, PIDs capped
//   - The feature library is mounted read-only so the untrusted script
//     cannot alter trusted utility code
//   - Container always removed, even on timeout or OOM kill
type DockerExecutor struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerExecutor creates a Docker-based executor.
func NewDockerExecutor(cfg DockerConfig, logger *slog.Logger) *DockerExecutor {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDs
	}
	return &DockerExecutor{config: cfg, logger: logger}
}

// Execute runs the script in the request's scratch area inside a hardened
// container. A wall-clock timeout yields a Result with the timeout sentinel
// exit code; a container-launch error yields a non-nil error (fatal
// infrastructure failure, never retried).
func (e *DockerExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Scratch == nil {
		return nil, fmt.Errorf("no scratch area")
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := e.config.MemoryMB
	if req.MemoryMB > 0 {
		memoryMB = req.MemoryMB
	}

	args := e.buildDockerArgs(containerName, memoryMB, req.Scratch)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	e.logger.Info("sandbox executing",
		slog.String("container", containerName),
		slog.String("image", e.config.Image),
		slog.String("scratch", req.Scratch.Dir),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", e.config.CPUCores),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	// Safety net: force remove the container in case --rm didn't fire
	// (OOM kill, daemon restart, context cancel race).
	e.forceRemoveContainer(containerName)

	exitCode := 0
	if runErr != nil {
		// Only the wall-clock ceiling produces the timeout sentinel. A
		// canceled caller context (client gone, server shutting down) is
		// an aborted run, not a timed-out script.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("sandbox timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
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
			return nil, fmt.Errorf("container launch failed: %w", runErr)
		}
	}

	e.logger.Info("sandbox completed",
		slog.String("container", containerName),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	res := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}
	collectArtifacts(req.Scratch, res)
	return res, nil
}

// buildDockerArgs constructs the full docker run argument list. The runner
// image's entrypoint interprets the script path appended as the last arg.
func (e *DockerExecutor) buildDockerArgs(name string, memoryMB int, area *scratch.Area) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(e.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(e.config.PIDsLimit)
	tmpfsFlag := fmt.Sprintf("/tmp:rw,noexec,nosuid,size=%dm", defaultTmpfsSizeMB)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Isolation ---
		"--network=none",
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=1000:1000",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = swap disabled (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Writable areas: scratch mount plus a bounded /tmp ---
		"--tmpfs", tmpfsFlag,
		"-v", area.Dir + ":" + ScratchMount + ":rw",
		"-w", ScratchMount,

		// --- Trusted feature library, read-only ---
		"-v", e.config.LibraryPath + ":" + LibraryMount + ":ro",

		// --- Output contract ---
		"--env", StepOutputEnv + "=" + containerOutputPath(scratch.StepName),
		"--env", MeshOutputEnv + "=" + containerOutputPath(scratch.MeshName),

		e.config.Image,
		containerOutputPath(scratch.ScriptName),
	}
	return args
}

// forceRemoveContainer removes a container by name as a best-effort safety
// net. Errors are logged, never returned.
func (e *DockerExecutor) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			e.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// generateContainerName returns a unique container name: umba-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "umba-sbx-" + hex.EncodeToString(b), nil
}
