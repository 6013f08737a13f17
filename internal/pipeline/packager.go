package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/geometry"
	"github.com/jkaninda/umba/internal/sandbox"
	"github.com/jkaninda/umba/internal/scratch"
)

// Deterministic artifact names inside a ZIP bundle.
const (
	archiveStepName   = "render.step"
	archiveMeshName   = "render.stl"
	archiveScriptName = "model_gen.py"
)

// render executes one script in the sandbox, validates the mesh, and
// packages the requested artifact. On any error the scratch area is
// released before returning; on success ownership transfers to the caller
// via JobResult.Scratch.
func (c *Controller) render(ctx context.Context, script string, format domain.OutputFormat) (*JobResult, error) {
	start := time.Now()

	area, err := c.scratch.Allocate()
	if err != nil {
		c.logger.Error("scratch allocation failed", slog.String("error", err.Error()))
		return nil, domain.FatalFailure(domain.StageExecuting, "scratch allocation failed")
	}
	if err := area.WriteScript(script); err != nil {
		c.logger.Error("staging script failed", slog.String("error", err.Error()))
		area.Release()
		return nil, domain.FatalFailure(domain.StageExecuting, "staging script failed")
	}

	res, err := c.executor.Execute(ctx, sandbox.Request{Scratch: area})
	if err != nil {
		// Diagnostics stay in the log. The failure reason crosses the HTTP
		// boundary and must not carry daemon or filesystem details.
		c.logger.Error("sandbox launch failed", slog.String("error", err.Error()))
		area.Release()
		c.metrics.ObserveSandbox("launch_error", 0)
		return nil, domain.FatalFailure(domain.StageExecuting, "sandbox unavailable")
	}
	c.metrics.ObserveSandbox(exitClass(res), res.Duration)

	if res.TimedOut() {
		// A timeout is terminal: regenerated code is no more likely to
		// finish inside the same wall-clock ceiling.
		area.Release()
		return nil, domain.FatalFailure(domain.StageExecuting, "%s", res.Stderr)
	}
	if res.ExitCode != 0 {
		c.logger.Error("script execution failed",
			slog.Int("exit_code", res.ExitCode),
			slog.String("stdout", res.Stdout),
			slog.String("stderr", res.Stderr),
		)
		area.Release()
		return nil, domain.RecoverableFailure(domain.StageExecuting, "%s", res.Stderr)
	}

	var mesh *domain.MeshMetadata
	if res.MeshFile != "" {
		if err := geometry.Validate(res.MeshFile, c.logger); err != nil {
			area.Release()
			return nil, err
		}
		mesh = geometry.Metadata(res.MeshFile, c.logger)
	}

	result, err := c.pack(area, res, format)
	if err != nil {
		area.Release()
		return nil, err
	}
	result.Mesh = mesh
	result.RenderDuration = time.Since(start)
	return result, nil
}

// pack selects or assembles the artifact the client asked for. A format
// that cannot be satisfied after a successful execution is an internal
// consistency failure, never a retry trigger.
func (c *Controller) pack(area *scratch.Area, res *sandbox.Result, format domain.OutputFormat) (*JobResult, error) {
	switch format {
	case domain.FormatZIP:
		if err := writeArchive(area, res); err != nil {
			c.logger.Error("assembling archive failed", slog.String("error", err.Error()))
			return nil, domain.FatalFailure(domain.StagePackaging, "assembling archive failed")
		}
		return &JobResult{
			ArtifactPath: area.ArchivePath(),
			Filename:     fmt.Sprintf("render_%s.zip", area.ID),
			MediaType:    "application/zip",
			Scratch:      area,
		}, nil

	case domain.FormatSTEP:
		if res.StepFile == "" {
			return nil, domain.FatalFailure(domain.StagePackaging, "step output missing from container")
		}
		return &JobResult{
			ArtifactPath: res.StepFile,
			Filename:     "render.step",
			MediaType:    "application/octet-stream",
			Scratch:      area,
		}, nil

	default: // domain.FormatSTL
		if res.MeshFile == "" {
			return nil, domain.FatalFailure(domain.StagePackaging, "stl output missing from container")
		}
		return &JobResult{
			ArtifactPath: res.MeshFile,
			Filename:     "render.stl",
			MediaType:    "application/octet-stream",
			Scratch:      area,
		}, nil
	}
}

// writeArchive bundles whatever artifacts exist plus the generating script
// under deterministic names. Absent artifacts are skipped, not errors; the
// archive is only empty if the script produced nothing at all.
func writeArchive(area *scratch.Area, res *sandbox.Result) error {
	f, err := os.Create(area.ArchivePath())
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	entries := []struct{ src, name string }{
		{res.StepFile, archiveStepName},
		{res.MeshFile, archiveMeshName},
		{area.ScriptPath(), archiveScriptName},
	}
	for _, e := range entries {
		if e.src == "" {
			continue
		}
		if err := addArchiveEntry(zw, e.src, e.name); err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func addArchiveEntry(zw *zip.Writer, src, name string) error {
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer in.Close()

	out, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	return err
}

// exitClass buckets an execution result for metrics.
func exitClass(res *sandbox.Result) string {
	switch {
	case res.TimedOut():
		return "timeout"
	case res.ExitCode != 0:
		return "error"
	default:
		return "ok"
	}
}
