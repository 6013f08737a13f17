package pipeline

import (
	"archive/zip"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jkaninda/umba/internal/codegen"
	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/geometry"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/observability"
	"github.com/jkaninda/umba/internal/sandbox"
	"github.com/jkaninda/umba/internal/scratch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeGenerator struct {
	errs   []error
	inputs []codegen.Input
}

func (f *fakeGenerator) Generate(_ context.Context, in codegen.Input) (*codegen.Result, error) {
	f.inputs = append(f.inputs, in)
	i := len(f.inputs) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return &codegen.Result{
		Script:       fmt.Sprintf("# attempt %d\n", i),
		Spec:         `{"type": "custom"}`,
		Usage:        llm.Usage{InputTokens: 100, OutputTokens: 50},
		SpecDuration: time.Millisecond,
		CodeDuration: time.Millisecond,
	}, nil
}

// execBehavior scripts one fake sandbox invocation.
type execBehavior struct {
	exitCode  int
	stderr    string
	writeStep bool
	writeMesh bool
	openMesh  bool // drop one facet so validation fails
	launchErr error
}

type fakeExecutor struct {
	t         *testing.T
	behaviors []execBehavior
	calls     int
}

func (f *fakeExecutor) Execute(_ context.Context, req sandbox.Request) (*sandbox.Result, error) {
	i := f.calls
	f.calls++
	if i >= len(f.behaviors) {
		f.t.Fatalf("unexpected sandbox execution %d", i+1)
	}
	b := f.behaviors[i]
	if b.launchErr != nil {
		return nil, b.launchErr
	}

	res := &sandbox.Result{ExitCode: b.exitCode, Stderr: b.stderr, Duration: time.Second}
	if b.writeStep {
		if err := os.WriteFile(req.Scratch.StepPath(), []byte("ISO-10303-21;"), 0o640); err != nil {
			f.t.Fatal(err)
		}
		res.StepFile = req.Scratch.StepPath()
	}
	if b.writeMesh {
		tris := cubeTriangles()
		if b.openMesh {
			tris = tris[1:]
		}
		writeBinarySTL(f.t, req.Scratch.MeshPath(), tris)
		res.MeshFile = req.Scratch.MeshPath()
	}
	return res, nil
}

func cubeTriangles() []geometry.Triangle {
	quads := [][4]geometry.Vec3{
		{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 0}, {X: 1, Y: 0, Z: 0}}, // bottom
		{{X: 0, Y: 0, Z: 1}, {X: 1, Y: 0, Z: 1}, {X: 1, Y: 1, Z: 1}, {X: 0, Y: 1, Z: 1}}, // top
		{{X: 0, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 0}, {X: 1, Y: 0, Z: 1}, {X: 0, Y: 0, Z: 1}}, // front
		{{X: 0, Y: 1, Z: 0}, {X: 0, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 1}, {X: 1, Y: 1, Z: 0}}, // back
		{{X: 0, Y: 0, Z: 0}, {X: 0, Y: 0, Z: 1}, {X: 0, Y: 1, Z: 1}, {X: 0, Y: 1, Z: 0}}, // left
		{{X: 1, Y: 0, Z: 0}, {X: 1, Y: 1, Z: 0}, {X: 1, Y: 1, Z: 1}, {X: 1, Y: 0, Z: 1}}, // right
	}
	var tris []geometry.Triangle
	for _, q := range quads {
		tris = append(tris, geometry.Triangle{q[0], q[1], q[2]}, geometry.Triangle{q[0], q[2], q[3]})
	}
	return tris
}

func writeBinarySTL(t *testing.T, path string, tris []geometry.Triangle) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.Write(make([]byte, 80)); err != nil {
		t.Fatal(err)
	}
	if err := binary.Write(f, binary.LittleEndian, uint32(len(tris))); err != nil {
		t.Fatal(err)
	}
	for _, tri := range tris {
		if err := binary.Write(f, binary.LittleEndian, [3]float32{}); err != nil {
			t.Fatal(err)
		}
		for _, v := range tri {
			if err := binary.Write(f, binary.LittleEndian, [3]float32{float32(v.X), float32(v.Y), float32(v.Z)}); err != nil {
				t.Fatal(err)
			}
		}
		if err := binary.Write(f, binary.LittleEndian, uint16(0)); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestController(t *testing.T, exec sandbox.Executor, opts ...Option) *Controller {
	t.Helper()
	mgr, err := scratch.NewManager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return NewController(exec, mgr, testLogger(), opts...)
}

func TestGenerate_FirstAttemptSuccess(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{{writeMesh: true}}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	job := domain.NewJob(domain.FormatSTL, "a unit cube")
	job.Overrides = map[string]any{"edge": 1}
	res, err := c.Generate(context.Background(), gen, job, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if len(gen.inputs) != 1 || exec.calls != 1 {
		t.Errorf("calls: gen=%d exec=%d, want 1/1", len(gen.inputs), exec.calls)
	}
	if gen.inputs[0].Feedback != "" {
		t.Errorf("fresh job must carry no feedback, got %q", gen.inputs[0].Feedback)
	}
	if gen.inputs[0].Overrides["edge"] != 1 {
		t.Error("overrides not forwarded to generation")
	}
	if res.Retries != 0 {
		t.Errorf("retries = %d, want 0", res.Retries)
	}
	if _, err := os.Stat(res.ArtifactPath); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
	if res.Mesh == nil || math.Abs(res.Mesh.Volume-1) > 1e-6 {
		t.Errorf("mesh metadata = %+v, want volume 1", res.Mesh)
	}
	if res.Usage.InputTokens != 100 {
		t.Errorf("usage not propagated: %+v", res.Usage)
	}
	if res.RenderDuration <= 0 {
		t.Error("render duration not measured")
	}
}

func TestGenerate_RetriesWithClassifiedFeedback(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{exitCode: 1, stderr: "ValueError: fuse_objects failed: shapes do not intersect"},
		{writeMesh: true},
	}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	res, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "two fused blocks"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if len(gen.inputs) != 2 {
		t.Fatalf("gen calls = %d, want 2", len(gen.inputs))
	}
	if !strings.Contains(gen.inputs[1].Feedback, "FUSION FAILED") {
		t.Errorf("second attempt feedback = %q, want classified fusion hint", gen.inputs[1].Feedback)
	}
	if res.Retries != 1 {
		t.Errorf("retries = %d, want 1", res.Retries)
	}
}

func TestGenerate_BudgetExhausted(t *testing.T) {
	failing := execBehavior{exitCode: 1, stderr: "ValueError: null shape in boolean op"}
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{failing, failing, failing}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	_, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "impossible part"), nil)
	if err == nil {
		t.Fatal("expected error after exhausted budget")
	}
	if len(gen.inputs) != 3 || exec.calls != 3 {
		t.Errorf("calls: gen=%d exec=%d, want 3/3", len(gen.inputs), exec.calls)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("error = %v, want attempt count", err)
	}
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeRecoverable {
		t.Errorf("expected wrapped recoverable failure, got %v", err)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.Attempts != 3 {
		t.Errorf("expected JobError with 3 consumed attempts, got %v", err)
	}
}

func TestGenerate_FatalGenerationShortCircuits(t *testing.T) {
	exec := &fakeExecutor{t: t}
	gen := &fakeGenerator{errs: []error{
		domain.FatalFailure(domain.StageGenerating, "security: blocked pattern %q", "os.system"),
	}}
	c := newTestController(t, exec)

	_, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "malicious"), nil)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeFatal {
		t.Fatalf("expected fatal failure, got %v", err)
	}
	if len(gen.inputs) != 1 {
		t.Errorf("gen calls = %d, want 1 (no retry on fatal)", len(gen.inputs))
	}
	if exec.calls != 0 {
		t.Errorf("exec calls = %d, want 0 (blocked before sandbox)", exec.calls)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.Attempts != 1 {
		t.Errorf("expected JobError with 1 consumed attempt, got %v", err)
	}
}

func TestGenerate_TimeoutIsTerminal(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{exitCode: sandbox.TimeoutExitCode, stderr: "TIMEOUT: Execution exceeded 30s limit"},
	}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	_, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "heavy part"), nil)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeFatal {
		t.Fatalf("expected fatal failure on timeout, got %v", err)
	}
	if exec.calls != 1 || len(gen.inputs) != 1 {
		t.Errorf("calls: gen=%d exec=%d, want 1/1 (timeout never retried)", len(gen.inputs), exec.calls)
	}
}

func TestGenerate_LaunchErrorIsFatal(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{launchErr: errors.New("docker daemon unreachable")},
	}}
	c := newTestController(t, exec)

	_, err := c.Generate(context.Background(), &fakeGenerator{}, domain.NewJob(domain.FormatSTL, "anything"), nil)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeFatal {
		t.Fatalf("expected fatal failure on launch error, got %v", err)
	}
	if strings.Contains(failure.Reason, "docker") {
		t.Errorf("reason = %q, daemon diagnostics belong in the log, not the failure", failure.Reason)
	}
}

func TestGenerate_PreviousScriptSeedsFirstAttempt(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{{writeMesh: true}}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	job := domain.NewJob(domain.FormatSTL, "same part, taller")
	job.PreviousScript = "def generate_model(utils, step_path, stl_path):\n    pass\n"
	res, err := c.Generate(context.Background(), gen, job, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if gen.inputs[0].Feedback != job.PreviousScript {
		t.Error("attempt 0 of an iterative job must feed the previous script")
	}
}

func TestGenerate_PreviousScriptNotReusedAfterFailure(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{exitCode: 1, stderr: "ValueError: makeFillet failed"},
		{writeMesh: true},
	}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	job := domain.NewJob(domain.FormatSTL, "same part, taller")
	job.PreviousScript = "old script"
	res, err := c.Generate(context.Background(), gen, job, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if gen.inputs[1].Feedback == "old script" {
		t.Error("retry feedback must come from classification, not the previous script")
	}
	if !strings.Contains(gen.inputs[1].Feedback, "FILLET FAILED") {
		t.Errorf("feedback = %q, want fillet hint", gen.inputs[1].Feedback)
	}
}

func TestGenerate_ValidationFailureRetries(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{writeMesh: true, openMesh: true},
		{writeMesh: true},
	}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec)

	res, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "a cube"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if len(gen.inputs) != 2 {
		t.Fatalf("gen calls = %d, want 2 (validation failure retried)", len(gen.inputs))
	}
	if !strings.Contains(gen.inputs[1].Feedback, "NON-MANIFOLD") {
		t.Errorf("feedback = %q, want watertight hint", gen.inputs[1].Feedback)
	}
}

func TestGenerate_EmitsJobSpanWithAttemptEvents(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{exitCode: 1, stderr: "ValueError: fillet radius too large"},
		{writeMesh: true},
	}}
	gen := &fakeGenerator{}
	c := newTestController(t, exec, WithTracer(tp.Tracer("test")))

	res, err := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "a cube"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1 per job", len(spans))
	}
	span := spans[0]
	if span.Name != observability.JobSpanName {
		t.Errorf("span name = %q, want %q", span.Name, observability.JobSpanName)
	}
	if len(span.Events) != 2 {
		t.Fatalf("events = %d, want one per attempt", len(span.Events))
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("status = %v, want Ok", span.Status.Code)
	}
}

func TestRender_SingleExecutionNoRetry(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{
		{exitCode: 1, stderr: "ValueError: null shape"},
	}}
	c := newTestController(t, exec)

	_, err := c.Render(context.Background(), "def generate_model(utils, step_path, stl_path):\n    pass", domain.FormatSTL)
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.calls != 1 {
		t.Errorf("exec calls = %d, want 1 (render never retries)", exec.calls)
	}
}

func TestRender_BlockedScriptNeverExecutes(t *testing.T) {
	exec := &fakeExecutor{t: t}
	c := newTestController(t, exec)

	_, err := c.Render(context.Background(), "import subprocess\n", domain.FormatSTL)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeFatal {
		t.Fatalf("expected fatal failure, got %v", err)
	}
	if exec.calls != 0 {
		t.Errorf("exec calls = %d, want 0", exec.calls)
	}
}

func TestRender_StepArtifact(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{{writeStep: true}}}
	c := newTestController(t, exec)

	res, err := c.Render(context.Background(), "ok", domain.FormatSTEP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if res.Filename != "render.step" {
		t.Errorf("filename = %q", res.Filename)
	}
	if res.MediaType != "application/octet-stream" {
		t.Errorf("media type = %q", res.MediaType)
	}
}

func TestRender_ZipBundle(t *testing.T) {
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{{writeStep: true, writeMesh: true}}}
	c := newTestController(t, exec)

	res, err := c.Render(context.Background(), "ok", domain.FormatZIP)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Scratch.Release()

	if res.MediaType != "application/zip" {
		t.Errorf("media type = %q", res.MediaType)
	}
	zr, err := zip.OpenReader(res.ArtifactPath)
	if err != nil {
		t.Fatalf("opening archive: %v", err)
	}
	defer zr.Close()

	got := make(map[string]bool)
	for _, f := range zr.File {
		got[f.Name] = true
	}
	for _, want := range []string{"render.step", "render.stl", "model_gen.py"} {
		if !got[want] {
			t.Errorf("archive missing %s (has %v)", want, got)
		}
	}
}

func TestRender_MissingArtifactIsFatal(t *testing.T) {
	// Execution succeeds but only produces a mesh; the client asked for STEP.
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{{writeMesh: true}}}
	c := newTestController(t, exec)

	_, err := c.Render(context.Background(), "ok", domain.FormatSTEP)
	var failure *domain.Failure
	if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeFatal {
		t.Fatalf("expected fatal packaging failure, got %v", err)
	}
	if failure.Stage != domain.StagePackaging {
		t.Errorf("stage = %s, want packaging", failure.Stage)
	}
}

func TestGenerate_AttemptBudgetOption(t *testing.T) {
	failing := execBehavior{exitCode: 1, stderr: "ValueError: empty result"}
	exec := &fakeExecutor{t: t, behaviors: []execBehavior{failing, failing, failing, failing, failing}}
	gen := &fakeGenerator{}
	mgr, err := scratch.NewManager(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	c := NewController(exec, mgr, testLogger(), WithAttempts(5))

	_, genErr := c.Generate(context.Background(), gen, domain.NewJob(domain.FormatSTL, "part"), nil)
	if genErr == nil {
		t.Fatal("expected error")
	}
	if len(gen.inputs) != 5 {
		t.Errorf("gen calls = %d, want 5", len(gen.inputs))
	}
}
