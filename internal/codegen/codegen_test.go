package codegen

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/llm"
)

type fakeProvider struct {
	responses []*llm.Response
	errs      []error
	requests  []*llm.Request
}

func (f *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &llm.Response{}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGenerator(t *testing.T, p llm.Provider) *Generator {
	t.Helper()
	return NewGenerator(p, NewExampleLibrary(t.TempDir(), testLogger()), testLogger())
}

const specResponse = "```json\n{\"type\": \"bracket\", \"dimensions\": {\"leg1\": 50}, \"features\": [], \"constraints\": {\"thickness\": 3}}\n```"

const codeResponse = "```python\ndef generate_model(utils, step_path, stl_path):\n    body = utils.create_l_bracket(\"B\", leg1_length=50, leg2_length=40, width=25, thickness=3)\n    utils.export_step(body, step_path)\n    utils.export_stl(body, stl_path)\n```"

func TestGenerate_TwoStages(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: specResponse, Usage: llm.Usage{InputTokens: 100, OutputTokens: 50}},
		{Content: codeResponse, Usage: llm.Usage{InputTokens: 200, OutputTokens: 80}},
	}}
	g := newTestGenerator(t, p)

	res, err := g.Generate(context.Background(), Input{Prompt: "an L-bracket"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(p.requests) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(p.requests))
	}
	if p.requests[0].SystemPrompt != extractorSystemPrompt {
		t.Error("stage 1 did not use the extractor system prompt")
	}
	if !strings.Contains(p.requests[1].SystemPrompt, "Expert FreeCAD Code Generator") {
		t.Error("stage 2 did not use the generator system prompt")
	}
	if !strings.Contains(p.requests[1].Messages[0].Content, `"type": "bracket"`) {
		t.Error("stage 2 user message should carry the extracted spec")
	}

	if !strings.Contains(res.Script, "def generate_model") {
		t.Error("script missing model function")
	}
	if !strings.Contains(res.Script, "sys.path.append('/app/lib')") {
		t.Error("script missing library path setup")
	}
	if !strings.Contains(res.Script, "os.environ.get('STEP_OUTPUT'") {
		t.Error("script missing environment-driven output paths")
	}
	if res.Usage.InputTokens != 300 || res.Usage.OutputTokens != 130 {
		t.Errorf("usage = %+v, want summed stage usage", res.Usage)
	}
}

func TestGenerate_OverridesMergedIntoConstraints(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: specResponse},
		{Content: codeResponse},
	}}
	g := newTestGenerator(t, p)

	res, err := g.Generate(context.Background(), Input{
		Prompt:    "an L-bracket",
		Overrides: map[string]any{"thickness": 5, "hole_dia": 6},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Spec, `"thickness": 5`) {
		t.Errorf("override should win over extracted value, spec: %s", res.Spec)
	}
	if !strings.Contains(res.Spec, `"hole_dia": 6`) {
		t.Errorf("new override key missing, spec: %s", res.Spec)
	}
}

func TestGenerate_MalformedSpecFallsBack(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: "sure, here is the spec: not json at all"},
		{Content: codeResponse},
	}}
	g := newTestGenerator(t, p)

	res, err := g.Generate(context.Background(), Input{Prompt: "something odd"})
	if err != nil {
		t.Fatalf("malformed spec must not fail the job: %v", err)
	}
	if !strings.Contains(res.Spec, `"type":"custom"`) {
		t.Errorf("expected fallback spec, got: %s", res.Spec)
	}
	if len(p.requests) != 2 {
		t.Fatalf("stage 2 should still run, got %d calls", len(p.requests))
	}
}

func TestGenerate_ExtractionErrorFallsBack(t *testing.T) {
	p := &fakeProvider{
		errs:      []error{errors.New("upstream unavailable")},
		responses: []*llm.Response{nil, {Content: codeResponse}},
	}
	g := newTestGenerator(t, p)

	res, err := g.Generate(context.Background(), Input{Prompt: "a knob"})
	if err != nil {
		t.Fatalf("extraction error must not fail the job: %v", err)
	}
	if !strings.Contains(res.Spec, "spec extraction failed") {
		t.Errorf("fallback spec should record the cause, got: %s", res.Spec)
	}
}

func TestGenerate_FeedbackAppendedToStageTwo(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: specResponse},
		{Content: codeResponse},
	}}
	g := newTestGenerator(t, p)

	_, err := g.Generate(context.Background(), Input{
		Prompt:   "an L-bracket",
		Feedback: "FILLET ERROR: reduce fillet radius.",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg := p.requests[1].Messages[0].Content
	if !strings.Contains(msg, "PREVIOUS ATTEMPT FAILED") || !strings.Contains(msg, "reduce fillet radius") {
		t.Errorf("feedback not passed to stage 2: %s", msg)
	}
	if strings.Contains(p.requests[0].Messages[0].Content, "PREVIOUS ATTEMPT FAILED") {
		t.Error("feedback must not leak into spec extraction")
	}
}

func TestGenerate_WrapsBareCode(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: specResponse},
		{Content: "```python\nbody = utils.create_box(\"B\", 10, 10, 10)\nutils.export_stl(body, stl_path)\n```"},
	}}
	g := newTestGenerator(t, p)

	res, err := g.Generate(context.Background(), Input{Prompt: "a box"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Script, "def generate_model(utils, step_path, stl_path):") {
		t.Error("bare code should be wrapped in the model function")
	}
}

func TestGenerate_BlockedPatternIsFatal(t *testing.T) {
	p := &fakeProvider{responses: []*llm.Response{
		{Content: specResponse},
		{Content: "```python\ndef generate_model(utils, step_path, stl_path):\n    import os\n    os.system('rm -rf /')\n```"},
	}}
	g := newTestGenerator(t, p)

	_, err := g.Generate(context.Background(), Input{Prompt: "an L-bracket"})
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *domain.Failure, got %v", err)
	}
	if failure.Outcome != domain.OutcomeFatal {
		t.Errorf("outcome = %s, want fatal", failure.Outcome)
	}
	if failure.Stage != domain.StageGenerating {
		t.Errorf("stage = %s, want generating", failure.Stage)
	}
}

func TestGenerate_StageTwoErrorIsFatal(t *testing.T) {
	p := &fakeProvider{
		responses: []*llm.Response{{Content: specResponse}},
		errs:      []error{nil, errors.New("rate limited upstream")},
	}
	g := newTestGenerator(t, p)

	_, err := g.Generate(context.Background(), Input{Prompt: "an L-bracket"})
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *domain.Failure, got %v", err)
	}
	if failure.Outcome != domain.OutcomeFatal {
		t.Errorf("outcome = %s, want fatal", failure.Outcome)
	}
}

func TestCheckScript(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		blocked bool
	}{
		{"clean", "def generate_model(utils, step_path, stl_path):\n    pass", false},
		{"subprocess", "import subprocess", true},
		{"os system", "os.system('ls')", true},
		{"eval", "x = eval('1+1')", true},
		{"exec", "exec('print(1)')", true},
		{"dunder import", "__import__('os')", true},
		{"os popen", "os.popen('ls')", true},
		{"eval as identifier suffix", "compute_evaluation()", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckScript(tt.script)
			if tt.blocked && err == nil {
				t.Error("expected script to be blocked")
			}
			if !tt.blocked && err != nil {
				t.Errorf("clean script rejected: %v", err)
			}
		})
	}
}

func TestExtractFence(t *testing.T) {
	tests := []struct {
		name, text, lang, want string
	}{
		{"typed fence", "intro\n```python\ncode\n```\noutro", "python", "\ncode\n"},
		{"anonymous fence", "```\ncode\n```", "python", "\ncode\n"},
		{"no fence", "plain text", "python", "plain text"},
		{"unclosed fence", "```json\n{\"a\": 1}", "json", "\n{\"a\": 1}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractFence(tt.text, tt.lang); got != tt.want {
				t.Errorf("extractFence() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExampleLibrary_Relevant(t *testing.T) {
	dir := t.TempDir()
	content := "def build():\n    pass\n"
	if err := os.WriteFile(filepath.Join(dir, "example_l_bracket.py"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	lib := NewExampleLibrary(dir, testLogger())

	got := lib.Relevant(`{"type": "l-bracket"}`)
	if !strings.Contains(got, "example_l_bracket.py") || !strings.Contains(got, content) {
		t.Errorf("expected injected bracket example, got: %s", got)
	}

	if got := lib.Relevant(`{"type": "frobnicator"}`); got != "" {
		t.Errorf("expected no injection for unknown type, got: %s", got)
	}

	// Matched but unreadable files degrade to no injection.
	empty := NewExampleLibrary(filepath.Join(dir, "missing"), testLogger())
	if got := empty.Relevant(`{"type": "gear"}`); got != "" {
		t.Errorf("expected no injection when files unreadable, got: %s", got)
	}
}
