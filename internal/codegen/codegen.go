// Package codegen turns a natural-language part description into an
// executable modeling script via a two-stage LLM pipeline: first extract a
// structured geometry spec, then generate code against the feature library
// with few-shot examples matched to the part type. The two stages reduce
// hallucination compared to single-stage generation.
package codegen

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/sandbox"
)

// Generator runs the two-stage prompt-to-script pipeline. It is stateless
// across calls; retry feedback arrives through Input.
type Generator struct {
	provider llm.Provider
	examples *ExampleLibrary
	logger   *slog.Logger
}

// NewGenerator creates a Generator backed by the given provider.
func NewGenerator(provider llm.Provider, examples *ExampleLibrary, logger *slog.Logger) *Generator {
	return &Generator{provider: provider, examples: examples, logger: logger}
}

// Input is one generation request.
type Input struct {
	Prompt    string
	Files     []llm.Attachment // Reference material (e.g. a PDF spec sheet).
	Feedback  string           // Classified failure hint from the previous attempt.
	Overrides map[string]any   // Parametric constraints merged into the extracted spec.
}

// Result is a ready-to-execute script plus the intermediate spec and
// accounting data surfaced in response headers.
type Result struct {
	Script       string
	Spec         string // Extracted spec as indented JSON.
	Usage        llm.Usage
	SpecDuration time.Duration
	CodeDuration time.Duration
}

// Generate runs both stages. Stage 1 never fails the job: a malformed or
// unreachable extraction degrades to a minimal fallback spec. Stage 2
// errors are fatal, including the security filter.
func (g *Generator) Generate(ctx context.Context, in Input) (*Result, error) {
	t0 := time.Now()
	spec, specUsage := g.extractSpec(ctx, in.Prompt, in.Files)
	specDur := time.Since(t0)

	if len(in.Overrides) > 0 {
		spec = mergeOverrides(spec, in.Overrides)
	}

	t1 := time.Now()
	script, codeUsage, err := g.generateCode(ctx, spec, in.Feedback)
	codeDur := time.Since(t1)
	if err != nil {
		return nil, err
	}

	return &Result{
		Script:       script,
		Spec:         spec,
		Usage:        specUsage.Add(codeUsage),
		SpecDuration: specDur,
		CodeDuration: codeDur,
	}, nil
}

// extractSpec asks the model to parse the prompt into structured JSON.
// Any failure degrades to a fallback spec so stage 2 still runs.
func (g *Generator) extractSpec(ctx context.Context, prompt string, files []llm.Attachment) (string, llm.Usage) {
	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: extractorSystemPrompt,
		Messages: []llm.Message{{
			Role:        llm.RoleUser,
			Content:     prompt,
			Attachments: files,
		}},
	})
	if err != nil {
		g.logger.Error("Spec extraction failed", "error", err)
		return fallbackSpec("spec extraction failed: "+err.Error(), 200), llm.Usage{}
	}

	text := extractFence(resp.Content, "json")
	var parsed map[string]any
	if jsonErr := json.Unmarshal([]byte(text), &parsed); jsonErr != nil {
		g.logger.Error("Failed to parse spec JSON", "error", jsonErr)
		return fallbackSpec("could not parse prompt: "+jsonErr.Error(), 100), resp.Usage
	}

	g.resolveAmbiguousPositions(parsed)
	indented, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return fallbackSpec("could not re-encode spec: "+err.Error(), 100), resp.Usage
	}
	return string(indented), resp.Usage
}

// resolveAmbiguousPositions replaces relational position descriptions
// ("adjacent", "next to") with the origin so generated code never receives
// an undefined placement.
func (g *Generator) resolveAmbiguousPositions(parsed map[string]any) {
	features, ok := parsed["features"].([]any)
	if !ok {
		return
	}
	for _, f := range features {
		feature, ok := f.(map[string]any)
		if !ok {
			continue
		}
		pos, ok := feature["position"].(string)
		if !ok {
			continue
		}
		lower := strings.ToLower(pos)
		for _, word := range []string{"adjacent", "next to", "beside", "near"} {
			if strings.Contains(lower, word) {
				g.logger.Warn("Ambiguous position found, setting to origin", "position", pos)
				feature["position"] = map[string]any{"x": 0, "y": 0, "z": 0}
				break
			}
		}
	}
}

// generateCode asks the model for the modeling function, extracts it from
// the markdown fence, screens it, and wraps it in the runner scaffold.
func (g *Generator) generateCode(ctx context.Context, spec, feedback string) (string, llm.Usage, error) {
	system := "You are an Expert FreeCAD Code Generator.\n" +
		utilsQuickRef + "\n" + fewShotExamples + g.examples.Relevant(spec) + generatorRules

	userMsg := "Generate FreeCAD code for this specification:\n\n" + spec
	if feedback != "" {
		userMsg += "\n\nPREVIOUS ATTEMPT FAILED:\n" + feedback + "\n\nFix the issue!"
	}

	resp, err := g.provider.SendMessage(ctx, &llm.Request{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: userMsg}},
	})
	if err != nil {
		return "", llm.Usage{}, domain.FatalFailure(domain.StageGenerating, "code generation: %v", err)
	}

	g.logger.Info("Raw generation response", "head", head(resp.Content, 300))
	text := extractFence(resp.Content, "python")

	if !strings.Contains(text, "def generate_model") {
		g.logger.Warn("Missing function definition, wrapping code")
		text = "def generate_model(utils, step_path, stl_path):\n    from FreeCAD import Base\n    " +
			strings.ReplaceAll(text, "\n", "\n    ")
	}

	if err := CheckScript(text); err != nil {
		return "", resp.Usage, err
	}

	return wrapScript(text), resp.Usage, nil
}

// wrapScript embeds the generated function in the script the sandbox
// actually runs. Output paths come from the environment the executor sets.
func wrapScript(body string) string {
	return fmt.Sprintf(`import os, sys
sys.path.append('%s')
from freecad_utils import PartUtils
import FreeCAD
from FreeCAD import Base

%s

if __name__ == '__main__':
    utils = PartUtils()
    generate_model(utils,
                   os.environ.get('%s', 'output.step'),
                   os.environ.get('%s', 'output.stl'))
`, sandbox.LibraryMount, strings.TrimSpace(body), sandbox.StepOutputEnv, sandbox.MeshOutputEnv)
}

// extractFence returns the body of the first ```lang fence, falling back
// to the first anonymous fence, falling back to the whole text.
func extractFence(text, lang string) string {
	if body, ok := between(text, "```"+lang); ok {
		return body
	}
	if body, ok := between(text, "```"); ok {
		return body
	}
	return text
}

func between(text, marker string) (string, bool) {
	i := strings.Index(text, marker)
	if i < 0 {
		return "", false
	}
	rest := text[i+len(marker):]
	if j := strings.Index(rest, "```"); j >= 0 {
		return rest[:j], true
	}
	return rest, true
}

// mergeOverrides folds client-supplied parametric constraints into the
// spec's constraints block, client values winning on conflict. A spec that
// does not parse is returned unchanged.
func mergeOverrides(spec string, overrides map[string]any) string {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(spec), &parsed); err != nil {
		return spec
	}
	constraints, _ := parsed["constraints"].(map[string]any)
	if constraints == nil {
		constraints = make(map[string]any)
	}
	for k, v := range overrides {
		constraints[k] = v
	}
	parsed["constraints"] = constraints
	out, err := json.MarshalIndent(parsed, "", "  ")
	if err != nil {
		return spec
	}
	return string(out)
}

// fallbackSpec is the minimal valid spec returned when extraction cannot
// produce one. Keeps the pipeline moving instead of failing the request.
func fallbackSpec(reason string, maxReason int) string {
	if len(reason) > maxReason {
		reason = reason[:maxReason]
	}
	b, _ := json.Marshal(map[string]any{
		"type":       "custom",
		"dimensions": map[string]any{},
		"features":   []any{},
		"error":      reason,
	})
	return string(b)
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
