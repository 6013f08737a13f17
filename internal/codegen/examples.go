package codegen

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// specTypeExamples maps part-type keywords found in an extracted spec to
// example scripts under the examples directory. Matching examples are
// injected into the stage 2 system prompt so the model imitates a working
// pattern instead of improvising one.
var specTypeExamples = map[string][]string{
	// Enclosures and housings
	"enclosure": {"example_enclosure.py"},
	"housing":   {"example_enclosure.py"},
	"case":      {"example_enclosure.py"},
	"box":       {"example_enclosure.py", "example_custom_block.py"},

	// Brackets
	"bracket":   {"example_l_bracket.py", "example_u_bracket.py", "example_flat_bracket.py"},
	"l-bracket": {"example_l_bracket.py"},
	"u-bracket": {"example_u_bracket.py"},
	"angle":     {"example_l_bracket.py"},

	// Flanges
	"flange": {"example_pipe_flange.py", "example_mounting_flange.py"},
	"pipe":   {"example_pipe_flange.py", "example_tube.py"},

	// Gears and pulleys
	"gear":     {"example_spur_gear.py"},
	"pulley":   {"example_pulley.py"},
	"sprocket": {"example_spur_gear.py"},

	// Shafts and rotating parts
	"shaft":   {"example_shaft.py"},
	"bushing": {"example_bushing.py"},
	"bearing": {"example_bushing.py"},
	"knob":    {"example_knob.py"},

	// Structural
	"boss":     {"example_boss.py", "example_standoff.py"},
	"standoff": {"example_standoff.py"},
	"rib":      {"example_rib.py"},
	"gusset":   {"example_gusset.py"},

	// Holes and features
	"counterbore": {"example_counterbore.py", "example_custom_block.py"},
	"countersink": {"example_countersink.py"},
	"slot":        {"example_slot.py"},
	"pocket":      {"example_pocket.py", "example_custom_block.py"},

	// Primitives
	"tube":  {"example_tube.py"},
	"cone":  {"example_cone.py"},
	"torus": {"example_torus.py"},
	"wedge": {"example_wedge.py"},
}

const maxInjectedExamples = 3

// ExampleLibrary loads part-type-specific example scripts from disk for
// prompt injection. A missing directory degrades to no injection.
type ExampleLibrary struct {
	dir    string
	logger *slog.Logger
}

// NewExampleLibrary creates a library rooted at dir.
func NewExampleLibrary(dir string, logger *slog.Logger) *ExampleLibrary {
	return &ExampleLibrary{dir: dir, logger: logger}
}

// Relevant returns a prompt section with up to maxInjectedExamples example
// scripts whose keywords appear in spec. Returns "" when nothing matches or
// no matched file can be read.
func (l *ExampleLibrary) Relevant(spec string) string {
	specLower := strings.ToLower(spec)
	matched := make(map[string]struct{})
	for keyword, files := range specTypeExamples {
		if strings.Contains(specLower, keyword) {
			for _, f := range files {
				matched[f] = struct{}{}
			}
		}
	}
	if len(matched) == 0 {
		l.logger.Info("No type-specific examples matched, using defaults")
		return ""
	}

	// Stable ordering so identical specs produce identical prompts.
	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > maxInjectedExamples {
		names = names[:maxInjectedExamples]
	}

	var sb strings.Builder
	sb.WriteString("\n## RELEVANT EXAMPLES FOR YOUR SPEC:\n")
	loaded := 0
	for _, name := range names {
		content, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			l.logger.Warn("Could not load example", "file", name, "error", err)
			continue
		}
		fmt.Fprintf(&sb, "\n### %s\n```python\n%s\n```\n", name, content)
		loaded++
		l.logger.Info("Loaded example", "file", name)
	}
	if loaded == 0 {
		return ""
	}
	l.logger.Info("Injected type-specific examples", "count", loaded)
	return sb.String()
}
