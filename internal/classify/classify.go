// Package classify maps opaque geometry diagnostics onto a fixed set of
// actionable feedback categories. This is the only place where knowledge
// about common recoverable modeling defects lives; the retry controller
// consumes the result without inspecting diagnostic text itself.
package classify

import "strings"

// Category identifies a class of recoverable geometry defect.
type Category string

const (
	CategoryDraftOrder      Category = "draft_order"      // Draft applied after fillets.
	CategoryNullBoolean     Category = "null_boolean"     // Boolean produced a null shape.
	CategoryNonIntersecting Category = "non_intersecting" // Fusion operands do not overlap.
	CategoryFilletRadius    Category = "fillet_radius"    // Requested radius exceeds the safe maximum.
	CategoryNonManifold     Category = "non_manifold"     // Mesh is not watertight.
	CategoryEmptyResult     Category = "empty_result"     // No geometry was constructed.
	CategoryFilletFailed    Category = "fillet_failed"    // Fillet kernel call failed outright.
	CategoryUnknown         Category = "unknown"          // No rule matched.
)

// Hint is the classified feedback handed to the code generation service.
type Hint struct {
	Category Category
	Message  string // Directive correction text.
}

// maxExcerpt bounds the raw diagnostic excerpt in the fallback hint.
const maxExcerpt = 300

// rule pairs a predicate over the normalized diagnostic line with a category
// and its fixed hint text. Rules are evaluated top to bottom, first match
// wins. Order matters: several patterns are substrings of each other
// ("fillet ... too large" must be tested before the bare "makefillet").
type rule struct {
	match    func(s string) bool
	category Category
	hint     string
}

func contains(sub string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, sub) }
}

func containsAll(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if !strings.Contains(s, sub) {
				return false
			}
		}
		return true
	}
}

func anyOf(preds ...func(string) bool) func(string) bool {
	return func(s string) bool {
		for _, p := range preds {
			if p(s) {
				return true
			}
		}
		return false
	}
}

// rules is read-only after init and safe for unsynchronized concurrent reads.
var rules = []rule{
	{
		match:    anyOf(contains("apply_draft failed"), containsAll("draft", "before")),
		category: CategoryDraftOrder,
		hint:     "DRAFT FAILED: apply draft BEFORE any fillets. Reorder operations: box, draft, fillet, shell.",
	},
	{
		match:    contains("null shape"),
		category: CategoryNullBoolean,
		hint:     "NULL SHAPE: a boolean operation produced nothing. Ensure the operands overlap and have valid geometry.",
	},
	{
		match:    contains("fuse_objects failed"),
		category: CategoryNonIntersecting,
		hint:     "FUSION FAILED: the objects do not intersect. Move them closer (overlap by at least 0.1mm) or check dimensions.",
	},
	{
		match:    containsAll("fillet", "too large"),
		category: CategoryFilletRadius,
		hint:     "FILLET ERROR: the radius exceeds half the shortest adjacent edge. Reduce the fillet radius.",
	},
	{
		match:    contains("not watertight"),
		category: CategoryNonManifold,
		hint:     "NON-MANIFOLD: the mesh has holes. Check that boolean operations produced a single closed solid.",
	},
	{
		match:    contains("empty"),
		category: CategoryEmptyResult,
		hint:     "EMPTY RESULT: no geometry was created. Verify the script actually constructs shapes.",
	},
	{
		match:    contains("makefillet"),
		category: CategoryFilletFailed,
		hint:     "FILLET FAILED: the radius may be too large for the edge length, or edge selection returned nothing.",
	},
}

// Classify maps raw diagnostic text to a correction hint. It is a pure
// function: identical input always yields the identical category, and the
// first matching rule wins.
func Classify(diagnostic string) Hint {
	line := errorLine(diagnostic)
	s := strings.ToLower(line)

	for _, r := range rules {
		if r.match(s) {
			return Hint{Category: r.category, Message: r.hint}
		}
	}

	excerpt := strings.TrimSpace(diagnostic)
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt]
	}
	return Hint{Category: CategoryUnknown, Message: "ERROR: " + excerpt}
}

// errorLine picks the most informative line from a multi-line diagnostic:
// the last line raised with "ValueError:" if present, otherwise the final line.
func errorLine(diagnostic string) string {
	lines := strings.Split(strings.TrimSpace(diagnostic), "\n")
	picked := lines[len(lines)-1]
	for _, l := range lines {
		if strings.Contains(l, "ValueError:") {
			picked = l
		}
	}
	return picked
}
