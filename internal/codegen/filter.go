package codegen

import (
	"strings"

	"github.com/jkaninda/umba/internal/domain"
)

// blockedPatterns are substrings that must never appear in a generated
// script. The sandbox already drops network and privileges; this check runs
// before code reaches the container and is fatal, never retried.
var blockedPatterns = []string{
	"subprocess",
	"os.system",
	"eval(",
	"exec(",
	"__import__",
	"os.popen",
}

// CheckScript scans a script for blocked patterns. Matching is exact
// substring search over the raw text, comments and strings included.
func CheckScript(script string) error {
	for _, pattern := range blockedPatterns {
		if strings.Contains(script, pattern) {
			return domain.FatalFailure(domain.StageGenerating, "security: blocked pattern %q", pattern)
		}
	}
	return nil
}
