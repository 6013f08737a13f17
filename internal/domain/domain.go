// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutputFormat is the artifact format a client can request.
type OutputFormat string

const (
	FormatSTL  OutputFormat = "stl"  // Tessellated mesh.
	FormatSTEP OutputFormat = "step" // Precise B-Rep solid.
	FormatZIP  OutputFormat = "zip"  // Archive with both plus the generating script.
)

// ParseFormat validates a client-supplied format string.
// Empty input defaults to STL.
func ParseFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "stl":
		return FormatSTL, nil
	case "step":
		return FormatSTEP, nil
	case "zip":
		return FormatZIP, nil
	default:
		return "", fmt.Errorf("unsupported format %q (want stl, step, or zip)", s)
	}
}

// Job is one user-facing generation or render request. It lives for the
// duration of the retry loop and is discarded after the response is sent;
// only its terminal outcome may be appended to the history store.
type Job struct {
	ID             uuid.UUID
	Format         OutputFormat
	Prompt         string         // Empty for pure render jobs.
	PreviousScript string         // Prior accepted script for iterative edits. Empty = fresh generation.
	Overrides      map[string]any // Parametric overrides merged into the extracted spec's constraints.
	CreatedAt      time.Time
}

// NewJob creates a Job with a fresh identifier.
func NewJob(format OutputFormat, prompt string) *Job {
	return &Job{
		ID:        uuid.New(),
		Format:    format,
		Prompt:    prompt,
		CreatedAt: time.Now(),
	}
}

// IsRender reports whether the job skips code generation entirely.
func (j *Job) IsRender() bool { return j.Prompt == "" }

// Outcome tags the result of an attempt or a whole job.
// Replaces exception-based control flow: every component returns an
// explicit tag instead of relying on error type hierarchies.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRecoverable Outcome = "recoverable" // Fixable by regenerating with feedback.
	OutcomeFatal       Outcome = "fatal"       // Terminates the job regardless of remaining budget.
)

// Attempt is one generation→execution→validation cycle within a Job.
// Owned exclusively by its Job; attempt ordinals strictly increase and
// at most one attempt is in flight per job.
type Attempt struct {
	Index    int     // 0-based ordinal.
	Script   string  // Script text executed in the sandbox.
	Feedback string  // Classified hint fed into generation. Empty on attempt 0.
	Outcome  Outcome // Terminal state of this attempt.
}

// Stage names the pipeline stage where a failure occurred.
type Stage string

const (
	StageGenerating Stage = "generating"
	StageExecuting  Stage = "executing"
	StageValidating Stage = "validating"
	StagePackaging  Stage = "packaging"
)

// Failure is the typed error for everything that can go wrong inside the
// retry loop. The Outcome tag decides routing: recoverable failures are
// classified and fed back into the next attempt, fatal failures abort the
// job immediately without consuming remaining budget.
type Failure struct {
	Outcome Outcome // OutcomeRecoverable or OutcomeFatal.
	Stage   Stage
	Reason  string // Raw diagnostic text (sandbox stderr, validator message).
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failure at %s: %s", f.Outcome, f.Stage, f.Reason)
}

// RecoverableFailure creates a geometry failure eligible for retry with feedback.
func RecoverableFailure(stage Stage, format string, args ...any) *Failure {
	return &Failure{Outcome: OutcomeRecoverable, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// FatalFailure creates a failure that terminates the job immediately.
func FatalFailure(stage Stage, format string, args ...any) *Failure {
	return &Failure{Outcome: OutcomeFatal, Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// MeshMetadata carries derived read-only facts about a validated mesh,
// attached to the response for client-side sanity checking. Never persisted.
type MeshMetadata struct {
	Volume float64       `json:"volume"`
	BBox   [2][3]float64 `json:"bbox"` // [[min x,y,z], [max x,y,z]]
}

// JobRecord is the terminal outcome of a Job as appended to the history
// store. Append-only: nothing inside the retry loop ever reads it back.
type JobRecord struct {
	ID         uuid.UUID
	Format     OutputFormat
	Prompt     string
	Outcome    Outcome
	Attempts   int    // Number of attempts consumed.
	Detail     string // Failure reason on non-success.
	DurationMS int64
	CreatedAt  time.Time
}
