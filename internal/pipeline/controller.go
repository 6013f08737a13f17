// Package pipeline orchestrates one job through the bounded
// generate/execute/validate loop and packages the resulting artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/umba/internal/classify"
	"github.com/jkaninda/umba/internal/codegen"
	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/observability"
	"github.com/jkaninda/umba/internal/sandbox"
	"github.com/jkaninda/umba/internal/scratch"
)

// DefaultAttempts is the retry budget per job.
const DefaultAttempts = 3

// Generator produces a ready-to-execute script from a prompt. Implemented
// by codegen.Generator; the indirection exists because providers are
// constructed per request from caller-supplied credentials.
type Generator interface {
	Generate(ctx context.Context, in codegen.Input) (*codegen.Result, error)
}

// Controller drives a job to its terminal outcome. Stateless across jobs;
// all per-job state lives on the stack of Generate/Render.
type Controller struct {
	executor sandbox.Executor
	scratch  *scratch.Manager
	metrics  *observability.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	attempts int
}

// Option configures a Controller.
type Option func(*Controller)

// WithAttempts overrides the retry budget.
func WithAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTracer attaches a tracer. Each job gets one span with per-attempt
// events; without this option spans go to a no-op tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Controller) {
		if t != nil {
			c.tracer = t
		}
	}
}

// NewController creates a Controller.
func NewController(executor sandbox.Executor, scratchMgr *scratch.Manager, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		executor: executor,
		scratch:  scratchMgr,
		tracer:   trace.NewNoopTracerProvider().Tracer(""),
		logger:   logger,
		attempts: DefaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobResult is a successfully produced artifact plus the accounting data
// the gateway surfaces as response headers. The caller owns Scratch and
// must Release it after the artifact has been streamed.
type JobResult struct {
	ArtifactPath string
	Filename     string
	MediaType    string
	Scratch      *scratch.Area

	Spec           string
	Usage          llm.Usage
	SpecDuration   time.Duration
	CodeDuration   time.Duration
	RenderDuration time.Duration
	Retries        int // Attempts consumed beyond the first.
	Mesh           *domain.MeshMetadata
}

// JobError is the terminal error of a failed Generate run. Attempts counts
// how many generation attempts were consumed before the job was abandoned,
// so the accounting survives even when no JobResult exists.
type JobError struct {
	Attempts int
	Err      error
}

func (e *JobError) Error() string { return e.Err.Error() }

func (e *JobError) Unwrap() error { return e.Err }

// Generate runs the full retry loop for a prompt-driven job.
//
// Feedback routing: attempt 0 of an iterative job feeds the previously
// accepted script back to the generator; later attempts feed only the
// classified hint from the immediately preceding failure. Fatal failures
// abort without consuming remaining budget. When the budget runs out, the
// last recoverable failure is surfaced.
func (c *Controller) Generate(ctx context.Context, gen Generator, job *domain.Job, files []llm.Attachment) (result *JobResult, retErr error) {
	ctx, span := observability.StartJobSpan(ctx, c.tracer, observability.JobSpanName, job.ID.String(), string(job.Format))
	defer func() { observability.EndJobSpan(span, retErr) }()

	var lastFailure *domain.Failure
	feedbackMsg := ""

	for attempt := 0; attempt < c.attempts; attempt++ {
		c.logger.Info("generation attempt",
			slog.String("job", job.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.Int("budget", c.attempts),
		)
		if feedbackMsg != "" {
			c.logger.Info("retrying with feedback", slog.String("feedback", feedbackMsg))
		}

		feedback := feedbackMsg
		if attempt == 0 && job.PreviousScript != "" {
			feedback = job.PreviousScript
		}

		genRes, err := gen.Generate(ctx, codegen.Input{
			Prompt:    job.Prompt,
			Files:     files,
			Feedback:  feedback,
			Overrides: job.Overrides,
		})
		if err != nil {
			c.metrics.ObserveAttempt(string(domain.OutcomeFatal))
			observability.RecordAttempt(span, attempt+1, string(domain.OutcomeFatal), string(domain.StageGenerating))
			return nil, &JobError{Attempts: attempt + 1, Err: err}
		}
		c.metrics.ObserveLLMUsage(genRes.Usage.InputTokens, genRes.Usage.OutputTokens)

		res, err := c.render(ctx, genRes.Script, job.Format)
		if err == nil {
			c.metrics.ObserveAttempt(string(domain.OutcomeSuccess))
			observability.RecordAttempt(span, attempt+1, string(domain.OutcomeSuccess), "")
			res.Spec = genRes.Spec
			res.Usage = genRes.Usage
			res.SpecDuration = genRes.SpecDuration
			res.CodeDuration = genRes.CodeDuration
			res.Retries = attempt
			return res, nil
		}

		var failure *domain.Failure
		if !errors.As(err, &failure) || failure.Outcome != domain.OutcomeRecoverable {
			c.metrics.ObserveAttempt(string(domain.OutcomeFatal))
			stage := ""
			if failure != nil {
				stage = string(failure.Stage)
			}
			observability.RecordAttempt(span, attempt+1, string(domain.OutcomeFatal), stage)
			return nil, &JobError{Attempts: attempt + 1, Err: err}
		}
		c.metrics.ObserveAttempt(string(domain.OutcomeRecoverable))
		observability.RecordAttempt(span, attempt+1, string(domain.OutcomeRecoverable), string(failure.Stage))
		lastFailure = failure
		c.logger.Warn("attempt failed",
			slog.String("job", job.ID.String()),
			slog.Int("attempt", attempt+1),
			slog.String("stage", string(failure.Stage)),
			slog.String("reason", failure.Reason),
		)

		if attempt < c.attempts-1 {
			hint := classify.Classify(failure.Reason)
			feedbackMsg = hint.Message
			c.logger.Info("classified failure",
				slog.String("category", string(hint.Category)),
			)
		}
	}

	return nil, &JobError{
		Attempts: c.attempts,
		Err:      fmt.Errorf("generation failed after %d attempts: %w", c.attempts, lastFailure),
	}
}

// Render executes a caller-supplied script once, with no retry. Used when
// parametric constraints change and the script already exists. The script
// goes through the same security filter as generated code.
func (c *Controller) Render(ctx context.Context, script string, format domain.OutputFormat) (result *JobResult, retErr error) {
	ctx, span := observability.StartJobSpan(ctx, c.tracer, observability.RenderSpanName, "", string(format))
	defer func() { observability.EndJobSpan(span, retErr) }()

	if err := codegen.CheckScript(script); err != nil {
		return nil, err
	}
	return c.render(ctx, script, format)
}
