// Package httpapi implements the HTTP gateway for Umba.
//
// Security:
//   - Per-credential rate limiting via token bucket
//   - Request body size limits on multipart uploads
//   - Generated and client-supplied scripts pass the security filter
//     before execution; callers never reach the sandbox directly
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/umba/internal/codegen"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/observability"
	"github.com/jkaninda/umba/internal/pipeline"
	"github.com/jkaninda/umba/internal/ratelimit"
	"github.com/jkaninda/umba/internal/storage"
)

const defaultMaxMultipartMemory = 32 << 20

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP gateway.
type Config struct {
	ListenAddr         string // e.g., ":8080"
	EnableDocs         bool
	MaxMultipartMemory int64    // Multipart parse buffer in bytes. 0 = 32 MB default.
	AllowedOrigins     []string // CORS. Empty = allow any origin.

	// Observability
	MetricsRegistry *prometheus.Registry   // Custom Prometheus registry for /metrics.
	MetricsPath     string                 // Path for metrics endpoint. Default: "/metrics".
	Metrics         *observability.Metrics // Metrics for HTTP middleware and job accounting.
	Tracer          trace.Tracer           // OTel tracer for HTTP middleware.
}

// ProviderFactory builds an LLM provider from a client-supplied credential.
// The gateway never holds credentials itself; each request carries its own.
type ProviderFactory func(apiKey string) llm.Provider

// Gateway is the HTTP gateway in front of the generation pipeline.
type Gateway struct {
	config     Config
	controller *pipeline.Controller
	providers  ProviderFactory
	examples   *codegen.ExampleLibrary
	history    *storage.History // nil = job history disabled.
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	server     *http.Server
	okapi      *okapi.Okapi
}

// NewGateway creates the HTTP gateway.
func NewGateway(
	cfg Config,
	controller *pipeline.Controller,
	providers ProviderFactory,
	examples *codegen.ExampleLibrary,
	history *storage.History,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Gateway {
	if cfg.MaxMultipartMemory <= 0 {
		cfg.MaxMultipartMemory = defaultMaxMultipartMemory
	}
	return &Gateway{
		config:     cfg,
		controller: controller,
		providers:  providers,
		examples:   examples,
		history:    history,
		limiter:    limiter,
		logger:     logger,
		okapi:      okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxMultipartMemory)),
	}
}

// WithOpenAPIDocs mounts the generated API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Umba",
			Version: "v0.0.1",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// CORS first so preflights short-circuit before metrics.
	g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
		return corsMiddleware(g.config.AllowedOrigins, next)
	})
	if g.config.Metrics != nil || g.config.Tracer != nil {
		g.okapi.UseMiddleware(func(next http.Handler) http.Handler {
			return observability.HTTPMetricsMiddleware(g.config.Metrics, g.config.Tracer, next)
		})
	}

	// Liveness probes. GET / mirrors the service banner load balancers poll.
	g.okapi.Get("/", g.handleHealth)
	g.okapi.Get("/healthz", g.handleHealth)

	// Recent job outcomes, newest first.
	g.okapi.Get("/history", g.handleHistory,
		okapi.DocSummary("List recent job outcomes"),
		okapi.DocTags("History"),
		okapi.DocResponse([]JobHistoryEntry{}),
	)

	// Generation endpoints stream file artifacts with metadata headers, so
	// they are mounted as plain handlers rather than JSON routes.
	g.okapi.HandleStd(http.MethodPost, "/generate", g.handleGenerate)
	g.okapi.HandleStd(http.MethodPost, "/render", g.handleRender)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd(http.MethodGet, path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	// WriteTimeout is generous: a generation job holds the connection
	// through up to three sandbox executions before streaming the artifact.
	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for the health endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok", Service: "umba"})
}

// JobHistoryEntry is one terminal job outcome in GET /history.
type JobHistoryEntry struct {
	ID         string `json:"id"`
	Format     string `json:"format"`
	Prompt     string `json:"prompt,omitempty"`
	Outcome    string `json:"outcome"`
	Attempts   int    `json:"attempts"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	CreatedAt  string `json:"created_at"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	if g.history == nil {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "job history is disabled"})
	}

	limit, _ := strconv.Atoi(c.Request().URL.Query().Get("limit"))
	records, err := g.history.Recent(c.Context(), limit)
	if err != nil {
		g.logger.Error("listing job history failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("listing job history failed")
	}

	entries := make([]JobHistoryEntry, len(records))
	for i, rec := range records {
		entries[i] = JobHistoryEntry{
			ID:         rec.ID.String(),
			Format:     string(rec.Format),
			Prompt:     rec.Prompt,
			Outcome:    string(rec.Outcome),
			Attempts:   rec.Attempts,
			Detail:     rec.Detail,
			DurationMS: rec.DurationMS,
			CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return c.OK(entries)
}
