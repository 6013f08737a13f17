package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jkaninda/umba/internal/codegen"
	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/pipeline"
	"github.com/jkaninda/umba/internal/ratelimit"
)

// exposedHeaders are the metadata headers browsers may read cross-origin.
var exposedHeaders = strings.Join([]string{
	"X-Render-Duration",
	"X-Retry-Count",
	"X-Extracted-Constraints",
	"X-Mesh-Volume",
	"X-Mesh-BBox",
	"X-Duration-Spec",
	"X-Duration-Code",
	"X-Input-Tokens",
	"X-Output-Tokens",
}, ", ")

// handleGenerate serves POST /generate: multipart form in, model file out.
//
// Form fields: prompt (required), gemini_api_key (required), format,
// previous_code, constraints (JSON object), files (repeatable uploads).
func (g *Gateway) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(g.config.MaxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	prompt := r.FormValue("prompt")
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	apiKey := r.FormValue("gemini_api_key")
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "gemini_api_key is required in request body")
		return
	}
	format, err := domain.ParseFormat(r.FormValue("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if g.limiter != nil {
		if err := g.limiter.Allow(apiKey); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			writeError(w, http.StatusInternalServerError, "admission check failed")
			return
		}
	}

	job := domain.NewJob(format, prompt)
	job.PreviousScript = r.FormValue("previous_code")
	if raw := r.FormValue("constraints"); raw != "" {
		var overrides map[string]any
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			g.logger.Warn("ignoring invalid constraints JSON", slog.String("error", err.Error()))
		} else {
			job.Overrides = overrides
		}
	}

	files, err := readAttachments(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gen := codegen.NewGenerator(g.providers(apiKey), g.examples, g.logger)

	res, err := g.controller.Generate(r.Context(), gen, job, files)
	if err != nil {
		g.recordJob(r, job, nil, err)
		g.jobError(w, err)
		return
	}
	defer res.Scratch.Release()
	g.recordJob(r, job, res, nil)

	h := w.Header()
	h.Set("X-Input-Tokens", strconv.Itoa(res.Usage.InputTokens))
	h.Set("X-Output-Tokens", strconv.Itoa(res.Usage.OutputTokens))
	h.Set("X-Extracted-Constraints", compactJSON(res.Spec))
	h.Set("X-Duration-Spec", formatSeconds(res.SpecDuration))
	h.Set("X-Duration-Code", formatSeconds(res.CodeDuration))
	if res.Retries >= 1 {
		h.Set("X-Retry-Count", strconv.Itoa(res.Retries))
	}
	setMeshHeaders(h, res)

	g.streamArtifact(w, r, res)
}

// RenderRequest is the JSON body for POST /render.
type RenderRequest struct {
	ScadCode     string `json:"scad_code"`
	Format       string `json:"format,omitempty"`
	GeminiAPIKey string `json:"gemini_api_key,omitempty"` // Accepted for API symmetry, unused.
}

// handleRender serves POST /render: an existing script is executed once,
// with no model calls and no retry. Used when parametric constraints
// change and the script already exists.
func (g *Gateway) handleRender(w http.ResponseWriter, r *http.Request) {
	var req RenderRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, g.config.MaxMultipartMemory))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ScadCode == "" {
		writeError(w, http.StatusBadRequest, "scad_code is required")
		return
	}
	format, err := domain.ParseFormat(req.Format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.controller.Render(r.Context(), req.ScadCode, format)
	if err != nil {
		g.jobError(w, err)
		return
	}
	defer res.Scratch.Release()

	g.streamArtifact(w, r, res)
}

// streamArtifact writes the artifact file to the response with its
// download headers. The render duration header is set on every artifact
// response, generated or re-rendered.
func (g *Gateway) streamArtifact(w http.ResponseWriter, r *http.Request, res *pipeline.JobResult) {
	f, err := os.Open(res.ArtifactPath)
	if err != nil {
		g.logger.Error("opening artifact failed",
			slog.String("path", res.ArtifactPath),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("X-Render-Duration", formatSeconds(res.RenderDuration))
	h.Set("Content-Type", res.MediaType)
	h.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
	if info, err := f.Stat(); err == nil {
		h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, f); err != nil {
		// Headers are gone; all we can do is log the broken stream.
		g.logger.Warn("streaming artifact interrupted",
			slog.String("path", res.ArtifactPath),
			slog.String("error", err.Error()),
		)
	}
}

// setMeshHeaders attaches derived mesh facts for client-side sanity checks.
func setMeshHeaders(h http.Header, res *pipeline.JobResult) {
	if res.Mesh == nil {
		return
	}
	volume := math.Round(res.Mesh.Volume*100) / 100
	h.Set("X-Mesh-Volume", strconv.FormatFloat(volume, 'f', -1, 64))
	if bbox, err := json.Marshal(res.Mesh.BBox); err == nil {
		h.Set("X-Mesh-BBox", string(bbox))
	}
}

// jobError maps pipeline errors onto HTTP status codes. Recoverable
// failures and an exhausted retry budget (which wraps the last recoverable
// failure) are the client's geometry problem and map to 400 with the full
// diagnostic, as do fatal failures while generating or validating. A fatal
// failure in the sandbox or the packager is a server fault: the client's
// prompt was fine and the infrastructure broke, so those map to 500.
func (g *Gateway) jobError(w http.ResponseWriter, err error) {
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		g.logger.Error("job failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if failure.Outcome == domain.OutcomeFatal &&
		(failure.Stage == domain.StageExecuting || failure.Stage == domain.StagePackaging) {
		g.logger.Error("job failed",
			slog.String("stage", string(failure.Stage)),
			slog.String("reason", failure.Reason),
		)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

// recordJob appends the terminal outcome to history and the job metrics.
// res and err are mutually exclusive.
func (g *Gateway) recordJob(r *http.Request, job *domain.Job, res *pipeline.JobResult, err error) {
	rec := &domain.JobRecord{
		ID:         job.ID,
		Format:     job.Format,
		Prompt:     job.Prompt,
		Outcome:    domain.OutcomeSuccess,
		Attempts:   1,
		DurationMS: time.Since(job.CreatedAt).Milliseconds(),
		CreatedAt:  job.CreatedAt,
	}
	if res != nil {
		rec.Attempts = res.Retries + 1
	}
	if err != nil {
		rec.Outcome = domain.OutcomeFatal
		rec.Detail = err.Error()
		var jobErr *pipeline.JobError
		if errors.As(err, &jobErr) {
			rec.Attempts = jobErr.Attempts
		}
		var failure *domain.Failure
		if errors.As(err, &failure) {
			rec.Outcome = failure.Outcome
		}
	}

	g.config.Metrics.ObserveJob(string(rec.Outcome), string(rec.Format), time.Since(job.CreatedAt))
	g.history.Append(r.Context(), rec)
}

// readAttachments collects uploaded reference files (e.g. PDF spec
// sheets) into inline attachments for the model.
func readAttachments(r *http.Request) ([]llm.Attachment, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	var files []llm.Attachment
	for _, header := range r.MultipartForm.File["files"] {
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("reading upload %q", header.Filename)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading upload %q", header.Filename)
		}
		mime := header.Header.Get("Content-Type")
		if mime == "" {
			mime = "application/octet-stream"
		}
		files = append(files, llm.Attachment{MIMEType: mime, Data: data})
	}
	return files, nil
}

// compactJSON flattens an indented JSON document onto one line so it can
// travel in a header. Non-JSON input degrades to newline stripping.
func compactJSON(s string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return strings.ReplaceAll(s, "\n", " ")
	}
	return buf.String()
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.4f", d.Seconds())
}

func writeError(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: detail})
}

// corsMiddleware answers preflights and stamps CORS headers so browser
// clients can read the metadata headers on artifact responses.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			grant := origin
			if len(allowed) > 0 {
				if _, ok := allowed[origin]; !ok {
					grant = ""
				}
			}
			if grant != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", grant)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				h.Set("Access-Control-Expose-Headers", exposedHeaders)
				h.Add("Vary", "Origin")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
