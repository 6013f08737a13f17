// Package config handles loading and validating Umba configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Umba. Loaded once at startup and
// passed explicitly; nothing reads configuration after construction.
type Config struct {
	Server        ServerConfig         `json:"server" yaml:"server"`
	Model         ModelConfig          `json:"model" yaml:"model"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Scratch       ScratchConfig        `json:"scratch" yaml:"scratch"`
	Pipeline      PipelineConfig       `json:"pipeline" yaml:"pipeline"`
	RateLimit     *RateLimitConfig     `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`       // nil = admission limiting disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = job history disabled
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Addr                 string   `json:"addr" yaml:"addr"`                                       // Default: ":8080".
	MaxMultipartMemoryMB int      `json:"max_multipart_memory_mb" yaml:"max_multipart_memory_mb"` // Default: 32.
	AllowedOrigins       []string `json:"allowed_origins" yaml:"allowed_origins"`                 // CORS. Empty = "*".
}

// ListenAddr returns the bind address with a default of ":8080".
func (s *ServerConfig) ListenAddr() string {
	if s.Addr != "" {
		return s.Addr
	}
	return ":8080"
}

// MaxMultipartMemory returns the multipart parse buffer size in bytes.
func (s *ServerConfig) MaxMultipartMemory() int64 {
	if s.MaxMultipartMemoryMB > 0 {
		return int64(s.MaxMultipartMemoryMB) << 20
	}
	return 32 << 20
}

// ModelConfig selects the code generation model. API keys are supplied
// per request by clients, never configured server-side.
type ModelConfig struct {
	Name    string `json:"name" yaml:"name"`         // Default: "gemini-3-flash-preview". Override: GEMINI_MODEL.
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional endpoint override for proxies.
}

// ModelName returns the configured model with its default.
func (m *ModelConfig) ModelName() string {
	if m.Name != "" {
		return m.Name
	}
	return "gemini-3-flash-preview"
}

// SandboxConfig configures script execution isolation.
type SandboxConfig struct {
	Type                string  `json:"type" yaml:"type"`                                   // "docker" (default) or "process".
	MaxMemoryMB         int     `json:"max_memory_mb" yaml:"max_memory_mb"`                 // Default: 2048.
	MaxExecutionSeconds int     `json:"max_execution_seconds" yaml:"max_execution_seconds"` // Default: 30.
	MaxCPUCores         float64 `json:"max_cpu_cores" yaml:"max_cpu_cores"`                 // Default: 2.0.
	PIDsLimit           int     `json:"pids_limit" yaml:"pids_limit"`                       // Default: 64.
	Image               string  `json:"image" yaml:"image"`                                 // Runner image. Override: DOCKER_RUNNER_IMAGE.
	LibraryPath         string  `json:"library_path" yaml:"library_path"`                   // Feature library dir mounted read-only. Default: "lib".
	Interpreter         string  `json:"interpreter" yaml:"interpreter"`                     // Process mode only. Default: "python3".
}

// SandboxType returns the configured isolation backend, defaulting to docker.
func (s *SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "docker"
}

// Timeout returns the per-execution wall-clock ceiling.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.MaxExecutionSeconds > 0 {
		return time.Duration(s.MaxExecutionSeconds) * time.Second
	}
	return 30 * time.Second
}

// ScratchConfig configures per-attempt scratch directories.
type ScratchConfig struct {
	Root            string `json:"root" yaml:"root"`                         // Default: "/tmp/umba_jobs". Override: TEMP_DIR.
	JanitorSchedule string `json:"janitor_schedule" yaml:"janitor_schedule"` // Cron spec. Default: "*/10 * * * *".
	JanitorTTLS     int    `json:"janitor_ttl_s" yaml:"janitor_ttl_s"`       // Sweep dirs older than this. Default: 3600.
}

// ScratchRoot returns the scratch root with its default.
func (s *ScratchConfig) ScratchRoot() string {
	if s.Root != "" {
		return s.Root
	}
	return "/tmp/umba_jobs"
}

// Schedule returns the janitor cron spec with its default.
func (s *ScratchConfig) Schedule() string {
	if s.JanitorSchedule != "" {
		return s.JanitorSchedule
	}
	return "*/10 * * * *"
}

// JanitorTTL returns the orphaned-directory age threshold.
func (s *ScratchConfig) JanitorTTL() time.Duration {
	if s.JanitorTTLS > 0 {
		return time.Duration(s.JanitorTTLS) * time.Second
	}
	return time.Hour
}

// PipelineConfig configures the retry controller and code generation.
type PipelineConfig struct {
	MaxAttempts int    `json:"max_attempts" yaml:"max_attempts"` // Retry budget per job. Default: 3.
	ExamplesDir string `json:"examples_dir" yaml:"examples_dir"` // Few-shot example scripts. Default: "lib/examples".
}

// Attempts returns the retry budget with its default.
func (p *PipelineConfig) Attempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 3
}

// Examples returns the few-shot examples directory with its default.
func (p *PipelineConfig) Examples() string {
	if p.ExamplesDir != "" {
		return p.ExamplesDir
	}
	return filepath.Join("lib", "examples")
}

// RateLimitConfig configures per-credential admission limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with its default.
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "umba"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// StorageConfig configures the append-only job history store.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: "umba.db" next to the scratch root.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// DefaultConfigPath returns the default config file path (~/.umba/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/umba.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".umba", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. An empty path returns the defaults. Environment variables
// take precedence over file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}

		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}

		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	// Environment variable overrides.
	if env := os.Getenv("GEMINI_MODEL"); env != "" {
		cfg.Model.Name = env
	}
	if env := os.Getenv("DOCKER_RUNNER_IMAGE"); env != "" {
		cfg.Sandbox.Image = env
	}
	if env := os.Getenv("TEMP_DIR"); env != "" {
		cfg.Scratch.Root = env
	}
	if env := os.Getenv("UMBA_ADDR"); env != "" {
		cfg.Server.Addr = env
	}
	if env := os.Getenv("ALLOWED_ORIGINS"); env != "" {
		cfg.Server.AllowedOrigins = splitList(env)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// splitList parses a comma- or semicolon-separated list, trimming blanks.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' }) {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (c *Config) validate() error {
	switch c.Sandbox.SandboxType() {
	case "docker", "process":
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use docker or process)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.MaxExecutionSeconds < 0 {
		return fmt.Errorf("sandbox.max_execution_seconds must not be negative")
	}
	if c.Pipeline.MaxAttempts < 0 {
		return fmt.Errorf("pipeline.max_attempts must not be negative")
	}
	if c.RateLimit != nil && c.RateLimit.RequestsPerMinute < 0 {
		return fmt.Errorf("rate_limit.requests_per_minute must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
