package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/umba/internal/codegen"
	"github.com/jkaninda/umba/internal/config"
	"github.com/jkaninda/umba/internal/gateway/httpapi"
	"github.com/jkaninda/umba/internal/llm"
	"github.com/jkaninda/umba/internal/llm/gemini"
	"github.com/jkaninda/umba/internal/observability"
	"github.com/jkaninda/umba/internal/pipeline"
	"github.com/jkaninda/umba/internal/ratelimit"
	"github.com/jkaninda/umba/internal/sandbox"
	"github.com/jkaninda/umba/internal/scratch"
	"github.com/jkaninda/umba/internal/storage"
)

var (
	serveConfigPath string
	serveAddr       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP generation service",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `umba --config path` and `umba serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveAddr, "addr", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the HTTP generation service.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("UMBA_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger.Info("starting umba", slog.String("config", serveConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scratchMgr, err := scratch.NewManager(cfg.Scratch.ScratchRoot(), logger)
	if err != nil {
		return err
	}
	janitor := scratch.NewJanitor(scratchMgr, cfg.Scratch.JanitorTTL(), logger)
	if err := janitor.Start(ctx, cfg.Scratch.Schedule()); err != nil {
		return err
	}

	executor := buildExecutor(cfg, logger)

	obs, err := observability.New(cfg.Observability)
	if err != nil {
		return err
	}

	history, err := storage.Open(cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = history.Close()
	}()

	controller := pipeline.NewController(executor, scratchMgr, logger,
		pipeline.WithAttempts(cfg.Pipeline.Attempts()),
		pipeline.WithMetrics(obs.MetricsOrNil()),
		pipeline.WithTracer(obs.TracerOrNil().Tracer()),
	)

	gw := httpapi.NewGateway(
		gatewayConfig(cfg, obs),
		controller,
		providerFactory(cfg, logger),
		codegen.NewExampleLibrary(cfg.Pipeline.Examples(), logger),
		history,
		ratelimit.NewLimiter(cfg.RateLimit),
		logger,
	)

	// Wait for signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}
	obs.Shutdown(shutdownCtx)

	return nil
}

// buildExecutor selects the sandbox backend from config.
func buildExecutor(cfg *config.Config, logger *slog.Logger) sandbox.Executor {
	if cfg.Sandbox.SandboxType() == "process" {
		logger.Warn("process sandbox selected; container isolation guarantees do not apply")
		return sandbox.NewProcessExecutor(sandbox.ProcessConfig{
			Interpreter:    cfg.Sandbox.Interpreter,
			LibraryPath:    cfg.Sandbox.LibraryPath,
			DefaultTimeout: cfg.Sandbox.Timeout(),
			MemoryMB:       cfg.Sandbox.MaxMemoryMB,
		}, logger)
	}
	return sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Image:          cfg.Sandbox.Image,
		LibraryPath:    cfg.Sandbox.LibraryPath,
		DefaultTimeout: cfg.Sandbox.Timeout(),
		MemoryMB:       cfg.Sandbox.MaxMemoryMB,
		CPUCores:       cfg.Sandbox.MaxCPUCores,
		PIDsLimit:      cfg.Sandbox.PIDsLimit,
	}, logger)
}

// providerFactory builds a Gemini client per request from the
// client-supplied credential.
func providerFactory(cfg *config.Config, logger *slog.Logger) httpapi.ProviderFactory {
	var opts []gemini.Option
	if cfg.Model.BaseURL != "" {
		opts = append(opts, gemini.WithBaseURL(cfg.Model.BaseURL))
	}
	model := cfg.Model.ModelName()
	return func(apiKey string) llm.Provider {
		return gemini.NewClient(apiKey, model, logger, opts...)
	}
}

func gatewayConfig(cfg *config.Config, obs *observability.Observability) httpapi.Config {
	gwCfg := httpapi.Config{
		ListenAddr:         cfg.Server.ListenAddr(),
		MaxMultipartMemory: cfg.Server.MaxMultipartMemory(),
		AllowedOrigins:     cfg.Server.AllowedOrigins,
	}
	if m := obs.MetricsOrNil(); m != nil {
		gwCfg.MetricsRegistry = m.Registry
		gwCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
		gwCfg.Metrics = m
	}
	if ts := obs.TracerOrNil(); ts != nil {
		gwCfg.Tracer = ts.Tracer()
	}
	return gwCfg
}
