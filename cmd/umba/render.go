package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/umba/internal/config"
	"github.com/jkaninda/umba/internal/domain"
	"github.com/jkaninda/umba/internal/pipeline"
	"github.com/jkaninda/umba/internal/scratch"
)

var (
	renderConfigPath string
	renderScriptPath string
	renderFormat     string
	renderOutPath    string
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Execute a geometry script locally and write the artifact",
	Long: `Run an existing geometry script through the sandbox and validation
pipeline without starting the HTTP service and without any model calls.

Examples:
  umba render -s bracket.py -o bracket.stl
  umba render -s bracket.py -f zip -o bracket.zip`,
	RunE: runRender,
}

func init() {
	renderCmd.Flags().StringVar(&renderConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	renderCmd.Flags().StringVarP(&renderScriptPath, "script", "s", "", "geometry script to execute (required)")
	renderCmd.Flags().StringVarP(&renderFormat, "format", "f", "stl", "output format: stl, step, or zip")
	renderCmd.Flags().StringVarP(&renderOutPath, "out", "o", "", "output file path (required)")

	_ = renderCmd.MarkFlagRequired("script")
	_ = renderCmd.MarkFlagRequired("out")
}

func runRender(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg, err := config.Load(goutils.Env("UMBA_CONFIG", renderConfigPath))
	if err != nil {
		return err
	}

	format, err := domain.ParseFormat(renderFormat)
	if err != nil {
		return err
	}
	script, err := os.ReadFile(renderScriptPath)
	if err != nil {
		return err
	}

	scratchMgr, err := scratch.NewManager(cfg.Scratch.ScratchRoot(), logger)
	if err != nil {
		return err
	}
	controller := pipeline.NewController(buildExecutor(cfg, logger), scratchMgr, logger)

	res, err := controller.Render(context.Background(), string(script), format)
	if err != nil {
		return err
	}
	defer res.Scratch.Release()

	if err := copyFile(res.ArtifactPath, renderOutPath); err != nil {
		return err
	}

	fmt.Printf("wrote %s (%s)\n", renderOutPath, res.RenderDuration.Round(time.Millisecond))
	if res.Mesh != nil {
		fmt.Printf("mesh volume: %.2f, bbox min %v max %v\n", res.Mesh.Volume, res.Mesh.BBox[0], res.Mesh.BBox[1])
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
