// Umba — text-to-CAD generation service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "umba",
	Short: "Umba — natural-language-to-CAD generation service.",
	Long: `Umba turns natural language part descriptions into manufacturable CAD
models. It drives an LLM to produce solid-modeling scripts, executes them in
a hardened sandbox, validates the resulting meshes, and retries with
classified feedback when geometry construction fails.`,
	RunE:          runServe, // Default to server mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, renderCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
