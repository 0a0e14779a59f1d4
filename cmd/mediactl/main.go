// mediactl is the operator CLI for the media analysis pipeline.
//
// Usage:
//
//	mediactl task get <task-id>
//	mediactl task requeue <task-id>
//	mediactl dlq list [--limit=N]
//	mediactl notify --bucket=<b> --path=<p> [--generation=<g>]
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"media-analysis-pipeline/internal/app"
	"media-analysis-pipeline/internal/config"
	"media-analysis-pipeline/internal/logging"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mediactl",
	Short: "Inspect and repair media analysis tasks",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(notifyCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withRuntime loads config, opens the stores, and runs fn against them.
func withRuntime(cmd *cobra.Command, fn func(ctx context.Context, rt *app.Runtime) error) error {
	cfg, err := config.LoadFrom(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log := logging.NewWithWriter(cfg, "mediactl", cmd.ErrOrStderr())
	ctx := cmd.Context()
	rt, err := app.Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
