package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"PenaltyScanner/internal/app"
	"PenaltyScanner/internal/config"
	"PenaltyScanner/internal/logging"
	"PenaltyScanner/internal/progress"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "penaltyscan",
	Short: "Collect regulatory penalty disclosures into structured records",
	Long: `penaltyscan crawls regulator portals for penalty notices, downloads the attached
decisions, extracts structured records with an LLM and publishes them to Postgres.

Examples:
  penaltyscan crawl --region beijing
  penaltyscan download --region beijing
  penaltyscan extract --run-id manual --reset
  penaltyscan run
  penaltyscan serve`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides "+config.PathEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(crawlCmd(), detailsCmd(), downloadCmd(), extractCmd(),
		publishCmd(), pendingCmd(), runCmd(), serveCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration, builds the application and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.Application, logger *slog.Logger) error) error {
	if configPath != "" {
		if err := os.Setenv(config.PathEnv, configPath); err != nil {
			return err
		}
	}
	cfg := config.Load()
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger := logging.New(cfg.Logging.Level)

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close application", "error", err)
		}
	}()
	return fn(ctx, a, logger)
}

// logSink reports progress events through the logger.
func logSink(logger *slog.Logger) progress.Sink {
	return progress.Func(func(e progress.Event) {
		switch e.Type {
		case progress.EventError:
			logger.Error("progress", "message", e.Message)
		case progress.EventProgress:
			logger.Info("progress", "current", e.Current, "total", e.Total, "percent", e.Percent, "message", e.Message)
		default:
			logger.Info(string(e.Type), "total", e.Total, "message", e.Message)
		}
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
