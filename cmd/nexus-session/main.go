package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tjfontaine/nexus-session/internal/config"
	"github.com/tjfontaine/nexus-session/internal/tracing"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "nexus-session",
	Short:         "Headless driver for multi-agent analysis sessions",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath+" if present)")
	rootCmd.AddCommand(runCmd, journalCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads the configuration and builds the logger. The returned
// function shuts tracing down.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	cleanup := func() {}
	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Options{ServiceName: "nexus-session", Writer: os.Stderr}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
		}
		cleanup = func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}
	}
	return cfg, logger, cleanup, nil
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
