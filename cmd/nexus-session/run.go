package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/nexus-session/internal/domain"
	"github.com/tjfontaine/nexus-session/internal/runtime"
	"github.com/tjfontaine/nexus-session/internal/session"
	"github.com/tjfontaine/nexus-session/internal/upload"
)

var (
	runDomains []string
	runOutput  string
	runServe   bool
)

var runCmd = &cobra.Command{
	Use:   "run FILE...",
	Short: "Upload files, run one analysis and print the canonical results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAnalysis,
}

func init() {
	runCmd.Flags().StringSliceVar(&runDomains, "domains", nil, "refresh the agent catalog from these backend domains (e.g. carbon,pcf)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "write results JSON to this file instead of stdout")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "keep serving the snapshot after the session ends, until interrupted")
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	sources := make([]upload.Source, 0, len(args))
	for _, path := range args {
		src, err := upload.FromPath(path)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	rt, err := runtime.New(runtime.WithConfig(cfg), runtime.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = rt.Shutdown(shutdownCtx)
	}()

	c := rt.Controller()
	if len(runDomains) > 0 {
		if ids, err := c.RefreshCatalog(ctx, runDomains...); err != nil {
			logger.Warn("failed to refresh agent catalog, keeping configured agents", slog.String("error", err.Error()))
		} else {
			logger.Info("agent catalog refreshed", slog.Any("agents", ids))
		}
	}

	go logProgress(ctx, rt, logger)

	sess := c.NewAnalysis(ctx)
	accepted := 0
	for i, res := range c.AddFiles(sources...) {
		if !res.Accepted {
			logger.Warn("file rejected",
				slog.String("file", sources[i].Name),
				slog.String("reason", string(res.Reason)))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.New("no file was accepted")
	}

	if err := c.Upload(ctx); err != nil {
		return err
	}
	if err := c.StartProcessing(ctx); err != nil {
		return err
	}
	if snap := c.Snapshot(); snap.Session.Mode == domain.ModeLocalOnly {
		return fmt.Errorf("backend unreachable, session %s is local-only", sess.LocalID)
	}

	final, waitErr := c.Wait(ctx)
	if waitErr != nil && errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	if err := writeResults(c.Snapshot()); err != nil {
		return err
	}
	if final != nil && final.TotalProcessingTimeMs != nil {
		logger.Info("analysis finished",
			slog.String("session_id", final.LocalID),
			slog.String("status", string(final.Status)),
			slog.Duration("elapsed", time.Duration(*final.TotalProcessingTimeMs)*time.Millisecond))
	}

	if runServe && rt.Addr() != "" {
		logger.Info("serving snapshot until interrupted", slog.String("addr", rt.Addr()))
		<-ctx.Done()
	}
	return waitErr
}

// logProgress logs the run summary after every change notice.
func logProgress(ctx context.Context, rt *runtime.Runtime, logger *slog.Logger) {
	changes, err := rt.Changes(ctx)
	if err != nil {
		return
	}
	var last uint64
	for change := range changes {
		if change.Version <= last {
			continue
		}
		last = change.Version
		summary := rt.Controller().Snapshot().RunSummary
		logger.Debug("session changed",
			slog.String("session_id", change.LocalID),
			slog.String("reason", change.Reason),
			slog.String("status", string(change.Status)),
			slog.Int("progress", summary.OverallProgress),
			slog.Int("completed_agents", summary.CompletedAgents),
			slog.Int("issues", summary.TotalIssues))
	}
}

type resultDocument struct {
	Session    *domain.Session          `json:"session"`
	Results    *domain.CanonicalResults `json:"results,omitempty"`
	Failure    *domain.Failure          `json:"failure,omitempty"`
	RunSummary domain.RunSummary        `json:"run_summary"`
}

func writeResults(snap session.Snapshot) error {
	var w io.Writer = os.Stdout
	if runOutput != "" {
		f, err := os.Create(runOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(resultDocument{
		Session:    snap.Session,
		Results:    snap.Results,
		Failure:    snap.Failure,
		RunSummary: snap.RunSummary,
	})
}
