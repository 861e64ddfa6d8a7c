package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-crawler/cmd"
	"github.com/dhcgn/mail-crawler/config"
	"github.com/dhcgn/mail-crawler/mbox"
	"github.com/dhcgn/mail-crawler/runner"
	"github.com/dhcgn/mail-crawler/source"
	"github.com/dhcgn/mail-crawler/state"
	"github.com/dhcgn/mail-crawler/stats"
	"github.com/dhcgn/mail-crawler/store"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mail-crawler",
		Short:        "Crawl CRM, feedback-loop and bounce mailboxes and store what they contain",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			for _, w := range cfg.Warnings {
				logger.Warn("config", "warning", w)
			}
			logger.Info("starting mail-crawler", "config", cfg.ConfigPath, "mailboxes", len(cfg.Mailboxes), "db", cfg.DBPath, "deleteMail", cfg.DeleteMail)

			return run(cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	cmd.Register(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("database dir: %w", err)
	}
	db, err := store.Open(ctx, cfg.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := stats.NewMetrics(reg)
	counters := stats.NewRegistry()

	deps := runner.Deps{
		Logger:   logger,
		Counters: counters,
		Metrics:  metrics,
		Opener:   source.NewDialer(logger, metrics),
		CRM:      db.CRM(),
		FBL:      db.FBL(),
		Bounce:   db.Bounce(),
	}

	if cfg.ArchivePath != "" {
		archive, err := mbox.NewArchive(cfg.ArchivePath, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := archive.Close(); err != nil {
				logger.Warn("archive close failed", "err", err)
			}
			logger.Info("archive closed", "path", cfg.ArchivePath, "messages", archive.Count())
		}()
		deps.Archiver = archive
	}

	// Without deletion the same messages come back every pass.
	if !cfg.DeleteMail {
		tracker, err := state.NewFileTracker(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("state tracker: %w", err)
		}
		defer func() {
			if err := tracker.Close(); err != nil {
				logger.Warn("state close failed", "err", err)
			}
		}()
		snap := tracker.Snapshot()
		logger.Info("state loaded", "path", tracker.Path(), "processed", snap.Processed, "mailboxes", snap.Mailboxes)
		deps.Tracker = tracker
	}

	scorer, err := runner.NewSpamScorer(cfg.Spamd, metrics, logger)
	if err != nil {
		return err
	}
	if scorer != nil {
		deps.Scorer = scorer
		logger.Info("spam scoring enabled", "spamd", cfg.Spamd.Addr)
	}

	r, err := runner.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	var wg sync.WaitGroup
	auxCtx, stopAux := context.WithCancel(context.Background())
	defer func() {
		stopAux()
		wg.Wait()
	}()

	reporter := stats.NewReporter(counters, metrics, cfg.NotifyPeriod, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reporter.Run(auxCtx)
	}()

	if cfg.MetricsAddr != "" {
		router := stats.NewRouter(reg, func() error {
			if r.Stopped() {
				return errors.New("stopping")
			}
			return nil
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := stats.Serve(auxCtx, cfg.MetricsAddr, router, logger); err != nil {
				logger.Error("metrics endpoint failed", "err", err)
			}
		}()
	}

	stopSignals := handleSignals(r, cancel, cfg.ShutdownGrace, logger)
	defer stopSignals()

	return r.Start(ctx)
}

// handleSignals stops the runner on the first signal and cancels ctx on
// the second one or when the grace period runs out.
func handleSignals(r *runner.Runner, cancel context.CancelFunc, grace time.Duration, logger *slog.Logger) func() {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case sig := <-sigs:
			logger.Info("signal received, draining", "signal", sig.String(), "grace", grace)
			r.Stop()
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
		case sig := <-sigs:
			logger.Warn("second signal, cancelling", "signal", sig.String())
			cancel()
		case <-timer.C:
			logger.Warn("shutdown grace period exceeded, cancelling")
			cancel()
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-crawler-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
