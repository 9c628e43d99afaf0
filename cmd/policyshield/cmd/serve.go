package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	httpserver "github.com/mishabar410/policyshield/internal/adapter/inbound/http"
	celcompiler "github.com/mishabar410/policyshield/internal/adapter/outbound/cel"
	"github.com/mishabar410/policyshield/internal/adapter/outbound/memory"
	"github.com/mishabar410/policyshield/internal/adapter/outbound/sqlite"
	tracefile "github.com/mishabar410/policyshield/internal/adapter/outbound/trace"
	"github.com/mishabar410/policyshield/internal/adapter/outbound/webhook"
	"github.com/mishabar410/policyshield/internal/config"
	"github.com/mishabar410/policyshield/internal/domain/approval"
	"github.com/mishabar410/policyshield/internal/domain/session"
	"github.com/mishabar410/policyshield/internal/domain/trace"
	"github.com/mishabar410/policyshield/internal/service"
)

var serveTelemetry bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the policy server",
	Long: `Start the PolicyShield HTTP server.

The server loads the rule file, compiles it, and answers check requests on
the configured address. Rules can be hot-reloaded through the admin API
without dropping in-flight checks.

Examples:
  # Start with config file settings
  policyshield serve

  # Start with a specific config file
  policyshield --config /path/to/policyshield.yaml serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveTelemetry, "telemetry", false, "Emit OpenTelemetry spans to stdout")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	// Signal context for graceful shutdown. stop() restores default signal
	// handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	compiler, err := celcompiler.NewCompiler()
	if err != nil {
		return fmt.Errorf("failed to build expression compiler: %w", err)
	}

	sessions := session.NewManager(
		session.WithMaxSessions(cfg.Session.MaxSessions),
		session.WithTTL(cfg.SessionTTL()),
		session.WithEventCapacity(cfg.Session.EventCapacity),
		session.WithLogger(logger),
	)
	sessions.StartCleanup(ctx)

	approvals, err := buildApprovalBackend(cfg, logger)
	if err != nil {
		return err
	}

	recorder, err := buildRecorder(cfg, logger)
	if err != nil {
		return err
	}

	engine, err := service.NewEngine(
		cfg.EngineServiceConfig(),
		cfg.Rules.File,
		compiler,
		sessions,
		approvals,
		recorder,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	defer engine.Close()

	// SIGHUP reloads the rule file in place, same path as the admin API.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			snap, rerr := engine.Reload(ctx)
			if rerr != nil {
				logger.Error("rule reload failed", "error", rerr)
				continue
			}
			logger.Info("rules reloaded",
				"trigger", "SIGHUP", "generation", snap.Generation, "rules", len(snap.Rules.Rules))
		}
	}()

	if serveTelemetry {
		telemetry, terr := httpserver.SetupTelemetry(ctx, Version)
		if terr != nil {
			return fmt.Errorf("failed to set up telemetry: %w", terr)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	server := httpserver.NewServer(engine, httpserver.Options{
		Addr:                cfg.Server.Addr,
		APIToken:            cfg.Server.APIToken,
		AdminToken:          cfg.Server.AdminToken,
		CORSOrigins:         cfg.Server.CORSOrigins,
		MaxRequestSize:      cfg.Server.MaxRequestSize,
		MaxConcurrentChecks: cfg.Server.MaxConcurrentChecks,
		RequestTimeout:      cfg.RequestTimeout(),
		ApprovalPollTimeout: cfg.ApprovalPollTimeout(),
		FailOpen:            cfg.Engine.FailMode == string(service.FailOpen),
		Version:             Version,
		Telemetry:           serveTelemetry,
	}, logger, prometheus.NewRegistry())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	logger.Info("policyshield stopped")
	return nil
}

// newLogger builds the process logger from the log config. Output goes to
// stderr so stdout stays free for command output.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Log.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// parseLogLevel maps a config string to a slog level, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildApprovalBackend selects and wires the approval backend per config.
func buildApprovalBackend(cfg *config.Config, logger *slog.Logger) (approval.Backend, error) {
	var backend approval.Backend
	switch cfg.Approval.Backend {
	case "sqlite":
		store, err := sqlite.Open(cfg.Approval.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open approval store: %w", err)
		}
		backend = store
	default:
		backend = memory.NewApprovalBackend(memory.WithLogger(logger))
	}

	if cfg.Approval.WebhookURL != "" {
		backend = webhook.New(backend, cfg.Approval.WebhookURL, logger)
	}
	return backend, nil
}

// buildRecorder wires the trace recorder, or a no-op when tracing is off.
func buildRecorder(cfg *config.Config, logger *slog.Logger) (trace.Recorder, error) {
	if !cfg.Trace.Enabled {
		return trace.Nop{}, nil
	}
	recorder, err := tracefile.NewFileRecorder(tracefile.FileConfig{
		Dir:           cfg.Trace.Dir,
		RetentionDays: cfg.Trace.RetentionDays,
		MaxFileSizeMB: cfg.Trace.MaxFileSizeMB,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace recorder: %w", err)
	}
	return recorder, nil
}
