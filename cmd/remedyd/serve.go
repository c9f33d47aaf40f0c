package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/remedyd/internal/alert"
	"github.com/fyrsmithlabs/remedyd/internal/config"
	"github.com/fyrsmithlabs/remedyd/internal/engine"
	"github.com/fyrsmithlabs/remedyd/internal/ingest"
	"github.com/fyrsmithlabs/remedyd/internal/logging"
	"github.com/fyrsmithlabs/remedyd/internal/orchestrator"
	"github.com/fyrsmithlabs/remedyd/internal/persona"
	"github.com/fyrsmithlabs/remedyd/internal/retry"
	"github.com/fyrsmithlabs/remedyd/internal/scheduler"
	"github.com/fyrsmithlabs/remedyd/internal/server"
	"github.com/fyrsmithlabs/remedyd/internal/telemetry"
	"github.com/fyrsmithlabs/remedyd/internal/tracker"
	"github.com/fyrsmithlabs/remedyd/internal/verify"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the remediation daemon",
	Long: `Start the remedyd daemon: the HTTP signal webhook, the optional
NATS subscriber, and the remediation workflow engine.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	log, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger := log.Underlying()

	logger.Info("starting remedyd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("telemetry", tel.IsEnabled()),
		zap.Bool("nats", cfg.Ingest.NATSEnabled),
	)

	orch, sched, err := buildOrchestrator(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, orch, logger)
	if err != nil {
		return fmt.Errorf("creating HTTP server: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		sched.Run(ctx)
		return nil
	})

	g.Go(func() error {
		if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.Ingest.NATSEnabled {
		nc, err := ingest.ConnectNATS(cfg.Ingest.NATSURL, logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		sub, err := ingest.NewSubscriber(nc, cfg.Ingest.Subject, "remedyd", orch, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return sub.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// buildOrchestrator wires the classification, verification, tracking,
// scheduling, and engine components from config.
func buildOrchestrator(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*orchestrator.Orchestrator, *scheduler.Scheduler, error) {
	classifier := alert.NewClassifier()

	rules := verify.BuiltinRules()
	if cfg.Personas.RulesFile != "" {
		doc, err := os.ReadFile(cfg.Personas.RulesFile)
		if err != nil {
			return nil, nil, fmt.Errorf("reading rules file: %w", err)
		}
		rules, err = rules.MergeYAML(doc)
		if err != nil {
			return nil, nil, fmt.Errorf("merging rules from %s: %w", cfg.Personas.RulesFile, err)
		}
		logger.Info("merged custom verifier rules", zap.String("file", cfg.Personas.RulesFile))
	}
	verifier := verify.New(rules)

	executor, err := buildExecutor(cfg)
	if err != nil {
		return nil, nil, err
	}

	retrier := retry.New(retry.Policy{
		MaxAttempts:      cfg.Retry.MaxAttempts,
		BaseDelay:        cfg.Retry.BaseDelay.Duration(),
		MaxDelay:         cfg.Retry.MaxDelay.Duration(),
		Multiplier:       cfg.Retry.Multiplier,
		DiagnosticsDepth: cfg.Retry.DiagnosticsDepth,
	})

	mode := scheduler.ModeReject
	if cfg.Scheduler.Block {
		mode = scheduler.ModeBlock
	}
	sched, err := scheduler.New(scheduler.Config{
		CapacityPerScope: cfg.Scheduler.ScopeCapacity,
		Mode:             mode,
		LeaseTTL:         cfg.Scheduler.LeaseTTL.Duration(),
		ReapInterval:     cfg.Scheduler.ReapInterval.Duration(),
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating scheduler: %w", err)
	}

	artifacts := tracker.NewArtifactWriter(cfg.Tracker.WorkDir, logger)

	var trk tracker.Tracker
	switch cfg.Tracker.Backend {
	case "github":
		trk, err = tracker.NewGitHubTracker(ctx, cfg.Tracker.Repository, cfg.Tracker.GitHubToken, retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration(),
			MaxDelay:    cfg.Retry.MaxDelay.Duration(),
			Multiplier:  cfg.Retry.Multiplier,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("creating github tracker: %w", err)
		}
	default:
		trk = tracker.NewMemoryTracker(logger)
	}

	eng, err := engine.New(engine.Config{
		MaxParallel:        cfg.Scheduler.ScopeCapacity,
		DefaultStepTimeout: cfg.Engine.StepTimeout.Duration(),
	}, executor, verifier, retrier, artifacts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating engine: %w", err)
	}

	orch, err := orchestrator.New(classifier, trk, artifacts, sched, eng, cfg.Scheduler.LeaseTTL.Duration(), logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating orchestrator: %w", err)
	}
	return orch, sched, nil
}

// buildExecutor maps configured persona commands to an executor. The
// factory command is the required fallback for unmapped personas.
func buildExecutor(cfg *config.Config) (persona.Executor, error) {
	specs := make(map[persona.Persona]persona.CommandSpec, len(cfg.Personas.Commands))
	for name, argv := range cfg.Personas.Commands {
		p := persona.Parse(name)
		if p == persona.Unknown {
			return nil, fmt.Errorf("unknown persona %q in personas.commands", name)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("empty command for persona %q", name)
		}
		specs[p] = persona.CommandSpec{Command: argv[0], Args: argv[1:]}
	}
	if _, ok := specs[persona.Factory]; !ok {
		return nil, fmt.Errorf("personas.commands must configure %q as the fallback agent", persona.Factory)
	}
	return persona.NewCommandExecutor(specs)
}

// telemetryConfig maps daemon observability settings onto the
// telemetry package's config.
func telemetryConfig(cfg *config.Config) *telemetry.Config {
	tc := telemetry.NewDefaultConfig(cfg.Observability.ServiceName)
	tc.Enabled = cfg.Observability.EnableTelemetry
	tc.ServiceVersion = version
	if cfg.Observability.OTLPEndpoint != "" {
		tc.Endpoint = cfg.Observability.OTLPEndpoint
	}
	if cfg.Observability.OTLPProtocol == "http" {
		tc.Protocol = "http/protobuf"
	}
	return tc
}
