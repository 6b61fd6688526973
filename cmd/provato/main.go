package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/provato/provato/internal/config"
	"github.com/provato/provato/internal/engine"
	"github.com/provato/provato/internal/metrics"
	"github.com/provato/provato/internal/notifier"
	"github.com/provato/provato/internal/observability"
	"github.com/provato/provato/internal/plugin"
	"github.com/provato/provato/internal/render"
	"github.com/provato/provato/internal/storage"
	"github.com/provato/provato/internal/validation"
	"github.com/provato/provato/internal/validator"
)

const dispatchTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   string
		suiteID      string
		watch        bool
		pluginHealth bool
	)
	defaultConfig := os.Getenv("PROVATO_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "config.yml"
	}
	flag.StringVar(&configPath, "config", defaultConfig, "path to configuration file")
	flag.StringVar(&suiteID, "suite", "", "suite id to run (default: all active suites)")
	flag.BoolVar(&watch, "watch", false, "rerun suites on the configured cron schedule")
	flag.BoolVar(&pluginHealth, "plugin-health", false, "print plugin health snapshot and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	secrets, err := cfg.ResolveSecrets()
	if err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		return 1
	}

	ctx, cancel := signalContext()
	defer cancel()

	if pluginHealth {
		return printPluginHealth(ctx, cfg, logger)
	}

	rollbarEnabled, flushRollbar := observability.SetupRollbar(logger, cfg.Service.Environment)
	defer flushRollbar()
	defer observability.CapturePanic(logger, rollbarEnabled)()

	a, err := setup(ctx, cfg, secrets, logger, suiteID)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return 1
	}
	defer func() {
		if err := a.store.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	if watch {
		if cfg.Schedule == "" {
			logger.Error("watch mode requires a schedule", "hint", "set schedule in config")
			return 1
		}
		if err := a.runWatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("watch loop stopped", "error", err)
			return 1
		}
		return 0
	}

	if !a.runOnce(ctx) {
		return 2
	}
	return 0
}

type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *storage.Store
	engine     *engine.Engine
	aggregator *metrics.Aggregator
	notifiers  *notifier.Registry
	suiteID    string
	trigger    string
}

// debugSink logs each terminal result tuple at debug level. It fills
// the engine's metric-forwarding slot in the CLI.
type debugSink struct {
	logger *slog.Logger
}

func (s *debugSink) Observe(target validation.TargetType, status validation.ResultStatus, durationSeconds float64) {
	s.logger.Debug("result observed",
		"target_type", target,
		"status", status,
		"duration_seconds", durationSeconds)
}

func setup(ctx context.Context, cfg *config.Config, secrets map[string]string, logger *slog.Logger, suiteID string) (*app, error) {
	store, err := storage.Open(cfg.Storage.Path, storage.Options{
		ExecutionRetention: cfg.Storage.ExecutionRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	for _, suite := range cfg.Suites {
		if err := store.SeedSuite(ctx, suite); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed suite %s: %w", suite.ID, err)
		}
	}

	renderEngine := render.New()
	notifiers, err := notifier.Build(notifier.Factory{Secrets: secrets, Render: renderEngine}, cfg.Notifiers)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build notifiers: %w", err)
	}

	plugins := plugin.NewRegistry(logger)
	loaded, err := plugin.LoadDir(ctx, plugins, cfg.Plugins.Dir, plugin.LoadOptions{
		DefaultTimeout: cfg.Plugins.ProbeTimeout.Duration,
		Logger:         logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load plugins: %w", err)
	}
	if len(loaded) > 0 {
		logger.Info("plugins loaded", "plugins", loaded)
	}

	aggregator, err := metrics.New(metrics.Options{
		ResetInterval: cfg.Metrics.ResetInterval.Duration,
		ResetSchedule: cfg.Metrics.ResetSchedule,
		Logger:        logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build metrics aggregator: %w", err)
	}

	builtins := validator.Builtins(validator.Env{
		Secrets:    secrets,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		Template:   renderEngine,
	})

	eng, err := engine.New(store, plugins, builtins, aggregator, &debugSink{logger: logger}, logger, engine.Options{
		Retry: engine.RetryPolicy{
			MaxRetries: *cfg.Engine.MaxRetries,
			BaseDelay:  cfg.Engine.BaseDelay.Duration,
		},
		MaxConcurrent:  cfg.Engine.MaxConcurrent,
		DefaultTimeout: cfg.Engine.DefaultTimeout.Duration,
		Parallel:       cfg.Engine.Parallel,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build engine: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		engine:     eng,
		aggregator: aggregator,
		notifiers:  notifiers,
		suiteID:    suiteID,
		trigger:    "cli",
	}, nil
}

// runOnce executes every target suite once. It reports whether all
// executions completed.
func (a *app) runOnce(ctx context.Context) bool {
	suiteIDs, err := a.targetSuites(ctx)
	if err != nil {
		a.logger.Error("failed to resolve suites", "error", err)
		return false
	}

	ok := true
	for _, suiteID := range suiteIDs {
		if ctx.Err() != nil {
			return false
		}
		if !a.runSuite(ctx, suiteID) {
			ok = false
		}
	}
	return ok
}

// runWatch reruns the target suites on the configured cron schedule
// until the context ends.
func (a *app) runWatch(ctx context.Context) error {
	schedule, err := cron.ParseStandard(a.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", a.cfg.Schedule, err)
	}
	a.trigger = "schedule"

	go a.aggregator.RunResetLoop(ctx)

	a.logger.Info("watch mode started",
		"schedule", a.cfg.Schedule,
		"next", schedule.Next(time.Now()).Format(time.RFC3339))
	for {
		next := schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			a.runOnce(ctx)
		}
	}
}

func (a *app) runSuite(ctx context.Context, suiteID string) bool {
	executionID, err := a.store.CreateExecution(ctx, suiteID, a.trigger, a.cfg.Service.Environment)
	if err != nil {
		a.logger.Error("failed to create execution", "suite_id", suiteID, "error", err)
		return false
	}

	report, err := a.engine.RunSuite(ctx, executionID, suiteID)
	if err != nil {
		a.logger.Error("suite run failed",
			"execution_id", executionID,
			"suite_id", suiteID,
			"error", err)
	}

	a.reportExecution(ctx, executionID)
	a.dispatchAlerts(ctx, suiteID, executionID)
	a.writeSnapshot()
	return report.Status == validation.ExecutionCompleted
}

// reportExecution logs a summary of the stored execution record, with
// per-result detail at debug level.
func (a *app) reportExecution(ctx context.Context, executionID string) {
	exec, err := a.store.GetExecution(ctx, executionID)
	if err != nil {
		a.logger.Error("failed to read execution", "execution_id", executionID, "error", err)
		return
	}
	results, err := a.store.ResultsForExecution(ctx, executionID)
	if err != nil {
		a.logger.Error("failed to read results", "execution_id", executionID, "error", err)
		return
	}

	var passed, failed, errored int
	for _, r := range results {
		switch r.Status {
		case validation.ResultPassed:
			passed++
		case validation.ResultFailed:
			failed++
		case validation.ResultError:
			errored++
		}
		attrs := []any{
			"test_id", r.TestID,
			"status", r.Status,
			"score", r.Score,
			"attempts", r.Attempts,
			"duration_ms", r.Duration.Milliseconds(),
		}
		if r.Error != "" {
			attrs = append(attrs, "error", r.Error)
		}
		a.logger.Debug("test result", attrs...)
	}

	attrs := []any{
		"execution_id", exec.ID,
		"suite_id", exec.SuiteID,
		"status", exec.Status,
		"triggered_by", exec.TriggeredBy,
		"passed", passed,
		"failed", failed,
		"errored", errored,
	}
	if exec.CompletedAt != nil {
		attrs = append(attrs, "duration", exec.CompletedAt.Sub(exec.StartedAt).Round(time.Millisecond).String())
	}
	a.logger.Info("execution report", attrs...)
}

func (a *app) targetSuites(ctx context.Context) ([]string, error) {
	if a.suiteID != "" {
		return []string{a.suiteID}, nil
	}
	ids, err := a.store.ActiveSuiteIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		a.logger.Warn("no active suites configured")
	}
	return ids, nil
}

// dispatchAlerts forwards current threshold breaches to the configured
// notifiers. Delivery failures are logged, never fatal.
func (a *app) dispatchAlerts(ctx context.Context, suiteID, executionID string) {
	if len(a.cfg.AlertNotifiers) == 0 {
		return
	}
	alerts := a.aggregator.Alerts()
	if len(alerts) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, alert := range alerts {
		event := notifier.Event{
			Kind:        alert.Kind,
			Severity:    severityFor(alert.Kind),
			Summary:     alert.Message,
			Threshold:   alert.Threshold,
			Current:     alert.Current,
			SuiteID:     suiteID,
			ExecutionID: executionID,
			Environment: a.cfg.Service.Environment,
			OccurredAt:  now,
		}
		for _, id := range a.cfg.AlertNotifiers {
			target, ok := a.notifiers.Get(id)
			if !ok {
				continue
			}
			nctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
			err := target.Notify(nctx, event)
			cancel()
			if err != nil {
				a.logger.Error("alert dispatch failed", "notifier", id, "kind", alert.Kind, "error", err)
				continue
			}
			a.logger.Info("alert dispatched", "notifier", id, "kind", alert.Kind, "current", alert.Current)
		}
	}
}

// writeSnapshot dumps the metrics window in Prometheus text format when
// a snapshot path is configured.
func (a *app) writeSnapshot() {
	path := a.cfg.Metrics.SnapshotPath
	if path == "" {
		return
	}
	f, err := os.Create(path)
	if err != nil {
		a.logger.Error("failed to write metrics snapshot", "path", path, "error", err)
		return
	}
	defer f.Close()
	if err := a.aggregator.WritePrometheus(f, a.cfg.Metrics.Namespace); err != nil {
		a.logger.Error("failed to write metrics snapshot", "path", path, "error", err)
	}
}

func printPluginHealth(ctx context.Context, cfg *config.Config, logger *slog.Logger) int {
	registry := plugin.NewRegistry(logger)
	loaded, err := plugin.LoadDir(ctx, registry, cfg.Plugins.Dir, plugin.LoadOptions{
		DefaultTimeout: cfg.Plugins.ProbeTimeout.Duration,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to load plugins", "error", err)
		return 1
	}
	if len(loaded) == 0 {
		fmt.Println("no plugins registered")
		return 0
	}
	for _, status := range registry.HealthSnapshot(ctx) {
		fmt.Printf("%s %s enabled=%t healthy=%t", status.Name, status.Version, status.Enabled, status.Healthy)
		if status.Message != "" {
			fmt.Printf(" message=%q", status.Message)
		}
		fmt.Println()
	}
	return 0
}

func severityFor(kind string) string {
	switch kind {
	case "error_rate", "success_rate":
		return "critical"
	default:
		return "warning"
	}
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			log.Println("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
