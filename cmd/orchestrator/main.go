// Command orchestrator wires the plan orchestration engine: config, policy
// gate, durable queue, dispatch client, event bus, optional history store
// and telemetry, then consumes step deliveries until signalled.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/config"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/dispatch"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/engine"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/events"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/history"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/observability"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/policy"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/queue"
	"github.com/JudgeZ/OSS-AI-Agent-Tool-sub001/pkg/retry"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && err != context.Canceled {
		logger.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "plan-orchestrator",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		obs.Shutdown(shutCtx)
	}()

	gate := loadGate(cfg, logger)

	var q queue.Queue
	switch cfg.Queue {
	case "redis":
		rq := queue.NewRedisQueue(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.QueueName, logger)
		if moved, err := rq.RequeueOrphans(ctx); err != nil {
			logger.Warn("orphan requeue failed", "error", err)
		} else if moved > 0 {
			logger.Info("requeued orphaned deliveries", "count", moved)
		}
		q = rq
	default:
		q = queue.NewMemoryQueue(1024)
	}
	defer q.Close()

	var hist history.Store
	switch cfg.History {
	case "postgres":
		hist, err = history.OpenPostgres(ctx, cfg.DatabaseURL)
	case "sqlite":
		hist, err = history.OpenSQLite(ctx, cfg.SQLitePath)
	}
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	client := dispatch.NewClient(dispatch.ClientConfig{
		DefaultTimeout:   cfg.DispatchTimeout,
		Retry:            retry.DefaultInner(),
		RatePerSecond:    10,
		RateBurst:        20,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}, logger)

	eng := engine.New(engine.Config{
		Outer: retry.Policy{
			MaxAttempts: cfg.MaxAttempts,
			Base:        cfg.RetryBaseDelay,
			Max:         cfg.RetryMaxDelay,
			MaxJitter:   500 * time.Millisecond,
		},
		DefaultStepTimeout: cfg.DefaultStepTimeout,
	}, engine.Deps{
		Gate:     gate,
		Subjects: engine.StaticSubjects{},
		Queue:    q,
		Dispatch: client,
		Bus:      events.NewBus(),
		History:  hist,
		Obs:      obs,
		Logger:   logger,
	})

	logger.Info("orchestrator started", "queue", cfg.Queue, "history", cfg.History)
	return eng.Run(ctx)
}

func loadGate(cfg *config.Config, logger *slog.Logger) policy.Gate {
	if cfg.RulesetPath == "" {
		gate, err := policy.NewGate(policy.DefaultRuleset())
		if err != nil {
			logger.Error("default ruleset failed to compile, failing closed", "error", err)
			return policy.FailClosed()
		}
		return gate
	}
	gate, err := policy.NewGateFromFile(cfg.RulesetPath)
	if err != nil {
		logger.Error("ruleset failed to load, failing closed", "path", cfg.RulesetPath, "error", err)
	}
	return gate
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
