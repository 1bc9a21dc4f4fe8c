// Command scout performs one discovery pass over the target repository:
// it walks the tree, packs analysis batches under the token budget and
// registers them against the run's finalization parent, then exits.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm/tokencount"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-graph-pipeline/internal/config"
	"github.com/fairyhunter13/code-graph-pipeline/internal/scout"
)

func main() {
	if err := run(); err != nil {
		slog.Error("scout exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.SetDefault(observability.SetupLogger(cfg))
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}

	qm, err := redisq.New(ctx, cfg.BrokerURL, redisq.Options{MaxAttempts: cfg.JobMaxAttempts})
	if err != nil {
		return err
	}
	defer func() { _ = qm.Close() }()

	profile, err := config.LoadScanProfile(cfg.ScanProfilePath)
	if err != nil {
		return err
	}
	include, ignore := cfg.ResolvePatterns(profile)

	producer := &scout.Producer{
		Queue:   qm,
		Lock:    qm,
		Runs:    postgres.NewRunRepo(pool),
		Files:   postgres.NewFileRepo(pool),
		Dirs:    postgres.NewDirectoryProgressRepo(pool),
		Counter: tokencount.NewCounter(cfg.TokenizerModel),
		Opts: scout.Options{
			TargetDirectory: cfg.TargetDirectory,
			Include:         include,
			Ignore:          ignore,
			MaxTokens:       cfg.MaxTokensPerBatch,
			PromptOverhead:  cfg.PromptOverhead,
			LockTTL:         cfg.LockTTL,
			JobMaxAttempts:  cfg.JobMaxAttempts,
		},
	}

	runID, err := producer.Run(ctx)
	if err != nil {
		return err
	}
	if runID == "" {
		// Another producer holds the discovery lock.
		return nil
	}
	slog.Info("discovery pass finished", slog.String("run_id", runID))

	if shutdownTracing != nil {
		_ = shutdownTracing(context.Background())
	}
	return nil
}
