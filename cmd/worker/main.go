// Command worker runs the pipeline consumers: file analysis, directory
// resolution, graph finalization, the outbox publisher and the stuck-run
// sweeper, plus the ops HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/eventstream/redpanda"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/graph"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm/openai"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm/stub"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-graph-pipeline/internal/app"
	"github.com/fairyhunter13/code-graph-pipeline/internal/config"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
	"github.com/fairyhunter13/code-graph-pipeline/internal/pipeline"
	"github.com/fairyhunter13/code-graph-pipeline/internal/ratelimit"
	"github.com/fairyhunter13/code-graph-pipeline/internal/triangulate"
)

func main() {
	if err := run(); err != nil {
		slog.Error("worker exited with error", slog.Any("error", err))
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

	qm, err := redisq.New(ctx, cfg.BrokerURL, redisq.Options{
		MaxAttempts:     cfg.JobMaxAttempts,
		StalledInterval: cfg.StalledInterval,
	})
	if err != nil {
		return err
	}
	defer func() { _ = qm.Close() }()

	files := postgres.NewFileRepo(pool)
	pois := postgres.NewPOIRepo(pool)
	rels := postgres.NewRelationshipRepo(pool)
	evidence := postgres.NewEvidenceRepo(pool)
	outbox := postgres.NewOutboxRepo(pool)
	runs := postgres.NewRunRepo(pool)
	dirs := postgres.NewDirectoryProgressRepo(pool)
	txm := postgres.NewTxManager(pool)

	llmClient, closeLimiter, err := buildLLMClient(cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	sink := buildGraphSink(cfg)
	sanitizer := llm.NewSanitizer()

	var mirror pipeline.EventMirror
	if len(cfg.KafkaBrokers) > 0 {
		m, err := redpanda.NewMirror(cfg.KafkaBrokers)
		if err != nil {
			return fmt.Errorf("event mirror: %w", err)
		}
		defer m.Close()
		mirror = m
	}

	analyzer := &pipeline.Analyzer{
		LLM: llmClient, Sanitizer: sanitizer,
		Files: files, POIs: pois, Rels: rels,
		Evidence: evidence, Outbox: outbox, Tx: txm,
	}
	resolver := &pipeline.Resolver{
		LLM: llmClient, Sanitizer: sanitizer,
		Files: files, POIs: pois, Rels: rels,
		Evidence: evidence, Outbox: outbox, Dirs: dirs, Tx: txm,
	}
	finalizer := &pipeline.Finalizer{
		LLM: llmClient, Sanitizer: sanitizer, Sink: sink,
		Files: files, POIs: pois, Rels: rels, Evidence: evidence,
		Dirs: dirs, Runs: runs,
		Thresholds: triangulate.Thresholds{
			Validate: cfg.ValidateThreshold,
			Discard:  cfg.DiscardThreshold,
		},
		BatchSize: cfg.GraphBatchSize,
	}

	workerOpts := redisq.WorkerOptions{
		Concurrency: cfg.WorkerConcurrency,
		JobTimeout:  cfg.JobTimeout,
	}
	workers := []*redisq.Worker{
		qm.NewWorker(domain.QueueFileAnalysis, analyzer.Handle, workerOpts),
		qm.NewWorker(domain.QueueRelationshipResolution, resolver.Handle, workerOpts),
		// Finalization runs one job at a time; the global resolution pass
		// holds the run's full candidate set.
		qm.NewWorker(domain.QueueGraphBuild, finalizer.Handle, redisq.WorkerOptions{
			Concurrency: 1,
			JobTimeout:  10 * time.Minute,
		}),
	}
	for _, w := range workers {
		w.Start(ctx)
	}

	publisher := &pipeline.Publisher{
		Outbox:   outbox,
		Queue:    qm,
		Mirror:   mirror,
		Interval: cfg.OutboxPollInterval, BatchSize: cfg.OutboxBatchSize,
	}
	sweeper := &pipeline.StuckRunSweeper{
		Runs:     runs,
		Interval: cfg.SweepInterval, MaxAge: cfg.RunMaxAge,
	}

	ops := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildOpsRouter(app.Check("db", pool), app.Check("broker", qm)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		publisher.Start(gctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("ops server listening", slog.Int("port", cfg.Port))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})

	<-ctx.Done()
	slog.Info("shutting down")
	for _, w := range workers {
		if err := w.Close(30 * time.Second); err != nil {
			slog.Warn("worker drain incomplete", slog.Any("error", err))
		}
	}
	if err := g.Wait(); err != nil {
		slog.Warn("background loop error", slog.Any("error", err))
	}
	if shutdownTracing != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}
	return nil
}

// buildLLMClient wires the configured model endpoint, paced by a broker-wide
// token bucket. Without an endpoint the deterministic stub serves local runs.
func buildLLMClient(cfg config.Config) (domain.LLMClient, func(), error) {
	if cfg.LLMURL == "" {
		slog.Warn("LLM_URL not set, using deterministic stub client")
		return stub.New(), func() {}, nil
	}
	ropt, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, nil, fmt.Errorf("limiter broker url: %w", err)
	}
	rdb := redis.NewClient(ropt)
	limiter := ratelimit.New(rdb, map[string]ratelimit.Bucket{
		openai.RateBucket: ratelimit.PerMinute(cfg.LLMRequestsPerMin),
	})
	client := openai.New(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout,
		openai.WithLimiter(limiter))
	return client, func() { _ = rdb.Close() }, nil
}

func buildGraphSink(cfg config.Config) domain.GraphSink {
	if cfg.GraphSinkURL == "" {
		slog.Warn("GRAPH_SINK_URL not set, using in-memory graph sink")
		return graph.NewMemorySink()
	}
	return graph.NewHTTPSink(cfg.GraphSinkURL, cfg.GraphSinkKey, 30*time.Second)
}
