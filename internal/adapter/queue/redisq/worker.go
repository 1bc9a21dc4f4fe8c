package redisq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// WorkerOptions tune a worker pool for one queue.
type WorkerOptions struct {
	Concurrency int
	// JobTimeout bounds a single handler invocation.
	JobTimeout time.Duration
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = 120 * time.Second
	}
	return o
}

// Worker is a parallel pool of handlers bound to one queue. Each goroutine
// handles a single job at a time; a heartbeat keeps the job lock alive and a
// stalled checker requeues jobs whose holder died.
type Worker struct {
	m       *Manager
	queue   string
	handler domain.JobHandler
	opts    WorkerOptions

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker binds handler to queue. Call Start to begin fetching.
func (m *Manager) NewWorker(queue string, handler domain.JobHandler, opts WorkerOptions) *Worker {
	return &Worker{m: m, queue: queue, handler: handler, opts: opts.withDefaults()}
}

// Start launches the fetch loops plus the delayed-job promoter and the
// stalled checker. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.fetchLoop(ctx)
		}()
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.maintenanceLoop(ctx)
	}()
	slog.Info("worker started",
		slog.String("queue", w.queue),
		slog.Int("concurrency", w.opts.Concurrency))
}

// Close stops fetching and drains in-flight jobs up to timeout, then returns
// regardless; any job still running loses its heartbeat and is requeued by
// the stalled checker.
func (w *Worker) Close(timeout time.Duration) error {
	if w.cancel != nil {
		w.cancel()
	}
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("op=redisq.worker.Close: %w: drain timeout", domain.ErrQueueClosed)
	}
}

func (w *Worker) fetchLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		id, err := w.m.rdb.BLMove(ctx, waitKey(w.queue), activeKey(w.queue), "RIGHT", "LEFT", 2*time.Second).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("queue fetch error, backing off",
				slog.String("queue", w.queue), slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		w.handleOne(ctx, id)
	}
}

func (w *Worker) handleOne(ctx context.Context, id string) {
	job, err := w.loadJob(ctx, id)
	if err != nil {
		slog.Error("failed to load fetched job; dropping from active",
			slog.String("queue", w.queue), slog.String("job_id", id), slog.Any("error", err))
		w.m.rdb.LRem(ctx, activeKey(w.queue), 0, id)
		return
	}

	token := uuid.New().String()
	lockTTL := 2 * w.m.opts.StalledInterval
	pipe := w.m.rdb.Pipeline()
	pipe.HSet(ctx, jobKey(w.queue, id), "state", string(domain.JobActive))
	pipe.HIncrBy(ctx, jobKey(w.queue, id), "attempts", 1)
	pipe.Set(ctx, lockKey(w.queue, id), token, lockTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("failed to activate job", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	job.Attempts++

	observability.JobsProcessing.WithLabelValues(w.queue).Inc()
	defer observability.JobsProcessing.WithLabelValues(w.queue).Dec()

	// Heartbeat keeps the lock alive while the handler runs.
	hbCtx, stopHB := context.WithCancel(ctx)
	go w.heartbeat(hbCtx, id, lockTTL)

	jobCtx, cancel := context.WithTimeout(ctx, w.opts.JobTimeout)
	err = w.handler(jobCtx, job)
	cancel()
	stopHB()

	// Terminal bookkeeping must survive caller cancellation.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()

	if err == nil {
		w.complete(finCtx, id)
		return
	}
	w.fail(finCtx, job, err)
}

func (w *Worker) heartbeat(ctx context.Context, id string, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.m.rdb.Expire(ctx, lockKey(w.queue, id), ttl).Result()
			if err != nil || !ok {
				slog.Warn("job lock heartbeat failed",
					slog.String("queue", w.queue), slog.String("job_id", id), slog.Any("error", err))
			}
		}
	}
}

func (w *Worker) loadJob(ctx context.Context, id string) (domain.Job, error) {
	vals, err := w.m.rdb.HGetAll(ctx, jobKey(w.queue, id)).Result()
	if err != nil {
		return domain.Job{}, err
	}
	if len(vals) == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	maxAttempts, _ := strconv.Atoi(vals["max_attempts"])
	return domain.Job{
		ID:          id,
		Queue:       w.queue,
		Name:        vals["name"],
		Payload:     []byte(vals["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}, nil
}

func (w *Worker) complete(ctx context.Context, id string) {
	keys := []string{activeKey(w.queue), jobKey(w.queue, id), lockKey(w.queue, id)}
	retention := int(w.m.opts.Retention.Seconds())
	if err := completeScript.Run(ctx, w.m.rdb, keys, id, retention, time.Now().UnixMilli()).Err(); err != nil {
		slog.Error("failed to complete job", slog.String("job_id", id), slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(w.queue).Inc()
	w.m.notifyParent(ctx, domain.JobHandle{Queue: w.queue, ID: id})
}

func (w *Worker) fail(ctx context.Context, job domain.Job, handlerErr error) {
	observability.JobsFailedTotal.WithLabelValues(w.queue).Inc()

	forceDead := "0"
	if errors.Is(handlerErr, domain.ErrJobUnrecoverable) {
		forceDead = "1"
	}
	readyAt := time.Now().Add(w.m.backoffDelay(job.Attempts)).UnixMilli()
	keys := []string{
		activeKey(w.queue), jobKey(w.queue, job.ID), lockKey(w.queue, job.ID),
		delayedKey(w.queue), deadKey(w.queue),
	}
	dead, err := failScript.Run(ctx, w.m.rdb, keys, job.ID, readyAt, handlerErr.Error(), forceDead, time.Now().UnixMilli()).Int()
	if err != nil {
		slog.Error("failed to fail job", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if dead == 1 {
		observability.JobsDeadLetteredTotal.WithLabelValues(w.queue).Inc()
		slog.Error("job dead-lettered",
			slog.String("queue", w.queue),
			slog.String("job_id", job.ID),
			slog.Int("attempts", job.Attempts),
			slog.Any("error", handlerErr))
		// Dead is terminal: the parent barrier counts it as terminated.
		w.m.notifyParent(ctx, domain.JobHandle{Queue: w.queue, ID: job.ID})
		return
	}
	slog.Warn("job failed, scheduled for retry",
		slog.String("queue", w.queue),
		slog.String("job_id", job.ID),
		slog.Int("attempts", job.Attempts),
		slog.Any("error", handlerErr))
}

// maintenanceLoop promotes due delayed jobs and requeues stalled ones.
func (w *Worker) maintenanceLoop(ctx context.Context) {
	promote := time.NewTicker(time.Second)
	defer promote.Stop()
	stalled := time.NewTicker(w.m.opts.StalledInterval)
	defer stalled.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-promote.C:
			w.promoteDue(ctx)
		case <-stalled.C:
			w.requeueStalled(ctx)
		}
	}
}

func (w *Worker) promoteDue(ctx context.Context) {
	n, err := promoteScript.Run(ctx, w.m.rdb,
		[]string{delayedKey(w.queue), waitKey(w.queue)},
		time.Now().UnixMilli(), 100).Int()
	if err != nil && ctx.Err() == nil {
		slog.Error("delayed promotion failed", slog.String("queue", w.queue), slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Debug("promoted delayed jobs", slog.String("queue", w.queue), slog.Int("count", n))
	}
}

func (w *Worker) requeueStalled(ctx context.Context) {
	ids, err := w.m.rdb.LRange(ctx, activeKey(w.queue), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stalled scan failed", slog.String("queue", w.queue), slog.Any("error", err))
		}
		return
	}
	for _, id := range ids {
		keys := []string{activeKey(w.queue), jobKey(w.queue, id), lockKey(w.queue, id), waitKey(w.queue)}
		requeued, err := requeueStalledScript.Run(ctx, w.m.rdb, keys, id).Int()
		if err != nil {
			slog.Error("stalled requeue failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		if requeued == 1 {
			slog.Warn("requeued stalled job", slog.String("queue", w.queue), slog.String("job_id", id))
		}
	}
}
