// Package redisq implements the typed job-queue port on a Redis broker.
//
// Jobs live in per-queue hashes; wait/active lists, a delayed zset and a
// dead-letter list model the lifecycle. Multi-key transitions run as Lua
// scripts, and parent jobs stay in waiting-children until every linked child
// terminates, which is the only strict happens-before barrier the pipeline
// relies on.
package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

const keyPrefix = "cgp"

// Options tune a Manager.
type Options struct {
	// MaxAttempts is the default per-job attempt budget.
	MaxAttempts int
	// BackoffBase seeds the exponential retry delay base*2^(attempts-1).
	BackoffBase time.Duration
	// StalledInterval is the heartbeat window after which an active job
	// becomes re-eligible.
	StalledInterval time.Duration
	// Retention bounds how long terminal job hashes stay readable.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.StalledInterval <= 0 {
		o.StalledInterval = 30 * time.Second
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

// Manager is the broker-side queue manager. It implements domain.Queue and
// domain.Lock over a shared Redis connection pool.
type Manager struct {
	rdb  redis.UniversalClient
	opts Options
}

// New connects to the broker at url and verifies the connection, retrying
// with exponential backoff. Transient broker loss never exits the process;
// go-redis re-establishes connections per command after startup.
func New(ctx context.Context, url string, opts Options) (*Manager, error) {
	ropt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.New: %w", err)
	}
	ropt.MaxRetries = -1 // retry commands until ctx cancellation
	rdb := redis.NewClient(ropt)

	ping := func() error { return rdb.Ping(ctx).Err() }
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.RetryNotify(ping, bo, func(err error, next time.Duration) {
		slog.Warn("broker unreachable, retrying", slog.Any("error", err), slog.Duration("next", next))
	}); err != nil {
		return nil, fmt.Errorf("op=redisq.New: ping: %w", err)
	}
	return &Manager{rdb: rdb, opts: opts.withDefaults()}, nil
}

// NewWithClient wraps an existing client; used by tests against miniredis.
func NewWithClient(rdb redis.UniversalClient, opts Options) *Manager {
	return &Manager{rdb: rdb, opts: opts.withDefaults()}
}

func jobKey(queue, id string) string   { return keyPrefix + ":" + queue + ":job:" + id }
func depsKey(queue, id string) string  { return jobKey(queue, id) + ":deps" }
func lockKey(queue, id string) string  { return keyPrefix + ":" + queue + ":lock:" + id }
func waitKey(queue string) string      { return keyPrefix + ":" + queue + ":wait" }
func activeKey(queue string) string    { return keyPrefix + ":" + queue + ":active" }
func delayedKey(queue string) string   { return keyPrefix + ":" + queue + ":delayed" }
func deadKey(queue string) string      { return keyPrefix + ":" + queue + ":dead" }
func childRef(h domain.JobHandle) string {
	return h.Queue + "|" + h.ID
}

func newJobID() string { return ulid.Make().String() }

func (m *Manager) createJob(ctx context.Context, queue, name string, payload []byte, maxAttempts int, state domain.JobState) (domain.JobHandle, error) {
	if maxAttempts <= 0 {
		maxAttempts = m.opts.MaxAttempts
	}
	id := newJobID()
	fields := map[string]any{
		"id":           id,
		"queue":        queue,
		"name":         name,
		"payload":      string(payload),
		"state":        string(state),
		"attempts":     0,
		"max_attempts": maxAttempts,
		"created_at":   time.Now().UTC().UnixMilli(),
	}
	if err := m.rdb.HSet(ctx, jobKey(queue, id), fields).Err(); err != nil {
		return domain.JobHandle{}, fmt.Errorf("op=redisq.createJob: %w", err)
	}
	return domain.JobHandle{Queue: queue, ID: id}, nil
}

// Enqueue creates a job and makes it immediately fetchable (after Delay, if
// set).
func (m *Manager) Enqueue(ctx context.Context, queue string, payload []byte, opts domain.EnqueueOpts) (domain.JobHandle, error) {
	state := domain.JobWaiting
	if opts.Delay > 0 {
		state = domain.JobDelayed
	}
	h, err := m.createJob(ctx, queue, opts.Name, payload, opts.MaxAttempts, state)
	if err != nil {
		return domain.JobHandle{}, err
	}
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		if err := m.rdb.ZAdd(ctx, delayedKey(queue), redis.Z{Score: float64(readyAt), Member: h.ID}).Err(); err != nil {
			return domain.JobHandle{}, fmt.Errorf("op=redisq.Enqueue: %w", err)
		}
	} else if err := m.rdb.LPush(ctx, waitKey(queue), h.ID).Err(); err != nil {
		return domain.JobHandle{}, fmt.Errorf("op=redisq.Enqueue: %w", err)
	}
	observability.JobsEnqueuedTotal.WithLabelValues(queue).Inc()
	return h, nil
}

// EnqueueBulkPaused creates jobs in a state no worker can fetch. Callers link
// them to a parent with AddDependencies before Resume; that ordering is what
// prevents a child from completing before the parent knows about it.
func (m *Manager) EnqueueBulkPaused(ctx context.Context, queue, name string, payloads [][]byte) ([]domain.JobHandle, error) {
	handles := make([]domain.JobHandle, 0, len(payloads))
	for _, p := range payloads {
		h, err := m.createJob(ctx, queue, name, p, 0, domain.JobPaused)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// AddDependencies atomically links children to the parent and parks the
// parent in waiting-children.
func (m *Manager) AddDependencies(ctx context.Context, parent domain.JobHandle, children []domain.JobHandle) error {
	if len(children) == 0 {
		return fmt.Errorf("op=redisq.AddDependencies: %w: no children", domain.ErrInvalidArgument)
	}
	args := make([]any, 0, len(children)+1)
	args = append(args, parent.ID)
	for _, c := range children {
		args = append(args, childRef(c))
	}
	keys := []string{jobKey(parent.Queue, parent.ID), depsKey(parent.Queue, parent.ID), waitKey(parent.Queue)}
	if err := addDepsScript.Run(ctx, m.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("op=redisq.AddDependencies: %w", err)
	}
	// Record the parent on each child so terminal transitions can notify it.
	pipe := m.rdb.Pipeline()
	for _, c := range children {
		pipe.HSet(ctx, jobKey(c.Queue, c.ID), "parent", childRef(parent))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.AddDependencies: %w", err)
	}
	return nil
}

// Resume releases paused jobs to workers.
func (m *Manager) Resume(ctx context.Context, handles []domain.JobHandle) error {
	for _, h := range handles {
		err := resumeScript.Run(ctx, m.rdb, []string{jobKey(h.Queue, h.ID), waitKey(h.Queue)}, h.ID).Err()
		if err != nil {
			return fmt.Errorf("op=redisq.Resume: %w", err)
		}
		observability.JobsEnqueuedTotal.WithLabelValues(h.Queue).Inc()
	}
	return nil
}

// State returns the broker-side lifecycle state of a job.
func (m *Manager) State(ctx context.Context, h domain.JobHandle) (domain.JobState, error) {
	s, err := m.rdb.HGet(ctx, jobKey(h.Queue, h.ID), "state").Result()
	if err == redis.Nil {
		return "", fmt.Errorf("op=redisq.State: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("op=redisq.State: %w", err)
	}
	return domain.JobState(s), nil
}

// Delete removes a job from every structure it may sit in. Used by the
// orphan-cleanup pass for paused jobs of an aborted run.
func (m *Manager) Delete(ctx context.Context, h domain.JobHandle) error {
	pipe := m.rdb.Pipeline()
	pipe.LRem(ctx, waitKey(h.Queue), 0, h.ID)
	pipe.ZRem(ctx, delayedKey(h.Queue), h.ID)
	pipe.Del(ctx, jobKey(h.Queue, h.ID), depsKey(h.Queue, h.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=redisq.Delete: %w", err)
	}
	return nil
}

// DeadLetter is one entry of a queue's DLQ: the original payload plus the
// terminal error and attempt count.
type DeadLetter struct {
	JobID    string `json:"jobId"`
	Name     string `json:"name"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// DeadLetters reads up to limit entries from <queue>:dead for operators.
func (m *Manager) DeadLetters(ctx context.Context, queue string, limit int64) ([]DeadLetter, error) {
	ids, err := m.rdb.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.DeadLetters: %w", err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		vals, err := m.rdb.HGetAll(ctx, jobKey(queue, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("op=redisq.DeadLetters: %w", err)
		}
		attempts, _ := strconv.Atoi(vals["attempts"])
		out = append(out, DeadLetter{
			JobID:    id,
			Name:     vals["name"],
			Payload:  vals["payload"],
			Error:    vals["error"],
			Attempts: attempts,
		})
	}
	return out, nil
}

// notifyParent clears one dependency edge after a child terminates.
func (m *Manager) notifyParent(ctx context.Context, child domain.JobHandle) {
	parentRef, err := m.rdb.HGet(ctx, jobKey(child.Queue, child.ID), "parent").Result()
	if err == redis.Nil || parentRef == "" {
		return
	}
	if err != nil {
		slog.Error("failed to load parent ref", slog.String("job_id", child.ID), slog.Any("error", err))
		return
	}
	pq, pid, ok := splitRef(parentRef)
	if !ok {
		slog.Error("malformed parent ref", slog.String("ref", parentRef))
		return
	}
	keys := []string{jobKey(pq, pid), depsKey(pq, pid), waitKey(pq)}
	released, err := childDoneScript.Run(ctx, m.rdb, keys, pid, childRef(child)).Int()
	if err != nil {
		slog.Error("failed to notify parent", slog.String("parent_id", pid), slog.Any("error", err))
		return
	}
	if released == 1 {
		slog.Info("parent released from waiting-children", slog.String("parent_id", pid), slog.String("queue", pq))
	}
}

func splitRef(ref string) (queue, id string, ok bool) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '|' {
			return ref[:i], ref[i+1:], true
		}
	}
	return "", "", false
}

// backoffDelay computes base*2^(attempts-1) with up to 50% jitter.
func (m *Manager) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := m.opts.BackoffBase << uint(attempts-1)
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d + jitter
}

// Ping verifies broker connectivity; used by readiness checks.
func (m *Manager) Ping(ctx context.Context) error { return m.rdb.Ping(ctx).Err() }

// Close releases the broker connection.
func (m *Manager) Close() error { return m.rdb.Close() }

var _ domain.Queue = (*Manager)(nil)
