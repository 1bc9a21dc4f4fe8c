package pipeline

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// EventMirror optionally copies published outbox events to an external
// stream. Mirror failures never block publication.
type EventMirror interface {
	Publish(ctx domain.Context, runID string, ev domain.OutboxEvent) error
}

// Publisher drains PENDING outbox rows into downstream queues. It is a
// single polling loop; a tick that is still in flight suppresses the next.
type Publisher struct {
	Outbox domain.OutboxRepository
	Queue  domain.Queue
	Mirror EventMirror // optional

	Interval  time.Duration
	BatchSize int
	// ResetWindow bounds how long a FAILED row rests before the sweeper
	// flips it back to PENDING.
	ResetWindow time.Duration

	busy atomic.Bool
}

// routes maps event types to their downstream queue. An empty target means
// the event is consumed elsewhere and only needs its status advanced.
var routes = map[string]string{
	domain.EventFileAnalysisFinding:         domain.QueueRelationshipResolution,
	domain.EventDirectoryAnalysisFinding:    "",
	domain.EventRelationshipAnalysisFinding: "",
}

func (p *Publisher) interval() time.Duration {
	if p.Interval <= 0 {
		return time.Second
	}
	return p.Interval
}

func (p *Publisher) batchSize() int {
	if p.BatchSize <= 0 {
		return 10
	}
	return p.BatchSize
}

// Start runs the polling loop until ctx is cancelled. The FAILED sweeper
// runs on its own slower cadence.
func (p *Publisher) Start(ctx domain.Context) {
	tick := time.NewTicker(p.interval())
	defer tick.Stop()
	sweep := time.NewTicker(10 * p.interval())
	defer sweep.Stop()
	slog.Info("outbox publisher started", slog.Duration("interval", p.interval()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.Tick(ctx)
		case <-sweep.C:
			p.sweepFailed(ctx)
		}
	}
}

// Tick publishes one batch of pending rows. Reentrant calls are no-ops.
func (p *Publisher) Tick(ctx domain.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		return
	}
	defer p.busy.Store(false)

	events, err := p.Outbox.ListPending(ctx, p.batchSize())
	if err != nil {
		slog.Error("outbox poll failed", slog.Any("error", err))
		return
	}
	for _, ev := range events {
		p.publishOne(ctx, ev)
	}
}

func (p *Publisher) publishOne(ctx domain.Context, ev domain.OutboxEvent) {
	target, known := routes[ev.EventType]
	if !known {
		slog.Error("outbox event with unknown type", slog.Int64("id", ev.ID), slog.String("event_type", ev.EventType))
		if err := p.Outbox.MarkFailed(ctx, ev.ID); err != nil {
			slog.Error("failed to mark outbox row failed", slog.Int64("id", ev.ID), slog.Any("error", err))
		}
		observability.OutboxFailedTotal.Inc()
		return
	}

	if target != "" {
		_, err := p.Queue.Enqueue(ctx, target, []byte(ev.Payload), domain.EnqueueOpts{Name: ev.EventType})
		if err != nil {
			slog.Error("outbox enqueue failed",
				slog.Int64("id", ev.ID), slog.String("queue", target), slog.Any("error", err))
			if markErr := p.Outbox.MarkFailed(ctx, ev.ID); markErr != nil {
				slog.Error("failed to mark outbox row failed", slog.Int64("id", ev.ID), slog.Any("error", markErr))
			}
			observability.OutboxFailedTotal.Inc()
			return
		}
	}

	// The crash window between enqueue and this update is what makes
	// delivery at-least-once; consumers dedupe on (batchId, relationshipId).
	if err := p.Outbox.MarkPublished(ctx, ev.ID); err != nil {
		slog.Error("failed to mark outbox row published", slog.Int64("id", ev.ID), slog.Any("error", err))
		return
	}
	observability.OutboxPublishedTotal.WithLabelValues(ev.EventType).Inc()

	if p.Mirror != nil {
		var meta struct {
			RunID string `json:"runId"`
		}
		_ = json.Unmarshal([]byte(ev.Payload), &meta)
		if err := p.Mirror.Publish(ctx, meta.RunID, ev); err != nil {
			slog.Warn("event mirror publish failed", slog.Int64("id", ev.ID), slog.Any("error", err))
		}
	}
}

func (p *Publisher) sweepFailed(ctx domain.Context) {
	window := p.ResetWindow
	if window <= 0 {
		window = time.Minute
	}
	n, err := p.Outbox.ResetFailed(ctx, window)
	if err != nil {
		slog.Error("outbox failed-row sweep error", slog.Any("error", err))
		return
	}
	if n > 0 {
		slog.Info("reset failed outbox rows to pending", slog.Int("count", n))
	}
}
