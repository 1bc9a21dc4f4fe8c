package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// OutboxRepo stores side-effects in the same transaction as the state change
// that requires them. The publisher drains PENDING rows in insertion order.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

func (r *OutboxRepo) Insert(ctx domain.Context, tx domain.Tx, eventType, payload string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Insert")
	defer span.End()
	_, err := pick(r.Pool, tx).Exec(ctx,
		`INSERT INTO outbox (event_type, payload, status) VALUES ($1,$2,'PENDING')`, eventType, payload)
	if err != nil {
		return fmt.Errorf("op=outbox.insert: %w", err)
	}
	return nil
}

func (r *OutboxRepo) ListPending(ctx domain.Context, limit int) ([]domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListPending")
	defer span.End()
	q := `SELECT id, event_type, payload, status, created_at
		FROM outbox WHERE status='PENDING' ORDER BY id LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxEvent
	for rows.Next() {
		var ev domain.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.Status, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.list_pending: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.list_pending: rows: %w", err)
	}
	return out, nil
}

func (r *OutboxRepo) MarkPublished(ctx domain.Context, id int64) error {
	return r.mark(ctx, id, domain.OutboxPublished)
}

func (r *OutboxRepo) MarkFailed(ctx domain.Context, id int64) error {
	return r.mark(ctx, id, domain.OutboxFailed)
}

func (r *OutboxRepo) mark(ctx domain.Context, id int64, status domain.OutboxStatus) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE outbox SET status=$2, updated_at=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=outbox.mark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=outbox.mark: id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ResetFailed flips FAILED rows older than the window back to PENDING so the
// publisher retries them.
func (r *OutboxRepo) ResetFailed(ctx domain.Context, olderThan time.Duration) (int, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE outbox SET status='PENDING', updated_at=now()
		WHERE status='FAILED' AND updated_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("op=outbox.reset_failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

var _ domain.OutboxRepository = (*OutboxRepo)(nil)
