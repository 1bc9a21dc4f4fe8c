package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// EvidenceRepo appends worker opinions about candidate relationships.
// Inserts are idempotent on (relationship_id, batch_id, source_worker) so
// redelivered events cannot double-count.
type EvidenceRepo struct{ Pool PgxPool }

// NewEvidenceRepo constructs an EvidenceRepo with the given pool.
func NewEvidenceRepo(p PgxPool) *EvidenceRepo { return &EvidenceRepo{Pool: p} }

func (r *EvidenceRepo) InsertBatch(ctx domain.Context, tx domain.Tx, evs []domain.Evidence) error {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.InsertBatch")
	defer span.End()
	db := pick(r.Pool, tx)
	q := `INSERT INTO evidence (relationship_id, batch_id, run_id, source_worker, initial_score, found_relationship, payload)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (relationship_id, batch_id, source_worker) DO NOTHING`
	for _, ev := range evs {
		if _, err := db.Exec(ctx, q,
			ev.RelationshipID, ev.BatchID, ev.RunID, ev.SourceWorker, ev.InitialScore, ev.FoundRelationship, ev.Payload); err != nil {
			return fmt.Errorf("op=evidence.insert_batch: %q: %w", ev.RelationshipID, err)
		}
	}
	return nil
}

// ListByRelationship returns evidence in arrival order; the first row seeds
// the confidence score during reconciliation.
func (r *EvidenceRepo) ListByRelationship(ctx domain.Context, relationshipID string) ([]domain.Evidence, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.ListByRelationship")
	defer span.End()
	q := `SELECT id, relationship_id, batch_id, run_id, source_worker, initial_score, found_relationship, payload, created_at
		FROM evidence WHERE relationship_id=$1 ORDER BY id`
	rows, err := r.Pool.Query(ctx, q, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("op=evidence.list_by_relationship: %w", err)
	}
	defer rows.Close()
	var out []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		if err := rows.Scan(&ev.ID, &ev.RelationshipID, &ev.BatchID, &ev.RunID, &ev.SourceWorker, &ev.InitialScore, &ev.FoundRelationship, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=evidence.list_by_relationship: scan: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=evidence.list_by_relationship: rows: %w", err)
	}
	return out, nil
}

func (r *EvidenceRepo) CountByRun(ctx domain.Context, runID string) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM evidence WHERE run_id=$1`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=evidence.count_by_run: %w", err)
	}
	return n, nil
}

var _ domain.EvidenceRepository = (*EvidenceRepo)(nil)
