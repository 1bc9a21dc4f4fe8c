package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// RelationshipRepo persists candidate edges through the pending ->
// validated/discarded/conflicted -> ingested lifecycle.
type RelationshipRepo struct{ Pool PgxPool }

// NewRelationshipRepo constructs a RelationshipRepo with the given pool.
func NewRelationshipRepo(p PgxPool) *RelationshipRepo { return &RelationshipRepo{Pool: p} }

func (r *RelationshipRepo) InsertBatch(ctx domain.Context, tx domain.Tx, rels []domain.CandidateRelationship) error {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.InsertBatch")
	defer span.End()
	db := pick(r.Pool, tx)
	q := `INSERT INTO relationships (id, source_poi_id, target_poi_id, type, status, confidence_score, explanation, run_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING`
	for _, rel := range rels {
		status := rel.Status
		if status == "" {
			status = domain.RelPending
		}
		if _, err := db.Exec(ctx, q,
			rel.ID, rel.SourcePoiID, rel.TargetPoiID, rel.Type, status, rel.ConfidenceScore, rel.Explanation, rel.RunID); err != nil {
			return fmt.Errorf("op=relationships.insert_batch: %q: %w", rel.ID, err)
		}
	}
	return nil
}

func (r *RelationshipRepo) ListByStatus(ctx domain.Context, runID string, status domain.RelationshipStatus, limit, offset int) ([]domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListByStatus")
	defer span.End()
	q := `SELECT id, source_poi_id, target_poi_id, type, status, confidence_score, explanation, run_id
		FROM relationships WHERE run_id=$1 AND status=$2 ORDER BY id LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, runID, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.list_by_status: %w", err)
	}
	defer rows.Close()
	var out []domain.CandidateRelationship
	for rows.Next() {
		var rel domain.CandidateRelationship
		if err := rows.Scan(&rel.ID, &rel.SourcePoiID, &rel.TargetPoiID, &rel.Type, &rel.Status, &rel.ConfidenceScore, &rel.Explanation, &rel.RunID); err != nil {
			return nil, fmt.Errorf("op=relationships.list_by_status: scan: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.list_by_status: rows: %w", err)
	}
	return out, nil
}

func (r *RelationshipRepo) ListPendingIDs(ctx domain.Context, runID string) ([]string, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT id FROM relationships WHERE run_id=$1 AND status='pending' ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.list_pending_ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=relationships.list_pending_ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.list_pending_ids: rows: %w", err)
	}
	return ids, nil
}

// ListPendingByDirectory returns pending candidates whose source POI lives
// in dir; these are the candidates a directory resolution pass re-examines.
func (r *RelationshipRepo) ListPendingByDirectory(ctx domain.Context, runID, dir string) ([]domain.CandidateRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.ListPendingByDirectory")
	defer span.End()
	q := `SELECT r.id, r.source_poi_id, r.target_poi_id, r.type, r.status, r.confidence_score, r.explanation, r.run_id
		FROM relationships r JOIN pois p ON p.id = r.source_poi_id
		WHERE r.run_id=$1 AND r.status='pending' AND p.dir=$2 ORDER BY r.id`
	rows, err := r.Pool.Query(ctx, q, runID, dir)
	if err != nil {
		return nil, fmt.Errorf("op=relationships.list_pending_by_directory: %w", err)
	}
	defer rows.Close()
	var out []domain.CandidateRelationship
	for rows.Next() {
		var rel domain.CandidateRelationship
		if err := rows.Scan(&rel.ID, &rel.SourcePoiID, &rel.TargetPoiID, &rel.Type, &rel.Status, &rel.ConfidenceScore, &rel.Explanation, &rel.RunID); err != nil {
			return nil, fmt.Errorf("op=relationships.list_pending_by_directory: scan: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=relationships.list_pending_by_directory: rows: %w", err)
	}
	return out, nil
}

func (r *RelationshipRepo) UpdateStatus(ctx domain.Context, tx domain.Tx, id string, status domain.RelationshipStatus, score float64) error {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.UpdateStatus")
	defer span.End()
	tag, err := pick(r.Pool, tx).Exec(ctx,
		`UPDATE relationships SET status=$2, confidence_score=$3 WHERE id=$1`, id, status, score)
	if err != nil {
		return fmt.Errorf("op=relationships.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=relationships.update_status: %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *RelationshipRepo) CountByRun(ctx domain.Context, runID string) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM relationships WHERE run_id=$1`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=relationships.count_by_run: %w", err)
	}
	return n, nil
}

var _ domain.RelationshipRepository = (*RelationshipRepo)(nil)
