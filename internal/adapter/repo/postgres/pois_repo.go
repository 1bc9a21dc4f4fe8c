package postgres

import (
	"errors"
	"fmt"
	"path"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// POIRepo persists points of interest keyed by their content checksum, so
// re-analysis of an unchanged file converges on the same rows.
type POIRepo struct{ Pool PgxPool }

// NewPOIRepo constructs a POIRepo with the given pool.
func NewPOIRepo(p PgxPool) *POIRepo { return &POIRepo{Pool: p} }

func (r *POIRepo) UpsertBatch(ctx domain.Context, tx domain.Tx, pois []domain.POI) error {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.UpsertBatch")
	defer span.End()
	db := pick(r.Pool, tx)
	q := `INSERT INTO pois (id, file_id, run_id, type, name, start_line, end_line, is_exported, checksum, file_path, dir)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (checksum) DO UPDATE SET
			file_id = EXCLUDED.file_id,
			run_id = EXCLUDED.run_id,
			start_line = EXCLUDED.start_line,
			end_line = EXCLUDED.end_line,
			is_exported = EXCLUDED.is_exported`
	for _, p := range pois {
		if _, err := db.Exec(ctx, q,
			p.ID, p.FileID, p.RunID, p.Type, p.Name, p.StartLine, p.EndLine, p.IsExported, p.Checksum, p.FilePath, path.Dir(p.FilePath)); err != nil {
			return fmt.Errorf("op=pois.upsert_batch: %q: %w", p.Name, err)
		}
	}
	return nil
}

func (r *POIRepo) GetByChecksum(ctx domain.Context, checksum string) (domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.GetByChecksum")
	defer span.End()
	q := `SELECT id, file_id, run_id, type, name, start_line, end_line, is_exported, checksum, file_path
		FROM pois WHERE checksum=$1`
	var p domain.POI
	err := r.Pool.QueryRow(ctx, q, checksum).Scan(
		&p.ID, &p.FileID, &p.RunID, &p.Type, &p.Name, &p.StartLine, &p.EndLine, &p.IsExported, &p.Checksum, &p.FilePath)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.POI{}, fmt.Errorf("op=pois.get_by_checksum: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.POI{}, fmt.Errorf("op=pois.get_by_checksum: %w", err)
	}
	return p, nil
}

func (r *POIRepo) ListByFile(ctx domain.Context, fileID string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByFile")
	defer span.End()
	q := `SELECT id, file_id, run_id, type, name, start_line, end_line, is_exported, checksum, file_path
		FROM pois WHERE file_id=$1 ORDER BY start_line`
	rows, err := r.Pool.Query(ctx, q, fileID)
	if err != nil {
		return nil, fmt.Errorf("op=pois.list_by_file: %w", err)
	}
	defer rows.Close()
	var out []domain.POI
	for rows.Next() {
		var p domain.POI
		if err := rows.Scan(&p.ID, &p.FileID, &p.RunID, &p.Type, &p.Name, &p.StartLine, &p.EndLine, &p.IsExported, &p.Checksum, &p.FilePath); err != nil {
			return nil, fmt.Errorf("op=pois.list_by_file: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pois.list_by_file: rows: %w", err)
	}
	return out, nil
}

func (r *POIRepo) ListByDirectory(ctx domain.Context, runID, dir string) ([]domain.POI, error) {
	tracer := otel.Tracer("repo.pois")
	ctx, span := tracer.Start(ctx, "pois.ListByDirectory")
	defer span.End()
	q := `SELECT id, file_id, run_id, type, name, start_line, end_line, is_exported, checksum, file_path
		FROM pois WHERE run_id=$1 AND dir=$2 ORDER BY file_path, start_line`
	rows, err := r.Pool.Query(ctx, q, runID, dir)
	if err != nil {
		return nil, fmt.Errorf("op=pois.list_by_directory: %w", err)
	}
	defer rows.Close()
	return scanPOIs(rows)
}

func (r *POIRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.POI, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := `SELECT id, file_id, run_id, type, name, start_line, end_line, is_exported, checksum, file_path
		FROM pois WHERE id = ANY($1)`
	rows, err := r.Pool.Query(ctx, q, ids)
	if err != nil {
		return nil, fmt.Errorf("op=pois.list_by_ids: %w", err)
	}
	defer rows.Close()
	return scanPOIs(rows)
}

func scanPOIs(rows pgx.Rows) ([]domain.POI, error) {
	var out []domain.POI
	for rows.Next() {
		var p domain.POI
		if err := rows.Scan(&p.ID, &p.FileID, &p.RunID, &p.Type, &p.Name, &p.StartLine, &p.EndLine, &p.IsExported, &p.Checksum, &p.FilePath); err != nil {
			return nil, fmt.Errorf("op=pois.scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=pois.rows: %w", err)
	}
	return out, nil
}

func (r *POIRepo) CountByRun(ctx domain.Context, runID string) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM pois WHERE run_id=$1`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=pois.count_by_run: %w", err)
	}
	return n, nil
}

var _ domain.POIRepository = (*POIRepo)(nil)
