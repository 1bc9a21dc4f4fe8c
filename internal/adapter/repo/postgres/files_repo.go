package postgres

import (
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// FileRepo persists discovered source files. One row per path; a new run
// takes ownership of the row via upsert.
type FileRepo struct{ Pool PgxPool }

// NewFileRepo constructs a FileRepo with the given pool.
func NewFileRepo(p PgxPool) *FileRepo { return &FileRepo{Pool: p} }

func (r *FileRepo) Upsert(ctx domain.Context, tx domain.Tx, f domain.File) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "files"),
	)
	q := `INSERT INTO files (id, run_id, path, dir, checksum, language, status, special_type, last_processed)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			checksum = EXCLUDED.checksum,
			language = EXCLUDED.language,
			status = EXCLUDED.status,
			special_type = EXCLUDED.special_type,
			last_processed = EXCLUDED.last_processed`
	status := f.Status
	if status == "" {
		status = domain.FilePending
	}
	_, err := pick(r.Pool, tx).Exec(ctx, q,
		f.ID, f.RunID, f.Path, path.Dir(f.Path), f.Checksum, f.Language, status, f.SpecialType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=files.upsert: %w", err)
	}
	return nil
}

func (r *FileRepo) GetByPath(ctx domain.Context, p string) (domain.File, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.GetByPath")
	defer span.End()
	q := `SELECT id, run_id, path, checksum, language, status, special_type, COALESCE(last_processed, 'epoch'::timestamptz)
		FROM files WHERE path=$1`
	var f domain.File
	err := r.Pool.QueryRow(ctx, q, p).Scan(
		&f.ID, &f.RunID, &f.Path, &f.Checksum, &f.Language, &f.Status, &f.SpecialType, &f.LastProcessed)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.File{}, fmt.Errorf("op=files.get_by_path: %q: %w", p, domain.ErrNotFound)
	}
	if err != nil {
		return domain.File{}, fmt.Errorf("op=files.get_by_path: %w", err)
	}
	return f, nil
}

func (r *FileRepo) UpdateStatus(ctx domain.Context, tx domain.Tx, id string, status domain.FileStatus) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()
	tag, err := pick(r.Pool, tx).Exec(ctx,
		`UPDATE files SET status=$2, last_processed=now() WHERE id=$1`, id, status)
	if err != nil {
		return fmt.Errorf("op=files.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=files.update_status: %q: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *FileRepo) CountByRun(ctx domain.Context, runID string) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM files WHERE run_id=$1`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=files.count_by_run: %w", err)
	}
	return n, nil
}

// CountByDirectory reports how many files of a run live in dir and how many
// reached a terminal status. Errored files count as terminal so one dead
// file cannot wedge the directory barrier forever.
func (r *FileRepo) CountByDirectory(ctx domain.Context, runID, dir string) (int, int, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.CountByDirectory")
	defer span.End()
	q := `SELECT COUNT(*), COUNT(*) FILTER (WHERE status IN ('completed','error'))
		FROM files WHERE run_id=$1 AND dir=$2`
	var total, completed int
	if err := r.Pool.QueryRow(ctx, q, runID, dir).Scan(&total, &completed); err != nil {
		return 0, 0, fmt.Errorf("op=files.count_by_directory: %w", err)
	}
	return total, completed, nil
}

func (r *FileRepo) ListDirectories(ctx domain.Context, runID string) ([]string, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.ListDirectories")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT DISTINCT dir FROM files WHERE run_id=$1 ORDER BY dir`, runID)
	if err != nil {
		return nil, fmt.Errorf("op=files.list_directories: %w", err)
	}
	defer rows.Close()
	var dirs []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("op=files.list_directories: scan: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=files.list_directories: rows: %w", err)
	}
	return dirs, nil
}

var _ domain.FileRepository = (*FileRepo)(nil)
