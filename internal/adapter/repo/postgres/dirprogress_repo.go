package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// DirectoryProgressRepo tracks which directories of a run finished their
// intra-directory resolution pass. MarkResolved is the DB-side barrier that
// guarantees exactly one resolution job per directory even when two batch
// workers finish the directory's last files concurrently.
type DirectoryProgressRepo struct{ Pool PgxPool }

// NewDirectoryProgressRepo constructs a DirectoryProgressRepo with the given pool.
func NewDirectoryProgressRepo(p PgxPool) *DirectoryProgressRepo {
	return &DirectoryProgressRepo{Pool: p}
}

func (r *DirectoryProgressRepo) Ensure(ctx domain.Context, tx domain.Tx, runID, dir string, filesTotal int) error {
	tracer := otel.Tracer("repo.directory_progress")
	ctx, span := tracer.Start(ctx, "directory_progress.Ensure")
	defer span.End()
	_, err := pick(r.Pool, tx).Exec(ctx,
		`INSERT INTO directory_progress (run_id, dir, files_total)
		VALUES ($1,$2,$3)
		ON CONFLICT (run_id, dir) DO UPDATE SET files_total = EXCLUDED.files_total`,
		runID, dir, filesTotal)
	if err != nil {
		return fmt.Errorf("op=directory_progress.ensure: %w", err)
	}
	return nil
}

// MarkResolved flips the directory to resolved. The conditional update makes
// it a compare-and-set: the second caller sees alreadyResolved=true and must
// not enqueue a duplicate resolution job.
func (r *DirectoryProgressRepo) MarkResolved(ctx domain.Context, runID, dir string) (bool, error) {
	tracer := otel.Tracer("repo.directory_progress")
	ctx, span := tracer.Start(ctx, "directory_progress.MarkResolved")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE directory_progress SET resolved=TRUE, resolved_at=now()
		WHERE run_id=$1 AND dir=$2 AND resolved=FALSE`,
		runID, dir)
	if err != nil {
		return false, fmt.Errorf("op=directory_progress.mark_resolved: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (r *DirectoryProgressRepo) CountUnresolved(ctx domain.Context, runID string) (int, error) {
	var n int
	if err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM directory_progress WHERE run_id=$1 AND resolved=FALSE`, runID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=directory_progress.count_unresolved: %w", err)
	}
	return n, nil
}

var _ domain.DirectoryProgressRepository = (*DirectoryProgressRepo)(nil)
