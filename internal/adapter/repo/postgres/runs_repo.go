package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// RunRepo persists pipeline runs and their finalization counters.
type RunRepo struct{ Pool PgxPool }

// NewRunRepo constructs a RunRepo with the given pool.
func NewRunRepo(p PgxPool) *RunRepo { return &RunRepo{Pool: p} }

func (r *RunRepo) Create(ctx domain.Context, run domain.Run) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	status := run.Status
	if status == "" {
		status = domain.RunRunning
	}
	started := run.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO runs (run_id, parent_job_id, status, started_at) VALUES ($1,$2,$3,$4)`,
		run.RunID, run.ParentJobID, status, started)
	if err != nil {
		return fmt.Errorf("op=runs.create: %w", err)
	}
	return nil
}

func (r *RunRepo) Get(ctx domain.Context, runID string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	q := `SELECT run_id, parent_job_id, status, started_at, finished_at, error, counters FROM runs WHERE run_id=$1`
	var run domain.Run
	var countersJSON []byte
	err := r.Pool.QueryRow(ctx, q, runID).Scan(
		&run.RunID, &run.ParentJobID, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Error, &countersJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Run{}, fmt.Errorf("op=runs.get: %q: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("op=runs.get: %w", err)
	}
	if len(countersJSON) > 0 {
		_ = json.Unmarshal(countersJSON, &run.Counters)
	}
	return run, nil
}

func (r *RunRepo) SetParentJob(ctx domain.Context, runID, parentJobID string) error {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE runs SET parent_job_id=$2 WHERE run_id=$1`, runID, parentJobID)
	if err != nil {
		return fmt.Errorf("op=runs.set_parent_job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=runs.set_parent_job: %q: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (r *RunRepo) Finish(ctx domain.Context, runID string, status domain.RunStatus, errMsg string, counters domain.RunCounters) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Finish")
	defer span.End()
	countersJSON, err := json.Marshal(counters)
	if err != nil {
		return fmt.Errorf("op=runs.finish: marshal counters: %w", err)
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE runs SET status=$2, error=$3, counters=$4, finished_at=now() WHERE run_id=$1`,
		runID, status, errMsg, countersJSON)
	if err != nil {
		return fmt.Errorf("op=runs.finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=runs.finish: %q: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// ListStuck returns runs still marked running that started before the
// window; the sweeper fails them so operators see the wreckage.
func (r *RunRepo) ListStuck(ctx domain.Context, olderThan time.Duration) ([]domain.Run, error) {
	q := `SELECT run_id, parent_job_id, status, started_at, finished_at, error, counters
		FROM runs WHERE status='running' AND started_at < now() - $1::interval ORDER BY started_at`
	rows, err := r.Pool.Query(ctx, q, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return nil, fmt.Errorf("op=runs.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Run
	for rows.Next() {
		var run domain.Run
		var countersJSON []byte
		if err := rows.Scan(&run.RunID, &run.ParentJobID, &run.Status, &run.StartedAt, &run.FinishedAt, &run.Error, &countersJSON); err != nil {
			return nil, fmt.Errorf("op=runs.list_stuck: scan: %w", err)
		}
		if len(countersJSON) > 0 {
			_ = json.Unmarshal(countersJSON, &run.Counters)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=runs.list_stuck: rows: %w", err)
	}
	return out, nil
}

var _ domain.RunRepository = (*RunRepo)(nil)
