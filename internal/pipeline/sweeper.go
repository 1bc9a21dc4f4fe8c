package pipeline

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// StuckRunSweeper fails runs whose worker died without finishing them. A run
// still marked running past MaxAge has lost its finalization job.
type StuckRunSweeper struct {
	Runs     domain.RunRepository
	Interval time.Duration
	MaxAge   time.Duration
}

func (s *StuckRunSweeper) interval() time.Duration {
	if s.Interval <= 0 {
		return time.Minute
	}
	return s.Interval
}

func (s *StuckRunSweeper) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return 2 * time.Hour
	}
	return s.MaxAge
}

// Start sweeps until ctx is cancelled.
func (s *StuckRunSweeper) Start(ctx domain.Context) {
	tick := time.NewTicker(s.interval())
	defer tick.Stop()
	slog.Info("stuck-run sweeper started",
		slog.Duration("interval", s.interval()), slog.Duration("max_age", s.maxAge()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fails every run older than MaxAge that is still running.
func (s *StuckRunSweeper) Sweep(ctx domain.Context) {
	stuck, err := s.Runs.ListStuck(ctx, s.maxAge())
	if err != nil {
		slog.Error("stuck-run sweep failed", slog.Any("error", err))
		return
	}
	for _, r := range stuck {
		err := s.Runs.Finish(ctx, r.RunID, domain.RunFailed, "run stalled past max age", r.Counters)
		if err != nil {
			slog.Error("failed to fail stuck run", slog.String("run_id", r.RunID), slog.Any("error", err))
			continue
		}
		slog.Warn("stuck run failed by sweeper",
			slog.String("run_id", r.RunID),
			slog.Time("started_at", r.StartedAt))
	}
}
