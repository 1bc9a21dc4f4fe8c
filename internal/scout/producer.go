package scout

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// Options configure one discovery run.
type Options struct {
	TargetDirectory string
	Include         []string
	Ignore          []string
	MaxTokens       int
	PromptOverhead  int
	LockTTL         time.Duration
	JobMaxAttempts  int
}

// Producer is the stateless discovery/batching process. It never tracks its
// own progress; a crashed run is replaced by a fresh run with a new runId.
type Producer struct {
	Queue   domain.Queue
	Lock    domain.Lock
	Runs    domain.RunRepository
	Files   domain.FileRepository
	Dirs    domain.DirectoryProgressRepository
	Counter TokenCounter
	Opts    Options
}

// Run executes one discovery pass: lock, run row, paused parent, streamed
// batches, dependency registration, resume, unlock. Returns the runId.
func (p *Producer) Run(ctx domain.Context) (string, error) {
	release, err := p.Lock.Acquire(ctx, "discovery:"+p.Opts.TargetDirectory, p.Opts.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			// Another producer is already scanning this directory.
			slog.Info("discovery lock held, exiting cleanly",
				slog.String("target", p.Opts.TargetDirectory))
			return "", nil
		}
		return "", fmt.Errorf("op=scout.Run: %w", err)
	}
	defer func() {
		if relErr := release(ctx); relErr != nil {
			slog.Warn("failed to release discovery lock", slog.Any("error", relErr))
		}
	}()

	runID := uuid.New().String()
	if err := p.Runs.Create(ctx, domain.Run{RunID: runID, Status: domain.RunRunning}); err != nil {
		return "", fmt.Errorf("op=scout.Run: create run: %w", err)
	}
	slog.Info("run started",
		slog.String("run_id", runID),
		slog.String("target", p.Opts.TargetDirectory))

	// The parent is created paused so no finalization worker can fetch it
	// before its children are registered.
	parentPayload, _ := json.Marshal(map[string]string{"runId": runID})
	parents, err := p.Queue.EnqueueBulkPaused(ctx, domain.QueueGraphBuild, domain.JobGraphBuildFinalization, [][]byte{parentPayload})
	if err != nil {
		p.failRun(ctx, runID, nil, domain.JobHandle{}, err)
		return runID, fmt.Errorf("op=scout.Run: parent job: %w", err)
	}
	parent := parents[0]
	if err := p.Runs.SetParentJob(ctx, runID, parent.ID); err != nil {
		p.failRun(ctx, runID, nil, parent, err)
		return runID, fmt.Errorf("op=scout.Run: set parent: %w", err)
	}

	children, err := p.discover(ctx, runID)
	if err != nil {
		p.failRun(ctx, runID, children, parent, err)
		return runID, fmt.Errorf("op=scout.Run: discover: %w", err)
	}

	if len(children) == 0 {
		// Empty repository: no analyses to wait on, release the parent so
		// finalization still runs and closes out the run.
		slog.Warn("no files discovered", slog.String("run_id", runID))
		if err := p.Queue.Resume(ctx, parents); err != nil {
			p.failRun(ctx, runID, nil, parent, err)
			return runID, fmt.Errorf("op=scout.Run: resume parent: %w", err)
		}
		return runID, nil
	}

	// Dependencies are registered before any child may run. This ordering
	// prevents the race where a child completes before the parent knows
	// about it and the parent finalizes early.
	if err := p.Queue.AddDependencies(ctx, parent, children); err != nil {
		p.failRun(ctx, runID, children, parent, err)
		return runID, fmt.Errorf("op=scout.Run: add dependencies: %w", err)
	}
	if err := p.Queue.Resume(ctx, children); err != nil {
		p.failRun(ctx, runID, children, parent, err)
		return runID, fmt.Errorf("op=scout.Run: resume: %w", err)
	}

	slog.Info("discovery complete",
		slog.String("run_id", runID),
		slog.Int("batches", len(children)))
	return runID, nil
}

// discover walks the target directory, persists file rows, packs batches and
// enqueues them paused. Returns the paused child handles.
func (p *Producer) discover(ctx domain.Context, runID string) ([]domain.JobHandle, error) {
	packer := NewPacker(runID, p.Counter, p.Opts.MaxTokens, p.Opts.PromptOverhead)
	dirCounts := map[string]int{}
	var children []domain.JobHandle

	enqueue := func(b domain.Batch) error {
		payload, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal batch: %w", err)
		}
		handles, err := p.Queue.EnqueueBulkPaused(ctx, domain.QueueFileAnalysis, "analyze-file", [][]byte{payload})
		if err != nil {
			return fmt.Errorf("enqueue batch: %w", err)
		}
		children = append(children, handles...)
		observability.BatchesEnqueuedTotal.Inc()
		observability.BatchTokenCount.Observe(float64(b.TokenCount))
		return nil
	}

	walkErr := WalkFiles(ctx, p.Opts.TargetDirectory, p.Opts.Include, p.Opts.Ignore, func(f WalkedFile) error {
		if err := p.Files.Upsert(ctx, nil, domain.File{
			ID:          domain.FileID(f.Path),
			RunID:       runID,
			Path:        f.Path,
			Checksum:    f.Checksum,
			Language:    f.Language,
			Status:      domain.FilePending,
			SpecialType: f.SpecialType,
		}); err != nil {
			return err
		}
		dirCounts[path.Dir(f.Path)]++
		for _, b := range packer.Add(f.Path, f.Content) {
			if err := enqueue(b); err != nil {
				return err
			}
		}
		return nil
	})
	if walkErr != nil {
		return children, walkErr
	}
	if b := packer.Flush(); b != nil {
		if err := enqueue(*b); err != nil {
			return children, err
		}
	}

	for dir, n := range dirCounts {
		if err := p.Dirs.Ensure(ctx, nil, runID, dir, n); err != nil {
			return children, fmt.Errorf("ensure directory progress: %w", err)
		}
	}
	return children, nil
}

// failRun is the idempotent cleanup pass: orphaned paused children are
// deleted, the parent job is removed and the run is marked failed.
func (p *Producer) failRun(ctx domain.Context, runID string, children []domain.JobHandle, parent domain.JobHandle, cause error) {
	for _, h := range children {
		if err := p.Queue.Delete(ctx, h); err != nil {
			slog.Warn("failed to delete orphaned job",
				slog.String("job_id", h.ID), slog.Any("error", err))
		}
	}
	if parent.ID != "" {
		if err := p.Queue.Delete(ctx, parent); err != nil {
			slog.Warn("failed to delete parent job",
				slog.String("job_id", parent.ID), slog.Any("error", err))
		}
	}
	if err := p.Runs.Finish(ctx, runID, domain.RunFailed, cause.Error(), domain.RunCounters{}); err != nil {
		slog.Error("failed to mark run failed", slog.String("run_id", runID), slog.Any("error", err))
	}
}
