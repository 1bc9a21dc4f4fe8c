package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
	"github.com/fairyhunter13/code-graph-pipeline/internal/triangulate"
)

// Resolver consumes file-analysis findings and produces directory-level
// evidence. A directory resolves exactly once, when its last file reaches a
// terminal status; the compare-and-set in directory progress guards the race
// between two batch workers finishing the same directory concurrently.
type Resolver struct {
	LLM       domain.LLMClient
	Sanitizer *llm.Sanitizer
	Files     domain.FileRepository
	POIs      domain.POIRepository
	Rels      domain.RelationshipRepository
	Evidence  domain.EvidenceRepository
	Outbox    domain.OutboxRepository
	Dirs      domain.DirectoryProgressRepository
	Tx        domain.TxRunner
}

// Handle processes one finding event. Redelivered events are harmless: the
// directory CAS and the evidence unique key make every effect idempotent.
func (r *Resolver) Handle(ctx domain.Context, job domain.Job) error {
	var event FindingEvent
	if err := json.Unmarshal(job.Payload, &event); err != nil {
		return fmt.Errorf("op=resolve: bad payload: %w: %w", domain.ErrJobUnrecoverable, err)
	}

	for _, dir := range event.Directories {
		total, completed, err := r.Files.CountByDirectory(ctx, event.RunID, dir)
		if err != nil {
			return fmt.Errorf("op=resolve: count %s: %w", dir, err)
		}
		if total == 0 || completed < total {
			continue
		}
		already, err := r.Dirs.MarkResolved(ctx, event.RunID, dir)
		if err != nil {
			return fmt.Errorf("op=resolve: mark %s: %w", dir, err)
		}
		if already {
			continue
		}
		if err := r.resolveDirectory(ctx, event.RunID, dir); err != nil {
			// The CAS stays flipped, so a retried job skips this directory.
			// That is acceptable: directory evidence corroborates, it is
			// not required for reconciliation to proceed.
			return fmt.Errorf("op=resolve: directory %s: %w", dir, err)
		}
	}
	return nil
}

// resolveDirectory re-examines the directory's pending candidates with all
// of its entities in view and records a second opinion per candidate.
func (r *Resolver) resolveDirectory(ctx domain.Context, runID, dir string) error {
	pois, err := r.POIs.ListByDirectory(ctx, runID, dir)
	if err != nil {
		return err
	}
	candidates, err := r.Rels.ListPendingByDirectory(ctx, runID, dir)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		slog.Debug("directory has no pending candidates",
			slog.String("run_id", runID), slog.String("dir", dir))
		return nil
	}

	poiByID := make(map[string]domain.POI, len(pois))
	for _, p := range pois {
		poiByID[p.ID] = p
	}
	refs := make([]llm.CandidateRef, 0, len(candidates))
	for _, c := range candidates {
		refs = append(refs, llm.CandidateRef{
			ID:     c.ID,
			Source: refName(poiByID, c.SourcePoiID),
			Target: refName(poiByID, c.TargetPoiID),
			Type:   string(c.Type),
		})
	}

	prompt := llm.BuildDirectoryPrompt(dir, pois, refs)
	start := time.Now()
	raw, err := r.LLM.AnalyzeJSON(ctx, llm.SystemPrompt, prompt)
	observability.LLMRequestDuration.WithLabelValues("directory").Observe(time.Since(start).Seconds())
	observability.LLMRequestsTotal.WithLabelValues("directory").Inc()
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	resp, err := llm.ParseVerdictResponse(r.Sanitizer, raw)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ID] = true
	}
	var evidence []domain.Evidence
	for _, v := range resp.Verdicts {
		if !known[v.ID] {
			slog.Warn("verdict for unknown candidate, dropping",
				slog.String("dir", dir), slog.String("id", v.ID))
			continue
		}
		payload, _ := json.Marshal(v)
		evidence = append(evidence, domain.Evidence{
			RelationshipID:    v.ID,
			BatchID:           "dir:" + dir,
			RunID:             runID,
			SourceWorker:      domain.WorkerDirectory,
			InitialScore:      triangulate.ClampProbability(v.Probability, v.ID),
			FoundRelationship: v.Found,
			Payload:           string(payload),
		})
	}
	if len(evidence) == 0 {
		return nil
	}

	eventPayload, err := json.Marshal(FindingEvent{
		BatchID:     "dir:" + dir,
		RunID:       runID,
		Directories: []string{dir},
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = r.Tx.WithTx(ctx, func(tx domain.Tx) error {
		if err := r.Evidence.InsertBatch(ctx, tx, evidence); err != nil {
			return err
		}
		return r.Outbox.Insert(ctx, tx, domain.EventDirectoryAnalysisFinding, string(eventPayload))
	})
	if err != nil {
		return fmt.Errorf("persist: %w", err)
	}
	slog.Info("directory resolved",
		slog.String("run_id", runID),
		slog.String("dir", dir),
		slog.Int("verdicts", len(evidence)))
	return nil
}

func refName(pois map[string]domain.POI, id string) string {
	if p, ok := pois[id]; ok {
		return p.FilePath + "#" + p.Name
	}
	return id
}
