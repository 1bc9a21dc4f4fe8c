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

// Finalizer handles the graph-build-finalization parent job. It runs only
// after every analyze-file child has terminated, performs the run-level
// global resolution pass, reconciles all candidates, and merges validated
// relationships into the graph sink.
type Finalizer struct {
	LLM       domain.LLMClient
	Sanitizer *llm.Sanitizer
	Sink      domain.GraphSink
	Files     domain.FileRepository
	POIs      domain.POIRepository
	Rels      domain.RelationshipRepository
	Evidence  domain.EvidenceRepository
	Dirs      domain.DirectoryProgressRepository
	Runs      domain.RunRepository

	Thresholds triangulate.Thresholds
	BatchSize  int
	// DirectoryWait bounds how long finalization waits for in-flight
	// directory resolutions. Analysis children terminate before their outbox
	// events reach the resolution queue, so the parent can be released while
	// directory evidence is still being written.
	DirectoryWait time.Duration
	// GlobalPromptSize caps candidates per global resolution prompt.
	GlobalPromptSize int
}

func (f *Finalizer) batchSize() int {
	if f.BatchSize <= 0 {
		return 1000
	}
	return f.BatchSize
}

func (f *Finalizer) promptSize() int {
	if f.GlobalPromptSize <= 0 {
		return 200
	}
	return f.GlobalPromptSize
}

// Handle finalizes one run.
func (f *Finalizer) Handle(ctx domain.Context, job domain.Job) error {
	var payload struct {
		RunID string `json:"runId"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("op=graphbuild: bad payload: %w: %w", domain.ErrJobUnrecoverable, err)
	}
	runID := payload.RunID
	slog.Info("graph finalization started", slog.String("run_id", runID))

	f.waitForDirectories(ctx, runID)

	if err := f.globalResolve(ctx, runID); err != nil {
		return fmt.Errorf("op=graphbuild: global resolve: %w", err)
	}
	if err := f.reconcileRun(ctx, runID); err != nil {
		return fmt.Errorf("op=graphbuild: reconcile: %w", err)
	}
	merged, err := f.mergeValidated(ctx, runID)
	if err != nil {
		f.finishRun(ctx, runID, domain.RunFailed, err.Error(), merged)
		return fmt.Errorf("op=graphbuild: merge: %w", err)
	}

	f.finishRun(ctx, runID, domain.RunCompleted, "", merged)
	slog.Info("graph finalization complete",
		slog.String("run_id", runID), slog.Int("merged", merged))
	return nil
}

func (f *Finalizer) waitForDirectories(ctx domain.Context, runID string) {
	wait := f.DirectoryWait
	if wait <= 0 {
		wait = 2 * time.Minute
	}
	deadline := time.Now().Add(wait)
	for {
		n, err := f.Dirs.CountUnresolved(ctx, runID)
		if err != nil {
			slog.Warn("directory progress check failed", slog.Any("error", err))
			return
		}
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			slog.Warn("proceeding with unresolved directories",
				slog.String("run_id", runID), slog.Int("unresolved", n))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

// globalResolve pages the run's pending candidates through a repository-wide
// resolution prompt and records Global evidence.
func (f *Finalizer) globalResolve(ctx domain.Context, runID string) error {
	for offset, page := 0, 0; ; page++ {
		candidates, err := f.Rels.ListByStatus(ctx, runID, domain.RelPending, f.promptSize(), offset)
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}
		offset += len(candidates)

		ids := make([]string, 0, 2*len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.SourcePoiID, c.TargetPoiID)
		}
		pois, err := f.POIs.ListByIDs(ctx, ids)
		if err != nil {
			return err
		}
		poiByID := make(map[string]domain.POI, len(pois))
		for _, p := range pois {
			poiByID[p.ID] = p
		}
		refs := make([]llm.CandidateRef, 0, len(candidates))
		known := make(map[string]bool, len(candidates))
		for _, c := range candidates {
			known[c.ID] = true
			refs = append(refs, llm.CandidateRef{
				ID:     c.ID,
				Source: refName(poiByID, c.SourcePoiID),
				Target: refName(poiByID, c.TargetPoiID),
				Type:   string(c.Type),
			})
		}

		prompt := llm.BuildDirectoryPrompt("(entire repository)", pois, refs)
		start := time.Now()
		raw, err := f.LLM.AnalyzeJSON(ctx, llm.SystemPrompt, prompt)
		observability.LLMRequestDuration.WithLabelValues("global").Observe(time.Since(start).Seconds())
		observability.LLMRequestsTotal.WithLabelValues("global").Inc()
		if err != nil {
			return fmt.Errorf("llm: %w", err)
		}
		resp, err := llm.ParseVerdictResponse(f.Sanitizer, raw)
		if err != nil {
			return err
		}

		batchID := fmt.Sprintf("global:%d", page)
		var evidence []domain.Evidence
		for _, v := range resp.Verdicts {
			if !known[v.ID] {
				continue
			}
			vp, _ := json.Marshal(v)
			evidence = append(evidence, domain.Evidence{
				RelationshipID:    v.ID,
				BatchID:           batchID,
				RunID:             runID,
				SourceWorker:      domain.WorkerGlobal,
				InitialScore:      triangulate.ClampProbability(v.Probability, v.ID),
				FoundRelationship: v.Found,
				Payload:           string(vp),
			})
		}
		if len(evidence) > 0 {
			if err := f.Evidence.InsertBatch(ctx, nil, evidence); err != nil {
				return err
			}
		}
	}
}

// reconcileRun fuses evidence per candidate and assigns final statuses.
func (f *Finalizer) reconcileRun(ctx domain.Context, runID string) error {
	ids, err := f.Rels.ListPendingIDs(ctx, runID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		rows, err := f.Evidence.ListByRelationship(ctx, id)
		if err != nil {
			return err
		}
		inputs := make([]*triangulate.EvidenceInput, 0, len(rows))
		for _, ev := range rows {
			inputs = append(inputs, triangulate.FromEvidence(ev))
		}
		result := triangulate.Reconcile(inputs)
		status := f.Thresholds.Status(result)
		if err := f.Rels.UpdateStatus(ctx, nil, id, status, result.FinalScore); err != nil {
			return err
		}
		observability.RelationshipsReconciledTotal.WithLabelValues(string(status)).Inc()
		observability.ConfidenceScoreHistogram.Observe(result.FinalScore)
	}
	slog.Info("run reconciled", slog.String("run_id", runID), slog.Int("candidates", len(ids)))
	return nil
}

// mergeValidated pages validated candidates into the sink and marks them
// ingested. Failed batches retry at half size down to single relationships;
// a single relationship that still fails leaves the whole job to retry and
// eventually dead-letter, which is safe because merges are idempotent.
func (f *Finalizer) mergeValidated(ctx domain.Context, runID string) (int, error) {
	merged := 0
	for {
		batch, err := f.Rels.ListByStatus(ctx, runID, domain.RelValidated, f.batchSize(), 0)
		if err != nil {
			return merged, err
		}
		if len(batch) == 0 {
			return merged, nil
		}
		if err := f.mergeBatch(ctx, batch); err != nil {
			return merged, err
		}
		for _, rel := range batch {
			if err := f.Rels.UpdateStatus(ctx, nil, rel.ID, domain.RelIngested, rel.ConfidenceScore); err != nil {
				return merged, err
			}
		}
		merged += len(batch)
	}
}

func (f *Finalizer) mergeBatch(ctx domain.Context, batch []domain.CandidateRelationship) error {
	nodes, rels, err := f.buildMergePayload(ctx, batch)
	if err != nil {
		return err
	}
	if err := f.Sink.MergeBatch(ctx, nodes, rels); err == nil {
		observability.GraphMergesTotal.WithLabelValues("relationship").Add(float64(len(rels)))
		return nil
	} else if len(batch) == 1 {
		return fmt.Errorf("relationship %s: %w", batch[0].ID, err)
	}
	mid := len(batch) / 2
	slog.Warn("merge batch failed, splitting", slog.Int("size", len(batch)))
	if err := f.mergeBatch(ctx, batch[:mid]); err != nil {
		return err
	}
	return f.mergeBatch(ctx, batch[mid:])
}

func (f *Finalizer) buildMergePayload(ctx domain.Context, batch []domain.CandidateRelationship) ([]domain.GraphNode, []domain.GraphRelationship, error) {
	ids := make([]string, 0, 2*len(batch))
	for _, rel := range batch {
		ids = append(ids, rel.SourcePoiID, rel.TargetPoiID)
	}
	pois, err := f.POIs.ListByIDs(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	poiByID := make(map[string]domain.POI, len(pois))
	nodes := make([]domain.GraphNode, 0, len(pois))
	for _, p := range pois {
		poiByID[p.ID] = p
		nodes = append(nodes, domain.GraphNode{
			Checksum: p.Checksum,
			FilePath: p.FilePath,
			Type:     string(p.Type),
			Name:     p.Name,
		})
	}

	rels := make([]domain.GraphRelationship, 0, len(batch))
	for _, rel := range batch {
		source, okS := poiByID[rel.SourcePoiID]
		target, okT := poiByID[rel.TargetPoiID]
		if !okS || !okT {
			slog.Warn("validated relationship with missing endpoint, skipping",
				slog.String("id", rel.ID))
			continue
		}
		rels = append(rels, domain.GraphRelationship{
			SourceChecksum: source.Checksum,
			Type:           string(rel.Type),
			TargetChecksum: target.Checksum,
			Explanation:    rel.Explanation,
			Weight:         rel.ConfidenceScore,
		})
	}
	return nodes, rels, nil
}

func (f *Finalizer) finishRun(ctx domain.Context, runID string, status domain.RunStatus, errMsg string, graphMerges int) {
	counters := domain.RunCounters{GraphMerges: graphMerges}
	if n, err := f.Files.CountByRun(ctx, runID); err == nil {
		counters.Files = n
	}
	if n, err := f.POIs.CountByRun(ctx, runID); err == nil {
		counters.POIs = n
	}
	if n, err := f.Rels.CountByRun(ctx, runID); err == nil {
		counters.Relationships = n
	}
	if n, err := f.Evidence.CountByRun(ctx, runID); err == nil {
		counters.Evidence = n
	}
	if err := f.Runs.Finish(ctx, runID, status, errMsg, counters); err != nil {
		slog.Error("failed to finish run", slog.String("run_id", runID), slog.Any("error", err))
	}
}
