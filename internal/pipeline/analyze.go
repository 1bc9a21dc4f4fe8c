// Package pipeline contains the queue handlers and background loops that
// move a run from discovered files to a finalized graph: file analysis,
// outbox publication, directory resolution, reconciliation and graph build.
package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
	"github.com/fairyhunter13/code-graph-pipeline/internal/triangulate"
)

// FindingEvent is the outbox payload describing one analyzed batch. The
// downstream resolution consumer is keyed by (BatchID, relationship ID).
type FindingEvent struct {
	BatchID         string   `json:"batchId"`
	RunID           string   `json:"runId"`
	Directories     []string `json:"directories"`
	RelationshipIDs []string `json:"relationshipIds"`
}

// Analyzer handles analyze-file jobs: one LLM call per batch, then a single
// transaction persisting everything the response implies.
type Analyzer struct {
	LLM       domain.LLMClient
	Sanitizer *llm.Sanitizer
	Files     domain.FileRepository
	POIs      domain.POIRepository
	Rels      domain.RelationshipRepository
	Evidence  domain.EvidenceRepository
	Outbox    domain.OutboxRepository
	Tx        domain.TxRunner
}

// Handle processes one batch. Transport failures return plain errors and
// retry; contract violations wrap domain.ErrJobUnrecoverable and go straight
// to the dead-letter queue. On the batch's last attempt its files are marked
// errored so the directory barrier still counts them as terminal.
func (a *Analyzer) Handle(ctx domain.Context, job domain.Job) error {
	var batch domain.Batch
	if err := json.Unmarshal(job.Payload, &batch); err != nil {
		return fmt.Errorf("op=analyze: bad payload: %w: %w", domain.ErrJobUnrecoverable, err)
	}
	err := a.analyze(ctx, batch)
	if err != nil && terminalFailure(job, err) {
		a.failBatch(ctx, batch)
	}
	return err
}

// terminalFailure reports whether this attempt is the job's last: either the
// error short-circuits to the dead-letter queue, or the attempt budget is
// spent and the queue will not redeliver.
func terminalFailure(job domain.Job, err error) bool {
	if errors.Is(err, domain.ErrJobUnrecoverable) {
		return true
	}
	return job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts
}

func (a *Analyzer) analyze(ctx domain.Context, batch domain.Batch) error {
	slog.Info("analyzing batch",
		slog.String("batch_id", batch.BatchID),
		slog.String("run_id", batch.RunID),
		slog.Int("files", len(batch.Files)))

	err := a.Tx.WithTx(ctx, func(tx domain.Tx) error {
		return a.markFiles(ctx, tx, batch, domain.FileProcessing)
	})
	if err != nil {
		slog.Warn("failed to mark batch processing",
			slog.String("batch_id", batch.BatchID), slog.Any("error", err))
	}

	prompt := llm.BuildBatchPrompt(batch.Files)
	start := time.Now()
	raw, err := a.LLM.AnalyzeJSON(ctx, llm.SystemPrompt, prompt)
	observability.LLMRequestDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())
	observability.LLMRequestsTotal.WithLabelValues("file").Inc()
	if err != nil {
		return fmt.Errorf("op=analyze: llm: %w", err)
	}

	resp, err := llm.ParseAnalysisResponse(a.Sanitizer, raw)
	if err != nil {
		return err
	}

	pois, rels, evidence := a.mapFindings(batch, resp)

	event := FindingEvent{BatchID: batch.BatchID, RunID: batch.RunID, Directories: batchDirectories(batch)}
	for _, rel := range rels {
		event.RelationshipIDs = append(event.RelationshipIDs, rel.ID)
	}
	eventPayload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("op=analyze: marshal event: %w", err)
	}

	err = a.Tx.WithTx(ctx, func(tx domain.Tx) error {
		if err := a.markFiles(ctx, tx, batch, domain.FileCompleted); err != nil {
			return err
		}
		if err := a.POIs.UpsertBatch(ctx, tx, pois); err != nil {
			return err
		}
		if err := a.Rels.InsertBatch(ctx, tx, rels); err != nil {
			return err
		}
		if err := a.Evidence.InsertBatch(ctx, tx, evidence); err != nil {
			return err
		}
		return a.Outbox.Insert(ctx, tx, domain.EventFileAnalysisFinding, string(eventPayload))
	})
	if err != nil {
		return fmt.Errorf("op=analyze: persist: %w", err)
	}

	slog.Info("batch analyzed",
		slog.String("batch_id", batch.BatchID),
		slog.Int("pois", len(pois)),
		slog.Int("relationships", len(rels)))
	return nil
}

// mapFindings converts the model response into rows. Relationship endpoints
// are "path#name" references resolved against this batch's POIs; endpoints
// the batch never mentioned are dropped with a warning.
func (a *Analyzer) mapFindings(batch domain.Batch, resp llm.AnalysisResponse) ([]domain.POI, []domain.CandidateRelationship, []domain.Evidence) {
	pois := make([]domain.POI, 0, len(resp.POIs))
	byRef := make(map[string]domain.POI, len(resp.POIs))
	for _, f := range resp.POIs {
		checksum := domain.POIChecksum(domain.POIType(f.Type), f.Name, f.FilePath)
		// The checksum doubles as the row ID so cross-batch upserts converge
		// on one row and relationship references stay valid.
		p := domain.POI{
			ID:         checksum,
			FileID:     domain.FileID(f.FilePath),
			RunID:      batch.RunID,
			Type:       domain.POIType(f.Type),
			Name:       f.Name,
			StartLine:  f.StartLine,
			EndLine:    f.EndLine,
			IsExported: f.IsExported,
			Checksum:   checksum,
			FilePath:   f.FilePath,
		}
		pois = append(pois, p)
		byRef[f.FilePath+"#"+f.Name] = p
	}

	var rels []domain.CandidateRelationship
	var evidence []domain.Evidence
	for _, rf := range resp.Relationships {
		source, okS := byRef[rf.Source]
		target, okT := byRef[rf.Target]
		if !okS || !okT {
			slog.Warn("dropping relationship with unresolved endpoint",
				slog.String("source", rf.Source), slog.String("target", rf.Target))
			continue
		}
		relType := domain.RelationshipType(rf.Type)
		relID := domain.RelationshipID(batch.RunID, source.Checksum, relType, target.Checksum)
		score := triangulate.ClampProbability(rf.Probability, relID)

		rels = append(rels, domain.CandidateRelationship{
			ID:              relID,
			SourcePoiID:     source.ID,
			TargetPoiID:     target.ID,
			Type:            relType,
			Status:          domain.RelPending,
			ConfidenceScore: score,
			Explanation:     rf.Explanation,
			RunID:           batch.RunID,
		})
		payload, _ := json.Marshal(rf)
		evidence = append(evidence, domain.Evidence{
			RelationshipID:    relID,
			BatchID:           batch.BatchID,
			RunID:             batch.RunID,
			SourceWorker:      domain.WorkerFile,
			InitialScore:      score,
			FoundRelationship: true,
			Payload:           string(payload),
		})
	}
	return pois, rels, evidence
}

// markFiles moves every file of the batch to status inside the caller's
// transaction.
func (a *Analyzer) markFiles(ctx domain.Context, tx domain.Tx, batch domain.Batch, status domain.FileStatus) error {
	for _, f := range batch.Files {
		if err := a.Files.UpdateStatus(ctx, tx, domain.FileID(f.Path), status); err != nil {
			return fmt.Errorf("file %s: %w", f.Path, err)
		}
	}
	return nil
}

// failBatch marks the batch's files errored and emits the finding event so
// the resolution consumer re-checks the affected directories. Errored files
// count as terminal there; without this a dead-lettered batch would leave
// its directories stuck behind pending files.
func (a *Analyzer) failBatch(ctx domain.Context, batch domain.Batch) {
	event := FindingEvent{BatchID: batch.BatchID, RunID: batch.RunID, Directories: batchDirectories(batch)}
	eventPayload, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal failure event",
			slog.String("batch_id", batch.BatchID), slog.Any("error", err))
		return
	}
	err = a.Tx.WithTx(ctx, func(tx domain.Tx) error {
		if err := a.markFiles(ctx, tx, batch, domain.FileError); err != nil {
			return err
		}
		return a.Outbox.Insert(ctx, tx, domain.EventFileAnalysisFinding, string(eventPayload))
	})
	if err != nil {
		slog.Error("failed to mark batch errored",
			slog.String("batch_id", batch.BatchID), slog.Any("error", err))
		return
	}
	slog.Warn("batch failed terminally, files marked errored",
		slog.String("batch_id", batch.BatchID),
		slog.String("run_id", batch.RunID),
		slog.Int("files", len(batch.Files)))
}

func batchDirectories(batch domain.Batch) []string {
	seen := map[string]bool{}
	var dirs []string
	for _, f := range batch.Files {
		d := dirOf(f.Path)
		if !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
		}
	}
	return dirs
}

func dirOf(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return "."
}
