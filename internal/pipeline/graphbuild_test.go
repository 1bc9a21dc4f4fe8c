package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/graph"
	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/llm"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
	"github.com/fairyhunter13/code-graph-pipeline/internal/triangulate"
)

type finalizeWorld struct {
	finalizer *Finalizer
	model     *fakeLLM
	sink      *graph.MemorySink
	pois      *fakePOIs
	rels      *fakeRels
	evidence  *fakeEvidence
	dirs      *fakeDirs
	runs      *fakeRuns
}

// newFinalizeWorld seeds one pending relationship with a file-worker evidence
// row at the given initial score.
func newFinalizeWorld(t *testing.T, model *fakeLLM, seedScore float64) *finalizeWorld {
	t.Helper()
	files := newFakeFiles()
	pois := newFakePOIs()
	rels := newFakeRels(pois)
	evidence := newFakeEvidence()
	dirs := newFakeDirs()
	runs := newFakeRuns()
	sink := graph.NewMemorySink()

	source := domain.POI{
		ID: "poi-src", RunID: "run-1", Type: domain.POIFunction,
		Name: "Login", FilePath: "src/auth/login.go", Checksum: "cks-src",
	}
	target := domain.POI{
		ID: "poi-dst", RunID: "run-1", Type: domain.POIFunction,
		Name: "Hash", FilePath: "src/auth/hash.go", Checksum: "cks-dst",
	}
	require.NoError(t, pois.UpsertBatch(context.Background(), nil, []domain.POI{source, target}))
	require.NoError(t, rels.InsertBatch(context.Background(), nil, []domain.CandidateRelationship{{
		ID: "rel-1", SourcePoiID: "poi-src", TargetPoiID: "poi-dst",
		Type: domain.RelCalls, Status: domain.RelPending,
		Explanation: "Login hashes the password", RunID: "run-1",
	}}))
	require.NoError(t, evidence.InsertBatch(context.Background(), nil, []domain.Evidence{{
		RelationshipID: "rel-1", BatchID: "b1", RunID: "run-1",
		SourceWorker: domain.WorkerFile, InitialScore: seedScore, FoundRelationship: true,
	}}))
	require.NoError(t, runs.Create(context.Background(), domain.Run{RunID: "run-1", Status: domain.RunRunning}))

	return &finalizeWorld{
		finalizer: &Finalizer{
			LLM: model, Sanitizer: llm.NewSanitizer(), Sink: sink,
			Files: files, POIs: pois, Rels: rels, Evidence: evidence,
			Dirs: dirs, Runs: runs,
			Thresholds: triangulate.DefaultThresholds(),
		},
		model: model, sink: sink, pois: pois, rels: rels,
		evidence: evidence, dirs: dirs, runs: runs,
	}
}

func finalizeJob(t *testing.T, runID string) domain.Job {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"runId": runID})
	require.NoError(t, err)
	return domain.Job{ID: "parent", Queue: domain.QueueGraphBuild, Payload: payload}
}

func TestFinalizerValidatesAndMerges(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": true, "probability": 0.9}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.8)

	require.NoError(t, w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1")))

	// seed 0.8, one agreement: 0.8 + 0.2*0.2 = 0.84
	rel := w.rels.rows["rel-1"]
	assert.Equal(t, domain.RelIngested, rel.Status)
	assert.InDelta(t, 0.84, rel.ConfidenceScore, 1e-9)

	assert.Equal(t, 2, w.sink.NodeCount())
	merged, ok := w.sink.Relationship("cks-src", "CALLS", "cks-dst")
	require.True(t, ok)
	assert.Equal(t, "Login hashes the password", merged.Explanation)
	assert.InDelta(t, 0.84, merged.Weight, 1e-9)

	run, err := w.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, run.Counters.GraphMerges)
	assert.Equal(t, 1, run.Counters.Relationships)
	assert.Equal(t, 2, run.Counters.Evidence, "file evidence plus global evidence")
}

func TestFinalizerDiscardsOnDisagreement(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": false, "probability": 0.1}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.6)

	require.NoError(t, w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1")))

	// seed 0.6, one disagreement: 0.6 * 0.5 = 0.3
	rel := w.rels.rows["rel-1"]
	assert.Equal(t, domain.RelDiscarded, rel.Status)
	assert.InDelta(t, 0.3, rel.ConfidenceScore, 1e-9)
	assert.Zero(t, w.sink.RelationshipCount())

	run, err := w.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status, "a discarded candidate is not a run failure")
	assert.Zero(t, run.Counters.GraphMerges)
}

func TestFinalizerRecordsGlobalEvidence(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": true, "probability": 0.9}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.8)

	require.NoError(t, w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1")))

	rows, err := w.evidence.ListByRelationship(context.Background(), "rel-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, domain.WorkerGlobal, rows[1].SourceWorker)
	assert.Equal(t, "global:0", rows[1].BatchID)
}

func TestFinalizerMergeRetrySplitsBatch(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": true, "probability": 0.9}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.8)
	// Second pending relationship so there is something to split.
	require.NoError(t, w.rels.InsertBatch(context.Background(), nil, []domain.CandidateRelationship{{
		ID: "rel-2", SourcePoiID: "poi-dst", TargetPoiID: "poi-src",
		Type: domain.RelUses, Status: domain.RelPending, RunID: "run-1",
	}}))
	require.NoError(t, w.evidence.InsertBatch(context.Background(), nil, []domain.Evidence{{
		RelationshipID: "rel-2", BatchID: "b1", RunID: "run-1",
		SourceWorker: domain.WorkerFile, InitialScore: 0.8, FoundRelationship: true,
	}}))
	model.responses = []string{
		`{"verdicts": [
		  {"id": "rel-1", "found": true, "probability": 0.9},
		  {"id": "rel-2", "found": true, "probability": 0.9}
		]}`,
	}

	// The full batch fails once; both halves then succeed.
	w.sink.FailNext = 1
	require.NoError(t, w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1")))

	assert.Equal(t, domain.RelIngested, w.rels.rows["rel-1"].Status)
	assert.Equal(t, domain.RelIngested, w.rels.rows["rel-2"].Status)
	assert.Equal(t, 2, w.sink.RelationshipCount())
}

func TestFinalizerMergeFailureFailsRunAndJob(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": true, "probability": 0.9}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.8)
	w.sink.FailNext = 10

	err := w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rel-1")

	run, getErr := w.runs.Get(context.Background(), "run-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunFailed, run.Status)
	// The relationship stays validated; the retried job re-merges it.
	assert.Equal(t, domain.RelValidated, w.rels.rows["rel-1"].Status)
}

func TestFinalizerProceedsPastDirectoryWaitTimeout(t *testing.T) {
	model := &fakeLLM{responses: []string{
		`{"verdicts": [{"id": "rel-1", "found": true, "probability": 0.9}]}`,
	}}
	w := newFinalizeWorld(t, model, 0.8)
	w.dirs.unresolved = 1
	w.finalizer.DirectoryWait = time.Nanosecond

	require.NoError(t, w.finalizer.Handle(context.Background(), finalizeJob(t, "run-1")))

	run, err := w.runs.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
}

func TestFinalizerBadPayloadIsUnrecoverable(t *testing.T) {
	w := newFinalizeWorld(t, &fakeLLM{}, 0.8)
	err := w.finalizer.Handle(context.Background(), domain.Job{Payload: []byte("nope")})
	assert.ErrorIs(t, err, domain.ErrJobUnrecoverable)
}
