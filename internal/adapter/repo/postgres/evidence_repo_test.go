package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/code-graph-pipeline/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

func TestEvidenceInsertBatchIsConflictTolerant(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewEvidenceRepo(pool)

	evs := []domain.Evidence{
		{RelationshipID: "r1", BatchID: "b1", RunID: "run-1", SourceWorker: domain.WorkerFile, InitialScore: 0.8, FoundRelationship: true},
		{RelationshipID: "r2", BatchID: "b1", RunID: "run-1", SourceWorker: domain.WorkerFile, InitialScore: 0.4, FoundRelationship: false},
	}
	require.NoError(t, repo.InsertBatch(context.Background(), nil, evs))
	require.Len(t, pool.execSQL, 2)
	assert.Contains(t, pool.execSQL[0], "ON CONFLICT (relationship_id, batch_id, source_worker) DO NOTHING")
	assert.Equal(t, "r1", pool.execArgs[0][0])
	assert.Equal(t, "b1", pool.execArgs[0][1])
}

func TestRelationshipInsertBatchDefaultsPending(t *testing.T) {
	t.Parallel()
	pool := &poolStub{}
	repo := postgres.NewRelationshipRepo(pool)

	rels := []domain.CandidateRelationship{
		{ID: "r1", SourcePoiID: "p1", TargetPoiID: "p2", Type: domain.RelCalls, ConfidenceScore: 0.7, RunID: "run-1"},
	}
	require.NoError(t, repo.InsertBatch(context.Background(), nil, rels))
	require.Len(t, pool.execSQL, 1)
	// args: id, source, target, type, status, ...
	assert.Equal(t, domain.RelPending, pool.execArgs[0][4])
}
