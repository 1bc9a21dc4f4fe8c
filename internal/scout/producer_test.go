package scout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for p, content := range files {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

func newProducer(root string) (*Producer, *fakeQueue, *fakeLock, *fakeRuns, *fakeFiles, *fakeDirs) {
	q := newFakeQueue()
	l := newFakeLock()
	runs := newFakeRuns()
	files := newFakeFiles()
	dirs := newFakeDirs()
	p := &Producer{
		Queue:   q,
		Lock:    l,
		Runs:    runs,
		Files:   files,
		Dirs:    dirs,
		Counter: stubCounter{},
		Opts: Options{
			TargetDirectory: root,
			MaxTokens:       65_000,
			PromptOverhead:  1_000,
			LockTTL:         time.Minute,
		},
	}
	return p, q, l, runs, files, dirs
}

func TestProducerFollowsPausedDepsResumeOrdering(t *testing.T) {
	root := writeTree(t, map[string]string{
		"src/a.go": "package a\nfunc A() {}\n",
		"src/b.go": "package a\nfunc B() {}\n",
	})
	p, q, l, runs, files, dirs := newProducer(root)

	runID, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// Parent is created paused first, children next, then deps, then resume.
	var parentIdx, childIdx, depsIdx, resumeIdx = -1, -1, -1, -1
	for i, op := range q.ops {
		switch {
		case strings.HasPrefix(op, "bulk_paused:"+domain.QueueGraphBuild) && parentIdx < 0:
			parentIdx = i
		case strings.HasPrefix(op, "bulk_paused:"+domain.QueueFileAnalysis) && childIdx < 0:
			childIdx = i
		case strings.HasPrefix(op, "add_deps:") && depsIdx < 0:
			depsIdx = i
		case strings.HasPrefix(op, "resume:") && resumeIdx < 0:
			resumeIdx = i
		}
	}
	require.GreaterOrEqual(t, parentIdx, 0)
	require.GreaterOrEqual(t, childIdx, 0)
	require.GreaterOrEqual(t, depsIdx, 0)
	require.GreaterOrEqual(t, resumeIdx, 0)
	assert.Less(t, parentIdx, childIdx)
	assert.Less(t, childIdx, depsIdx, "dependencies must be registered after children exist")
	assert.Less(t, depsIdx, resumeIdx, "children must not be resumed before dependencies are registered")

	run, err := runs.Get(context.Background(), runID)
	require.NoError(t, err)
	assert.NotEmpty(t, run.ParentJobID)
	assert.Equal(t, domain.RunRunning, run.Status)

	assert.Len(t, files.files, 2)
	assert.Equal(t, 2, dirs.totals[runID+"|src"])
	assert.Equal(t, []string{"discovery:" + root}, l.released)
}

func TestProducerExitsCleanlyWhenLockHeld(t *testing.T) {
	root := writeTree(t, map[string]string{"a.go": "package a\n"})
	p, q, l, runs, _, _ := newProducer(root)

	_, err := l.Acquire(context.Background(), "discovery:"+root, time.Minute)
	require.NoError(t, err)

	runID, err := p.Run(context.Background())
	require.NoError(t, err, "lock contention is not an error")
	assert.Empty(t, runID)
	assert.Empty(t, q.ops, "no jobs may be enqueued without the lock")
	assert.Empty(t, runs.runs)
}

func TestProducerEmptyDirectoryResumesParent(t *testing.T) {
	root := t.TempDir()
	p, q, _, _, _, _ := newProducer(root)

	runID, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	// No children exist; the parent itself is resumed so finalization runs.
	require.Len(t, q.ops, 2)
	assert.True(t, strings.HasPrefix(q.ops[0], "bulk_paused:"+domain.QueueGraphBuild))
	assert.Equal(t, "resume:1", q.ops[1])
}

func TestProducerCleansUpOnDiscoveryFailure(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.go": "package a\n",
	})
	p, q, l, runs, files, _ := newProducer(root)
	files.upsertErr = errors.New("db down")

	runID, err := p.Run(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, runID)

	run, getErr := runs.Get(context.Background(), runID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Error, "db down")
	assert.NotEmpty(t, q.deleted, "orphaned jobs must be deleted")
	assert.Equal(t, []string{"discovery:" + root}, l.released, "lock released even on failure")
}

func TestProducerSecondRunReusesFileIDs(t *testing.T) {
	root := writeTree(t, map[string]string{"pkg/a.go": "package a\n"})
	p, _, _, _, files, _ := newProducer(root)

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	first := files.files["pkg/a.go"]

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	second := files.files["pkg/a.go"]

	assert.Equal(t, first.ID, second.ID, "file identity is stable across runs")
	assert.NotEqual(t, first.RunID, second.RunID)
}
