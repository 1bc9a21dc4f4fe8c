package scout

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

// stubCounter reads the token count straight out of the content when it is a
// number, otherwise estimates by length.
type stubCounter struct{}

func (stubCounter) CountTokens(text string) int {
	if n, err := strconv.Atoi(text); err == nil {
		return n
	}
	return len(text) / 4
}

// fakeQueue records the operation sequence so tests can assert the paused ->
// deps -> resume protocol.
type fakeQueue struct {
	mu     sync.Mutex
	ops    []string
	nextID int
	states map[string]domain.JobState

	enqueueErr error
	depsErr    error
	deleted    []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{states: map[string]domain.JobState{}}
}

func (q *fakeQueue) log(op string) { q.ops = append(q.ops, op) }

func (q *fakeQueue) Enqueue(_ domain.Context, queue string, _ []byte, opts domain.EnqueueOpts) (domain.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	id := fmt.Sprintf("j%d", q.nextID)
	q.states[id] = domain.JobWaiting
	q.log("enqueue:" + queue + ":" + opts.Name)
	return domain.JobHandle{Queue: queue, ID: id}, nil
}

func (q *fakeQueue) EnqueueBulkPaused(_ domain.Context, queue string, name string, payloads [][]byte) ([]domain.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return nil, q.enqueueErr
	}
	handles := make([]domain.JobHandle, 0, len(payloads))
	for range payloads {
		q.nextID++
		id := fmt.Sprintf("j%d", q.nextID)
		q.states[id] = domain.JobPaused
		handles = append(handles, domain.JobHandle{Queue: queue, ID: id})
	}
	q.log(fmt.Sprintf("bulk_paused:%s:%s:%d", queue, name, len(payloads)))
	return handles, nil
}

func (q *fakeQueue) AddDependencies(_ domain.Context, parent domain.JobHandle, children []domain.JobHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.depsErr != nil {
		return q.depsErr
	}
	q.states[parent.ID] = domain.JobWaitingChildren
	q.log(fmt.Sprintf("add_deps:%s:%d", parent.ID, len(children)))
	return nil
}

func (q *fakeQueue) Resume(_ domain.Context, handles []domain.JobHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range handles {
		q.states[h.ID] = domain.JobWaiting
	}
	q.log(fmt.Sprintf("resume:%d", len(handles)))
	return nil
}

func (q *fakeQueue) State(_ domain.Context, h domain.JobHandle) (domain.JobState, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.states[h.ID]
	if !ok {
		return "", domain.ErrNotFound
	}
	return s, nil
}

func (q *fakeQueue) Delete(_ domain.Context, h domain.JobHandle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.states, h.ID)
	q.deleted = append(q.deleted, h.ID)
	q.log("delete:" + h.ID)
	return nil
}

// fakeLock hands out at most one hold per key.
type fakeLock struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func newFakeLock() *fakeLock { return &fakeLock{held: map[string]bool{}} }

func (l *fakeLock) Acquire(_ domain.Context, key string, _ time.Duration) (func(domain.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, fmt.Errorf("op=fake.Acquire: %w", domain.ErrLockHeld)
	}
	l.held[key] = true
	return func(domain.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.held[key] = false
		l.released = append(l.released, key)
		return nil
	}, nil
}

// fakeRuns is an in-memory RunRepository.
type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]*domain.Run
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: map[string]*domain.Run{}} }

func (r *fakeRuns) Create(_ domain.Context, run domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run.StartedAt = time.Now()
	r.runs[run.RunID] = &run
	return nil
}

func (r *fakeRuns) Get(_ domain.Context, runID string) (domain.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return *run, nil
}

func (r *fakeRuns) SetParentJob(_ domain.Context, runID, parentJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	run.ParentJobID = parentJobID
	return nil
}

func (r *fakeRuns) Finish(_ domain.Context, runID string, status domain.RunStatus, errMsg string, counters domain.RunCounters) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	run.Status = status
	run.Error = errMsg
	run.Counters = counters
	run.FinishedAt = &now
	return nil
}

func (r *fakeRuns) ListStuck(_ domain.Context, _ time.Duration) ([]domain.Run, error) {
	return nil, nil
}

// fakeFiles is an in-memory FileRepository.
type fakeFiles struct {
	mu        sync.Mutex
	files     map[string]domain.File
	upsertErr error
}

func newFakeFiles() *fakeFiles { return &fakeFiles{files: map[string]domain.File{}} }

func (f *fakeFiles) Upsert(_ domain.Context, _ domain.Tx, file domain.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.files[file.Path] = file
	return nil
}

func (f *fakeFiles) GetByPath(_ domain.Context, path string) (domain.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path]
	if !ok {
		return domain.File{}, domain.ErrNotFound
	}
	return file, nil
}

func (f *fakeFiles) UpdateStatus(_ domain.Context, _ domain.Tx, id string, status domain.FileStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for p, file := range f.files {
		if file.ID == id {
			file.Status = status
			f.files[p] = file
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeFiles) CountByRun(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.files), nil
}

func (f *fakeFiles) CountByDirectory(_ domain.Context, _, _ string) (int, int, error) {
	return 0, 0, nil
}

func (f *fakeFiles) ListDirectories(_ domain.Context, _ string) ([]string, error) {
	return nil, nil
}

// fakeDirs is an in-memory DirectoryProgressRepository.
type fakeDirs struct {
	mu     sync.Mutex
	totals map[string]int
}

func newFakeDirs() *fakeDirs { return &fakeDirs{totals: map[string]int{}} }

func (d *fakeDirs) Ensure(_ domain.Context, _ domain.Tx, runID, dir string, filesTotal int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.totals[runID+"|"+dir] = filesTotal
	return nil
}

func (d *fakeDirs) MarkResolved(_ domain.Context, _, _ string) (bool, error) { return false, nil }
func (d *fakeDirs) CountUnresolved(_ domain.Context, _ string) (int, error)  { return 0, nil }
