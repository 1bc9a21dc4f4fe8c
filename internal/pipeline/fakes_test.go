package pipeline

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/code-graph-pipeline/internal/domain"
)

type fakeLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	prompts   []string
}

func (f *fakeLLM) AnalyzeJSON(_ domain.Context, _, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.responses) == 0 {
		return "", errors.New("no response queued")
	}
	resp := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return resp, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fakeTx struct{ err error }

func (f *fakeTx) WithTx(_ domain.Context, fn func(tx domain.Tx) error) error {
	if f.err != nil {
		return f.err
	}
	return fn(struct{}{})
}

type fakeFiles struct {
	mu       sync.Mutex
	statuses map[string]domain.FileStatus
	// dirCounts maps runID|dir to {total, completed}.
	dirCounts map[string][2]int
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{statuses: map[string]domain.FileStatus{}, dirCounts: map[string][2]int{}}
}

func (f *fakeFiles) Upsert(_ domain.Context, _ domain.Tx, file domain.File) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[file.ID] = file.Status
	return nil
}

func (f *fakeFiles) GetByPath(_ domain.Context, _ string) (domain.File, error) {
	return domain.File{}, domain.ErrNotFound
}

func (f *fakeFiles) UpdateStatus(_ domain.Context, _ domain.Tx, id string, status domain.FileStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeFiles) CountByRun(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statuses), nil
}

func (f *fakeFiles) CountByDirectory(_ domain.Context, runID, dir string) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.dirCounts[runID+"|"+dir]
	return c[0], c[1], nil
}

func (f *fakeFiles) ListDirectories(_ domain.Context, _ string) ([]string, error) { return nil, nil }

type fakePOIs struct {
	mu    sync.Mutex
	byID  map[string]domain.POI
	byCks map[string]domain.POI
}

func newFakePOIs() *fakePOIs {
	return &fakePOIs{byID: map[string]domain.POI{}, byCks: map[string]domain.POI{}}
}

func (f *fakePOIs) UpsertBatch(_ domain.Context, _ domain.Tx, pois []domain.POI) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range pois {
		if existing, ok := f.byCks[p.Checksum]; ok {
			p.ID = existing.ID
		}
		f.byID[p.ID] = p
		f.byCks[p.Checksum] = p
	}
	return nil
}

func (f *fakePOIs) GetByChecksum(_ domain.Context, checksum string) (domain.POI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.byCks[checksum]; ok {
		return p, nil
	}
	return domain.POI{}, domain.ErrNotFound
}

func (f *fakePOIs) ListByFile(_ domain.Context, fileID string) ([]domain.POI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.POI
	for _, p := range f.byID {
		if p.FileID == fileID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePOIs) ListByDirectory(_ domain.Context, runID, dir string) ([]domain.POI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.POI
	for _, p := range f.byID {
		if p.RunID == runID && path.Dir(p.FilePath) == dir {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakePOIs) ListByIDs(_ domain.Context, ids []string) ([]domain.POI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.POI
	seen := map[string]bool{}
	for _, id := range ids {
		if p, ok := f.byID[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePOIs) CountByRun(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID), nil
}

type fakeRels struct {
	mu   sync.Mutex
	rows map[string]domain.CandidateRelationship
	pois *fakePOIs
}

func newFakeRels(pois *fakePOIs) *fakeRels {
	return &fakeRels{rows: map[string]domain.CandidateRelationship{}, pois: pois}
}

func (f *fakeRels) InsertBatch(_ domain.Context, _ domain.Tx, rels []domain.CandidateRelationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rels {
		if _, exists := f.rows[r.ID]; exists {
			continue
		}
		f.rows[r.ID] = r
	}
	return nil
}

func (f *fakeRels) sorted() []domain.CandidateRelationship {
	out := make([]domain.CandidateRelationship, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *fakeRels) ListByStatus(_ domain.Context, runID string, status domain.RelationshipStatus, limit, offset int) ([]domain.CandidateRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var filtered []domain.CandidateRelationship
	for _, r := range f.sorted() {
		if r.RunID == runID && r.Status == status {
			filtered = append(filtered, r)
		}
	}
	if offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[offset:]
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (f *fakeRels) ListPendingIDs(_ domain.Context, runID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.sorted() {
		if r.RunID == runID && r.Status == domain.RelPending {
			out = append(out, r.ID)
		}
	}
	return out, nil
}

func (f *fakeRels) ListPendingByDirectory(_ domain.Context, runID, dir string) ([]domain.CandidateRelationship, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.CandidateRelationship
	for _, r := range f.sorted() {
		if r.RunID != runID || r.Status != domain.RelPending {
			continue
		}
		src, ok := f.pois.byID[r.SourcePoiID]
		if ok && path.Dir(src.FilePath) == dir {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRels) UpdateStatus(_ domain.Context, _ domain.Tx, id string, status domain.RelationshipStatus, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	r.ConfidenceScore = score
	f.rows[id] = r
	return nil
}

func (f *fakeRels) CountByRun(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), nil
}

// fakeEvidence enforces the (relationship, batch, worker) unique key the way
// the database does, so redelivery tests exercise real dedupe behaviour.
type fakeEvidence struct {
	mu   sync.Mutex
	rows []domain.Evidence
	keys map[string]bool
}

func newFakeEvidence() *fakeEvidence { return &fakeEvidence{keys: map[string]bool{}} }

func (f *fakeEvidence) InsertBatch(_ domain.Context, _ domain.Tx, evs []domain.Evidence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range evs {
		key := ev.RelationshipID + "|" + ev.BatchID + "|" + string(ev.SourceWorker)
		if f.keys[key] {
			continue
		}
		f.keys[key] = true
		ev.ID = int64(len(f.rows) + 1)
		f.rows = append(f.rows, ev)
	}
	return nil
}

func (f *fakeEvidence) ListByRelationship(_ domain.Context, relationshipID string) ([]domain.Evidence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Evidence
	for _, ev := range f.rows {
		if ev.RelationshipID == relationshipID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvidence) CountByRun(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows), nil
}

type fakeOutbox struct {
	mu       sync.Mutex
	rows     []domain.OutboxEvent
	nextID   int64
	listErr  error
	listened int
}

func newFakeOutbox() *fakeOutbox { return &fakeOutbox{nextID: 1} }

func (f *fakeOutbox) Insert(_ domain.Context, _ domain.Tx, eventType, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, domain.OutboxEvent{
		ID: f.nextID, EventType: eventType, Payload: payload,
		Status: domain.OutboxPending, CreatedAt: time.Now(),
	})
	f.nextID++
	return nil
}

func (f *fakeOutbox) ListPending(_ domain.Context, limit int) ([]domain.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listened++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.OutboxEvent
	for _, ev := range f.rows {
		if ev.Status == domain.OutboxPending {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeOutbox) mark(id int64, status domain.OutboxStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rows {
		if f.rows[i].ID == id {
			f.rows[i].Status = status
			return nil
		}
	}
	return domain.ErrNotFound
}

func (f *fakeOutbox) MarkPublished(_ domain.Context, id int64) error {
	return f.mark(id, domain.OutboxPublished)
}

func (f *fakeOutbox) MarkFailed(_ domain.Context, id int64) error {
	return f.mark(id, domain.OutboxFailed)
}

func (f *fakeOutbox) ResetFailed(_ domain.Context, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.rows {
		if f.rows[i].Status == domain.OutboxFailed {
			f.rows[i].Status = domain.OutboxPending
			n++
		}
	}
	return n, nil
}

func (f *fakeOutbox) byType(eventType string) []domain.OutboxEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutboxEvent
	for _, ev := range f.rows {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeDirs struct {
	mu         sync.Mutex
	resolved   map[string]bool
	unresolved int
}

func newFakeDirs() *fakeDirs { return &fakeDirs{resolved: map[string]bool{}} }

func (f *fakeDirs) Ensure(_ domain.Context, _ domain.Tx, runID, dir string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "|" + dir
	if _, ok := f.resolved[key]; !ok {
		f.resolved[key] = false
	}
	return nil
}

func (f *fakeDirs) MarkResolved(_ domain.Context, runID, dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID + "|" + dir
	if f.resolved[key] {
		return true, nil
	}
	f.resolved[key] = true
	return false, nil
}

func (f *fakeDirs) CountUnresolved(_ domain.Context, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unresolved, nil
}

type fakeRuns struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newFakeRuns() *fakeRuns { return &fakeRuns{runs: map[string]domain.Run{}} }

func (f *fakeRuns) Create(_ domain.Context, r domain.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[r.RunID] = r
	return nil
}

func (f *fakeRuns) Get(_ domain.Context, runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.runs[runID]; ok {
		return r, nil
	}
	return domain.Run{}, domain.ErrNotFound
}

func (f *fakeRuns) SetParentJob(_ domain.Context, runID, parentJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.ParentJobID = parentJobID
	f.runs[runID] = r
	return nil
}

func (f *fakeRuns) Finish(_ domain.Context, runID string, status domain.RunStatus, errMsg string, counters domain.RunCounters) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.runs[runID]
	r.RunID = runID
	r.Status = status
	r.Error = errMsg
	r.Counters = counters
	f.runs[runID] = r
	return nil
}

func (f *fakeRuns) ListStuck(_ domain.Context, _ time.Duration) ([]domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Run
	for _, r := range f.runs {
		if r.Status == domain.RunRunning {
			out = append(out, r)
		}
	}
	return out, nil
}

type enqueued struct {
	queue   string
	name    string
	payload string
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueuedTo []enqueued
	enqueueErr error
}

func (f *fakeQueue) Enqueue(_ domain.Context, queue string, payload []byte, opts domain.EnqueueOpts) (domain.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return domain.JobHandle{}, f.enqueueErr
	}
	f.enqueuedTo = append(f.enqueuedTo, enqueued{queue: queue, name: opts.Name, payload: string(payload)})
	return domain.JobHandle{Queue: queue, ID: fmt.Sprintf("job-%d", len(f.enqueuedTo))}, nil
}

func (f *fakeQueue) EnqueueBulkPaused(_ domain.Context, _ string, _ string, _ [][]byte) ([]domain.JobHandle, error) {
	return nil, errors.New("not used")
}

func (f *fakeQueue) AddDependencies(_ domain.Context, _ domain.JobHandle, _ []domain.JobHandle) error {
	return nil
}

func (f *fakeQueue) Resume(_ domain.Context, _ []domain.JobHandle) error { return nil }

func (f *fakeQueue) State(_ domain.Context, _ domain.JobHandle) (domain.JobState, error) {
	return domain.JobWaiting, nil
}

func (f *fakeQueue) Delete(_ domain.Context, _ domain.JobHandle) error { return nil }

type fakeMirror struct {
	mu     sync.Mutex
	runIDs []string
	err    error
}

func (f *fakeMirror) Publish(_ domain.Context, runID string, _ domain.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.runIDs = append(f.runIDs, runID)
	return nil
}
