package domain

import "time"

// Queue names are normative and wire-visible.
const (
	QueueFileAnalysis           = "file-analysis-queue"
	QueueRelationshipResolution = "relationship-resolution-queue"
	QueueGraphBuild             = "graph-build-queue"

	JobGraphBuildFinalization = "graph-build-finalization"
)

// JobState is the broker-side lifecycle of a job.
type JobState string

const (
	JobWaiting         JobState = "waiting"
	JobPaused          JobState = "paused"
	JobActive          JobState = "active"
	JobDelayed         JobState = "delayed"
	JobWaitingChildren JobState = "waiting-children"
	JobCompleted       JobState = "completed"
	JobDead            JobState = "dead"
)

// Job is a unit of queued work as seen by handlers.
type Job struct {
	ID          string
	Queue       string
	Name        string
	Payload     []byte
	Attempts    int
	MaxAttempts int
}

// JobHandle identifies an enqueued job for dependency wiring.
type JobHandle struct {
	Queue string
	ID    string
}

// EnqueueOpts tune a single enqueue.
type EnqueueOpts struct {
	Name        string
	MaxAttempts int
	Delay       time.Duration
}

// JobHandler processes one job. A returned error wrapping
// ErrJobUnrecoverable dead-letters the job immediately; any other error
// triggers retry with backoff up to the job's MaxAttempts.
type JobHandler func(ctx Context, job Job) error

// Queue is the typed job-queue port (C1). Implementations provide retries
// with exponential backoff, dead-lettering to <queue>:dead, stalled-job
// recovery and parent/child dependency barriers.
//
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
type Queue interface {
	Enqueue(ctx Context, queue string, payload []byte, opts EnqueueOpts) (JobHandle, error)
	// EnqueueBulkPaused creates jobs no worker can fetch until Resume.
	EnqueueBulkPaused(ctx Context, queue string, name string, payloads [][]byte) ([]JobHandle, error)
	// AddDependencies atomically links children to a parent that stays in
	// waiting-children until every child terminates.
	AddDependencies(ctx Context, parent JobHandle, children []JobHandle) error
	Resume(ctx Context, handles []JobHandle) error
	State(ctx Context, h JobHandle) (JobState, error)
	Delete(ctx Context, h JobHandle) error
}

// Lock is a broker-backed distributed lock with TTL.
type Lock interface {
	// Acquire is set-if-absent; returns ErrLockHeld when another holder exists.
	Acquire(ctx Context, key string, ttl time.Duration) (release func(ctx Context) error, err error)
}

// LLMClient is the external prompt -> JSON string collaborator. The pipeline
// does not specify the HTTP client; it only consumes this callable.
//
//go:generate mockery --name=LLMClient --with-expecter --filename=llm_client_mock.go
type LLMClient interface {
	AnalyzeJSON(ctx Context, systemPrompt, userPrompt string) (string, error)
}

// GraphNode is a POI as materialized in the graph sink.
type GraphNode struct {
	Checksum string
	FilePath string
	Type     string
	Name     string
}

// GraphRelationship is a validated edge as materialized in the graph sink.
type GraphRelationship struct {
	SourceChecksum string
	Type           string
	TargetChecksum string
	Explanation    string
	Weight         float64
}

// GraphSink is the external bulk-MERGE collaborator. MergeBatch must be
// idempotent: nodes keyed by (checksum, filePath), relationships keyed by
// (source.checksum, type, target.checksum), applied in one transaction.
type GraphSink interface {
	MergeBatch(ctx Context, nodes []GraphNode, rels []GraphRelationship) error
}

// Repositories (ports)

type FileRepository interface {
	Upsert(ctx Context, tx Tx, f File) error
	GetByPath(ctx Context, path string) (File, error)
	UpdateStatus(ctx Context, tx Tx, id string, status FileStatus) error
	CountByRun(ctx Context, runID string) (int, error)
	CountByDirectory(ctx Context, runID, dir string) (total, completed int, err error)
	ListDirectories(ctx Context, runID string) ([]string, error)
}

type POIRepository interface {
	UpsertBatch(ctx Context, tx Tx, pois []POI) error
	GetByChecksum(ctx Context, checksum string) (POI, error)
	ListByFile(ctx Context, fileID string) ([]POI, error)
	ListByDirectory(ctx Context, runID, dir string) ([]POI, error)
	ListByIDs(ctx Context, ids []string) ([]POI, error)
	CountByRun(ctx Context, runID string) (int, error)
}

type RelationshipRepository interface {
	InsertBatch(ctx Context, tx Tx, rels []CandidateRelationship) error
	ListByStatus(ctx Context, runID string, status RelationshipStatus, limit, offset int) ([]CandidateRelationship, error)
	ListPendingIDs(ctx Context, runID string) ([]string, error)
	ListPendingByDirectory(ctx Context, runID, dir string) ([]CandidateRelationship, error)
	UpdateStatus(ctx Context, tx Tx, id string, status RelationshipStatus, score float64) error
	CountByRun(ctx Context, runID string) (int, error)
}

type EvidenceRepository interface {
	InsertBatch(ctx Context, tx Tx, evs []Evidence) error
	ListByRelationship(ctx Context, relationshipID string) ([]Evidence, error)
	CountByRun(ctx Context, runID string) (int, error)
}

type OutboxRepository interface {
	Insert(ctx Context, tx Tx, eventType, payload string) error
	ListPending(ctx Context, limit int) ([]OutboxEvent, error)
	MarkPublished(ctx Context, id int64) error
	MarkFailed(ctx Context, id int64) error
	ResetFailed(ctx Context, olderThan time.Duration) (int, error)
}

type RunRepository interface {
	Create(ctx Context, r Run) error
	Get(ctx Context, runID string) (Run, error)
	SetParentJob(ctx Context, runID, parentJobID string) error
	Finish(ctx Context, runID string, status RunStatus, errMsg string, counters RunCounters) error
	ListStuck(ctx Context, olderThan time.Duration) ([]Run, error)
}

type DirectoryProgressRepository interface {
	Ensure(ctx Context, tx Tx, runID, dir string, filesTotal int) error
	MarkResolved(ctx Context, runID, dir string) (alreadyResolved bool, err error)
	CountUnresolved(ctx Context, runID string) (int, error)
}

// Tx is an opaque relational transaction handle. Repository methods accepting
// a nil Tx run against the pool directly.
type Tx interface{}

// TxRunner begins a transaction and runs fn; commit on nil error, rollback
// otherwise.
type TxRunner interface {
	WithTx(ctx Context, fn func(tx Tx) error) error
}
