// Package domain holds the entities and ports of the code-graph pipeline.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrUpstreamTimeout = errors.New("upstream timeout")
	ErrLockHeld        = errors.New("lock held")
	ErrQueueClosed     = errors.New("queue closed")
	ErrInternal        = errors.New("internal error")

	// ErrJobUnrecoverable marks deterministic failures. Jobs failing with an
	// error wrapping this sentinel go straight to the dead-letter queue
	// instead of being retried.
	ErrJobUnrecoverable = errors.New("job unrecoverable")
)

// FileStatus enumerates the lifecycle of a discovered file.
type FileStatus string

const (
	FilePending    FileStatus = "pending"
	FileProcessing FileStatus = "processing"
	FileCompleted  FileStatus = "completed"
	FileError      FileStatus = "error"
)

// Special file types recognised during discovery.
const (
	SpecialManifest   = "manifest"
	SpecialEntrypoint = "entrypoint"
	SpecialConfig     = "config"
)

// File is a source file discovered in the target repository.
// ID is a stable hash of the path; Checksum hashes the content.
type File struct {
	ID            string
	RunID         string
	Path          string
	Checksum      string
	Language      string
	Status        FileStatus
	SpecialType   string
	LastProcessed time.Time
}

// POIType enumerates the kinds of code entities the LLM may report.
type POIType string

const (
	POIFile     POIType = "File"
	POIClass    POIType = "Class"
	POIFunction POIType = "Function"
	POIMethod   POIType = "Method"
	POIVariable POIType = "Variable"
	POIImport   POIType = "Import"
	POIExport   POIType = "Export"
	POIDatabase POIType = "Database"
	POITable    POIType = "Table"
	POIView     POIType = "View"
)

// KnownPOIType reports whether t is one of the accepted POI kinds.
func KnownPOIType(t POIType) bool {
	switch t {
	case POIFile, POIClass, POIFunction, POIMethod, POIVariable,
		POIImport, POIExport, POIDatabase, POITable, POIView:
		return true
	}
	return false
}

// POI is a point of interest extracted from a file. Checksum hashes
// {type,name,filePath} and is the stable identity across runs.
type POI struct {
	ID         string
	FileID     string
	RunID      string
	Type       POIType
	Name       string
	StartLine  int
	EndLine    int
	IsExported bool
	Checksum   string
	FilePath   string
}

// RelationshipType enumerates edges between POIs.
type RelationshipType string

const (
	RelCalls      RelationshipType = "CALLS"
	RelImports    RelationshipType = "IMPORTS"
	RelInherits   RelationshipType = "INHERITS_FROM"
	RelImplements RelationshipType = "IMPLEMENTS"
	RelUses       RelationshipType = "USES"
	RelExports    RelationshipType = "EXPORTS"
	RelHasMethod  RelationshipType = "HAS_METHOD"
)

// KnownRelationshipType reports whether t is one of the accepted edge kinds.
func KnownRelationshipType(t RelationshipType) bool {
	switch t {
	case RelCalls, RelImports, RelInherits, RelImplements, RelUses, RelExports, RelHasMethod:
		return true
	}
	return false
}

// RelationshipStatus is the reconciliation state of a candidate edge.
type RelationshipStatus string

const (
	RelPending    RelationshipStatus = "pending"
	RelValidated  RelationshipStatus = "validated"
	RelDiscarded  RelationshipStatus = "discarded"
	RelConflicted RelationshipStatus = "conflicted"
	RelIngested   RelationshipStatus = "ingested"
)

// CandidateRelationship is a proposed edge awaiting confidence reconciliation.
type CandidateRelationship struct {
	ID              string
	SourcePoiID     string
	TargetPoiID     string
	Type            RelationshipType
	Status          RelationshipStatus
	ConfidenceScore float64
	Explanation     string
	RunID           string
}

// SourceWorker identifies which stage produced a piece of evidence.
type SourceWorker string

const (
	WorkerFile      SourceWorker = "File"
	WorkerDirectory SourceWorker = "Directory"
	WorkerGlobal    SourceWorker = "Global"
)

// Evidence is a single worker's opinion about a candidate relationship.
// (BatchID, RelationshipID) is the idempotency key under at-least-once
// event delivery.
type Evidence struct {
	ID                int64
	RelationshipID    string
	BatchID           string
	RunID             string
	SourceWorker      SourceWorker
	InitialScore      float64
	FoundRelationship bool
	Payload           string
	CreatedAt         time.Time
}

// OutboxStatus is the publication state of an outbox row.
type OutboxStatus string

const (
	OutboxPending   OutboxStatus = "PENDING"
	OutboxPublished OutboxStatus = "PUBLISHED"
	OutboxFailed    OutboxStatus = "FAILED"
)

// Outbox event types.
const (
	EventFileAnalysisFinding         = "file-analysis-finding"
	EventDirectoryAnalysisFinding    = "directory-analysis-finding"
	EventRelationshipAnalysisFinding = "relationship-analysis-finding"
)

// OutboxEvent is a pending side-effect written in the same transaction as the
// state change that requires it.
type OutboxEvent struct {
	ID        int64
	EventType string
	Payload   string
	Status    OutboxStatus
	CreatedAt time.Time
}

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// RunCounters are materialized on the run row at finalization.
type RunCounters struct {
	Files         int `json:"files"`
	POIs          int `json:"pois"`
	Relationships int `json:"relationships"`
	Evidence      int `json:"evidence"`
	GraphMerges   int `json:"graph_merges"`
}

// Run is one end-to-end pipeline invocation.
type Run struct {
	RunID       string
	ParentJobID string
	Status      RunStatus
	StartedAt   time.Time
	FinishedAt  *time.Time
	Error       string
	Counters    RunCounters
}

// BatchFile is a single file carried inside an analysis batch payload.
type BatchFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Batch is a transient set of files packed under a shared token budget.
// It exists only as a queue job payload.
type Batch struct {
	BatchID    string      `json:"batchId"`
	RunID      string      `json:"runId"`
	Files      []BatchFile `json:"files"`
	TokenCount int         `json:"tokenCount"`
}

// Context is an alias so adapters and pipeline code share one context type.
type Context = context.Context
