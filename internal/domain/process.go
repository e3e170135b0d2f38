package domain

import (
	"encoding/json"
	"time"
)

// Scope is an access boundary in the remote system. Names are hierarchical,
// slash-separated (e.g. "SEAD-PI/GAB/SUPARC"); the first segment identifies
// the owning tenant.
type Scope struct {
	Name string
	ID   string
}

// Tenant returns the top-level segment of a hierarchical scope name.
func Tenant(scopeName string) string {
	for i := 0; i < len(scopeName); i++ {
		if scopeName[i] == '/' {
			return scopeName[:i]
		}
	}
	return scopeName
}

// RecordRef identifies one process to synchronize: its protocol plus the
// scope it was declared under.
type RecordRef struct {
	Protocol string
	Scope    string
}

// Process holds the primary metadata of a case record fetched from the API.
type Process struct {
	Protocol        string
	RecordID        string
	Type            string
	Specification   string
	AccessLevel     string
	LegalBasis      string
	Note            string
	OpenedAt        time.Time
	ClosedAt        time.Time
	GeneratingScope string
	Raw             json.RawMessage
}

// Document is a child entry in a process's document list.
type Document struct {
	DocumentID      string
	Number          string
	Series          string
	Date            time.Time
	GeneratedBy     string
	GeneratingScope string
	Signed          bool
	AccessLevel     string
	Raw             json.RawMessage
}

// ProgressionEvent is a timestamped status-change entry in a process's history.
type ProgressionEvent struct {
	EventID     string
	Task        string
	Description string
	User        string
	OriginScope string
	OccurredAt  time.Time
	Raw         json.RawMessage
}

// ProcessBundle is a fully populated record with its children.
type ProcessBundle struct {
	Process      Process
	Documents    []Document
	Progressions []ProgressionEvent
}

// DocumentContent is the binary payload of a downloaded document.
type DocumentContent struct {
	Data        []byte
	Filename    string
	ContentType string
}

// DocumentRef identifies a persisted document row awaiting download.
type DocumentRef struct {
	RowID      int64
	Protocol   string
	DocumentID string
	Scope      string
	Attempts   int
}

// RecordOutcome is the terminal classification of one record fetch.
type RecordOutcome string

const (
	OutcomeSuccess      RecordOutcome = "success"
	OutcomeNotFound     RecordOutcome = "not_found"
	OutcomeAccessDenied RecordOutcome = "access_denied"
	OutcomeError        RecordOutcome = "error"
)

// StageStatus enumerates per-stage sync states persisted for every protocol.
type StageStatus string

const (
	StagePending      StageStatus = "pending"
	StageProcessing   StageStatus = "processing"
	StageCompleted    StageStatus = "completed"
	StageError        StageStatus = "error"
	StageNotFound     StageStatus = "not_found"
	StageAccessDenied StageStatus = "access_denied"
)

// RecordResult is the per-record item carried from fetch tasks to the writer.
// Exactly one of Bundle (on success) or ErrorMessage (otherwise) is meaningful;
// TriedScopes lists every scope attempted before the outcome was reached.
type RecordResult struct {
	Protocol     string
	Outcome      RecordOutcome
	Bundle       *ProcessBundle
	TriedScopes  []string
	ErrorMessage string
}

// BatchStats reports what one bulk write persisted.
type BatchStats struct {
	ProcessesSaved    int
	DocumentsSaved    int
	ProgressionsSaved int
}

// RunCounters aggregates a pipeline run by terminal classification.
type RunCounters struct {
	Succeeded    int
	NotFound     int
	AccessDenied int
	Errored      int
	BulkWrites   int
	Stats        BatchStats
}

// Add merges per-result and per-flush numbers into the run totals.
func (c *RunCounters) Add(other BatchStats) {
	c.Stats.ProcessesSaved += other.ProcessesSaved
	c.Stats.DocumentsSaved += other.DocumentsSaved
	c.Stats.ProgressionsSaved += other.ProgressionsSaved
}

// Count tallies one record outcome.
func (c *RunCounters) Count(outcome RecordOutcome) {
	switch outcome {
	case OutcomeSuccess:
		c.Succeeded++
	case OutcomeNotFound:
		c.NotFound++
	case OutcomeAccessDenied:
		c.AccessDenied++
	default:
		c.Errored++
	}
}

// Total returns the number of records the run classified.
func (c RunCounters) Total() int {
	return c.Succeeded + c.NotFound + c.AccessDenied + c.Errored
}

// DownloadStats aggregates a document-download run.
type DownloadStats struct {
	Downloaded int
	Failed     int
}
