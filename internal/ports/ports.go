package ports

import (
	"context"

	"SeiSync/internal/domain"
)

// ProcessAPI is the access layer over the remote case-management API.
// Errors returned by its methods carry the fetch classification (access
// denied, not found, transient, auth) as typed values from internal/sei.
type ProcessAPI interface {
	// ResolveScope maps a hierarchical scope name to a scope known to the
	// caller's credential, falling back to the longest matching prefix.
	// The boolean reports whether any match was found.
	ResolveScope(ctx context.Context, name string) (domain.Scope, bool, error)
	// TenantScopes lists every visible scope of a tenant, most specific first.
	TenantScopes(ctx context.Context, tenant string) ([]domain.Scope, error)
	ConsultProcess(ctx context.Context, scopeID, protocol string) (domain.Process, error)
	ListDocuments(ctx context.Context, scopeID, protocol string) ([]domain.Document, error)
	ListProgressions(ctx context.Context, scopeID, protocol string) ([]domain.ProgressionEvent, error)
	DownloadDocument(ctx context.Context, scopeID, documentID string) (domain.DocumentContent, error)
}

// RecordSource yields the records still awaiting synchronization.
type RecordSource interface {
	PendingRecords(ctx context.Context, tenant string, limit int) ([]domain.RecordRef, error)
}

// ProcessRepository persists fetched records and their sync state.
type ProcessRepository interface {
	// SaveBatch writes one buffered batch in a single transaction: process
	// upserts, child rows keyed by their stable identifiers, and per-protocol
	// sync-status rows. Repeated delivery of the same result must be safe.
	SaveBatch(ctx context.Context, runID string, results []domain.RecordResult) (domain.BatchStats, error)

	PendingDocuments(ctx context.Context, limit int) ([]domain.DocumentRef, error)
	MarkDocumentStored(ctx context.Context, rowID int64, bucket, key, hash string, size int64) error
	MarkDocumentFailed(ctx context.Context, rowID int64, message string) error
	// RefreshDocumentRollup recomputes per-protocol download progress in the
	// sync-status rows for the given protocols.
	RefreshDocumentRollup(ctx context.Context, protocols []string) error
}

// ObjectStore persists binary document payloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Notifier publishes run summaries to an operator channel.
type Notifier interface {
	PublishSummary(ctx context.Context, summary string) error
}

// Scheduler controls when recurring sync runs execute.
type Scheduler interface {
	Start(ctx context.Context, job func()) error
	Stop(ctx context.Context) error
}
