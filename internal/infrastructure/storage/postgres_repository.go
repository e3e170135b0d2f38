package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"SeiSync/internal/domain"
	"SeiSync/internal/ports"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresRepository persists fetched records, their children, and the
// per-protocol sync state. All bulk writes of one batch share a single
// transaction, and every statement is idempotent on its natural key.
type PostgresRepository struct {
	db *sql.DB
}

var _ ports.ProcessRepository = (*PostgresRepository)(nil)
var _ ports.RecordSource = (*PostgresRepository)(nil)

// NewPostgresRepository wires a sql.DB implementation.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// PendingRecords returns staged records whose metadata stage has not yet
// reached a terminal classification. Completed, not-found, and
// access-denied protocols are skipped so re-runs only touch pending and
// errored ones.
func (r *PostgresRepository) PendingRecords(ctx context.Context, tenant string, limit int) ([]domain.RecordRef, error) {
	query, args, err := pendingRecordsSQL(tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("build pending query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	var refs []domain.RecordRef
	for rows.Next() {
		var ref domain.RecordRef
		if err := rows.Scan(&ref.Protocol, &ref.Scope); err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return refs, nil
}

func pendingRecordsSQL(tenant string, limit int) (string, []interface{}, error) {
	builder := psql.
		Select("p.protocol", "p.scope").
		From("process_refs p").
		Where(`NOT EXISTS (
			SELECT 1 FROM sync_status s
			WHERE s.protocol = p.protocol
			  AND s.metadata_status IN ('completed', 'not_found', 'access_denied')
		)`).
		OrderBy("p.created_at DESC")
	if tenant != "" {
		builder = builder.Where(sq.Like{"p.scope": tenant + "%"})
	}
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	return builder.ToSql()
}

// SaveBatch writes one buffered batch in a single transaction: process
// upserts keyed by protocol, child rows keyed by their stable identifiers,
// then sync-status rows carrying the terminal classification of every
// result in the batch.
func (r *PostgresRepository) SaveBatch(ctx context.Context, runID string, results []domain.RecordResult) (domain.BatchStats, error) {
	stats := domain.BatchStats{}
	if len(results) == 0 {
		return stats, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var successes []domain.RecordResult
	for _, result := range results {
		if result.Outcome == domain.OutcomeSuccess && result.Bundle != nil {
			successes = append(successes, result)
		}
	}

	if len(successes) > 0 {
		if err := r.upsertProcesses(ctx, tx, successes); err != nil {
			return stats, err
		}
		ids, err := r.processIDs(ctx, tx, successes)
		if err != nil {
			return stats, err
		}
		docCount, err := r.upsertDocuments(ctx, tx, successes, ids)
		if err != nil {
			return stats, err
		}
		eventCount, err := r.upsertProgressions(ctx, tx, successes, ids)
		if err != nil {
			return stats, err
		}
		stats.ProcessesSaved = len(successes)
		stats.DocumentsSaved = docCount
		stats.ProgressionsSaved = eventCount
	}

	if err := r.upsertSyncStatus(ctx, tx, runID, results); err != nil {
		return stats, err
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit batch tx: %w", err)
	}
	return stats, nil
}

func (r *PostgresRepository) upsertProcesses(ctx context.Context, tx *sql.Tx, results []domain.RecordResult) error {
	now := time.Now().UTC()
	builder := psql.
		Insert("processes").
		Columns("protocol", "record_id", "process_type", "specification", "access_level",
			"legal_basis", "note", "opened_at", "closed_at", "generating_scope",
			"raw_payload", "fetched_at", "updated_at")
	for _, result := range results {
		p := result.Bundle.Process
		builder = builder.Values(p.Protocol, p.RecordID, p.Type, p.Specification, p.AccessLevel,
			p.LegalBasis, p.Note, nullTime(p.OpenedAt), nullTime(p.ClosedAt), p.GeneratingScope,
			[]byte(p.Raw), now, now)
	}
	builder = builder.Suffix(`ON CONFLICT (protocol) DO UPDATE SET
		record_id = EXCLUDED.record_id,
		process_type = EXCLUDED.process_type,
		specification = EXCLUDED.specification,
		access_level = EXCLUDED.access_level,
		legal_basis = EXCLUDED.legal_basis,
		note = EXCLUDED.note,
		opened_at = EXCLUDED.opened_at,
		closed_at = EXCLUDED.closed_at,
		generating_scope = EXCLUDED.generating_scope,
		raw_payload = EXCLUDED.raw_payload,
		fetched_at = EXCLUDED.fetched_at,
		updated_at = EXCLUDED.updated_at`)

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build process upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert processes: %w", err)
	}
	return nil
}

func (r *PostgresRepository) processIDs(ctx context.Context, tx *sql.Tx, results []domain.RecordResult) (map[string]int64, error) {
	protocols := make([]string, len(results))
	for i, result := range results {
		protocols[i] = result.Protocol
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, protocol FROM processes WHERE protocol = ANY($1)`, pq.Array(protocols))
	if err != nil {
		return nil, fmt.Errorf("select process ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64, len(protocols))
	for rows.Next() {
		var id int64
		var protocol string
		if err := rows.Scan(&id, &protocol); err != nil {
			return nil, fmt.Errorf("scan process id: %w", err)
		}
		ids[protocol] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return ids, nil
}

func (r *PostgresRepository) upsertDocuments(ctx context.Context, tx *sql.Tx, results []domain.RecordResult, ids map[string]int64) (int, error) {
	builder := psql.
		Insert("process_documents").
		Columns("process_id", "protocol", "document_id", "document_number", "series",
			"document_date", "generated_by", "generating_scope", "signed", "access_level",
			"raw_payload", "status")
	count := 0
	for _, result := range results {
		processID, ok := ids[result.Protocol]
		if !ok {
			continue
		}
		for _, doc := range result.Bundle.Documents {
			builder = builder.Values(processID, result.Protocol, doc.DocumentID, doc.Number, doc.Series,
				nullTime(doc.Date), doc.GeneratedBy, doc.GeneratingScope, doc.Signed, doc.AccessLevel,
				[]byte(doc.Raw), string(domain.StagePending))
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}

	// Download bookkeeping (status, attempts, storage fields) is owned by the
	// download stage and deliberately left out of the update list.
	builder = builder.Suffix(`ON CONFLICT (document_id) DO UPDATE SET
		process_id = EXCLUDED.process_id,
		document_number = EXCLUDED.document_number,
		series = EXCLUDED.series,
		document_date = EXCLUDED.document_date,
		generated_by = EXCLUDED.generated_by,
		generating_scope = EXCLUDED.generating_scope,
		signed = EXCLUDED.signed,
		access_level = EXCLUDED.access_level,
		raw_payload = EXCLUDED.raw_payload,
		updated_at = NOW()`)

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build document upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("upsert documents: %w", err)
	}
	return count, nil
}

func (r *PostgresRepository) upsertProgressions(ctx context.Context, tx *sql.Tx, results []domain.RecordResult, ids map[string]int64) (int, error) {
	builder := psql.
		Insert("process_events").
		Columns("process_id", "protocol", "event_id", "task", "description",
			"event_user", "origin_scope", "occurred_at", "raw_payload")
	count := 0
	for _, result := range results {
		processID, ok := ids[result.Protocol]
		if !ok {
			continue
		}
		for _, event := range result.Bundle.Progressions {
			builder = builder.Values(processID, result.Protocol, event.EventID, event.Task, event.Description,
				event.User, event.OriginScope, nullTime(event.OccurredAt), []byte(event.Raw))
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}

	builder = builder.Suffix(`ON CONFLICT (event_id) DO NOTHING`)

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build progression insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("insert progressions: %w", err)
	}
	return count, nil
}

// retry_count grows only when the prior attempt errored; a first completion
// over a row left pending by an earlier run is not a retry.
const syncStatusConflictSQL = `ON CONFLICT (protocol) DO UPDATE SET
	metadata_status = EXCLUDED.metadata_status,
	metadata_fetched_at = EXCLUDED.metadata_fetched_at,
	metadata_error = EXCLUDED.metadata_error,
	documents_status = EXCLUDED.documents_status,
	documents_total = EXCLUDED.documents_total,
	progressions_status = EXCLUDED.progressions_status,
	progressions_total = EXCLUDED.progressions_total,
	last_run_id = EXCLUDED.last_run_id,
	retry_count = CASE WHEN sync_status.metadata_status = 'error'
		THEN sync_status.retry_count + 1
		ELSE sync_status.retry_count END,
	updated_at = EXCLUDED.updated_at`

func (r *PostgresRepository) upsertSyncStatus(ctx context.Context, tx *sql.Tx, runID string, results []domain.RecordResult) error {
	now := time.Now().UTC()
	builder := psql.
		Insert("sync_status").
		Columns("protocol", "metadata_status", "metadata_fetched_at", "metadata_error",
			"documents_status", "documents_total", "progressions_status", "progressions_total",
			"last_run_id", "updated_at")

	for _, result := range results {
		status, diag := statusFor(result)
		docsTotal, eventsTotal := 0, 0
		docsStatus, eventsStatus := string(domain.StagePending), string(domain.StagePending)
		if result.Outcome == domain.OutcomeSuccess && result.Bundle != nil {
			docsTotal = len(result.Bundle.Documents)
			eventsTotal = len(result.Bundle.Progressions)
			if docsTotal == 0 {
				docsStatus = string(domain.StageCompleted)
			}
			eventsStatus = string(domain.StageCompleted)
		}
		builder = builder.Values(result.Protocol, status, now, diag,
			docsStatus, docsTotal, eventsStatus, eventsTotal, runID, now)
	}

	builder = builder.Suffix(syncStatusConflictSQL)

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build status upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert sync status: %w", err)
	}
	return nil
}

// statusFor maps a record outcome onto the metadata stage status plus the
// diagnostic text retained for operators.
func statusFor(result domain.RecordResult) (string, sql.NullString) {
	switch result.Outcome {
	case domain.OutcomeSuccess:
		return string(domain.StageCompleted), sql.NullString{}
	case domain.OutcomeNotFound:
		return string(domain.StageNotFound), nullString(result.ErrorMessage)
	case domain.OutcomeAccessDenied:
		message := result.ErrorMessage
		if len(result.TriedScopes) > 0 {
			message = fmt.Sprintf("%s (tried: %s)", message, strings.Join(result.TriedScopes, ", "))
		}
		return string(domain.StageAccessDenied), nullString(message)
	default:
		return string(domain.StageError), nullString(result.ErrorMessage)
	}
}

// PendingDocuments returns document rows still awaiting download, capped at
// the attempt budget, together with the scope their record was declared under.
func (r *PostgresRepository) PendingDocuments(ctx context.Context, limit int) ([]domain.DocumentRef, error) {
	builder := psql.
		Select("d.id", "d.protocol", "d.document_id", "ref.scope", "d.download_attempts").
		From("process_documents d").
		Join("process_refs ref ON ref.protocol = d.protocol").
		Where(sq.Eq{"d.status": string(domain.StagePending)}).
		Where(sq.Lt{"d.download_attempts": maxDownloadAttempts}).
		OrderBy("d.created_at")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build pending documents query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending documents: %w", err)
	}
	defer rows.Close()

	var refs []domain.DocumentRef
	for rows.Next() {
		var ref domain.DocumentRef
		if err := rows.Scan(&ref.RowID, &ref.Protocol, &ref.DocumentID, &ref.Scope, &ref.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending document: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return refs, nil
}

const maxDownloadAttempts = 3

// MarkDocumentStored records a successful upload: storage location, size,
// and content hash.
func (r *PostgresRepository) MarkDocumentStored(ctx context.Context, rowID int64, bucket, key, hash string, size int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE process_documents SET
			status = 'completed',
			storage_bucket = $2,
			storage_key = $3,
			content_hash = $4,
			size_bytes = $5,
			downloaded_at = NOW(),
			last_error = NULL,
			updated_at = NOW()
		WHERE id = $1`, rowID, bucket, key, hash, size)
	if err != nil {
		return fmt.Errorf("mark document stored: %w", err)
	}
	return nil
}

// MarkDocumentFailed bumps the attempt counter; the row returns to pending
// until the attempt budget is exhausted, then parks in error.
func (r *PostgresRepository) MarkDocumentFailed(ctx context.Context, rowID int64, message string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE process_documents SET
			download_attempts = download_attempts + 1,
			status = CASE WHEN download_attempts + 1 >= $3 THEN 'error' ELSE 'pending' END,
			last_error = LEFT($2, 500),
			updated_at = NOW()
		WHERE id = $1`, rowID, message, maxDownloadAttempts)
	if err != nil {
		return fmt.Errorf("mark document failed: %w", err)
	}
	return nil
}

// RefreshDocumentRollup recomputes per-protocol download progress in the
// sync-status rows.
func (r *PostgresRepository) RefreshDocumentRollup(ctx context.Context, protocols []string) error {
	if len(protocols) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE sync_status s SET
			documents_downloaded = agg.completed,
			documents_status = CASE
				WHEN agg.total > 0 AND agg.completed = agg.total THEN 'completed'
				ELSE s.documents_status
			END,
			updated_at = NOW()
		FROM (
			SELECT protocol,
			       COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE status = 'completed') AS completed
			FROM process_documents
			WHERE protocol = ANY($1)
			GROUP BY protocol
		) agg
		WHERE s.protocol = agg.protocol`, pq.Array(protocols))
	if err != nil {
		return fmt.Errorf("refresh document rollup: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

