package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"SeiSync/internal/domain"
	"SeiSync/internal/ports"
)

const maxDownloadAttempts = 3

// Downloader moves pending binary documents from the API into object
// storage, recording content hashes and per-document state along the way.
type Downloader struct {
	api    ports.ProcessAPI
	repo   ports.ProcessRepository
	store  ports.ObjectStore
	bucket string
	logger *slog.Logger

	concurrency int
}

// NewDownloader wires the download stage.
func NewDownloader(api ports.ProcessAPI, repo ports.ProcessRepository, store ports.ObjectStore, bucket string, concurrency int, logger *slog.Logger) *Downloader {
	if concurrency <= 0 {
		concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		api:         api,
		repo:        repo,
		store:       store,
		bucket:      bucket,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Run downloads every pending document (bounded concurrency), uploads each
// to object storage under a deterministic key, and refreshes the
// per-protocol rollup when done.
func (d *Downloader) Run(ctx context.Context, limit int) (domain.DownloadStats, error) {
	refs, err := d.repo.PendingDocuments(ctx, limit)
	if err != nil {
		return domain.DownloadStats{}, fmt.Errorf("load pending documents: %w", err)
	}
	if len(refs) == 0 {
		return domain.DownloadStats{}, nil
	}

	d.logger.Info("document download starting", "pending", len(refs))

	sem := semaphore.NewWeighted(int64(d.concurrency))
	var wg sync.WaitGroup
	var mu sync.Mutex
	stats := domain.DownloadStats{}
	protocols := map[string]struct{}{}

	for _, ref := range refs {
		wg.Add(1)
		go func(ref domain.DocumentRef) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			ok := d.downloadOne(ctx, ref)

			mu.Lock()
			defer mu.Unlock()
			protocols[ref.Protocol] = struct{}{}
			if ok {
				stats.Downloaded++
			} else {
				stats.Failed++
			}
		}(ref)
	}
	wg.Wait()

	names := make([]string, 0, len(protocols))
	for protocol := range protocols {
		names = append(names, protocol)
	}
	if err := d.repo.RefreshDocumentRollup(ctx, names); err != nil {
		return stats, fmt.Errorf("refresh document rollup: %w", err)
	}

	d.logger.Info("document download finished",
		"downloaded", stats.Downloaded, "failed", stats.Failed)
	return stats, nil
}

func (d *Downloader) downloadOne(ctx context.Context, ref domain.DocumentRef) bool {
	scope, ok, err := d.api.ResolveScope(ctx, ref.Scope)
	if err != nil || !ok {
		d.fail(ctx, ref, fmt.Sprintf("scope %q not resolvable", ref.Scope))
		return false
	}

	content, err := d.api.DownloadDocument(ctx, scope.ID, ref.DocumentID)
	if err != nil {
		d.fail(ctx, ref, err.Error())
		return false
	}
	if len(content.Data) == 0 {
		d.fail(ctx, ref, "empty document returned by the API")
		return false
	}

	digest := sha256.Sum256(content.Data)
	hash := hex.EncodeToString(digest[:])
	key := ObjectKey(ref.Protocol, ref.DocumentID)

	contentType := content.ContentType
	if contentType == "" {
		contentType = "application/pdf"
	}
	if err := d.store.Put(ctx, key, content.Data, contentType); err != nil {
		d.fail(ctx, ref, fmt.Sprintf("object store put: %v", err))
		return false
	}

	if err := d.repo.MarkDocumentStored(ctx, ref.RowID, d.bucket, key, hash, int64(len(content.Data))); err != nil {
		d.logger.Error("document stored but state update failed",
			"protocol", ref.Protocol, "document", ref.DocumentID, "error", err)
		return false
	}

	d.logger.Debug("document stored",
		"protocol", ref.Protocol, "document", ref.DocumentID, "bytes", len(content.Data))
	return true
}

func (d *Downloader) fail(ctx context.Context, ref domain.DocumentRef, message string) {
	d.logger.Error("document download failed",
		"protocol", ref.Protocol, "document", ref.DocumentID,
		"attempt", ref.Attempts+1, "error", message)
	if err := d.repo.MarkDocumentFailed(ctx, ref.RowID, message); err != nil {
		d.logger.Error("recording download failure failed",
			"protocol", ref.Protocol, "document", ref.DocumentID, "error", err)
	}
}

// ObjectKey derives the deterministic storage path of one document:
// the protocol with path-hostile characters flattened, then the document id.
func ObjectKey(protocol, documentID string) string {
	safe := strings.NewReplacer("/", "-", ".", "-").Replace(protocol)
	return fmt.Sprintf("%s/%s.pdf", safe, documentID)
}
