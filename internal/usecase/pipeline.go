package usecase

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"SeiSync/internal/domain"
	"SeiSync/internal/ports"
)

// RecordFetcher is the single operation the pipeline needs from the
// fallback orchestrator.
type RecordFetcher interface {
	FetchRecord(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error)
}

// Options tunes one pipeline run.
type Options struct {
	// Concurrency bounds how many records are fetched at once. Pagination
	// sub-calls are additionally bounded by the access layer's own budget.
	Concurrency int
	// FlushThreshold is the writer's buffer size: one bulk transaction per
	// FlushThreshold results. The queue holds 2x this for backpressure.
	FlushThreshold int
	// RunID identifies the run in sync-status rows; generated when empty.
	RunID string
}

const writerPollInterval = 500 * time.Millisecond

// Pipeline moves records from concurrent API fetches through a bounded
// queue into a single writer that batches bulk upserts. The writer is the
// only actor that touches persisted state, so there are no write-write
// races by construction.
type Pipeline struct {
	fetcher RecordFetcher
	repo    ports.ProcessRepository
	logger  *slog.Logger

	// poll interval between partial-flush checks; shrunk in tests.
	pollInterval time.Duration
}

// NewPipeline wires the orchestrator and repository into the ingestion flow.
func NewPipeline(fetcher RecordFetcher, repo ports.ProcessRepository, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher:      fetcher,
		repo:         repo,
		logger:       logger,
		pollInterval: writerPollInterval,
	}
}

// Run fetches every record and persists the outcomes, returning aggregate
// counters per terminal classification. A login failure aborts the run; a
// caller-cancelled context stops new fetches, lets in-flight work land, and
// still performs the final flush so partial progress is never lost.
func (p *Pipeline) Run(ctx context.Context, refs []domain.RecordRef, opts Options) (domain.RunCounters, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 10
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = 50
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Flushes survive cancellation: buffered results are always persisted.
	writeCtx := context.WithoutCancel(ctx)

	logger := p.logger.With("run_id", opts.RunID)
	logger.Info("pipeline starting",
		"records", len(refs), "concurrency", opts.Concurrency, "flush_threshold", opts.FlushThreshold)

	queue := make(chan domain.RecordResult, 2*opts.FlushThreshold)
	sem := semaphore.NewWeighted(int64(opts.Concurrency))

	var fatalOnce sync.Once
	var fatal error
	abort := func(err error) {
		fatalOnce.Do(func() {
			fatal = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	for _, ref := range refs {
		wg.Add(1)
		go func(ref domain.RecordRef) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)

			result, err := p.fetcher.FetchRecord(ctx, ref)
			if err != nil {
				abort(err)
				return
			}
			select {
			case queue <- result:
			case <-ctx.Done():
			}
		}(ref)
	}
	go func() {
		wg.Wait()
		close(queue)
	}()

	counters := domain.RunCounters{}
	buffer := make([]domain.RecordResult, 0, opts.FlushThreshold)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		stats, err := p.repo.SaveBatch(writeCtx, opts.RunID, buffer)
		if err != nil {
			return err
		}
		counters.Add(stats)
		counters.BulkWrites++
		logger.Info("bulk write",
			"results", len(buffer), "processes", stats.ProcessesSaved,
			"documents", stats.DocumentsSaved, "progressions", stats.ProgressionsSaved)
		buffer = buffer[:0]
		return nil
	}

	var writeErr error
	draining := false
	for {
		select {
		case result, ok := <-queue:
			if !ok {
				if !draining {
					if err := flush(); err != nil {
						writeErr = err
					}
				}
				if fatal != nil {
					return counters, fatal
				}
				if writeErr != nil {
					return counters, writeErr
				}
				logger.Info("pipeline finished",
					"succeeded", counters.Succeeded, "not_found", counters.NotFound,
					"access_denied", counters.AccessDenied, "errored", counters.Errored,
					"bulk_writes", counters.BulkWrites)
				return counters, nil
			}
			if draining {
				continue
			}
			counters.Count(result.Outcome)
			buffer = append(buffer, result)
			if len(buffer) >= opts.FlushThreshold {
				if err := flush(); err != nil {
					writeErr = err
					draining = true
					abort(err)
				}
			}

		case <-time.After(p.pollInterval):
			// Early partial flush bounds staleness of small final batches.
			if draining || len(buffer) < opts.FlushThreshold/2 {
				continue
			}
			if err := flush(); err != nil {
				writeErr = err
				draining = true
				abort(err)
			}
		}
	}
}
