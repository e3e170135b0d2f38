package usecase

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"SeiSync/internal/domain"
	"SeiSync/internal/sei"
)

type fetchFunc func(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error)

func (f fetchFunc) FetchRecord(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
	return f(ctx, ref)
}

// fakeRepo records batches keyed by protocol so duplicate delivery of the
// same result can be observed, mimicking upsert semantics.
type fakeRepo struct {
	mu      sync.Mutex
	saved   map[string]domain.RecordResult
	batches [][]domain.RecordResult
	runIDs  map[string]struct{}
	saveErr error

	// beforeSave, when set, runs at the top of SaveBatch outside the lock
	// so tests can stall the writer.
	beforeSave func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		saved:  map[string]domain.RecordResult{},
		runIDs: map[string]struct{}{},
	}
}

func (r *fakeRepo) SaveBatch(_ context.Context, runID string, results []domain.RecordResult) (domain.BatchStats, error) {
	if r.beforeSave != nil {
		r.beforeSave()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return domain.BatchStats{}, r.saveErr
	}
	r.runIDs[runID] = struct{}{}
	batch := make([]domain.RecordResult, len(results))
	copy(batch, results)
	r.batches = append(r.batches, batch)

	stats := domain.BatchStats{}
	for _, result := range results {
		r.saved[result.Protocol] = result
		if result.Outcome == domain.OutcomeSuccess {
			stats.ProcessesSaved++
			stats.DocumentsSaved += len(result.Bundle.Documents)
			stats.ProgressionsSaved += len(result.Bundle.Progressions)
		}
	}
	return stats, nil
}

func (r *fakeRepo) PendingDocuments(context.Context, int) ([]domain.DocumentRef, error) {
	return nil, nil
}
func (r *fakeRepo) MarkDocumentStored(context.Context, int64, string, string, string, int64) error {
	return nil
}
func (r *fakeRepo) MarkDocumentFailed(context.Context, int64, string) error { return nil }
func (r *fakeRepo) RefreshDocumentRollup(context.Context, []string) error   { return nil }

func testRefs(n int) []domain.RecordRef {
	refs := make([]domain.RecordRef, 0, n)
	for i := 0; i < n; i++ {
		refs = append(refs, domain.RecordRef{
			Protocol: fmt.Sprintf("00002.%06d/2025-00", i),
			Scope:    "SEAD-PI/GAB",
		})
	}
	return refs
}

func TestPipelineRunMixedOutcomes(t *testing.T) {
	t.Parallel()

	// Outcome by record index: every 10th not found, every 7th denied,
	// every 13th errored, the rest succeed.
	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		n, err := strconv.Atoi(ref.Protocol[6:12])
		if err != nil {
			t.Errorf("bad protocol %q", ref.Protocol)
		}
		result := domain.RecordResult{Protocol: ref.Protocol}
		switch {
		case n%10 == 9:
			result.Outcome = domain.OutcomeNotFound
		case n%7 == 6:
			result.Outcome = domain.OutcomeAccessDenied
		case n%13 == 12:
			result.Outcome = domain.OutcomeError
		default:
			result.Outcome = domain.OutcomeSuccess
			result.Bundle = &domain.ProcessBundle{
				Process:   domain.Process{Protocol: ref.Protocol},
				Documents: []domain.Document{{DocumentID: "d-" + ref.Protocol}},
			}
		}
		return result, nil
	})

	repo := newFakeRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 10 * time.Millisecond

	refs := testRefs(120)
	counters, err := pipeline.Run(context.Background(), refs, Options{
		Concurrency:    8,
		FlushThreshold: 25,
		RunID:          "run-mixed",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if counters.Total() != len(refs) {
		t.Fatalf("classified %d of %d records", counters.Total(), len(refs))
	}
	if len(repo.saved) != len(refs) {
		t.Fatalf("persisted %d of %d records", len(repo.saved), len(refs))
	}
	if counters.Succeeded != counters.Stats.ProcessesSaved {
		t.Fatalf("success counter %d disagrees with persisted processes %d",
			counters.Succeeded, counters.Stats.ProcessesSaved)
	}
	if counters.Succeeded != counters.Stats.DocumentsSaved {
		t.Fatalf("expected one document per success, got %d documents for %d successes",
			counters.Stats.DocumentsSaved, counters.Succeeded)
	}
	if counters.BulkWrites < 2 {
		t.Fatalf("120 records over threshold 25 must flush more than once, got %d", counters.BulkWrites)
	}
	if _, ok := repo.runIDs["run-mixed"]; !ok || len(repo.runIDs) != 1 {
		t.Fatalf("unexpected run ids: %v", repo.runIDs)
	}
	for _, batch := range repo.batches {
		if len(batch) > 25 {
			t.Fatalf("batch exceeds flush threshold: %d", len(batch))
		}
	}
}

func TestPipelineGeneratesRunID(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeSuccess,
			Bundle: &domain.ProcessBundle{}}, nil
	})
	repo := newFakeRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 10 * time.Millisecond

	if _, err := pipeline.Run(context.Background(), testRefs(3), Options{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(repo.runIDs) != 1 {
		t.Fatalf("expected one generated run id, got %v", repo.runIDs)
	}
	for runID := range repo.runIDs {
		if runID == "" {
			t.Fatal("generated run id is empty")
		}
	}
}

func TestPipelineFinalFlushBelowThreshold(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeNotFound}, nil
	})
	repo := newFakeRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = time.Hour // partial flush disabled for this test

	counters, err := pipeline.Run(context.Background(), testRefs(7), Options{FlushThreshold: 50})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counters.NotFound != 7 {
		t.Fatalf("expected 7 not-found, got %d", counters.NotFound)
	}
	if len(repo.saved) != 7 {
		t.Fatalf("final flush lost records: %d persisted", len(repo.saved))
	}
	if counters.BulkWrites != 1 {
		t.Fatalf("expected exactly one final flush, got %d", counters.BulkWrites)
	}
}

func TestPipelinePartialFlushOnSlowTail(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	fetcher := fetchFunc(func(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		// The last record stalls so the writer sits on a partially full
		// buffer long enough for the poll to fire.
		if ref.Protocol == "00002.000019/2025-00" {
			select {
			case <-release:
			case <-ctx.Done():
				return domain.RecordResult{}, ctx.Err()
			}
		}
		return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeSuccess,
			Bundle: &domain.ProcessBundle{}}, nil
	})
	repo := newFakeRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		counters, err := pipeline.Run(context.Background(), testRefs(20), Options{
			Concurrency: 4, FlushThreshold: 30,
		})
		if err != nil {
			t.Errorf("run: %v", err)
		}
		if counters.Succeeded != 20 {
			t.Errorf("expected 20 successes, got %d", counters.Succeeded)
		}
	}()

	// 19 records land quickly; with threshold 30 and half-threshold 15 the
	// poll flush must fire before the stalled record completes.
	deadline := time.After(2 * time.Second)
	for {
		repo.mu.Lock()
		flushed := len(repo.batches)
		repo.mu.Unlock()
		if flushed >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("partial flush never happened")
		case <-time.After(time.Millisecond):
		}
	}

	close(release)
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.saved) != 20 {
		t.Fatalf("expected all 20 records persisted, got %d", len(repo.saved))
	}
}

func TestPipelineBackpressureStallsProducers(t *testing.T) {
	t.Parallel()

	var started atomic.Int32
	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		started.Add(1)
		return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeSuccess,
			Bundle: &domain.ProcessBundle{}}, nil
	})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	repo := newFakeRepo()
	repo.beforeSave = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = time.Hour // the threshold flush alone drives writes here

	const (
		total       = 40
		threshold   = 4
		concurrency = 3
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		counters, err := pipeline.Run(context.Background(), testRefs(total), Options{
			Concurrency: concurrency, FlushThreshold: threshold,
		})
		if err != nil {
			t.Errorf("run: %v", err)
		}
		if counters.Succeeded != total {
			t.Errorf("expected %d successes, got %d", total, counters.Succeeded)
		}
	}()

	<-entered
	// With the writer stalled inside a flush, at most the writer's buffer
	// (threshold), the queue (2x threshold), and one blocked send per fetch
	// slot can be past the fetcher. Everything beyond that must be waiting.
	time.Sleep(100 * time.Millisecond)
	stalled := started.Load()
	if limit := int32(threshold + 2*threshold + concurrency); stalled > limit {
		t.Fatalf("queue pressure did not bound fetches: %d started, limit %d", stalled, limit)
	}
	time.Sleep(50 * time.Millisecond)
	if again := started.Load(); again != stalled {
		t.Fatalf("fetches kept flowing while the writer was stalled: %d -> %d", stalled, again)
	}

	close(release)
	<-done

	if started.Load() != total {
		t.Fatalf("expected all %d records fetched after release, got %d", total, started.Load())
	}
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.saved) != total {
		t.Fatalf("expected all %d records persisted, got %d", total, len(repo.saved))
	}
}

// upsertRepo counts writes per natural key, mimicking ON CONFLICT upserts:
// repeated delivery touches the same row instead of creating another.
type upsertRepo struct {
	mu             sync.Mutex
	processWrites  map[string]int
	documentWrites map[string]int
	eventWrites    map[string]int
}

func newUpsertRepo() *upsertRepo {
	return &upsertRepo{
		processWrites:  map[string]int{},
		documentWrites: map[string]int{},
		eventWrites:    map[string]int{},
	}
}

func (r *upsertRepo) SaveBatch(_ context.Context, _ string, results []domain.RecordResult) (domain.BatchStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := domain.BatchStats{}
	for _, result := range results {
		if result.Outcome != domain.OutcomeSuccess || result.Bundle == nil {
			continue
		}
		r.processWrites[result.Protocol]++
		for _, doc := range result.Bundle.Documents {
			r.documentWrites[doc.DocumentID]++
		}
		for _, event := range result.Bundle.Progressions {
			r.eventWrites[event.EventID]++
		}
		stats.ProcessesSaved++
		stats.DocumentsSaved += len(result.Bundle.Documents)
		stats.ProgressionsSaved += len(result.Bundle.Progressions)
	}
	return stats, nil
}

func (r *upsertRepo) PendingDocuments(context.Context, int) ([]domain.DocumentRef, error) {
	return nil, nil
}
func (r *upsertRepo) MarkDocumentStored(context.Context, int64, string, string, string, int64) error {
	return nil
}
func (r *upsertRepo) MarkDocumentFailed(context.Context, int64, string) error { return nil }
func (r *upsertRepo) RefreshDocumentRollup(context.Context, []string) error   { return nil }

func TestPipelineDuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		return domain.RecordResult{
			Protocol: ref.Protocol,
			Outcome:  domain.OutcomeSuccess,
			Bundle: &domain.ProcessBundle{
				Process:      domain.Process{Protocol: ref.Protocol},
				Documents:    []domain.Document{{DocumentID: "d-" + ref.Protocol}},
				Progressions: []domain.ProgressionEvent{{EventID: "a-" + ref.Protocol}},
			},
		}, nil
	})

	repo := newUpsertRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 10 * time.Millisecond

	// The same protocol staged twice, as happens when a run is re-driven
	// over records a previous run already delivered.
	duplicate := domain.RecordRef{Protocol: "00002.000042/2025-42", Scope: "SEAD-PI/GAB"}
	refs := []domain.RecordRef{duplicate, duplicate}

	counters, err := pipeline.Run(context.Background(), refs, Options{Concurrency: 2, FlushThreshold: 1})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if counters.Succeeded != 2 {
		t.Fatalf("both deliveries must be classified, got %d", counters.Succeeded)
	}

	if got := repo.processWrites[duplicate.Protocol]; got != 2 {
		t.Fatalf("expected the duplicate to reach the repository twice, got %d writes", got)
	}
	if len(repo.processWrites) != 1 {
		t.Fatalf("expected one process row, got keys %v", repo.processWrites)
	}
	if len(repo.documentWrites) != 1 || len(repo.eventWrites) != 1 {
		t.Fatalf("expected one row per child key, got documents %v events %v",
			repo.documentWrites, repo.eventWrites)
	}
}

func TestPipelineAuthFailureAborts(t *testing.T) {
	t.Parallel()

	authErr := &sei.AuthError{Err: errors.New("login rejected")}
	fetcher := fetchFunc(func(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		if ref.Protocol == "00002.000000/2025-00" {
			return domain.RecordResult{}, authErr
		}
		select {
		case <-ctx.Done():
			return domain.RecordResult{}, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeSuccess,
				Bundle: &domain.ProcessBundle{}}, nil
		}
	})
	repo := newFakeRepo()
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 5 * time.Millisecond

	_, err := pipeline.Run(context.Background(), testRefs(40), Options{Concurrency: 4, FlushThreshold: 10})
	if !sei.IsAuth(err) {
		t.Fatalf("expected auth failure to abort the run, got %v", err)
	}
}

func TestPipelineWriteFailureStopsFlushing(t *testing.T) {
	t.Parallel()

	fetcher := fetchFunc(func(_ context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
		return domain.RecordResult{Protocol: ref.Protocol, Outcome: domain.OutcomeSuccess,
			Bundle: &domain.ProcessBundle{}}, nil
	})
	repo := newFakeRepo()
	repo.saveErr = errors.New("connection reset")
	pipeline := NewPipeline(fetcher, repo, nil)
	pipeline.pollInterval = 5 * time.Millisecond

	_, err := pipeline.Run(context.Background(), testRefs(30), Options{Concurrency: 4, FlushThreshold: 10})
	if err == nil || !errors.Is(err, repo.saveErr) {
		t.Fatalf("expected the write error to surface, got %v", err)
	}
	if len(repo.saved) != 0 {
		t.Fatalf("failed writes must not record progress, got %d", len(repo.saved))
	}
}
