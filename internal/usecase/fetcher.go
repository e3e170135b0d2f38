package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"SeiSync/internal/domain"
	"SeiSync/internal/ports"
	"SeiSync/internal/sei"
)

// Fetcher resolves which scope can see a record and assembles the full
// bundle (metadata + documents + progressions) for it.
type Fetcher struct {
	api    ports.ProcessAPI
	logger *slog.Logger
}

// NewFetcher wires the access layer into the fallback orchestrator.
func NewFetcher(api ports.ProcessAPI, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{api: api, logger: logger}
}

// FetchRecord tries the declared scope first, then every sibling scope of
// the same tenant ordered most specific first. Access denial moves on to
// the next candidate; a not-found answer is terminal under every scope; any
// other failure stops with an error outcome. The returned error is non-nil
// only when login itself failed, which aborts the whole run.
func (f *Fetcher) FetchRecord(ctx context.Context, ref domain.RecordRef) (domain.RecordResult, error) {
	result := domain.RecordResult{Protocol: ref.Protocol}

	declared, ok, err := f.api.ResolveScope(ctx, ref.Scope)
	if err != nil {
		return result, err
	}
	if !ok {
		result.Outcome = domain.OutcomeAccessDenied
		result.ErrorMessage = fmt.Sprintf("scope %q is not visible to the credential", ref.Scope)
		return result, nil
	}

	siblings, err := f.api.TenantScopes(ctx, domain.Tenant(ref.Scope))
	if err != nil {
		return result, err
	}

	candidates := make([]domain.Scope, 0, len(siblings)+1)
	candidates = append(candidates, declared)
	for _, scope := range siblings {
		if scope.ID != declared.ID {
			candidates = append(candidates, scope)
		}
	}

	for i, candidate := range candidates {
		if i > 0 {
			f.logger.Debug("trying sibling scope",
				"protocol", ref.Protocol, "scope", candidate.Name)
		}

		process, err := f.api.ConsultProcess(ctx, candidate.ID, ref.Protocol)
		switch {
		case err == nil:
			bundle := f.fetchChildren(ctx, candidate.ID, process)
			f.logger.Info("record fetched",
				"protocol", ref.Protocol, "scope", candidate.Name,
				"documents", len(bundle.Documents), "progressions", len(bundle.Progressions))
			result.Outcome = domain.OutcomeSuccess
			result.Bundle = bundle
			return result, nil

		case sei.IsAccessDenied(err):
			result.TriedScopes = append(result.TriedScopes, candidate.Name)
			continue

		case sei.IsNotFound(err):
			// Terminal for every scope: a process the API cannot find will
			// not appear under a sibling.
			result.Outcome = domain.OutcomeNotFound
			result.ErrorMessage = err.Error()
			return result, nil

		case sei.IsAuth(err):
			return result, err

		default:
			result.Outcome = domain.OutcomeError
			result.ErrorMessage = err.Error()
			return result, nil
		}
	}

	result.Outcome = domain.OutcomeAccessDenied
	result.ErrorMessage = fmt.Sprintf("none of %d scopes had access", len(result.TriedScopes))
	return result, nil
}

// fetchChildren loads the document and progression lists in parallel.
// Either sub-fetch failing degrades to an empty list; child problems never
// escalate to record-level failure.
func (f *Fetcher) fetchChildren(ctx context.Context, scopeID string, process domain.Process) *domain.ProcessBundle {
	bundle := &domain.ProcessBundle{Process: process}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		documents, err := f.api.ListDocuments(ctx, scopeID, process.Protocol)
		if err != nil {
			f.logger.Error("document list failed, keeping record",
				"protocol", process.Protocol, "error", err)
			return
		}
		bundle.Documents = documents
	}()
	go func() {
		defer wg.Done()
		progressions, err := f.api.ListProgressions(ctx, scopeID, process.Protocol)
		if err != nil {
			f.logger.Error("progression list failed, keeping record",
				"protocol", process.Protocol, "error", err)
			return
		}
		bundle.Progressions = progressions
	}()
	wg.Wait()

	return bundle
}
