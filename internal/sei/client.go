// Package sei implements the resilient access layer over the SEI
// case-management API: credential lifecycle, scope resolution, a
// rate-limited request executor with retry and error classification, and
// parallel pagination for list endpoints.
package sei

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"

	"SeiSync/internal/domain"
	"SeiSync/internal/ports"
)

const (
	documentsPageSize    = 15
	progressionsPageSize = 100
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	User          string
	Password      string
	Tenant        string
	MaxConcurrent int
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client is the concrete ProcessAPI implementation. One instance is shared
// by every fetch task; the semaphore bounds total outbound concurrency
// including pagination sub-calls.
type Client struct {
	baseURL string
	http    *http.Client
	sem     *semaphore.Weighted
	creds   *credentialManager
	scopes  *scopeDirectory
	logger  *slog.Logger

	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	rateLimitPause time.Duration
}

var _ ports.ProcessAPI = (*Client)(nil)

// New builds a Client from options, applying the defaults the remote API
// is known to tolerate (10 concurrent calls, 30s timeout).
func New(opts Options) *Client {
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	scopes := newScopeDirectory()
	return &Client{
		baseURL:        trimBaseURL(opts.BaseURL),
		http:           httpClient,
		sem:            semaphore.NewWeighted(int64(maxConcurrent)),
		creds:          newCredentialManager(trimBaseURL(opts.BaseURL), opts.User, opts.Password, opts.Tenant, httpClient, scopes),
		scopes:         scopes,
		logger:         logger,
		retryAttempts:  defaultRetryAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		retryMaxDelay:  defaultRetryMaxDelay,
		rateLimitPause: defaultRateLimitPause,
	}
}

func trimBaseURL(base string) string {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return base
}

// ResolveScope maps a declared scope name to a scope the credential can
// use, logging in first when the scope table has not been loaded yet.
func (c *Client) ResolveScope(ctx context.Context, name string) (domain.Scope, bool, error) {
	if err := c.ensureScopes(ctx); err != nil {
		return domain.Scope{}, false, err
	}
	scope, ok := c.scopes.resolve(name)
	if !ok {
		tenant := domain.Tenant(name)
		c.logger.Warn("scope not resolvable",
			"scope", name, "tenant", tenant, "tenant_scopes", len(c.scopes.tenantScopes(tenant)))
	}
	return scope, ok, nil
}

// TenantScopes lists the visible scopes of a tenant, most specific first.
func (c *Client) TenantScopes(ctx context.Context, tenant string) ([]domain.Scope, error) {
	if err := c.ensureScopes(ctx); err != nil {
		return nil, err
	}
	return c.scopes.tenantScopes(tenant), nil
}

func (c *Client) ensureScopes(ctx context.Context) error {
	if c.scopes.loaded() {
		return nil
	}
	_, err := c.creds.Token(ctx)
	return err
}

type processPayload struct {
	RecordID string `json:"IdProcedimento"`
	Type     struct {
		Name string `json:"Nome"`
	} `json:"TipoProcedimento"`
	Specification   string `json:"Especificacao"`
	AccessLevel     string `json:"NivelAcesso"`
	LegalBasis      string `json:"HipoteseLegal"`
	Note            string `json:"Observacao"`
	OpenedAt        string `json:"DataAutuacao"`
	ClosedAt        string `json:"DataConclusao"`
	GeneratingScope struct {
		Description string `json:"Descricao"`
	} `json:"UnidadeGeradora"`
}

// ConsultProcess fetches the primary metadata of one process under a scope.
func (c *Client) ConsultProcess(ctx context.Context, scopeID, protocol string) (domain.Process, error) {
	path := fmt.Sprintf("/v1/unidades/%s/procedimentos/consulta", url.PathEscape(scopeID))
	query := url.Values{}
	query.Set("protocolo_procedimento", protocol)
	query.Set("sin_retornar_atributos", "N")
	query.Set("sinal_completo", "S")

	body, err := c.request(ctx, http.MethodGet, path, query)
	if err != nil {
		return domain.Process{}, err
	}

	var payload processPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return domain.Process{}, fmt.Errorf("decode process %s: %w", protocol, err)
	}

	return domain.Process{
		Protocol:        protocol,
		RecordID:        payload.RecordID,
		Type:            payload.Type.Name,
		Specification:   payload.Specification,
		AccessLevel:     payload.AccessLevel,
		LegalBasis:      payload.LegalBasis,
		Note:            payload.Note,
		OpenedAt:        c.parseTime(payload.OpenedAt),
		ClosedAt:        c.parseTime(payload.ClosedAt),
		GeneratingScope: payload.GeneratingScope.Description,
		Raw:             json.RawMessage(body),
	}, nil
}

type documentPayload struct {
	DocumentID string `json:"IdDocumento"`
	Number     string `json:"Numero"`
	Series     struct {
		Name string `json:"Nome"`
	} `json:"Serie"`
	Date            string `json:"Data"`
	GeneratedBy     string `json:"UsuarioGerador"`
	GeneratingScope struct {
		Description string `json:"Descricao"`
	} `json:"UnidadeGeradora"`
	Signed      string `json:"SinAssinado"`
	AccessLevel string `json:"NivelAcesso"`
}

// ListDocuments fetches the full document list of a process, paginating in
// parallel (15 documents per page).
func (c *Client) ListDocuments(ctx context.Context, scopeID, protocol string) ([]domain.Document, error) {
	path := fmt.Sprintf("/v1/unidades/%s/procedimentos/documentos", url.PathEscape(scopeID))
	query := url.Values{}
	query.Set("protocolo_procedimento", protocol)
	query.Set("sinal_completo", "S")

	raw, err := c.fetchAllPages(ctx, path, query, "Documentos", documentsPageSize)
	if err != nil {
		return nil, err
	}

	documents := make([]domain.Document, 0, len(raw))
	for _, item := range raw {
		var payload documentPayload
		if err := json.Unmarshal(item, &payload); err != nil {
			c.logger.Warn("skipping undecodable document entry", "protocol", protocol, "error", err)
			continue
		}
		documents = append(documents, domain.Document{
			DocumentID:      payload.DocumentID,
			Number:          payload.Number,
			Series:          payload.Series.Name,
			Date:            c.parseTime(payload.Date),
			GeneratedBy:     payload.GeneratedBy,
			GeneratingScope: payload.GeneratingScope.Description,
			Signed:          payload.Signed == "S",
			AccessLevel:     payload.AccessLevel,
			Raw:             item,
		})
	}
	return documents, nil
}

type progressionPayload struct {
	EventID     string `json:"IdAndamento"`
	Task        string `json:"Tarefa"`
	Description string `json:"Descricao"`
	User        struct {
		Acronym string `json:"Sigla"`
		Name    string `json:"Nome"`
	} `json:"Usuario"`
	Unit struct {
		Description string `json:"Descricao"`
	} `json:"Unidade"`
	OccurredAt string `json:"DataHora"`
}

// ListProgressions fetches the full progression history of a process,
// paginating in parallel (100 events per page).
func (c *Client) ListProgressions(ctx context.Context, scopeID, protocol string) ([]domain.ProgressionEvent, error) {
	path := fmt.Sprintf("/v1/unidades/%s/procedimentos/andamentos", url.PathEscape(scopeID))
	query := url.Values{}
	query.Set("protocolo_procedimento", protocol)
	query.Set("sinal_atributos", "S")

	raw, err := c.fetchAllPages(ctx, path, query, "Andamentos", progressionsPageSize)
	if err != nil {
		return nil, err
	}

	events := make([]domain.ProgressionEvent, 0, len(raw))
	for _, item := range raw {
		var payload progressionPayload
		if err := json.Unmarshal(item, &payload); err != nil {
			c.logger.Warn("skipping undecodable progression entry", "protocol", protocol, "error", err)
			continue
		}
		user := payload.User.Acronym
		if user == "" {
			user = payload.User.Name
		}
		events = append(events, domain.ProgressionEvent{
			EventID:     payload.EventID,
			Task:        payload.Task,
			Description: payload.Description,
			User:        user,
			OriginScope: payload.Unit.Description,
			OccurredAt:  c.parseTime(payload.OccurredAt),
			Raw:         item,
		})
	}
	return events, nil
}

// DownloadDocument fetches the binary content of one document. The call
// holds a semaphore slot and carries the bearer token, but skips the retry
// classifier: download failures are handled by the caller's attempt counter.
func (c *Client) DownloadDocument(ctx context.Context, scopeID, documentID string) (domain.DocumentContent, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return domain.DocumentContent{}, err
	}
	defer c.sem.Release(1)

	token, err := c.creds.Token(ctx)
	if err != nil {
		return domain.DocumentContent{}, err
	}

	path := fmt.Sprintf("/v1/unidades/%s/documentos/baixar", url.PathEscape(scopeID))
	query := url.Values{}
	query.Set("protocolo_documento", documentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+query.Encode(), nil)
	if err != nil {
		return domain.DocumentContent{}, fmt.Errorf("new download request: %w", err)
	}
	req.Header.Set("token", token)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.DocumentContent{}, fmt.Errorf("download %s: %w", documentID, err)
	}
	data, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return domain.DocumentContent{}, fmt.Errorf("read document %s: %w", documentID, readErr)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		c.creds.Invalidate()
	}
	if resp.StatusCode != http.StatusOK {
		return domain.DocumentContent{}, &APIError{Status: resp.StatusCode, Message: truncate(string(data), 300)}
	}

	content := domain.DocumentContent{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if disposition := resp.Header.Get("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			content.Filename = params["filename"]
		}
	}
	return content, nil
}

const (
	seiDateTimeLayout = "02/01/2006 15:04:05"
	seiDateLayout     = "02/01/2006"
)

// parseTime handles the two date formats the API emits. Invalid values are
// logged and left zero; a bad date must not fail the record.
func (c *Client) parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	layout := seiDateLayout
	for _, r := range value {
		if r == ' ' {
			layout = seiDateTimeLayout
			break
		}
	}
	parsed, err := time.Parse(layout, value)
	if err != nil {
		c.logger.Warn("unparseable date value", "value", value)
		return time.Time{}
	}
	return parsed
}
