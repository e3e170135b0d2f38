package sei

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	tokenValidity = time.Hour
	expiryMargin  = 5 * time.Minute
	loginPath     = "/v1/orgaos/usuarios/login"
)

// Credential is the bearer token returned by the login call together with
// its assumed validity window (the API does not report expiry).
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (c *Credential) valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt.Add(-expiryMargin))
}

// credentialManager owns the token lifecycle. The fast path is a lock-free
// read; only an actual refresh takes the mutex, and validity is re-checked
// under it so concurrent callers trigger at most one login.
type credentialManager struct {
	baseURL  string
	user     string
	password string
	tenant   string
	http     *http.Client
	scopes   *scopeDirectory
	now      func() time.Time

	mu      sync.Mutex
	current atomic.Pointer[Credential]
}

func newCredentialManager(baseURL, user, password, tenant string, httpClient *http.Client, scopes *scopeDirectory) *credentialManager {
	return &credentialManager{
		baseURL:  baseURL,
		user:     user,
		password: password,
		tenant:   tenant,
		http:     httpClient,
		scopes:   scopes,
		now:      time.Now,
	}
}

// Token returns a valid bearer token, logging in when none is held. Side
// effect of a refresh: the scope directory's table is replaced with the
// scope list returned alongside the new token.
func (m *credentialManager) Token(ctx context.Context) (string, error) {
	if cred := m.current.Load(); cred.valid(m.now()) {
		return cred.Token, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// A concurrent caller may have refreshed while we waited for the lock.
	if cred := m.current.Load(); cred.valid(m.now()) {
		return cred.Token, nil
	}

	cred, err := m.login(ctx)
	if err != nil {
		return "", &AuthError{Err: err}
	}

	m.current.Store(cred)
	return cred.Token, nil
}

// Invalidate drops the current credential so the next caller re-authenticates.
// Called on any 401 observed by the request executor.
func (m *credentialManager) Invalidate() {
	m.current.Store(nil)
}

type loginResponse struct {
	Token string `json:"Token"`
	Units []struct {
		Acronym string `json:"Sigla"`
		ID      string `json:"Id"`
	} `json:"Unidades"`
}

func (m *credentialManager) login(ctx context.Context) (*Credential, error) {
	payload, err := json.Marshal(map[string]string{
		"Usuario": m.user,
		"Senha":   m.password,
		"Orgao":   m.tenant,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+loginPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("new login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read login response: %w", readErr)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("login status %s", resp.Status)
	}

	var parsed loginResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if parsed.Token == "" {
		return nil, fmt.Errorf("login response carries no token")
	}

	table := make(map[string]string, len(parsed.Units))
	for _, unit := range parsed.Units {
		if unit.Acronym != "" && unit.ID != "" {
			table[unit.Acronym] = unit.ID
		}
	}
	if m.scopes != nil {
		m.scopes.replace(table)
	}

	now := m.now()
	return &Credential{
		Token:     parsed.Token,
		IssuedAt:  now,
		ExpiresAt: now.Add(tokenValidity),
	}, nil
}
