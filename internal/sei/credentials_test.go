package sei

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newLoginServer(t *testing.T, logins *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != loginPath {
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		logins.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"Token": "tok-1",
			"Unidades": []map[string]string{
				{"Sigla": "SEAD-PI", "Id": "100"},
				{"Sigla": "SEAD-PI/GAB", "Id": "110"},
			},
		})
	}))
}

func TestTokenFastPathSkipsLogin(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	server := newLoginServer(t, &logins)
	defer server.Close()

	m := newCredentialManager(server.URL, "user", "pass", "GOV-PI", server.Client(), newScopeDirectory())
	m.current.Store(&Credential{
		Token:     "cached",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Token(context.Background())
			if err != nil {
				t.Errorf("Token returned error: %v", err)
				return
			}
			if token != "cached" {
				t.Errorf("expected cached token, got %q", token)
			}
		}()
	}
	wg.Wait()

	if got := logins.Load(); got != 0 {
		t.Fatalf("expected 0 logins with a valid token, got %d", got)
	}
}

func TestTokenSingleFlightRefresh(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	server := newLoginServer(t, &logins)
	defer server.Close()

	scopes := newScopeDirectory()
	m := newCredentialManager(server.URL, "user", "pass", "GOV-PI", server.Client(), scopes)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := m.Token(context.Background())
			if err != nil {
				t.Errorf("Token returned error: %v", err)
				return
			}
			if token != "tok-1" {
				t.Errorf("expected tok-1, got %q", token)
			}
		}()
	}
	wg.Wait()

	if got := logins.Load(); got != 1 {
		t.Fatalf("expected exactly 1 login for concurrent callers, got %d", got)
	}
	if scopes.size() != 2 {
		t.Fatalf("expected scope table with 2 entries, got %d", scopes.size())
	}
}

func TestTokenRefreshesNearExpiry(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	server := newLoginServer(t, &logins)
	defer server.Close()

	m := newCredentialManager(server.URL, "user", "pass", "GOV-PI", server.Client(), newScopeDirectory())
	// Inside the trailing safety margin: must refresh.
	m.current.Store(&Credential{
		Token:     "stale",
		IssuedAt:  time.Now().Add(-time.Hour),
		ExpiresAt: time.Now().Add(2 * time.Minute),
	})

	token, err := m.Token(context.Background())
	if err != nil {
		t.Fatalf("Token returned error: %v", err)
	}
	if token != "tok-1" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	if got := logins.Load(); got != 1 {
		t.Fatalf("expected 1 login, got %d", got)
	}
}

func TestInvalidateForcesRelogin(t *testing.T) {
	t.Parallel()

	var logins atomic.Int32
	server := newLoginServer(t, &logins)
	defer server.Close()

	m := newCredentialManager(server.URL, "user", "pass", "GOV-PI", server.Client(), newScopeDirectory())

	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("first Token: %v", err)
	}
	m.Invalidate()
	if _, err := m.Token(context.Background()); err != nil {
		t.Fatalf("second Token: %v", err)
	}

	if got := logins.Load(); got != 2 {
		t.Fatalf("expected 2 logins after invalidate, got %d", got)
	}
}

func TestTokenLoginFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	m := newCredentialManager(server.URL, "user", "bad", "GOV-PI", server.Client(), newScopeDirectory())

	_, err := m.Token(context.Background())
	if err == nil {
		t.Fatal("expected error from failed login")
	}
	if !IsAuth(err) {
		t.Fatalf("expected AuthError, got %T: %v", err, err)
	}
}
