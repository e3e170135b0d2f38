package sei

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AccessDeniedError means the scope used for the call cannot see the record.
// Other scopes of the same tenant may still have access, so callers should
// retry under a sibling scope before giving up.
type AccessDeniedError struct {
	Message string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("scope access denied: %s", e.Message)
}

// NotFoundError means the record provably does not exist. It is terminal:
// a process the API cannot find will not appear under a different scope.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s", e.Message)
}

// AuthError means the login call itself failed. It is fatal to the whole
// run, not to a single record.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is any remaining remote failure after the retry budget is spent.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("api error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error: %s", e.Message)
}

// IsAccessDenied reports whether err carries the scope-access classification.
func IsAccessDenied(err error) bool {
	var target *AccessDeniedError
	return errors.As(err, &target)
}

// IsNotFound reports whether err carries the terminal not-found classification.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsAuth reports whether err means login itself failed.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// The API reports business errors as {"detail": [{"msg": "..."}]}. The
// classification below matches substrings of server-provided text in the
// locales the API is known to emit. This is a best-effort heuristic, kept in
// one place so the vocabulary can be revalidated against the live API.
var (
	accessDeniedPhrases = []string{
		"não possui acesso ao processo",
		"does not have access to process",
	}
	notFoundPhrases = []string{
		"não encontrado",
		"not found",
		"não existe",
		"does not exist",
	}
)

type errorDetail struct {
	Detail []struct {
		Msg string `json:"msg"`
	} `json:"detail"`
}

// classifyBody inspects a 4xx/5xx response body and returns a typed error
// for the two permanent classifications, or nil when the body carries
// neither (the caller then treats the failure as transient).
func classifyBody(status int, body []byte) error {
	var payload errorDetail
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Detail) == 0 {
		return nil
	}

	messages := make([]string, 0, len(payload.Detail))
	denied := false
	notFound := false
	for _, item := range payload.Detail {
		if item.Msg == "" {
			continue
		}
		messages = append(messages, item.Msg)
		lower := strings.ToLower(item.Msg)
		if containsAny(lower, accessDeniedPhrases) {
			denied = true
			continue
		}
		if containsAny(lower, notFoundPhrases) {
			notFound = true
		}
	}

	joined := strings.Join(messages, "; ")
	if denied {
		return &AccessDeniedError{Message: joined}
	}
	if notFound {
		return &NotFoundError{Message: joined}
	}
	return nil
}

func containsAny(s string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(s, phrase) {
			return true
		}
	}
	return false
}
