// Package errs is the typed error taxonomy of spec.md §7: CallerErrors,
// UpstreamClientErrors, TransientUpstreamErrors, AuthErrors,
// RateLimitErrors, RectifiableErrors, EmbeddedErrors, and
// Infrastructure errors. Each implements HTTPStatus() int, following
// the teacher's providers.StatusCoder / pkg/apierr conventions so the
// same error can both drive the FailoverEngine's dispatch and be
// rendered to the caller.
package errs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind tags which branch of the taxonomy an error belongs to, so the
// FailoverEngine can dispatch on it as a pure function of
// (kind, candidate, retry_state) -> action, per spec.md §9.
type Kind string

const (
	KindCaller        Kind = "caller"
	KindUpstreamClient Kind = "upstream_client"
	KindTransient     Kind = "transient"
	KindAuth          Kind = "auth"
	KindRateLimit     Kind = "rate_limit"
	KindRectifiable   Kind = "rectifiable"
	KindEmbedded      Kind = "embedded"
	KindInfra         Kind = "infrastructure"
)

// Error is the common shape for every taxonomy member.
type Error struct {
	Kind       Kind
	Message    string
	Status     int
	RetryAfter int // seconds; 0 if absent
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus implements providers.StatusCoder.
func (e *Error) HTTPStatus() int { return e.Status }

func newErr(kind Kind, status int, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Status: status, Cause: cause}
}

// Caller returns a CallerError (malformed request, disallowed model,
// insufficient quota) — surfaced immediately, no candidate is tried.
func Caller(status int, msg string) *Error { return newErr(KindCaller, status, msg, nil) }

// UpstreamClient returns an UpstreamClientError (400/422 classified as
// client-caused) — stops the failover loop.
func UpstreamClient(status int, msg string) *Error { return newErr(KindUpstreamClient, status, msg, nil) }

// Transient returns a TransientUpstreamError (5xx, timeout, read error,
// connection close, empty stream) — candidate failed, continue failover.
func Transient(status int, msg string, cause error) *Error {
	return newErr(KindTransient, status, msg, cause)
}

// Auth returns an AuthError (401/403) — invalidate affinity, open breaker, continue failover.
func Auth(status int, msg string) *Error { return newErr(KindAuth, status, msg, nil) }

// RateLimit returns a RateLimitError (429) with the Retry-After seconds, if known.
func RateLimit(msg string, retryAfterSec int) *Error {
	e := newErr(KindRateLimit, 429, msg, nil)
	e.RetryAfter = retryAfterSec
	return e
}

// Rectifiable returns a RectifiableError (thinking-signature rejection).
func Rectifiable(status int, msg string) *Error { return newErr(KindRectifiable, status, msg, nil) }

// Embedded returns an EmbeddedError — an HTTP 200 response carrying an
// error payload, with the extracted embedded status code.
func Embedded(embeddedStatus int, msg string) *Error {
	return newErr(KindEmbedded, embeddedStatus, msg, nil)
}

// Infra returns an InfrastructureError (DB/Redis unavailable).
func Infra(msg string, cause error) *Error { return newErr(KindInfra, 500, msg, cause) }

// ClientErrorSubstrings is the configurable set of body substrings used
// to classify a 400/422 as an UpstreamClientError. spec.md §9 leaves
// the exact set as an explicit Open Question — this default list is a
// design decision recorded in DESIGN.md, not a spec mandate.
var ClientErrorSubstrings = []string{
	"invalid_request",
	"missing_parameter",
	"invalid_parameter",
	"invalid_api_key",
	"model_not_found",
	"context_length_exceeded",
}

// IsClientErrorBody reports whether body text matches a known
// client-error substring.
func IsClientErrorBody(body string) bool {
	lower := strings.ToLower(body)
	for _, s := range ClientErrorSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// KindOf extracts the taxonomy Kind from err, defaulting to
// KindTransient for an un-tagged error so an unexpected failure still
// drives the FailoverEngine to the next candidate rather than
// aborting.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// RetryAfter extracts the Retry-After duration from a RateLimitError,
// zero if err carries none.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return time.Duration(e.RetryAfter) * time.Second
	}
	return 0
}
