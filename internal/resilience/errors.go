// Package resilience provides the error taxonomy, retry policy, and circuit
// breakers used for calls to external providers.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a provider error by how the pipeline should react to it.
type Kind string

const (
	// KindNotFound is permanent: the provider does not know the entity.
	// Never retried.
	KindNotFound Kind = "not_found"

	// KindRateLimited means the provider (or our own token bucket) refused
	// the call. Retried with backoff, bounded attempts.
	KindRateLimited Kind = "rate_limited"

	// KindTransient covers network-level failures and 5xx responses.
	// Retried with backoff.
	KindTransient Kind = "transient"

	// KindMalformed means the provider answered but the payload did not
	// match its contract. Logged and skipped, not retried.
	KindMalformed Kind = "malformed"

	// KindEnrichment means the LLM could not produce a valid analysis.
	// The record is persisted unenriched and picked up on a later run.
	KindEnrichment Kind = "enrichment"

	// KindStorageConflict should not occur given atomic upserts; if it
	// does, the whole ingestion request fails and is reported.
	KindStorageConflict Kind = "storage_conflict"
)

// KindError attaches a Kind to an underlying error.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the given kind. Returns nil for a nil err.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// NotFound marks err as a permanent not-found failure.
func NotFound(err error) error { return WithKind(KindNotFound, err) }

// RateLimited marks err as a rate-limit refusal.
func RateLimited(err error) error { return WithKind(KindRateLimited, err) }

// Transient marks err as a retryable transient failure.
func Transient(err error) error { return WithKind(KindTransient, err) }

// Malformed marks err as a contract violation in a provider response.
func Malformed(err error) error { return WithKind(KindMalformed, err) }

// KindOf returns the Kind carried anywhere in err's chain. Errors without an
// explicit kind are classified as KindTransient when they look like network
// failures, otherwise the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if isNetworkTransient(err) {
		return KindTransient
	}
	return ""
}

// IsRetryable reports whether err is worth retrying with backoff:
// rate-limit refusals and transient failures are, everything else is not.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

// isNetworkTransient detects network-level failures that carry no explicit
// kind: timeouts, connection resets, DNS hiccups.
func isNetworkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// Wrapped errors from HTTP clients often reduce to strings.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// KindForHTTPStatus maps a provider HTTP status code onto the taxonomy.
// Statuses outside the mapped set return the empty Kind.
func KindForHTTPStatus(statusCode int) Kind {
	switch {
	case statusCode == 404:
		return KindNotFound
	case statusCode == 429:
		return KindRateLimited
	case statusCode == 408 || statusCode >= 500:
		return KindTransient
	default:
		return ""
	}
}
