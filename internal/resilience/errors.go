// Package resilience provides the fetch error taxonomy and backoff helpers
// used by the collector loop.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
)

// ErrNotSupported is returned by batch sources that cannot serve live
// single-record lookups.
var ErrNotSupported = eris.New("live lookup not supported by this source")

// FetchKind classifies a fetch failure.
type FetchKind int

const (
	// Transient covers timeouts, 5xx, 429 and network-level failures. The
	// collector retries these on its next tick without advancing the offset.
	Transient FetchKind = iota
	// Permanent covers 4xx responses and malformed payloads. The offset
	// still does not advance (a bad page must not cause silent data loss),
	// but the failure is logged distinctly for operator diagnosis.
	Permanent
)

func (k FetchKind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// FetchError wraps a failure from the external paginated source.
type FetchError struct {
	Kind       FetchKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	return e.Err.Error()
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError wraps err with a classification and optional HTTP status.
func NewFetchError(kind FetchKind, err error, statusCode int) *FetchError {
	return &FetchError{Kind: kind, StatusCode: statusCode, Err: err}
}

// IsTransient returns true if the error (or any error in its chain) is a
// transient FetchError, or if it matches common transient network patterns
// (timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String-based heuristics for wrapped errors from HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
