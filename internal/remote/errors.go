package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind separates failures that never reached the server from server rejections.
type ErrorKind string

const (
	// KindNetwork means no response was received.
	KindNetwork ErrorKind = "network"
	// KindRejected means the server answered with an error status.
	KindRejected ErrorKind = "rejected"
)

// RequestError describes a failed remote call. Both kinds are retryable by default.
type RequestError struct {
	Kind       ErrorKind
	Method     string
	Entity     string
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.Kind == KindRejected && e.Err != nil:
		return fmt.Sprintf("remote %s %s: status %d: %v", e.Method, e.Entity, e.StatusCode, e.Err)
	case e.Kind == KindRejected:
		return fmt.Sprintf("remote %s %s: status %d", e.Method, e.Entity, e.StatusCode)
	default:
		return fmt.Sprintf("remote %s %s: %v", e.Method, e.Entity, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Permanent reports a client-side rejection that retrying cannot fix.
// Timeouts and rate limiting are treated as transient.
func (e *RequestError) Permanent() bool {
	if e.Kind != KindRejected {
		return false
	}
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// IsPermanent reports whether err wraps a permanent RequestError.
func IsPermanent(err error) bool {
	var requestErr *RequestError
	if errors.As(err, &requestErr) {
		return requestErr.Permanent()
	}
	return false
}
