package controlplane

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for control-plane failures. Every error returned by the
// client wraps exactly one of these.
var (
	// ErrTransport covers connection failures, timeouts and 5xx responses
	ErrTransport = errors.New("control plane unreachable")
	// ErrUnauthorized is returned for 401/403 responses
	ErrUnauthorized = errors.New("control plane rejected credentials")
	// ErrClaimConflict is returned when another agent already holds the job
	ErrClaimConflict = errors.New("job already claimed")
	// ErrJobNotFound is returned when the control plane does not know the job
	ErrJobNotFound = errors.New("job not found")
	// ErrBadRequest is returned for malformed requests and responses
	ErrBadRequest = errors.New("malformed control plane request")
)

// StatusError carries the HTTP details of a failed request
type StatusError struct {
	Op     string
	Code   int
	Body   string
	Reason error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Reason, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Reason, e.Code)
}

func (e *StatusError) Unwrap() error {
	return e.Reason
}

// classify maps an HTTP status code onto the error taxonomy
func classify(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrUnauthorized
	case code == http.StatusConflict:
		return ErrClaimConflict
	case code == http.StatusNotFound:
		return ErrJobNotFound
	case code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout:
		return ErrTransport
	case code >= 400:
		return ErrBadRequest
	}
	return nil
}

// IsRetryable reports whether err is a transient transport failure
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
