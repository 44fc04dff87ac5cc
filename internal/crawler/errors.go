package crawler

import (
	"errors"
	"fmt"
)

// Error classes. Network, HTTP status and parse errors stay on the page they
// happened on; only storage errors can fail a whole job.
var (
	ErrNetwork        = errors.New("network error")
	ErrHTTPStatus     = errors.New("http status error")
	ErrParse          = errors.New("parse error")
	ErrPolicyBlocked  = errors.New("blocked by robots.txt")
	ErrStorage        = errors.New("storage error")
	ErrJobNotFound    = errors.New("job not found")
	ErrJobExists      = errors.New("job already exists")
	ErrJobRunning     = errors.New("job is already running")
	ErrReportNotFound = errors.New("report not found")
	ErrReportExists   = errors.New("report already exists")
	ErrQueueFull      = errors.New("job queue is full")
	ErrQueueClosed    = errors.New("job queue closed")
)

// NetworkError wraps a connection, TLS or timeout failure for one URL.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return ErrNetwork.Error()
	}
	return e.Err.Error()
}

// Unwrap returns the transport error.
func (e *NetworkError) Unwrap() error { return e.Err }

// Is matches ErrNetwork.
func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// HTTPStatusError is a completed response outside the 2xx range.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// Is matches ErrHTTPStatus.
func (e *HTTPStatusError) Is(target error) bool { return target == ErrHTTPStatus }

// ParseError is a malformed document or a selector that could not be evaluated.
type ParseError struct {
	Field    string
	Selector string
	Err      error
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse document: %v", e.Err)
	}
	return fmt.Sprintf("parse field %q (selector %q): %v", e.Field, e.Selector, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error { return e.Err }

// Is matches ErrParse.
func (e *ParseError) Is(target error) bool { return target == ErrParse }

// StorageError is a failed job-store operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap returns the store error.
func (e *StorageError) Unwrap() error { return e.Err }

// Is matches ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }
