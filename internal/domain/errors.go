package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrInvalidTransition  = errors.New("invalid task transition")
	ErrUnsupportedLocator = errors.New("unsupported locator")
	ErrRangeNotSatisfied  = errors.New("transport cannot resume from offset")
	ErrSizeMismatch       = errors.New("total size changed after prep")
)

// NetError is a transient transport failure. The operation may succeed
// against another peer or endpoint, or after a retry.
type NetError struct {
	Op   string
	Addr string
	Err  error
}

func (e *NetError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *NetError) Unwrap() error   { return e.Err }
func (e *NetError) Temporary() bool { return true }

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var ne *NetError
	return errors.As(err, &ne)
}

// DownloadError is a task level terminal failure. Reason is persisted with
// the task and shown to the caller.
type DownloadError struct {
	Reason string
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Failf builds a DownloadError.
func Failf(err error, format string, args ...any) *DownloadError {
	return &DownloadError{Reason: fmt.Sprintf(format, args...), Err: err}
}
