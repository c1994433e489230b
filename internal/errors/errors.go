package errors

import (
	"errors"
	"fmt"
)

// Engine errors.
var (
	ErrNotConfigured = errors.New("provider not configured")
	ErrOffline       = errors.New("network unreachable")
	ErrNotFound      = errors.New("remote entry not found")
	ErrSyncActive    = errors.New("sync already in progress")
)

// ProtocolError reports a non-success backend response or a payload that
// could not be decoded. Per-note protocol failures are logged and the note
// skipped; they never abort a whole batch.
type ProtocolError struct {
	Err    error
	Op     string
	Path   string
	Status int
}

func (e *ProtocolError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d", e.Op, e.Path, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: protocol error", e.Op, e.Path)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol wraps err as a ProtocolError for the given operation and path.
func Protocol(op, path string, err error) *ProtocolError {
	return &ProtocolError{Op: op, Path: path, Err: err}
}

// ProtocolStatus builds a ProtocolError from a bare HTTP status code.
func ProtocolStatus(op, path string, status int) *ProtocolError {
	return &ProtocolError{Op: op, Path: path, Status: status}
}

// IsProtocol reports whether err is (or wraps) a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
