package ingest

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrInputRootMissing aborts a run before any work: the sync collaborator
// has not produced the input tree.
var ErrInputRootMissing = errors.New("input root missing")

// ConversionError is a per-file data fault. It is recorded in the registry
// and never aborts the batch.
type ConversionError struct {
	Path string
	Line int // 1-based; 0 when not tied to a line
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// EnvironmentError is an output-side fault (disk full, permission denied,
// read-only filesystem). The run aborts: every following file would hit it.
type EnvironmentError struct {
	Op  string
	Err error
}

func (e *EnvironmentError) Error() string {
	return fmt.Sprintf("environment fault during %s: %v", e.Op, e.Err)
}

func (e *EnvironmentError) Unwrap() error { return e.Err }

var environmental = []error{
	unix.ENOSPC,
	unix.EDQUOT,
	unix.EACCES,
	unix.EPERM,
	unix.EROFS,
	unix.EIO,
}

// isEnvironmental reports whether err comes from the environment rather
// than from the file being converted.
func isEnvironmental(err error) bool {
	for _, target := range environmental {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// asOutputError wraps an output-side failure, promoting environment faults.
func asOutputError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	if isEnvironmental(err) {
		return &EnvironmentError{Op: op + " " + path, Err: err}
	}
	return &ConversionError{Path: path, Err: fmt.Errorf("%s: %w", op, err)}
}
