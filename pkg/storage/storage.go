// Package storage defines the interface to talk to the storage backends
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Operations reported through OpError
const (
	OpStat  = "stat"
	OpRead  = "read"
	OpWrite = "write"
)

// ErrEntryNotFound signals there is no entry stored for the given name
var ErrEntryNotFound = errors.New("cache entry not found")

type (
	// Storage is the interface to implement when building a storage
	// backend. Entries are addressed by storage names as produced by
	// the keymap package; the backend's own modification time is the
	// only metadata kept for an entry.
	Storage interface {
		// Exists reports whether an entry is stored for name. An error
		// is only returned when the backend cannot answer.
		Exists(ctx context.Context, name string) (bool, error)
		// LastWriteTime returns the completion time of the last write
		LastWriteTime(ctx context.Context, name string) (time.Time, error)
		// Read returns the full content of the entry
		Read(ctx context.Context, name string) ([]byte, error)
		// WriteAtomic replaces the entry in a way concurrent readers
		// either see the previous or the new content and returns the
		// new last-write time of the entry.
		WriteAtomic(ctx context.Context, name string, data []byte) (time.Time, error)
	}

	// OpError describes a failed backend operation
	OpError struct {
		Op   string
		Name string
		Err  error
	}
)

// NewOpError wraps err into an OpError unless it is nil or signals a
// missing entry
func NewOpError(op, name string, err error) error {
	if err == nil || errors.Is(err, ErrEntryNotFound) {
		return err
	}
	return &OpError{Op: op, Name: name, Err: err}
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s cache entry %q: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsOp reports whether err is an OpError for the given operation
func IsOp(err error, op string) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Op == op
}
