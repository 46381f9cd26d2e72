package bulk

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

var (
	// ErrReferenceNotFound is returned when a unique reference in the input
	// matches no stored row.
	ErrReferenceNotFound = errors.New("reference not found")
	// ErrCountMismatch is returned when the store inserted fewer rows than
	// requested.
	ErrCountMismatch = errors.New("inserted size is lower than requested")
	// ErrPartialCommit matches every *PartialCommitError.
	ErrPartialCommit = errors.New("partial commit")
	// ErrLockConflict matches every *LockConflictError.
	ErrLockConflict = errors.New("optimistic locking failed")
	// ErrInvalidInput is returned for payloads whose shape does not fit the
	// table schema.
	ErrInvalidInput = errors.New("invalid input")
	// ErrCycle is returned for schemas whose hasMany links loop.
	ErrCycle = errors.New("hasMany cycle")
)

// PartialCommitError reports a failure after rows were inserted. The
// inserted rows stay.
type PartialCommitError struct {
	Table string
	// Committed are the ids of the rows that were inserted.
	Committed []any
	Err       error
}

func (e *PartialCommitError) Error() string {
	return fmt.Sprintf("%s: objects were inserted, but %v", e.Table, e.Err)
}

func (e *PartialCommitError) Unwrap() error { return e.Err }

func (e *PartialCommitError) Is(target error) bool { return target == ErrPartialCommit }

// FieldConflict is one locked field whose stored value differs.
type FieldConflict struct {
	// Row is the index of the change in the batch.
	Row    int
	Field  string
	Stored any
	Locked any
}

func (c FieldConflict) Error() string {
	return fmt.Sprintf("optimistic locking failed with differing values for field '%s': %v !== %v", c.Field, c.Stored, c.Locked)
}

// LockConflictError lists every differing field of a batch.
type LockConflictError struct {
	Fields []FieldConflict
}

func (e *LockConflictError) Error() string {
	var err error
	for _, c := range e.Fields {
		err = multierr.Append(err, c)
	}
	if err == nil {
		return ErrLockConflict.Error()
	}
	return err.Error()
}

func (e *LockConflictError) Is(target error) bool { return target == ErrLockConflict }

// notFoundError lists references that matched nothing.
func notFoundError(table string, refs []string) error {
	return fmt.Errorf("%w: %s: %s", ErrReferenceNotFound, table, strings.Join(refs, ", "))
}

// committed strips a partial commit wrapper for callers that roll back.
func committed(err error) error {
	var pc *PartialCommitError
	if errors.As(err, &pc) {
		return pc.Err
	}
	return err
}
