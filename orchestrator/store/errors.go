package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateExternalID is returned by inserts that violate the
	// external id uniqueness constraint.
	ErrDuplicateExternalID = errors.New("store: duplicate external id")

	// ErrParentNotFound is returned when a metadata append references a
	// missing parent row.
	ErrParentNotFound = errors.New("store: parent metadata not found")
)

// StateConflictError reports a lost compare-and-set: the row's current
// state differed from the expected one. Callers skip the row and move on;
// no failure is recorded.
type StateConflictError struct {
	Entity   string // "metadata", "work_queue", "dead_letter"
	ID       int64
	Expected string
	Actual   string
}

func (e *StateConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("store: state conflict on %s %d: expected %s", e.Entity, e.ID, e.Expected)
	}
	return fmt.Sprintf("store: state conflict on %s %d: expected %s, found %s", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsStateConflict reports whether err is a lost compare-and-set.
func IsStateConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// InvalidTransitionError reports an attempt to move a metadata row
// backward or out of a terminal state.
type InvalidTransitionError struct {
	ID   int64
	From WorkflowState
	To   WorkflowState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("store: invalid transition for metadata %d: %s -> %s", e.ID, e.From, e.To)
}
