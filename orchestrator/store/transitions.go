package store

import (
	"fmt"
)

// validateTransition enforces the forward-only metadata lifecycle shared by
// both store implementations before any row is touched:
// terminal targets carry an end time, non-terminal ones do not, and failure
// detail only accompanies a Failed target.
func validateTransition(id int64, from, to WorkflowState, patch MetadataPatch) error {
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{ID: id, From: from, To: to}
	}
	if to.Terminal() && patch.EndTime == nil {
		return fmt.Errorf("store: transition of metadata %d to %s requires an end time", id, to)
	}
	if !to.Terminal() && patch.EndTime != nil {
		return fmt.Errorf("store: transition of metadata %d to %s must not set an end time", id, to)
	}
	if to != StateFailed && (patch.FailureStep != nil || patch.FailureException != nil || patch.FailureReason != nil || patch.StackTrace != nil) {
		return fmt.Errorf("store: failure fields are only valid when transitioning metadata %d to Failed", id)
	}
	return nil
}

// validateAppend enforces the legal birth states for metadata rows: Pending
// for normal dispatch, or a complete terminal row for born-failed attempts
// (serialization errors, unknown workflows).
func validateAppend(m *Metadata) error {
	switch {
	case m.WorkflowState == StatePending:
		if m.EndTime != nil {
			return fmt.Errorf("store: pending metadata %q must not carry an end time", m.ExternalID)
		}
		return nil
	case m.WorkflowState.Terminal():
		if m.EndTime == nil {
			return fmt.Errorf("store: terminal-born metadata %q requires an end time", m.ExternalID)
		}
		return nil
	default:
		return fmt.Errorf("store: metadata %q cannot be born %s", m.ExternalID, m.WorkflowState)
	}
}
