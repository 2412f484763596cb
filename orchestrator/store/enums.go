package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Enum columns are persisted as strings; the integer values are a stable
// symbolic mapping and must never be reordered.

// ScheduleType says how a manifest becomes due.
type ScheduleType int

const (
	ScheduleNone     ScheduleType = 0
	ScheduleCron     ScheduleType = 1
	ScheduleInterval ScheduleType = 2
	ScheduleOnDemand ScheduleType = 3
)

var scheduleTypeNames = map[ScheduleType]string{
	ScheduleNone:     "None",
	ScheduleCron:     "Cron",
	ScheduleInterval: "Interval",
	ScheduleOnDemand: "OnDemand",
}

func (s ScheduleType) String() string {
	if n, ok := scheduleTypeNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ScheduleType(%d)", int(s))
}

// ParseScheduleType maps the persisted string form back to the enum.
func ParseScheduleType(s string) (ScheduleType, error) {
	for v, n := range scheduleTypeNames {
		if n == s {
			return v, nil
		}
	}
	return ScheduleNone, fmt.Errorf("unknown schedule type %q", s)
}

func (s ScheduleType) Value() (driver.Value, error) { return s.String(), nil }

func (s *ScheduleType) Scan(src any) error {
	v, err := scanEnumString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseScheduleType(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s ScheduleType) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *ScheduleType) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseScheduleType(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WorkflowState is the metadata lifecycle. Transitions only move forward:
// Pending -> InProgress -> {Completed, Failed, Cancelled}, with Pending
// also allowed to jump straight to a terminal state (born-failed rows,
// cancellation before launch).
type WorkflowState int

const (
	StatePending    WorkflowState = 0
	StateInProgress WorkflowState = 1
	StateCompleted  WorkflowState = 2
	StateFailed     WorkflowState = 3
	StateCancelled  WorkflowState = 4
)

var workflowStateNames = map[WorkflowState]string{
	StatePending:    "Pending",
	StateInProgress: "InProgress",
	StateCompleted:  "Completed",
	StateFailed:     "Failed",
	StateCancelled:  "Cancelled",
}

func (s WorkflowState) String() string {
	if n, ok := workflowStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("WorkflowState(%d)", int(s))
}

func ParseWorkflowState(s string) (WorkflowState, error) {
	for v, n := range workflowStateNames {
		if n == s {
			return v, nil
		}
	}
	return StatePending, fmt.Errorf("unknown workflow state %q", s)
}

// Terminal reports whether the state is a sink: no further transitions.
func (s WorkflowState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransitionTo encodes the forward-only state graph.
func (s WorkflowState) CanTransitionTo(next WorkflowState) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatePending:
		return next == StateInProgress || next.Terminal()
	case StateInProgress:
		return next.Terminal()
	}
	return false
}

func (s WorkflowState) Value() (driver.Value, error) { return s.String(), nil }

func (s *WorkflowState) Scan(src any) error {
	v, err := scanEnumString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseWorkflowState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s WorkflowState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *WorkflowState) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseWorkflowState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// WorkQueueStatus is the dispatch-request lifecycle.
type WorkQueueStatus int

const (
	WorkQueued     WorkQueueStatus = 0
	WorkDispatched WorkQueueStatus = 1
	WorkCancelled  WorkQueueStatus = 2
)

var workQueueStatusNames = map[WorkQueueStatus]string{
	WorkQueued:     "Queued",
	WorkDispatched: "Dispatched",
	WorkCancelled:  "Cancelled",
}

func (s WorkQueueStatus) String() string {
	if n, ok := workQueueStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("WorkQueueStatus(%d)", int(s))
}

func ParseWorkQueueStatus(s string) (WorkQueueStatus, error) {
	for v, n := range workQueueStatusNames {
		if n == s {
			return v, nil
		}
	}
	return WorkQueued, fmt.Errorf("unknown work queue status %q", s)
}

func (s WorkQueueStatus) Value() (driver.Value, error) { return s.String(), nil }

func (s *WorkQueueStatus) Scan(src any) error {
	v, err := scanEnumString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseWorkQueueStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s WorkQueueStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *WorkQueueStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseWorkQueueStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// DeadLetterStatus is the intervention lifecycle. AwaitingIntervention is
// the only live state; Retried and Acknowledged rows are audit records.
type DeadLetterStatus int

const (
	DeadLetterAwaitingIntervention DeadLetterStatus = 0
	DeadLetterRetried              DeadLetterStatus = 1
	DeadLetterAcknowledged         DeadLetterStatus = 2
)

var deadLetterStatusNames = map[DeadLetterStatus]string{
	DeadLetterAwaitingIntervention: "AwaitingIntervention",
	DeadLetterRetried:              "Retried",
	DeadLetterAcknowledged:         "Acknowledged",
}

func (s DeadLetterStatus) String() string {
	if n, ok := deadLetterStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("DeadLetterStatus(%d)", int(s))
}

func ParseDeadLetterStatus(s string) (DeadLetterStatus, error) {
	for v, n := range deadLetterStatusNames {
		if n == s {
			return v, nil
		}
	}
	return DeadLetterAwaitingIntervention, fmt.Errorf("unknown dead letter status %q", s)
}

func (s DeadLetterStatus) Value() (driver.Value, error) { return s.String(), nil }

func (s *DeadLetterStatus) Scan(src any) error {
	v, err := scanEnumString(src)
	if err != nil {
		return err
	}
	parsed, err := ParseDeadLetterStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s DeadLetterStatus) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *DeadLetterStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	parsed, err := ParseDeadLetterStatus(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func scanEnumString(src any) (string, error) {
	switch v := src.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("cannot scan %T as enum string", src)
	}
}
