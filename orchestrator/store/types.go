package store

import (
	"time"
)

// Manifest is the stable definition of a runnable workflow: identity,
// default input, schedule, retry policy, and DAG placement.
type Manifest struct {
	ID                 int64        `json:"id" db:"id"`
	ExternalID         string       `json:"external_id" db:"external_id"`
	Name               string       `json:"name" db:"name"` // workflow type name, bus lookup key
	PropertiesJSON     *string      `json:"properties_json" db:"properties_json"`
	PropertiesTypeName *string      `json:"properties_type_name" db:"properties_type_name"`
	ScheduleType       ScheduleType `json:"schedule_type" db:"schedule_type"`
	CronExpression     *string      `json:"cron_expression" db:"cron_expression"`
	IntervalSeconds    *int64       `json:"interval_seconds" db:"interval_seconds"`

	MaxRetries              int      `json:"max_retries" db:"max_retries"`
	TimeoutSeconds          *int64   `json:"timeout_seconds" db:"timeout_seconds"`
	RetryBackoffMultiplier  *float64 `json:"retry_backoff_multiplier" db:"retry_backoff_multiplier"`
	DefaultRetryDelaySecs   *int64   `json:"default_retry_delay_seconds" db:"default_retry_delay_seconds"`
	MaxRetryDelaySecs       *int64   `json:"max_retry_delay_seconds" db:"max_retry_delay_seconds"`

	ManifestGroupID     *int64 `json:"manifest_group_id" db:"manifest_group_id"`
	DependsOnManifestID *int64 `json:"depends_on_manifest_id" db:"depends_on_manifest_id"`

	IsEnabled           bool       `json:"is_enabled" db:"is_enabled"`
	DisabledNote        *string    `json:"disabled_note" db:"disabled_note"`
	Priority            int        `json:"priority" db:"priority"`
	LastSuccessfulRunAt *time.Time `json:"last_successful_run_at" db:"last_successful_run_at"`
	LastEnqueuedAt      *time.Time `json:"last_enqueued_at" db:"last_enqueued_at"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// ManifestGroup is the coarse concurrency unit. MaxActiveJobs nil means
// unbounded. A disabled group blocks dispatch of every member manifest.
type ManifestGroup struct {
	ID            int64     `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	MaxActiveJobs *int      `json:"max_active_jobs" db:"max_active_jobs"`
	Priority      int       `json:"priority" db:"priority"`
	IsEnabled     bool      `json:"is_enabled" db:"is_enabled"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Metadata is the immutable record of one execution attempt. Rows are
// append-only; the only mutation is the forward-only state closure applied
// through TransitionMetadata.
type Metadata struct {
	ID         int64  `json:"id" db:"id"`
	ExternalID string `json:"external_id" db:"external_id"`
	ManifestID *int64 `json:"manifest_id" db:"manifest_id"`
	ParentID   *int64 `json:"parent_id" db:"parent_id"` // sub-workflow back-reference
	Name       string `json:"name" db:"name"`
	Executor   string `json:"executor" db:"executor"` // host identity

	WorkflowState WorkflowState `json:"workflow_state" db:"workflow_state"`
	ScheduledTime *time.Time    `json:"scheduled_time" db:"scheduled_time"`
	StartTime     time.Time     `json:"start_time" db:"start_time"`
	EndTime       *time.Time    `json:"end_time" db:"end_time"`

	FailureStep      *string `json:"failure_step" db:"failure_step"`
	FailureException *string `json:"failure_exception" db:"failure_exception"`
	FailureReason    *string `json:"failure_reason" db:"failure_reason"`
	StackTrace       *string `json:"stack_trace" db:"stack_trace"`

	InputJSON  *string `json:"input_json" db:"input_json"`
	OutputJSON *string `json:"output_json" db:"output_json"`
}

// MetadataPatch carries the fields a state transition may set. Nil fields
// are left untouched. Failure fields are only honored when the target
// state is Failed.
type MetadataPatch struct {
	EndTime          *time.Time
	FailureStep      *string
	FailureException *string
	FailureReason    *string
	StackTrace       *string
	OutputJSON       *string
}

// WorkQueueEntry is one dispatch request. AvailableAt defers claims for
// backoff; MetadataID is back-filled once the dispatcher appends the
// attempt's metadata so crash recovery can tell a half-dispatched row from
// a live one.
type WorkQueueEntry struct {
	ID            int64           `json:"id" db:"id"`
	WorkflowName  string          `json:"workflow_name" db:"workflow_name"`
	InputJSON     *string         `json:"input_json" db:"input_json"`
	InputTypeName *string         `json:"input_type_name" db:"input_type_name"`
	ManifestID    *int64          `json:"manifest_id" db:"manifest_id"`
	MetadataID    *int64          `json:"metadata_id" db:"metadata_id"`
	Priority      int             `json:"priority" db:"priority"`
	Status        WorkQueueStatus `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	AvailableAt   time.Time       `json:"available_at" db:"available_at"`
	DispatchedAt  *time.Time      `json:"dispatched_at" db:"dispatched_at"`
}

// ClaimedWork is a claimed queue row joined with the owning manifest's
// group so the dispatcher can consult the group semaphore without an
// extra round-trip.
type ClaimedWork struct {
	Entry         WorkQueueEntry
	GroupID       *int64
	GroupMaxJobs  *int
	GroupEnabled  bool // true when the manifest has no group
	ManifestName  string
	GroupName     string
}

// DeadLetter parks a manifest for human intervention. At most one
// AwaitingIntervention row may exist per manifest.
type DeadLetter struct {
	ID                     int64            `json:"id" db:"id"`
	ManifestID             int64            `json:"manifest_id" db:"manifest_id"`
	Reason                 string           `json:"reason" db:"reason"`
	RetryCountAtDeadLetter int              `json:"retry_count_at_dead_letter" db:"retry_count_at_dead_letter"`
	Status                 DeadLetterStatus `json:"status" db:"status"`
	DeadLetteredAt         time.Time        `json:"dead_lettered_at" db:"dead_lettered_at"`
	ResolvedAt             *time.Time       `json:"resolved_at" db:"resolved_at"`
	ResolutionNote         *string          `json:"resolution_note" db:"resolution_note"`
	RetryMetadataID        *int64           `json:"retry_metadata_id" db:"retry_metadata_id"`
}

// BackgroundJob mirrors an opaque task-server handle for dashboard
// visibility. Never authoritative; metadata is.
type BackgroundJob struct {
	ID          int64      `json:"id" db:"id"`
	MetadataID  *int64     `json:"metadata_id" db:"metadata_id"`
	TaskHandle  string     `json:"task_handle" db:"task_handle"`
	Server      string     `json:"server" db:"server"` // adapter name: inproc, redis
	State       string     `json:"state" db:"state"`   // enqueued, completed
	EnqueuedAt  time.Time  `json:"enqueued_at" db:"enqueued_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
}

// ManifestCandidate is a due-manifest query row: the manifest plus the
// group columns the manager's filters need.
type ManifestCandidate struct {
	Manifest      Manifest
	GroupName     string // empty when ungrouped
	GroupPriority int
	GroupMaxJobs  *int
	GroupEnabled  bool // true when ungrouped
}

// DeadLetterCandidate pairs a manifest with its derived attempt count for
// the manager's promotion step.
type DeadLetterCandidate struct {
	Manifest Manifest
	Attempts int
}

// --- List filters (squirrel-built queries in postgres, loops in memory) ---

type ManifestFilter struct {
	GroupID      *int64
	Enabled      *bool
	ScheduleType *ScheduleType
	Limit        int
	Offset       int
}

type MetadataFilter struct {
	ManifestID *int64
	States     []WorkflowState
	Since      *time.Time // start_time lower bound
	Limit      int
	Offset     int
}

type WorkQueueFilter struct {
	Status     *WorkQueueStatus
	ManifestID *int64
	Limit      int
}

type DeadLetterFilter struct {
	Status     *DeadLetterStatus
	ManifestID *int64
	Limit      int
}
