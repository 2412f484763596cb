package store

import (
	"context"
	"time"
)

// Store is the single persistence boundary. Implementations must not cache
// entities between calls; every method round-trips. Returned structs are
// snapshots; mutating them has no effect until written back.
type Store interface {
	// --- Manifest Group Operations ---

	CreateManifestGroup(ctx context.Context, g *ManifestGroup) error
	GetManifestGroup(ctx context.Context, id int64) (*ManifestGroup, error)
	GetManifestGroupByName(ctx context.Context, name string) (*ManifestGroup, error)
	ListManifestGroups(ctx context.Context) ([]*ManifestGroup, error)
	UpdateManifestGroup(ctx context.Context, g *ManifestGroup) error
	SetManifestGroupEnabled(ctx context.Context, id int64, enabled bool) error

	// --- Manifest Operations ---

	CreateManifest(ctx context.Context, m *Manifest) error
	GetManifest(ctx context.Context, id int64) (*Manifest, error)
	GetManifestByExternalID(ctx context.Context, externalID string) (*Manifest, error)
	ListManifests(ctx context.Context, f ManifestFilter) ([]*Manifest, error)
	// UpdateManifest rewrites definition fields (schedule, policy, DAG
	// placement, priority). Runtime fields (lastSuccessfulRunAt,
	// lastEnqueuedAt, isEnabled) have dedicated setters.
	UpdateManifest(ctx context.Context, m *Manifest) error
	SetManifestEnabled(ctx context.Context, id int64, enabled bool, note string) error
	MarkManifestEnqueued(ctx context.Context, id int64, at time.Time) error
	MarkManifestSucceeded(ctx context.Context, id int64, at time.Time) error

	// GetDueManifestCandidates returns enabled cron/interval manifests in
	// enabled (or absent) groups with no Pending/InProgress metadata, no
	// awaiting dead letter, and no outstanding Queued work, joined with
	// group columns, ordered (group.priority desc, manifest.priority desc,
	// lastEnqueuedAt asc nulls first, id asc). Schedule due-ness itself is
	// evaluated by the caller.
	GetDueManifestCandidates(ctx context.Context, now time.Time, limit int) ([]*ManifestCandidate, error)

	// --- Metadata Operations ---

	// AppendMetadata inserts a new execution record. Initial state must be
	// Pending, or a complete terminal row for born-failed attempts.
	// Duplicate external ids fail with ErrDuplicateExternalID; a ParentID
	// referencing no existing row fails with ErrParentNotFound.
	AppendMetadata(ctx context.Context, m *Metadata) error
	GetMetadata(ctx context.Context, id int64) (*Metadata, error)
	GetMetadataByExternalID(ctx context.Context, externalID string) (*Metadata, error)
	ListMetadata(ctx context.Context, f MetadataFilter) ([]*Metadata, error)
	// TransitionMetadata is the only mutation path for metadata: a
	// compare-and-set from `from` to `to` applying the patch. Losing the
	// race returns *StateConflictError; backward or out-of-terminal moves
	// return *InvalidTransitionError.
	TransitionMetadata(ctx context.Context, id int64, from, to WorkflowState, patch MetadataPatch) error

	CountActiveJobs(ctx context.Context, groupID int64) (int, error)
	CountActiveJobsByGroup(ctx context.Context) (map[int64]int, error)
	CountMetadataByState(ctx context.Context) (map[WorkflowState]int, error)
	// CountRecentFailures derives the retry attempt count: Failed rows for
	// the manifest with startTime after `since` (all Failed rows when
	// since is nil).
	CountRecentFailures(ctx context.Context, manifestID int64, since *time.Time) (int, error)
	HasActiveMetadata(ctx context.Context, manifestID int64) (bool, error)
	// HasCompletedRunSince reports whether the manifest has a Completed
	// metadata with endTime at or after `since` (any Completed run when
	// since is nil). Drives DAG dependency gating.
	HasCompletedRunSince(ctx context.Context, manifestID int64, since *time.Time) (bool, error)
	// ListTimedOutMetadata returns Pending/InProgress rows whose runtime
	// exceeds max(manifest timeoutSeconds, defaultTimeout). The manifest
	// setting can only extend the deployment floor, never shorten it.
	ListTimedOutMetadata(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]*Metadata, error)
	// PurgeTerminalMetadata deletes one batch of terminal rows older than
	// the horizon. Rows whose manifest awaits dead-letter intervention
	// are kept (the failure history is the evidence), as are rows
	// parenting a non-terminal child. Returns rows deleted.
	PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batch int) (int64, error)

	// --- Work Queue Operations ---

	EnqueueWork(ctx context.Context, w *WorkQueueEntry) error
	GetWorkQueueEntry(ctx context.Context, id int64) (*WorkQueueEntry, error)
	ListWorkQueue(ctx context.Context, f WorkQueueFilter) ([]*WorkQueueEntry, error)
	CountQueuedWork(ctx context.Context) (int, error)
	HasQueuedWork(ctx context.Context, manifestID int64) (bool, error)
	// ClaimWorkQueue atomically flips up to `limit` claimable rows
	// (Queued, availableAt <= now) to Dispatched and returns them joined
	// with group columns. Safe under concurrent callers: each row is
	// observed Queued by at most one claimant. Order: priority desc,
	// createdAt asc, id asc.
	ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]*ClaimedWork, error)
	// ReleaseWorkQueueEntry rolls a claim back (Dispatched -> Queued) with
	// an anti-starvation priority bump. Only the claim owner calls this.
	ReleaseWorkQueueEntry(ctx context.Context, id int64, priorityBump int) error
	CancelWorkQueueEntry(ctx context.Context, id int64) error
	SetWorkQueueMetadata(ctx context.Context, id int64, metadataID int64) error
	// RecoverStaleDispatches re-queues Dispatched rows that never got a
	// metadata row (crash between claim and append). Returns rows moved.
	RecoverStaleDispatches(ctx context.Context, olderThan time.Time) (int64, error)

	// --- Dead Letter Operations ---

	// UpsertDeadLetter creates an AwaitingIntervention row unless one
	// already exists for the manifest; reports whether it created.
	UpsertDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int, at time.Time) (*DeadLetter, bool, error)
	GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error)
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error)
	HasAwaitingDeadLetter(ctx context.Context, manifestID int64) (bool, error)
	// ListDeadLetterCandidates returns manifests whose derived attempt
	// count has reached their retry budget and that have no awaiting dead
	// letter yet.
	ListDeadLetterCandidates(ctx context.Context, limit int) ([]*DeadLetterCandidate, error)
	// ResolveDeadLetter moves AwaitingIntervention to Retried or
	// Acknowledged; losing the race returns *StateConflictError.
	ResolveDeadLetter(ctx context.Context, id int64, status DeadLetterStatus, note string, at time.Time) error
	AttachRetryMetadata(ctx context.Context, deadLetterID int64, metadataID int64) error
	CountDeadLettersByStatus(ctx context.Context) (map[DeadLetterStatus]int, error)
	PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error)

	// --- Background Job Operations ---

	RecordBackgroundJob(ctx context.Context, j *BackgroundJob) error
	CompleteBackgroundJob(ctx context.Context, taskHandle string, at time.Time) error
	GetBackgroundJobByMetadata(ctx context.Context, metadataID int64) (*BackgroundJob, error)
	ListBackgroundJobs(ctx context.Context, limit int) ([]*BackgroundJob, error)

	// --- Lease Operations (leader election) ---

	// AcquireLease takes the named lease when it is free or expired.
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	// RenewLease extends the lease iff still held by `holder`.
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error

	// --- Transactions & lifecycle ---

	// WithTx runs fn against a transaction-bound view of the store and
	// commits when fn returns nil. The memory implementation serializes
	// bodies instead; rollback there is best-effort.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error
	Ping(ctx context.Context) error
	Close()
}
