package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the full orchestrator state in process. It mirrors the
// Postgres implementation's semantics (CAS conflicts, claim fairness,
// derived counts) and backs the test suites and the dev profile.
type MemoryStore struct {
	core *memoryCore
	inTx bool
}

type memoryCore struct {
	mu   sync.RWMutex
	txMu sync.Mutex

	nextGroupID      int64
	nextManifestID   int64
	nextMetadataID   int64
	nextWorkID       int64
	nextDeadLetterID int64
	nextJobID        int64

	groups      map[int64]*ManifestGroup
	manifests   map[int64]*Manifest
	metadata    map[int64]*Metadata
	workQueue   map[int64]*WorkQueueEntry
	deadLetters map[int64]*DeadLetter
	jobs        map[int64]*BackgroundJob
	leases      map[string]*memLease
}

type memLease struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{core: &memoryCore{
		groups:      make(map[int64]*ManifestGroup),
		manifests:   make(map[int64]*Manifest),
		metadata:    make(map[int64]*Metadata),
		workQueue:   make(map[int64]*WorkQueueEntry),
		deadLetters: make(map[int64]*DeadLetter),
		jobs:        make(map[int64]*BackgroundJob),
		leases:      make(map[string]*memLease),
	}}
}

// --- Manifest Group Operations ---

func (s *MemoryStore) CreateManifestGroup(ctx context.Context, g *ManifestGroup) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("group %q: %w", g.Name, ErrDuplicateExternalID)
		}
	}
	c.nextGroupID++
	g.ID = c.nextGroupID
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	cp := *g
	c.groups[g.ID] = &cp
	return nil
}

func (s *MemoryStore) GetManifestGroup(ctx context.Context, id int64) (*ManifestGroup, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *g
	return &cp, nil
}

func (s *MemoryStore) GetManifestGroupByName(ctx context.Context, name string) (*ManifestGroup, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, g := range c.groups {
		if g.Name == name {
			cp := *g
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListManifestGroups(ctx context.Context) ([]*ManifestGroup, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*ManifestGroup, 0, len(c.groups))
	for _, g := range c.groups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) UpdateManifestGroup(ctx context.Context, g *ManifestGroup) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.groups[g.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = g.Name
	existing.MaxActiveJobs = g.MaxActiveJobs
	existing.Priority = g.Priority
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetManifestGroupEnabled(ctx context.Context, id int64, enabled bool) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	g, ok := c.groups[id]
	if !ok {
		return ErrNotFound
	}
	g.IsEnabled = enabled
	g.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Manifest Operations ---

func (s *MemoryStore) CreateManifest(ctx context.Context, m *Manifest) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.ExternalID == "" {
		m.ExternalID = NewExternalID()
	}
	for _, existing := range c.manifests {
		if existing.ExternalID == m.ExternalID {
			return fmt.Errorf("manifest %q: %w", m.ExternalID, ErrDuplicateExternalID)
		}
	}
	c.nextManifestID++
	m.ID = c.nextManifestID
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	c.manifests[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetManifest(ctx context.Context, id int64) (*Manifest, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.manifests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetManifestByExternalID(ctx context.Context, externalID string) (*Manifest, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.manifests {
		if m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListManifests(ctx context.Context, f ManifestFilter) ([]*Manifest, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Manifest
	for _, m := range c.manifests {
		if f.GroupID != nil && (m.ManifestGroupID == nil || *m.ManifestGroupID != *f.GroupID) {
			continue
		}
		if f.Enabled != nil && m.IsEnabled != *f.Enabled {
			continue
		}
		if f.ScheduleType != nil && m.ScheduleType != *f.ScheduleType {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) UpdateManifest(ctx context.Context, m *Manifest) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.manifests[m.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Name = m.Name
	existing.PropertiesJSON = m.PropertiesJSON
	existing.PropertiesTypeName = m.PropertiesTypeName
	existing.ScheduleType = m.ScheduleType
	existing.CronExpression = m.CronExpression
	existing.IntervalSeconds = m.IntervalSeconds
	existing.MaxRetries = m.MaxRetries
	existing.TimeoutSeconds = m.TimeoutSeconds
	existing.RetryBackoffMultiplier = m.RetryBackoffMultiplier
	existing.DefaultRetryDelaySecs = m.DefaultRetryDelaySecs
	existing.MaxRetryDelaySecs = m.MaxRetryDelaySecs
	existing.ManifestGroupID = m.ManifestGroupID
	existing.DependsOnManifestID = m.DependsOnManifestID
	existing.Priority = m.Priority
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetManifestEnabled(ctx context.Context, id int64, enabled bool, note string) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.manifests[id]
	if !ok {
		return ErrNotFound
	}
	m.IsEnabled = enabled
	if enabled || note == "" {
		m.DisabledNote = nil
	} else {
		n := note
		m.DisabledNote = &n
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkManifestEnqueued(ctx context.Context, id int64, at time.Time) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.manifests[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	m.LastEnqueuedAt = &t
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkManifestSucceeded(ctx context.Context, id int64, at time.Time) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.manifests[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	m.LastSuccessfulRunAt = &t
	m.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetDueManifestCandidates(ctx context.Context, now time.Time, limit int) ([]*ManifestCandidate, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*ManifestCandidate
	for _, m := range c.manifests {
		if !m.IsEnabled {
			continue
		}
		if m.ScheduleType != ScheduleCron && m.ScheduleType != ScheduleInterval {
			continue
		}
		cand := &ManifestCandidate{Manifest: *m, GroupEnabled: true}
		if m.ManifestGroupID != nil {
			if g, ok := c.groups[*m.ManifestGroupID]; ok {
				cand.GroupName = g.Name
				cand.GroupPriority = g.Priority
				cand.GroupMaxJobs = g.MaxActiveJobs
				cand.GroupEnabled = g.IsEnabled
			}
		}
		if !cand.GroupEnabled {
			continue
		}
		if c.hasActiveMetadataLocked(m.ID) {
			continue
		}
		if c.hasAwaitingDeadLetterLocked(m.ID) {
			continue
		}
		if c.hasQueuedWorkLocked(m.ID) {
			continue
		}
		out = append(out, cand)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.GroupPriority != b.GroupPriority {
			return a.GroupPriority > b.GroupPriority
		}
		if a.Manifest.Priority != b.Manifest.Priority {
			return a.Manifest.Priority > b.Manifest.Priority
		}
		at, bt := a.Manifest.LastEnqueuedAt, b.Manifest.LastEnqueuedAt
		switch {
		case at == nil && bt != nil:
			return true
		case at != nil && bt == nil:
			return false
		case at != nil && bt != nil && !at.Equal(*bt):
			return at.Before(*bt)
		}
		return a.Manifest.ID < b.Manifest.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Metadata Operations ---

func (s *MemoryStore) AppendMetadata(ctx context.Context, m *Metadata) error {
	if err := validateAppend(m); err != nil {
		return err
	}
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if m.ExternalID == "" {
		m.ExternalID = NewExternalID()
	}
	for _, existing := range c.metadata {
		if existing.ExternalID == m.ExternalID {
			return fmt.Errorf("metadata %q: %w", m.ExternalID, ErrDuplicateExternalID)
		}
	}
	if m.ParentID != nil {
		if _, ok := c.metadata[*m.ParentID]; !ok {
			return fmt.Errorf("metadata %q parent %d: %w", m.ExternalID, *m.ParentID, ErrParentNotFound)
		}
	}
	c.nextMetadataID++
	m.ID = c.nextMetadataID
	cp := *m
	c.metadata[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMetadata(ctx context.Context, id int64) (*Metadata, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metadata[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMetadataByExternalID(ctx context.Context, externalID string) (*Metadata, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.metadata {
		if m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListMetadata(ctx context.Context, f MetadataFilter) ([]*Metadata, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Metadata
	for _, m := range c.metadata {
		if f.ManifestID != nil && (m.ManifestID == nil || *m.ManifestID != *f.ManifestID) {
			continue
		}
		if len(f.States) > 0 && !containsState(f.States, m.WorkflowState) {
			continue
		}
		if f.Since != nil && m.StartTime.Before(*f.Since) {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func (s *MemoryStore) TransitionMetadata(ctx context.Context, id int64, from, to WorkflowState, patch MetadataPatch) error {
	if err := validateTransition(id, from, to, patch); err != nil {
		return err
	}
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.metadata[id]
	if !ok {
		return ErrNotFound
	}
	if m.WorkflowState != from {
		return &StateConflictError{Entity: "metadata", ID: id, Expected: from.String(), Actual: m.WorkflowState.String()}
	}
	m.WorkflowState = to
	if patch.EndTime != nil {
		t := *patch.EndTime
		m.EndTime = &t
	}
	if patch.FailureStep != nil {
		m.FailureStep = patch.FailureStep
	}
	if patch.FailureException != nil {
		m.FailureException = patch.FailureException
	}
	if patch.FailureReason != nil {
		m.FailureReason = patch.FailureReason
	}
	if patch.StackTrace != nil {
		m.StackTrace = patch.StackTrace
	}
	if patch.OutputJSON != nil {
		m.OutputJSON = patch.OutputJSON
	}
	return nil
}

func (s *MemoryStore) CountActiveJobs(ctx context.Context, groupID int64) (int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, m := range c.metadata {
		if m.WorkflowState != StatePending && m.WorkflowState != StateInProgress {
			continue
		}
		if m.ManifestID == nil {
			continue
		}
		mf, ok := c.manifests[*m.ManifestID]
		if ok && mf.ManifestGroupID != nil && *mf.ManifestGroupID == groupID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountActiveJobsByGroup(ctx context.Context) (map[int64]int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[int64]int)
	for _, m := range c.metadata {
		if m.WorkflowState != StatePending && m.WorkflowState != StateInProgress {
			continue
		}
		if m.ManifestID == nil {
			continue
		}
		mf, ok := c.manifests[*m.ManifestID]
		if ok && mf.ManifestGroupID != nil {
			out[*mf.ManifestGroupID]++
		}
	}
	return out, nil
}

func (s *MemoryStore) CountMetadataByState(ctx context.Context) (map[WorkflowState]int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[WorkflowState]int)
	for _, m := range c.metadata {
		out[m.WorkflowState]++
	}
	return out, nil
}

func (s *MemoryStore) CountRecentFailures(ctx context.Context, manifestID int64, since *time.Time) (int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, m := range c.metadata {
		if m.ManifestID == nil || *m.ManifestID != manifestID {
			continue
		}
		if m.WorkflowState != StateFailed {
			continue
		}
		if since != nil && !m.StartTime.After(*since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryStore) HasActiveMetadata(ctx context.Context, manifestID int64) (bool, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasActiveMetadataLocked(manifestID), nil
}

func (s *MemoryStore) HasCompletedRunSince(ctx context.Context, manifestID int64, since *time.Time) (bool, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, m := range c.metadata {
		if m.ManifestID == nil || *m.ManifestID != manifestID {
			continue
		}
		if m.WorkflowState != StateCompleted {
			continue
		}
		if since == nil {
			return true, nil
		}
		if m.EndTime != nil && !m.EndTime.Before(*since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListTimedOutMetadata(ctx context.Context, now time.Time, defaultTimeout time.Duration) ([]*Metadata, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Metadata
	for _, m := range c.metadata {
		if m.WorkflowState != StatePending && m.WorkflowState != StateInProgress {
			continue
		}
		// The manifest setting can extend the deployment default but
		// never undercut it.
		timeout := defaultTimeout
		if m.ManifestID != nil {
			if mf, ok := c.manifests[*m.ManifestID]; ok && mf.TimeoutSeconds != nil {
				if mt := time.Duration(*mf.TimeoutSeconds) * time.Second; mt > timeout {
					timeout = mt
				}
			}
		}
		if !m.StartTime.Add(timeout).After(now) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (s *MemoryStore) PurgeTerminalMetadata(ctx context.Context, olderThan time.Time, batch int) (int64, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*Metadata
	for _, m := range c.metadata {
		if !m.WorkflowState.Terminal() {
			continue
		}
		if m.EndTime == nil || !m.EndTime.Before(olderThan) {
			continue
		}
		if m.ManifestID != nil && c.hasAwaitingDeadLetterLocked(*m.ManifestID) {
			continue
		}
		blocked := false
		for _, child := range c.metadata {
			if child.ParentID != nil && *child.ParentID == m.ID && !child.WorkflowState.Terminal() {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		victims = append(victims, m)
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i].EndTime.Before(*victims[j].EndTime) })
	if batch > 0 && len(victims) > batch {
		victims = victims[:batch]
	}
	for _, v := range victims {
		delete(c.metadata, v.ID)
		for _, child := range c.metadata {
			if child.ParentID != nil && *child.ParentID == v.ID {
				child.ParentID = nil
			}
		}
		for _, w := range c.workQueue {
			if w.MetadataID != nil && *w.MetadataID == v.ID {
				w.MetadataID = nil
			}
		}
		for _, d := range c.deadLetters {
			if d.RetryMetadataID != nil && *d.RetryMetadataID == v.ID {
				d.RetryMetadataID = nil
			}
		}
		for _, j := range c.jobs {
			if j.MetadataID != nil && *j.MetadataID == v.ID {
				j.MetadataID = nil
			}
		}
	}
	return int64(len(victims)), nil
}

// --- Work Queue Operations ---

func (s *MemoryStore) EnqueueWork(ctx context.Context, w *WorkQueueEntry) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	w.Status = WorkQueued
	if w.AvailableAt.IsZero() {
		w.AvailableAt = w.CreatedAt
	}
	c.nextWorkID++
	w.ID = c.nextWorkID
	cp := *w
	c.workQueue[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkQueueEntry(ctx context.Context, id int64) (*WorkQueueEntry, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.workQueue[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkQueue(ctx context.Context, f WorkQueueFilter) ([]*WorkQueueEntry, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*WorkQueueEntry
	for _, w := range c.workQueue {
		if f.Status != nil && w.Status != *f.Status {
			continue
		}
		if f.ManifestID != nil && (w.ManifestID == nil || *w.ManifestID != *f.ManifestID) {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sortWorkEntries(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CountQueuedWork(ctx context.Context) (int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	count := 0
	for _, w := range c.workQueue {
		if w.Status == WorkQueued {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) HasQueuedWork(ctx context.Context, manifestID int64) (bool, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasQueuedWorkLocked(manifestID), nil
}

func (s *MemoryStore) ClaimWorkQueue(ctx context.Context, limit int, now time.Time) ([]*ClaimedWork, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var claimable []*WorkQueueEntry
	for _, w := range c.workQueue {
		if w.Status == WorkQueued && !w.AvailableAt.After(now) {
			claimable = append(claimable, w)
		}
	}
	sortWorkEntries(claimable)
	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]*ClaimedWork, 0, len(claimable))
	for _, w := range claimable {
		w.Status = WorkDispatched
		t := now
		w.DispatchedAt = &t

		claim := &ClaimedWork{Entry: *w, GroupEnabled: true, ManifestName: w.WorkflowName}
		if w.ManifestID != nil {
			if m, ok := c.manifests[*w.ManifestID]; ok {
				claim.ManifestName = m.Name
				if m.ManifestGroupID != nil {
					claim.GroupID = m.ManifestGroupID
					if g, ok := c.groups[*m.ManifestGroupID]; ok {
						claim.GroupMaxJobs = g.MaxActiveJobs
						claim.GroupEnabled = g.IsEnabled
						claim.GroupName = g.Name
					}
				}
			}
		}
		out = append(out, claim)
	}
	return out, nil
}

func (s *MemoryStore) ReleaseWorkQueueEntry(ctx context.Context, id int64, priorityBump int) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workQueue[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != WorkDispatched {
		return &StateConflictError{Entity: "work_queue", ID: id, Expected: WorkDispatched.String(), Actual: w.Status.String()}
	}
	w.Status = WorkQueued
	w.Priority += priorityBump
	w.DispatchedAt = nil
	return nil
}

func (s *MemoryStore) CancelWorkQueueEntry(ctx context.Context, id int64) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workQueue[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != WorkQueued {
		return &StateConflictError{Entity: "work_queue", ID: id, Expected: WorkQueued.String(), Actual: w.Status.String()}
	}
	w.Status = WorkCancelled
	return nil
}

func (s *MemoryStore) SetWorkQueueMetadata(ctx context.Context, id int64, metadataID int64) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.workQueue[id]
	if !ok {
		return ErrNotFound
	}
	mid := metadataID
	w.MetadataID = &mid
	return nil
}

func (s *MemoryStore) RecoverStaleDispatches(ctx context.Context, olderThan time.Time) (int64, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var moved int64
	for _, w := range c.workQueue {
		if w.Status != WorkDispatched || w.MetadataID != nil {
			continue
		}
		if w.DispatchedAt == nil || !w.DispatchedAt.Before(olderThan) {
			continue
		}
		w.Status = WorkQueued
		w.Priority++
		w.DispatchedAt = nil
		moved++
	}
	return moved, nil
}

// --- Dead Letter Operations ---

func (s *MemoryStore) UpsertDeadLetter(ctx context.Context, manifestID int64, reason string, retryCount int, at time.Time) (*DeadLetter, bool, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, d := range c.deadLetters {
		if d.ManifestID == manifestID && d.Status == DeadLetterAwaitingIntervention {
			cp := *d
			return &cp, false, nil
		}
	}
	c.nextDeadLetterID++
	d := &DeadLetter{
		ID:                     c.nextDeadLetterID,
		ManifestID:             manifestID,
		Reason:                 reason,
		RetryCountAtDeadLetter: retryCount,
		Status:                 DeadLetterAwaitingIntervention,
		DeadLetteredAt:         at,
	}
	c.deadLetters[d.ID] = d
	cp := *d
	return &cp, true, nil
}

func (s *MemoryStore) GetDeadLetter(ctx context.Context, id int64) (*DeadLetter, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]*DeadLetter, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*DeadLetter
	for _, d := range c.deadLetters {
		if f.Status != nil && d.Status != *f.Status {
			continue
		}
		if f.ManifestID != nil && d.ManifestID != *f.ManifestID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DeadLetteredAt.Equal(out[j].DeadLetteredAt) {
			return out[i].DeadLetteredAt.After(out[j].DeadLetteredAt)
		}
		return out[i].ID > out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) HasAwaitingDeadLetter(ctx context.Context, manifestID int64) (bool, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasAwaitingDeadLetterLocked(manifestID), nil
}

func (s *MemoryStore) ListDeadLetterCandidates(ctx context.Context, limit int) ([]*DeadLetterCandidate, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*DeadLetterCandidate
	for _, m := range c.manifests {
		attempts := 0
		for _, md := range c.metadata {
			if md.ManifestID == nil || *md.ManifestID != m.ID {
				continue
			}
			if md.WorkflowState != StateFailed {
				continue
			}
			if m.LastSuccessfulRunAt != nil && !md.StartTime.After(*m.LastSuccessfulRunAt) {
				continue
			}
			attempts++
		}
		if attempts == 0 || attempts < m.MaxRetries {
			continue
		}
		if c.hasAwaitingDeadLetterLocked(m.ID) {
			continue
		}
		out = append(out, &DeadLetterCandidate{Manifest: *m, Attempts: attempts})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Manifest.ID < out[j].Manifest.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ResolveDeadLetter(ctx context.Context, id int64, status DeadLetterStatus, note string, at time.Time) error {
	if status != DeadLetterRetried && status != DeadLetterAcknowledged {
		return fmt.Errorf("store: dead letter %d cannot be resolved to %s", id, status)
	}
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deadLetters[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != DeadLetterAwaitingIntervention {
		return &StateConflictError{Entity: "dead_letter", ID: id, Expected: DeadLetterAwaitingIntervention.String(), Actual: d.Status.String()}
	}
	d.Status = status
	t := at
	d.ResolvedAt = &t
	if note != "" {
		n := note
		d.ResolutionNote = &n
	}
	return nil
}

func (s *MemoryStore) AttachRetryMetadata(ctx context.Context, deadLetterID int64, metadataID int64) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.deadLetters[deadLetterID]
	if !ok {
		return ErrNotFound
	}
	mid := metadataID
	d.RetryMetadataID = &mid
	return nil
}

func (s *MemoryStore) CountDeadLettersByStatus(ctx context.Context) (map[DeadLetterStatus]int, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[DeadLetterStatus]int)
	for _, d := range c.deadLetters {
		out[d.Status]++
	}
	return out, nil
}

func (s *MemoryStore) PurgeResolvedDeadLetters(ctx context.Context, olderThan time.Time) (int64, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	var purged int64
	for id, d := range c.deadLetters {
		if d.Status == DeadLetterAwaitingIntervention {
			continue
		}
		if d.ResolvedAt == nil || !d.ResolvedAt.Before(olderThan) {
			continue
		}
		delete(c.deadLetters, id)
		purged++
	}
	return purged, nil
}

// --- Background Job Operations ---

func (s *MemoryStore) RecordBackgroundJob(ctx context.Context, j *BackgroundJob) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextJobID++
	j.ID = c.nextJobID
	cp := *j
	c.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) CompleteBackgroundJob(ctx context.Context, taskHandle string, at time.Time) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, j := range c.jobs {
		if j.TaskHandle == taskHandle && j.State == "enqueued" {
			j.State = "completed"
			t := at
			j.CompletedAt = &t
		}
	}
	return nil
}

func (s *MemoryStore) GetBackgroundJobByMetadata(ctx context.Context, metadataID int64) (*BackgroundJob, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	var best *BackgroundJob
	for _, j := range c.jobs {
		if j.MetadataID == nil || *j.MetadataID != metadataID {
			continue
		}
		if best == nil || j.ID > best.ID {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListBackgroundJobs(ctx context.Context, limit int) ([]*BackgroundJob, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*BackgroundJob, 0, len(c.jobs))
	for _, j := range c.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Lease Operations ---

func (s *MemoryStore) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.leases[name]
	if ok && l.holder != holder && !l.expiresAt.Before(now) {
		return false, nil
	}
	c.leases[name] = &memLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.leases[name]
	if !ok || l.holder != holder {
		return false, nil
	}
	l.expiresAt = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, name, holder string) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, ok := c.leases[name]; ok && l.holder == holder {
		delete(c.leases, name)
	}
	return nil
}

// --- Transactions & lifecycle ---

// WithTx serializes the body against other WithTx callers. Individual
// operations are atomic on their own; rollback is best-effort (none).
func (s *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, st Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	c := s.core
	c.txMu.Lock()
	defer c.txMu.Unlock()
	return fn(ctx, &MemoryStore{core: c, inTx: true})
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// --- helpers (callers hold c.mu) ---

func (c *memoryCore) hasActiveMetadataLocked(manifestID int64) bool {
	for _, m := range c.metadata {
		if m.ManifestID != nil && *m.ManifestID == manifestID &&
			(m.WorkflowState == StatePending || m.WorkflowState == StateInProgress) {
			return true
		}
	}
	return false
}

func (c *memoryCore) hasAwaitingDeadLetterLocked(manifestID int64) bool {
	for _, d := range c.deadLetters {
		if d.ManifestID == manifestID && d.Status == DeadLetterAwaitingIntervention {
			return true
		}
	}
	return false
}

func (c *memoryCore) hasQueuedWorkLocked(manifestID int64) bool {
	for _, w := range c.workQueue {
		if w.ManifestID != nil && *w.ManifestID == manifestID && w.Status == WorkQueued {
			return true
		}
	}
	return false
}

func sortWorkEntries(entries []*WorkQueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func containsState(states []WorkflowState, st WorkflowState) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func paginate[T any](items []*T, offset, limit int) []*T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
