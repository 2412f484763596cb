package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/itskum47/FlowForge/orchestrator/schedule"
	"github.com/itskum47/FlowForge/orchestrator/store"
)

// SeedSpec declares a manifest owned by a workflow registration. Seeding
// is idempotent: definition fields converge on the seed while runtime
// state (isEnabled, disabledNote, run markers) is left alone, so an
// operator's disable survives a redeploy.
type SeedSpec struct {
	ExternalID string

	// Group placement. Group attributes come from whichever seed names
	// the group; keep them consistent across registrations.
	GroupName          string
	GroupMaxActiveJobs *int
	GroupPriority      int

	ScheduleType    store.ScheduleType
	CronExpression  string
	IntervalSeconds int64

	MaxRetries             *int // nil keeps the existing value (or the schema default on create)
	TimeoutSeconds         *int64
	RetryBackoffMultiplier *float64
	DefaultRetryDelaySecs  *int64
	MaxRetryDelaySecs      *int64

	Priority            int
	DependsOnExternalID string
	Properties          any // encoded through the input codec
}

// SeedResult is what SeedManifests changed, for startup logging.
type SeedResult struct {
	GroupsCreated    int
	ManifestsCreated int
	ManifestsUpdated int
}

// SeedManifests upserts every seed attached to the registry's
// definitions. Dependencies resolve by external id in a second pass, so
// seeds may reference each other in any order; a dependency may also
// point at a manifest that exists only in the database.
func SeedManifests(ctx context.Context, st store.Store, reg *Registry) (*SeedResult, error) {
	type pending struct {
		def  *Definition
		seed SeedSpec
	}

	var seeds []pending
	seen := make(map[string]string)
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		for _, s := range def.Seeds {
			if err := validateSeed(def, s); err != nil {
				return nil, err
			}
			if owner, dup := seen[s.ExternalID]; dup {
				return nil, fmt.Errorf("workflow: manifest %q seeded by both %s and %s", s.ExternalID, owner, def.Name)
			}
			seen[s.ExternalID] = def.Name
			seeds = append(seeds, pending{def: def, seed: s})
		}
	}

	res := &SeedResult{}
	ids := make(map[string]int64, len(seeds))
	for _, p := range seeds {
		groupID, created, err := ensureGroup(ctx, st, p.seed)
		if err != nil {
			return nil, fmt.Errorf("workflow: seed group %q: %w", p.seed.GroupName, err)
		}
		if created {
			res.GroupsCreated++
		}

		m, err := p.seed.manifest(p.def, groupID)
		if err != nil {
			return nil, err
		}

		existing, err := st.GetManifestByExternalID(ctx, p.seed.ExternalID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			if err := st.CreateManifest(ctx, m); err != nil {
				return nil, fmt.Errorf("workflow: seed manifest %q: %w", p.seed.ExternalID, err)
			}
			res.ManifestsCreated++
			ids[p.seed.ExternalID] = m.ID
		case err != nil:
			return nil, fmt.Errorf("workflow: seed manifest %q: %w", p.seed.ExternalID, err)
		default:
			m.ID = existing.ID
			if p.seed.MaxRetries == nil {
				m.MaxRetries = existing.MaxRetries
			}
			if err := st.UpdateManifest(ctx, m); err != nil {
				return nil, fmt.Errorf("workflow: seed manifest %q: %w", p.seed.ExternalID, err)
			}
			res.ManifestsUpdated++
			ids[p.seed.ExternalID] = existing.ID
		}
	}

	// Second pass: the first pass wrote dependsOnManifestId as NULL, so a
	// removed dependency is already cleared; now point the remaining ones
	// at their resolved parents.
	for _, p := range seeds {
		if p.seed.DependsOnExternalID == "" {
			continue
		}
		parentID, ok := ids[p.seed.DependsOnExternalID]
		if !ok {
			parent, err := st.GetManifestByExternalID(ctx, p.seed.DependsOnExternalID)
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("workflow: manifest %q depends on unknown manifest %q", p.seed.ExternalID, p.seed.DependsOnExternalID)
			}
			if err != nil {
				return nil, err
			}
			parentID = parent.ID
		}

		child, err := st.GetManifest(ctx, ids[p.seed.ExternalID])
		if err != nil {
			return nil, err
		}
		child.DependsOnManifestID = &parentID
		if err := st.UpdateManifest(ctx, child); err != nil {
			return nil, fmt.Errorf("workflow: link %q to %q: %w", p.seed.ExternalID, p.seed.DependsOnExternalID, err)
		}
	}
	return res, nil
}

func validateSeed(def *Definition, s SeedSpec) error {
	if s.ExternalID == "" {
		return fmt.Errorf("workflow: %s has a seed without an external id", def.Name)
	}
	if s.DependsOnExternalID == s.ExternalID {
		return fmt.Errorf("workflow: manifest %q cannot depend on itself", s.ExternalID)
	}
	switch s.ScheduleType {
	case store.ScheduleCron:
		if s.CronExpression == "" {
			return fmt.Errorf("workflow: manifest %q is cron-scheduled without an expression", s.ExternalID)
		}
		if err := schedule.ValidateExpression(s.CronExpression); err != nil {
			return fmt.Errorf("workflow: manifest %q: %w", s.ExternalID, err)
		}
	case store.ScheduleInterval:
		if s.IntervalSeconds <= 0 {
			return fmt.Errorf("workflow: manifest %q is interval-scheduled without a positive interval", s.ExternalID)
		}
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return fmt.Errorf("workflow: manifest %q has a negative retry budget", s.ExternalID)
	}
	return nil
}

func ensureGroup(ctx context.Context, st store.Store, s SeedSpec) (*int64, bool, error) {
	if s.GroupName == "" {
		return nil, false, nil
	}
	g, err := st.GetManifestGroupByName(ctx, s.GroupName)
	if errors.Is(err, store.ErrNotFound) {
		g = &store.ManifestGroup{
			Name:          s.GroupName,
			MaxActiveJobs: s.GroupMaxActiveJobs,
			Priority:      s.GroupPriority,
			IsEnabled:     true,
		}
		if err := st.CreateManifestGroup(ctx, g); err != nil {
			return nil, false, err
		}
		return &g.ID, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	changed := false
	if s.GroupMaxActiveJobs != nil && !eqIntPtr(g.MaxActiveJobs, s.GroupMaxActiveJobs) {
		g.MaxActiveJobs = s.GroupMaxActiveJobs
		changed = true
	}
	if s.GroupPriority != 0 && g.Priority != s.GroupPriority {
		g.Priority = s.GroupPriority
		changed = true
	}
	if changed {
		if err := st.UpdateManifestGroup(ctx, g); err != nil {
			return nil, false, err
		}
	}
	return &g.ID, false, nil
}

func (s SeedSpec) manifest(def *Definition, groupID *int64) (*store.Manifest, error) {
	m := &store.Manifest{
		ExternalID:             s.ExternalID,
		Name:                   def.Name,
		ScheduleType:           s.ScheduleType,
		MaxRetries:             3,
		TimeoutSeconds:         s.TimeoutSeconds,
		RetryBackoffMultiplier: s.RetryBackoffMultiplier,
		DefaultRetryDelaySecs:  s.DefaultRetryDelaySecs,
		MaxRetryDelaySecs:      s.MaxRetryDelaySecs,
		ManifestGroupID:        groupID,
		IsEnabled:              true,
		Priority:               s.Priority,
	}
	if s.MaxRetries != nil {
		m.MaxRetries = *s.MaxRetries
	}
	switch s.ScheduleType {
	case store.ScheduleCron:
		expr := s.CronExpression
		m.CronExpression = &expr
	case store.ScheduleInterval:
		iv := s.IntervalSeconds
		m.IntervalSeconds = &iv
	}
	if s.Properties != nil {
		pj, err := Encode(def.InputType, s.Properties)
		if err != nil {
			return nil, fmt.Errorf("workflow: encode properties for %q: %w", s.ExternalID, err)
		}
		tn := def.InputType
		m.PropertiesJSON = &pj
		m.PropertiesTypeName = &tn
	}
	return m, nil
}

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
