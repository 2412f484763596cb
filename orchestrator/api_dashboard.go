package main

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/itskum47/FlowForge/orchestrator/dag"
	"github.com/itskum47/FlowForge/orchestrator/store"
)

// dashboardSummary is the single-call snapshot the dashboard polls. Counts
// come straight from the store so they agree with the list endpoints even
// when nothing scrapes /metrics.
type dashboardSummary struct {
	QueueDepth          int            `json:"queue_depth"`
	RunsByState         map[string]int `json:"runs_by_state"`
	DeadLettersByStatus map[string]int `json:"dead_letters_by_status"`
	ManifestsTotal      int            `json:"manifests_total"`
	ManifestsEnabled    int            `json:"manifests_enabled"`
	GroupsTotal         int            `json:"groups_total"`
	ActiveByGroup       map[string]int `json:"active_by_group"`
	IsLeader            bool           `json:"is_leader"`
	NodeID              string         `json:"node_id"`
	Timestamp           int64          `json:"timestamp"`
}

func (a *API) handleDashboardSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := a.st.CountQueuedWork(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	byState, err := a.st.CountMetadataByState(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	byStatus, err := a.st.CountDeadLettersByStatus(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	manifests, err := a.st.ListManifests(ctx, store.ManifestFilter{})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	groups, err := a.st.ListManifestGroups(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	active, err := a.st.CountActiveJobsByGroup(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	sum := dashboardSummary{
		QueueDepth:          depth,
		RunsByState:         make(map[string]int, len(byState)),
		DeadLettersByStatus: make(map[string]int, len(byStatus)),
		ManifestsTotal:      len(manifests),
		GroupsTotal:         len(groups),
		ActiveByGroup:       make(map[string]int, len(active)),
		IsLeader:            a.elector.IsLeader(),
		NodeID:              a.elector.Holder(),
		Timestamp:           time.Now().Unix(),
	}
	for state, n := range byState {
		sum.RunsByState[state.String()] = n
	}
	for status, n := range byStatus {
		sum.DeadLettersByStatus[status.String()] = n
	}
	for _, m := range manifests {
		if m.IsEnabled {
			sum.ManifestsEnabled++
		}
	}
	name := make(map[int64]string, len(groups))
	for _, g := range groups {
		name[g.ID] = g.Name
	}
	for id, n := range active {
		if gn, ok := name[id]; ok {
			sum.ActiveByGroup[gn] = n
		}
	}

	a.writeJSON(w, http.StatusOK, sum)
}

func (a *API) handleDashboardDAG(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	manifests, err := a.st.ListManifests(ctx, store.ManifestFilter{})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	groups, err := a.st.ListManifestGroups(ctx)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	graph, err := dag.Build(manifests, groups)
	if err != nil {
		a.log.Error("dependency graph build failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// The graph was acyclic at boot; a cycle here means rows were edited
	// directly. Surface the member list instead of a blank 500.
	if err := graph.Validate(); err != nil {
		a.log.Error("dependency graph invalid", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	a.writeJSON(w, http.StatusOK, graph.Layout())
}
