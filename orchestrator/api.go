package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/itskum47/FlowForge/orchestrator/coordination"
	"github.com/itskum47/FlowForge/orchestrator/dispatcher"
	"github.com/itskum47/FlowForge/orchestrator/manager"
	"github.com/itskum47/FlowForge/orchestrator/observability"
	"github.com/itskum47/FlowForge/orchestrator/store"
	"github.com/itskum47/FlowForge/orchestrator/workflow"
)

// API exposes the operational surface: manifests, runs, queue, dead
// letters, dashboard, and the run-event socket. Handlers read through the
// store and mutate through the manager and dispatcher so every rule
// (single-flight, CAS, dead-letter resolution) holds no matter where a
// request lands.
type API struct {
	st      store.Store
	manager *manager.Manager
	disp    *dispatcher.Dispatcher
	reg     *workflow.Registry
	elector *coordination.Elector
	hub     *WSHub
	log     *zap.Logger

	limiter *rate.Limiter
}

func NewAPI(st store.Store, mgr *manager.Manager, disp *dispatcher.Dispatcher, reg *workflow.Registry, elector *coordination.Elector, hub *WSHub, rps float64, burst int, log *zap.Logger) *API {
	return &API{
		st:      st,
		manager: mgr,
		disp:    disp,
		reg:     reg,
		elector: elector,
		hub:     hub,
		log:     log.Named("api"),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Routes builds the full handler tree. /api/v1 goes through the rate
// limiter; health, metrics, and the socket do not.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", a.handleWS)

	mux.HandleFunc("GET /api/v1/manifests", a.limited(a.handleListManifests))
	mux.HandleFunc("GET /api/v1/manifests/{id}", a.limited(a.handleGetManifest))
	mux.HandleFunc("POST /api/v1/manifests/{id}/enable", a.limited(a.handleEnableManifest))
	mux.HandleFunc("POST /api/v1/manifests/{id}/disable", a.limited(a.handleDisableManifest))
	mux.HandleFunc("POST /api/v1/manifests/{id}/trigger", a.limited(a.handleTriggerManifest))
	mux.HandleFunc("GET /api/v1/manifests/{id}/runs", a.limited(a.handleManifestRuns))

	mux.HandleFunc("GET /api/v1/runs", a.limited(a.handleListRuns))
	mux.HandleFunc("GET /api/v1/runs/{id}", a.limited(a.handleGetRun))
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", a.limited(a.handleCancelRun))

	mux.HandleFunc("GET /api/v1/queue", a.limited(a.handleListQueue))
	mux.HandleFunc("GET /api/v1/groups", a.limited(a.handleListGroups))

	mux.HandleFunc("GET /api/v1/deadletters", a.limited(a.handleListDeadLetters))
	mux.HandleFunc("POST /api/v1/deadletters/{id}/retry", a.limited(a.handleRetryDeadLetter))
	mux.HandleFunc("POST /api/v1/deadletters/{id}/ack", a.limited(a.handleAckDeadLetter))

	mux.HandleFunc("GET /api/v1/dashboard/summary", a.limited(a.handleDashboardSummary))
	mux.HandleFunc("GET /api/v1/dashboard/dag", a.limited(a.handleDashboardDAG))

	return mux
}

func (a *API) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			observability.APIRateLimited.Inc()
			// Jittered Retry-After so a stampede of clients does not
			// come back in the same second.
			w.Header().Set("Retry-After", strconv.Itoa(1+rand.Intn(2)))
			a.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// --- response envelope ---

type apiResponse struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{OK: true, Data: data}); err != nil {
		a.log.Debug("write response", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{OK: false, Error: msg})
}

// writeStoreError maps store failures onto HTTP statuses. Conflicts are
// expected under concurrency and stay out of the error log.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	var conflict *store.StateConflictError
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &conflict):
		a.writeError(w, http.StatusConflict, conflict.Error())
	case errors.Is(err, manager.ErrManifestDisabled):
		a.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		a.log.Error("request failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// --- request helpers ---

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad id %q", r.PathValue("id"))
	}
	return id, nil
}

func queryLimit(r *http.Request, def int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}

// --- health ---

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.st.Ping(r.Context()); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"leader": a.elector.IsLeader(),
		"holder": a.elector.Holder(),
	})
}

// --- manifests ---

func (a *API) handleListManifests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ManifestFilter{Limit: queryLimit(r, 100)}
	if s := q.Get("group"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "bad group id")
			return
		}
		f.GroupID = &id
	}
	if s := q.Get("enabled"); s != "" {
		enabled, err := strconv.ParseBool(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "enabled must be true or false")
			return
		}
		f.Enabled = &enabled
	}
	if s := q.Get("schedule"); s != "" {
		st, err := store.ParseScheduleType(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.ScheduleType = &st
	}
	manifests, err := a.st.ListManifests(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, manifests)
}

func (a *API) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.st.GetManifest(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}

func (a *API) handleEnableManifest(w http.ResponseWriter, r *http.Request) {
	a.setManifestEnabled(w, r, true)
}

func (a *API) handleDisableManifest(w http.ResponseWriter, r *http.Request) {
	a.setManifestEnabled(w, r, false)
}

func (a *API) setManifestEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	// The note is optional; an empty body is fine.
	json.NewDecoder(r.Body).Decode(&body)

	if err := a.st.SetManifestEnabled(r.Context(), id, enabled, body.Note); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.log.Info("manifest toggled", zap.Int64("manifest_id", id), zap.Bool("enabled", enabled))
	a.writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (a *API) handleTriggerManifest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.st.GetManifest(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	// A non-empty body overrides the manifest's stored input for this
	// one run. It must be valid JSON; decoding is deferred to dispatch.
	var inputOverride *string
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(raw) > 0 {
		if !json.Valid(raw) {
			a.writeError(w, http.StatusBadRequest, "input override must be valid JSON")
			return
		}
		s := string(raw)
		inputOverride = &s
	}

	workID, err := a.manager.TriggerAsync(r.Context(), m.ExternalID, inputOverride)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"work_queue_id": workID})
}

func (a *API) handleManifestRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.st.GetManifest(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	runs, err := a.st.ListMetadata(r.Context(), store.MetadataFilter{
		ManifestID: &id,
		Limit:      queryLimit(r, 50),
	})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, runs)
}

// --- runs ---

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MetadataFilter{Limit: queryLimit(r, 100)}
	if s := q.Get("state"); s != "" {
		state, err := store.ParseWorkflowState(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.States = []store.WorkflowState{state}
	}
	if s := q.Get("manifest"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "bad manifest id")
			return
		}
		f.ManifestID = &id
	}
	if s := q.Get("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		f.Since = &since
	}
	runs, err := a.st.ListMetadata(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	md, err := a.st.GetMetadata(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, md)
}

func (a *API) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.disp.CancelRun(r.Context(), id); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": store.StateCancelled.String()})
}

// --- queue & groups ---

func (a *API) handleListQueue(w http.ResponseWriter, r *http.Request) {
	f := store.WorkQueueFilter{Limit: queryLimit(r, 100)}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := store.ParseWorkQueueStatus(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = &status
	}
	rows, err := a.st.ListWorkQueue(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := a.st.ListManifestGroups(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, groups)
}

// --- dead letters ---

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	f := store.DeadLetterFilter{Limit: queryLimit(r, 100)}
	if s := r.URL.Query().Get("status"); s != "" {
		status, err := store.ParseDeadLetterStatus(s)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = &status
	}
	letters, err := a.st.ListDeadLetters(r.Context(), f)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, letters)
}

func (a *API) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, note, ok := a.deadLetterAction(w, r)
	if !ok {
		return
	}
	if err := a.manager.RetryDeadLetter(r.Context(), id, note); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": store.DeadLetterRetried.String()})
}

func (a *API) handleAckDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, note, ok := a.deadLetterAction(w, r)
	if !ok {
		return
	}
	if err := a.manager.AcknowledgeDeadLetter(r.Context(), id, note); err != nil {
		a.writeStoreError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": store.DeadLetterAcknowledged.String()})
}

func (a *API) deadLetterAction(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return 0, "", false
	}
	var body struct {
		Note string `json:"note"`
	}
	json.NewDecoder(r.Body).Decode(&body)
	return id, body.Note, true
}
