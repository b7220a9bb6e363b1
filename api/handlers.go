/*
handlers.go - HTTP API handlers for the fleet engine

PURPOSE:
  Exposes the fleet service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to fleet.Service.

ENDPOINTS:
  Entities:
    GET    /api/entities                 List entities (?active=true)
    POST   /api/entities                 Register a unit or attachment
    GET    /api/entities/{id}            Entity with denormalized status
    GET    /api/entities/{id}/state      Derived state (?at=)
    GET    /api/entities/{id}/events     Timeline (?from=&to=)
    POST   /api/entities/{id}/sync       Reconcile one status

  Events:
    POST   /api/events                   Submit an event
    GET    /api/events/pending           Events awaiting approval
    GET    /api/events/{id}              One event
    POST   /api/events/{id}/approve      pending → approved
    POST   /api/events/{id}/reject       pending → rejected

  Operations:
    POST   /api/sync                     Reconcile every active entity
    GET    /api/sync/runs                Scheduled reconciliation history
    GET    /api/retries                  Retry queue (?status=)
    GET    /api/audit                    Audit records (?entity_id=&actor_id=)
    GET    /api/changes                  Change feed (?since=)

  Demo:
    GET    /api/scenarios                Available scenarios
    GET    /api/scenarios/current        Most recently loaded scenario
    POST   /api/scenarios/load           Load a scenario

ERROR HANDLING:
  Engine errors are returned as {success, code, message, retryable}:
  - 400: Validation errors, invalid input
  - 403: Event already approved or rejected
  - 404: Event or entity not found
  - 409: State inconsistency in the correction chain
  - 503: Store or collaborator unavailable, safe to retry

  An event refused by the validator is not an error: submit answers
  200 with {valid: false, reason}.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/fleet-engine/fleet"
	"go.uber.org/zap"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service   *fleet.Service
	Scheduler *SyncScheduler // optional, nil when periodic sync is off
	Logger    *zap.Logger

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler for the given service.
func NewHandler(svc *fleet.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

// =============================================================================
// ENTITY HANDLERS
// =============================================================================

// ListEntities returns registered entities.
// GET /api/entities
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	entities, err := h.Service.Entities(r.Context(), activeOnly)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	dtos := make([]EntityDTO, len(entities))
	for i, e := range entities {
		dtos[i] = toEntityDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterEntity registers a unit or attachment.
// POST /api/entities
func (h *Handler) RegisterEntity(w http.ResponseWriter, r *http.Request) {
	var req RegisterEntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}
	rec, err := h.Service.RegisterEntity(r.Context(), fleet.EntityRecord{
		ID:            fleet.EntityID(req.ID),
		Name:          req.Name,
		Kind:          fleet.EntityKind(req.Kind),
		EquipmentType: req.EquipmentType,
		Active:        active,
	})
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntityDTO(*rec))
}

// GetEntity returns an entity with its denormalized status.
// GET /api/entities/{id}
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	id := fleet.EntityID(chi.URLParam(r, "id"))

	rec, err := h.Service.Entity(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEntityDTO(*rec))
}

// GetState replays the entity's timeline.
// GET /api/entities/{id}/state?at=2025-03-15
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	id := fleet.EntityID(chi.URLParam(r, "id"))

	var at *time.Time
	if s := r.URL.Query().Get("at"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid at parameter", err)
			return
		}
		at = &t
	}

	st, err := h.Service.DerivedState(r.Context(), id, at)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// GetEvents returns the entity's timeline within a date range.
// GET /api/entities/{id}/events?from=&to=
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id := fleet.EntityID(chi.URLParam(r, "id"))

	from := time.Time{}
	to := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	if s := r.URL.Query().Get("from"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from parameter", err)
			return
		}
		from = t
	}
	if s := r.URL.Query().Get("to"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to parameter", err)
			return
		}
		to = fleet.EndOfDay(t)
	}

	if _, err := h.Service.Entity(r.Context(), id); err != nil {
		h.writeFailure(w, err)
		return
	}
	events, err := h.Service.Events(r.Context(), id, from, to)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// SyncEntity reconciles the entity's denormalized status.
// POST /api/entities/{id}/sync
func (h *Handler) SyncEntity(w http.ResponseWriter, r *http.Request) {
	id := fleet.EntityID(chi.URLParam(r, "id"))

	res, err := h.Service.SyncEntity(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

// SubmitEvent validates and appends an event.
// POST /api/events
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req SubmitEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ev, err := req.ToEvent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, fleet.Outcome{
			Success: false,
			Code:    fleet.ErrInvalidEvent.Code,
			Message: err.Error(),
		})
		return
	}

	actor := req.ActorID
	if actor == "" {
		actor = "admin"
	}

	res, err := h.Service.Submit(r.Context(), ev, actor)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	resp := SubmitEventResponse{Valid: res.Valid, Reason: res.Reason}
	status := http.StatusOK
	if res.Event != nil {
		dto := toEventDTO(*res.Event)
		resp.Event = &dto
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// ListPending returns events awaiting approval.
// GET /api/events/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.Pending(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventDTOs(events))
}

// GetEvent returns a single event.
// GET /api/events/{id}
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := fleet.EventID(chi.URLParam(r, "id"))

	ev, err := h.Service.Event(r.Context(), id)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toEventDTO(*ev))
}

// ApproveEvent approves a pending event.
// POST /api/events/{id}/approve
func (h *Handler) ApproveEvent(w http.ResponseWriter, r *http.Request) {
	id := fleet.EventID(chi.URLParam(r, "id"))

	var req ApproveRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.ApproverID == "" {
		req.ApproverID = "admin"
	}

	ev, err := h.Service.Approve(r.Context(), id, req.ApproverID)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	dto := toEventDTO(*ev)
	writeJSON(w, http.StatusOK, ActionResponse{
		Outcome: fleet.OutcomeOf(nil, "event approved"),
		Event:   &dto,
	})
}

// RejectEvent rejects a pending event.
// POST /api/events/{id}/reject
func (h *Handler) RejectEvent(w http.ResponseWriter, r *http.Request) {
	id := fleet.EventID(chi.URLParam(r, "id"))

	var req RejectRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.ApproverID == "" {
		req.ApproverID = "admin"
	}

	ev, err := h.Service.Reject(r.Context(), id, req.ApproverID, req.Reason)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	dto := toEventDTO(*ev)
	writeJSON(w, http.StatusOK, ActionResponse{
		Outcome: fleet.OutcomeOf(nil, "event rejected"),
		Event:   &dto,
	})
}

// =============================================================================
// OPERATIONS
// =============================================================================

// SyncAll reconciles every active entity.
// POST /api/sync
func (h *Handler) SyncAll(w http.ResponseWriter, r *http.Request) {
	res, err := h.Service.SyncAll(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// SyncRunsResponse describes the periodic reconciliation.
type SyncRunsResponse struct {
	Enabled         bool      `json:"enabled"`
	IntervalSeconds int       `json:"interval_seconds,omitempty"`
	NextRun         string    `json:"next_run,omitempty"`
	Runs            []SyncRun `json:"runs"`
}

// SyncRuns returns the scheduler's recent runs.
// GET /api/sync/runs
func (h *Handler) SyncRuns(w http.ResponseWriter, r *http.Request) {
	if h.Scheduler == nil || !h.Scheduler.Enabled {
		writeJSON(w, http.StatusOK, SyncRunsResponse{Runs: []SyncRun{}})
		return
	}

	writeJSON(w, http.StatusOK, SyncRunsResponse{
		Enabled:         true,
		IntervalSeconds: int(h.Scheduler.CheckInterval / time.Second),
		NextRun:         h.Scheduler.GetNextRunTime().Format(time.RFC3339),
		Runs:            h.Scheduler.Runs(),
	})
}

// ListRetries returns the retry queue.
// GET /api/retries?status=pending
func (h *Handler) ListRetries(w http.ResponseWriter, r *http.Request) {
	status := fleet.RetryStatus(r.URL.Query().Get("status"))

	recs, err := h.Service.Retries(r.Context(), status)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recs)
}

// ListAudit returns audit records.
// GET /api/audit?entity_id=&actor_id=
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fleet.AuditFilter{
		EntityID: q.Get("entity_id"),
		ActorID:  q.Get("actor_id"),
	}
	if filter.EntityID != "" {
		filter.Entity = "event"
	}

	recs, err := h.Service.Audit(r.Context(), filter)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	writeJSON(w, http.StatusOK, recs)
}

// ListChanges polls the change feed.
// GET /api/changes?since=42
func (h *Handler) ListChanges(w http.ResponseWriter, r *http.Request) {
	if h.Service.Feed == nil {
		writeJSON(w, http.StatusOK, fleet.ChangePage{Changes: []fleet.Change{}})
		return
	}

	var since uint64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since parameter", err)
			return
		}
		since = n
	}

	writeJSON(w, http.StatusOK, h.Service.Feed.Since(since))
}

// =============================================================================
// HELPERS
// =============================================================================

// ErrorResponse is the body of transport-level failures (bad JSON, bad
// query parameters).
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFailure maps an engine error to its HTTP status and Outcome body.
func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Warn("request failed", zap.Error(err))
	}
	writeJSON(w, status, fleet.OutcomeOf(err, ""))
}

func statusFor(err error) int {
	switch fleet.Classify(err).Class {
	case fleet.ClassValidation:
		return http.StatusBadRequest
	case fleet.ClassPermission:
		return http.StatusForbidden
	case fleet.ClassNotFound:
		return http.StatusNotFound
	case fleet.ClassStateInconsistency:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}
