/*
handlers_test.go - Unit tests for API handlers

Tests for:
- Submission, including validator refusals
- Approval lifecycle and status mapping of engine errors
- Derived state and timeline queries
- Rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-engine/fleet"
	"github.com/warp/fleet-engine/fleet/store"
)

var today = time.Date(2025, time.March, 20, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T) (http.Handler, *fleet.Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	svc := fleet.NewService(mem.Stores(), fleet.Options{
		Clock: fleet.Fixed(today),
		Feed:  fleet.NewChangeFeed(64),
	})
	ctx := context.Background()
	for _, rec := range []fleet.EntityRecord{
		{ID: "U", Name: "Excavator", Kind: fleet.KindUnit, Active: true},
		{ID: "X", Name: "Breaker", Kind: fleet.KindAttachment, Active: true},
	} {
		_, err := svc.RegisterEntity(ctx, rec)
		require.NoError(t, err)
	}
	return NewRouter(NewHandler(svc, nil), RouterOptions{}), svc, mem
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitEvent_Created(t *testing.T) {
	// GIVEN: A registered unit
	h, _, mem := newTestServer(t)

	// WHEN: Submitting an allocation start
	rec := do(t, h, http.MethodPost, "/api/events", SubmitEventRequest{
		EntityID:  "U",
		EventType: "start_allocation",
		EventDate: "2025-03-01",
		SiteID:    "S1",
		EndDate:   "2025-03-30",
		ActorID:   "dispatcher",
	})

	// THEN: The event is created approved and the status synced
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decode[SubmitEventResponse](t, rec)
	assert.True(t, resp.Valid)
	require.NotNil(t, resp.Event)
	assert.Equal(t, "approved", resp.Event.Status)
	assert.Equal(t, "dispatcher", resp.Event.CreatedBy)

	status, err := mem.GetStatus(context.Background(), "U")
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, status.Status)
}

func TestSubmitEvent_RefusedIsNotAnError(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/events", SubmitEventRequest{
		EntityID:  "U",
		EventType: "end_allocation",
		EventDate: "2025-03-03",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SubmitEventResponse](t, rec)
	assert.False(t, resp.Valid)
	assert.NotEmpty(t, resp.Reason)
	assert.Nil(t, resp.Event)
}

func TestSubmitEvent_BadInput(t *testing.T) {
	h, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed json", "not an object", http.StatusBadRequest},
		{"unknown type", SubmitEventRequest{EntityID: "U", EventType: "teleport", EventDate: "2025-03-01"}, http.StatusBadRequest},
		{"bad date", SubmitEventRequest{EntityID: "U", EventType: "downtime_start", EventDate: "March 1"}, http.StatusBadRequest},
		{"unknown entity", SubmitEventRequest{EntityID: "ghost", EventType: "downtime_start", EventDate: "2025-03-01"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/api/events", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestApproveEvent_Lifecycle(t *testing.T) {
	// GIVEN: A pending refueling
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/events", map[string]any{
		"entity_id":  "U",
		"event_type": "refueling",
		"event_date": "2025-03-02",
		"quantity":   "80.5",
		"unit":       "L",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[SubmitEventResponse](t, rec)
	require.Equal(t, "pending", created.Event.Status)
	path := "/api/events/" + created.Event.ID

	pendingRec := do(t, h, http.MethodGet, "/api/events/pending", nil)
	assert.Len(t, decode[[]EventDTO](t, pendingRec), 1)

	// WHEN: Approving it
	rec = do(t, h, http.MethodPost, path+"/approve", ApproveRequest{ApproverID: "manager"})

	// THEN: The outcome is a success
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ActionResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, "approved", resp.Event.Status)
	assert.Equal(t, "manager", resp.Event.ApprovedBy)

	// AND: A second decision is forbidden
	rec = do(t, h, http.MethodPost, path+"/reject", RejectRequest{ApproverID: "other", Reason: "late"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	outcome := decode[fleet.Outcome](t, rec)
	assert.False(t, outcome.Success)
	assert.Equal(t, "E_ALREADY_PROCESSED", outcome.Code)
	assert.False(t, outcome.Retryable)

	// AND: The derived state carries the refueling
	rec = do(t, h, http.MethodGet, "/api/entities/U/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[fleet.DerivedState](t, rec)
	require.NotNil(t, st.LastRefueling)
	assert.Equal(t, "80.5", st.LastRefueling.Quantity.String())
}

func TestRejectEvent_ReasonRequired(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/events", map[string]any{
		"entity_id": "U", "event_type": "refueling", "event_date": "2025-03-02", "quantity": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[SubmitEventResponse](t, rec).Event.ID

	rec = do(t, h, http.MethodPost, "/api/events/"+id+"/reject", RejectRequest{ApproverID: "manager"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "E_REASON_REQUIRED", decode[fleet.Outcome](t, rec).Code)
}

func TestApproveEvent_NotFound(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/events/nope/approve", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "E_EVENT_NOT_FOUND", decode[fleet.Outcome](t, rec).Code)
}

func TestGetState_AsOf(t *testing.T) {
	// GIVEN: An allocation on day 1 ended on day 10
	h, svc, _ := newTestServer(t)
	ctx := context.Background()
	for _, ev := range []fleet.Event{
		{EntityID: "U", EventDate: today.AddDate(0, 0, -19), Payload: fleet.AllocationStart{SiteID: "S1"}},
		{EntityID: "U", EventDate: today.AddDate(0, 0, -10), Payload: fleet.AllocationEnd{}},
	} {
		res, err := svc.Submit(ctx, ev, "dispatcher")
		require.NoError(t, err)
		require.True(t, res.Valid, res.Reason)
	}

	// WHEN/THEN: Day 5 shows the allocation, today shows none
	rec := do(t, h, http.MethodGet, "/api/entities/U/state?at=2025-03-05", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fleet.StateAllocated, decode[fleet.DerivedState](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/api/entities/U/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fleet.StateAvailable, decode[fleet.DerivedState](t, rec).Status)

	rec = do(t, h, http.MethodGet, "/api/entities/U/events?from=2025-03-02", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]EventDTO](t, rec), 1)

	rec = do(t, h, http.MethodGet, "/api/entities/U/state?at=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetState_InconsistentIsConflict(t *testing.T) {
	h, _, mem := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, mem.Append(ctx, fleet.Event{
		ID: "c1", EntityID: "U", EventDate: today.AddDate(0, 0, -2), Status: fleet.StatusApproved,
		Payload: fleet.Correction{TargetID: "missing"}, CreatedAt: today,
	}))

	rec := do(t, h, http.MethodGet, "/api/entities/U/state", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "E_STATE_INCONSISTENT", decode[fleet.Outcome](t, rec).Code)
}

func TestEntities_RegisterAndList(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/entities", RegisterEntityRequest{ID: "U2", Name: "Crane", Kind: "unit"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, fleet.StateAvailable, decode[EntityDTO](t, rec).Status.Status)

	rec = do(t, h, http.MethodPost, "/api/entities", RegisterEntityRequest{ID: "U2", Kind: "unit"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/entities", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]EntityDTO](t, rec), 3)

	rec = do(t, h, http.MethodGet, "/api/entities/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSync_EndpointsAndFeed(t *testing.T) {
	h, _, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/api/events", SubmitEventRequest{
		EntityID: "U", EventType: "extension_attach", EventDate: "2025-03-04", ExtensionID: "X",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/entities/X/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[fleet.SyncResult](t, rec)
	assert.False(t, res.Changed)
	assert.Equal(t, fleet.StateAttached, res.Status.Status)
	assert.Equal(t, fleet.EntityID("U"), res.Status.CurrentMachineID)

	rec = do(t, h, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decode[fleet.SyncAllResult](t, rec)
	assert.Equal(t, 2, all.Synced)
	assert.Empty(t, all.Errors)

	rec = do(t, h, http.MethodGet, "/api/changes?since=0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[fleet.ChangePage](t, rec)
	require.Len(t, page.Changes, 1)
	assert.ElementsMatch(t, []fleet.EntityID{"U", "X"}, page.Changes[0].EntityIDs)

	rec = do(t, h, http.MethodGet, "/api/changes?since=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditAndRetries(t *testing.T) {
	h, _, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/api/events", SubmitEventRequest{
		EntityID: "U", EventType: "downtime_start", EventDate: "2025-03-04", Reason: "engine", ActorID: "mechanic",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode[SubmitEventResponse](t, rec).Event.ID

	rec = do(t, h, http.MethodGet, "/api/audit?entity_id="+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decode[[]fleet.AuditRecord](t, rec)
	require.Len(t, audit, 1)
	assert.Equal(t, fleet.AuditEventSubmitted, audit[0].Action)

	rec = do(t, h, http.MethodGet, "/api/retries?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]fleet.RetryRecord](t, rec))
}

func TestRateLimit(t *testing.T) {
	_, svc, _ := newTestServer(t)
	h := NewRouter(NewHandler(svc, nil), RouterOptions{RateLimit: 0.001, Burst: 2})

	codes := make([]int, 3)
	for i := range codes {
		codes[i] = do(t, h, http.MethodGet, "/api/entities", nil).Code
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPLimiter_EvictsIdleClients(t *testing.T) {
	// GIVEN: A limiter whose buckets expire after a short idle period
	l := newIPLimiter(0, 1, 20*time.Millisecond)
	require.True(t, l.get("10.0.0.1").Allow())
	require.False(t, l.get("10.0.0.1").Allow())
	l.get("10.0.0.2")

	// WHEN: The clients stay quiet past the idle period
	time.Sleep(50 * time.Millisecond)
	l.ips.DeleteExpired()

	// THEN: Their buckets are gone and a returning client starts fresh
	assert.Zero(t, l.ips.ItemCount())
	assert.True(t, l.get("10.0.0.1").Allow())
	assert.Equal(t, 1, l.ips.ItemCount())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(fleet.ErrInvalidEvent))
	assert.Equal(t, http.StatusForbidden, statusFor(fleet.ErrAlreadyProcessed))
	assert.Equal(t, http.StatusNotFound, statusFor(fleet.ErrEntityNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(fleet.ErrStateInconsistent))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.DeadlineExceeded))
}
