// Package store provides in-memory implementations of the fleet
// collaborator interfaces.
package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/fleet-engine/fleet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements EventLog, EntityDirectory, StatusStore, AuditLog,
// NotificationScheduler and RetryQueue.
type Memory struct {
	mu            sync.RWMutex
	events        map[fleet.EventID]fleet.Event
	order         []fleet.EventID // insertion order
	entities      map[fleet.EntityID]fleet.EntityRecord
	audit         []fleet.AuditRecord
	notifications map[notificationKey]fleet.ScheduledNotification
	retries       map[string]fleet.RetryRecord
	retryOrder    []string

	// StatusWrites counts PutStatus calls.
	StatusWrites int
}

type notificationKey struct {
	EventID fleet.EventID
	Kind    fleet.NotificationKind
}

func NewMemory() *Memory {
	return &Memory{
		events:        make(map[fleet.EventID]fleet.Event),
		entities:      make(map[fleet.EntityID]fleet.EntityRecord),
		notifications: make(map[notificationKey]fleet.ScheduledNotification),
		retries:       make(map[string]fleet.RetryRecord),
	}
}

// Stores returns a fleet.Stores with every collaborator backed by m.
func (m *Memory) Stores() fleet.Stores {
	return fleet.Stores{
		Log:           m,
		Entities:      m,
		Status:        m,
		Audit:         m,
		Notifications: m,
		Retries:       m,
	}
}

// =============================================================================
// EVENT LOG
// =============================================================================

// Append adds a single event. Append-only.
func (m *Memory) Append(_ context.Context, ev fleet.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.events[ev.ID]; exists {
		return fmt.Errorf("event %s already exists", ev.ID)
	}
	m.events[ev.ID] = ev
	m.order = append(m.order, ev.ID)
	return nil
}

func (m *Memory) Get(_ context.Context, id fleet.EventID) (*fleet.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (m *Memory) History(_ context.Context, entityID fleet.EntityID) ([]fleet.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timelineLocked(entityID, nil), nil
}

func (m *Memory) Range(_ context.Context, entityID fleet.EntityID, from, to time.Time) ([]fleet.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.timelineLocked(entityID, func(ev fleet.Event) bool {
		return !ev.EventDate.Before(from) && !ev.EventDate.After(to)
	}), nil
}

// timelineLocked collects the entity's own events, the attach/detach
// events naming it, and the corrections of those.
func (m *Memory) timelineLocked(entityID fleet.EntityID, keep func(fleet.Event) bool) []fleet.Event {
	onTimeline := make(map[fleet.EventID]bool)
	for _, id := range m.order {
		ev := m.events[id]
		if ev.EntityID == entityID || ev.ExtensionID() == entityID {
			onTimeline[id] = true
		}
	}

	var result []fleet.Event
	for _, id := range m.order {
		ev := m.events[id]
		if !onTimeline[id] && !onTimeline[ev.CorrectsEventID()] {
			continue
		}
		if keep != nil && !keep(ev) {
			continue
		}
		result = append(result, ev)
	}
	fleet.SortEvents(result)
	return result
}

// Transition flips the status if and only if the event is pending.
func (m *Memory) Transition(_ context.Context, id fleet.EventID, t fleet.Transition) (*fleet.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ev, ok := m.events[id]
	if !ok {
		return nil, fleet.ErrEventNotFound.WithMessagef("event %s does not exist", id)
	}
	if ev.Status != fleet.StatusPending {
		return nil, fleet.ErrAlreadyProcessed.WithMessagef("event %s is already %s", id, ev.Status)
	}

	ev.Status = t.To
	ev.ApprovedBy = t.Actor
	ev.ApprovedAt = &t.At
	if t.To == fleet.StatusRejected {
		ev.RejectionReason = t.Reason
	}
	m.events[id] = ev
	return &ev, nil
}

func (m *Memory) Pending(_ context.Context) ([]fleet.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []fleet.Event
	for _, id := range m.order {
		if ev := m.events[id]; ev.Status == fleet.StatusPending {
			result = append(result, ev)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// =============================================================================
// ENTITIES AND STATUS
// =============================================================================

func (m *Memory) SaveEntity(_ context.Context, e fleet.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

func (m *Memory) GetEntity(_ context.Context, id fleet.EntityID) (*fleet.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *Memory) ListEntities(_ context.Context, activeOnly bool) ([]fleet.EntityRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]fleet.EntityRecord, 0, len(m.entities))
	for _, e := range m.entities {
		if activeOnly && !e.Active {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) GetStatus(_ context.Context, id fleet.EntityID) (fleet.DenormalizedStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[id]
	if !ok {
		return fleet.DenormalizedStatus{}, fleet.ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	return e.Status, nil
}

func (m *Memory) PutStatus(_ context.Context, id fleet.EntityID, status fleet.DenormalizedStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[id]
	if !ok {
		return fleet.ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	e.Status = status
	m.entities[id] = e
	m.StatusWrites++
	return nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (m *Memory) Record(_ context.Context, r fleet.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, r)
	return nil
}

func (m *Memory) Query(_ context.Context, f fleet.AuditFilter) ([]fleet.AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []fleet.AuditRecord{}
	for _, r := range m.audit {
		if f.Matches(r) {
			result = append(result, r)
		}
	}
	return result, nil
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

func (m *Memory) UpsertNotification(_ context.Context, n fleet.ScheduledNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[notificationKey{n.EventID, n.Kind}] = n
	return nil
}

func (m *Memory) DeleteNotification(_ context.Context, eventID fleet.EventID, kind fleet.NotificationKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.notifications, notificationKey{eventID, kind})
	return nil
}

func (m *Memory) GetNotification(_ context.Context, eventID fleet.EventID, kind fleet.NotificationKind) (*fleet.ScheduledNotification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[notificationKey{eventID, kind}]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

// =============================================================================
// RETRY QUEUE
// =============================================================================

func (m *Memory) Enqueue(_ context.Context, r fleet.RetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.retries[r.ID]; exists {
		return fmt.Errorf("retry %s already queued", r.ID)
	}
	m.retries[r.ID] = r
	m.retryOrder = append(m.retryOrder, r.ID)
	return nil
}

func (m *Memory) Due(_ context.Context, now time.Time, limit int) ([]fleet.RetryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []fleet.RetryRecord
	for _, id := range m.retryOrder {
		r := m.retries[id]
		if r.Status == fleet.RetryPending && !r.NextAttemptAt.After(now) {
			result = append(result, r)
		}
	}
	slices.SortStableFunc(result, func(a, b fleet.RetryRecord) int {
		return a.NextAttemptAt.Compare(b.NextAttemptAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) UpdateRetry(_ context.Context, r fleet.RetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.retries[r.ID]; !exists {
		return fmt.Errorf("retry %s not found", r.ID)
	}
	m.retries[r.ID] = r
	return nil
}

func (m *Memory) ListRetries(_ context.Context, status fleet.RetryStatus) ([]fleet.RetryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []fleet.RetryRecord{}
	for _, id := range m.retryOrder {
		if r := m.retries[id]; status == "" || r.Status == status {
			result = append(result, r)
		}
	}
	return result, nil
}
