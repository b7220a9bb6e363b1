/*
store.go - Interfaces of the collaborators the engine talks to

PURPOSE:
  The engine owns the replay, admission and approval logic. Everything
  that persists or delivers data sits behind the interfaces below so the
  same engine runs against SQLite, Redis or in-memory stores.

KEY INTERFACES:
  EventLog:              Append-only event store, status-only transitions
  EntityDirectory:       Registered units and attachments
  StatusStore:           Denormalized status cached on entity records
  AuditLog:              "Record this fact" sink
  NotificationScheduler: allocation_due schedule keyed by (event, kind)
  RetryQueue:            Durable queue of failed approve/reject actions
  DowntimeLookup:        Resolves the open downtime of an entity

APPEND-ONLY CONTRACT:
  EventLog has no Update or Delete. The single mutation is Transition,
  which moves an event out of pending atomically. A Transition on an event
  that is no longer pending returns ErrAlreadyProcessed.

IMPLEMENTATIONS:
  - fleet/store/memory.go: In-memory, for tests and local runs
  - store/sqlite/sqlite.go: SQLite
  - store/redisq/redisq.go: Redis-backed RetryQueue
*/
package fleet

import (
	"context"
	"time"
)

// =============================================================================
// EVENT LOG - Append-only
// =============================================================================

// Transition describes a lifecycle move out of pending.
type Transition struct {
	To     EventStatus
	Actor  string
	At     time.Time
	Reason string // rejection reason, empty on approval
}

type EventLog interface {
	// Append persists a new event. The ID must be unique.
	Append(ctx context.Context, ev Event) error

	// Get returns the event, or nil if it does not exist.
	Get(ctx context.Context, id EventID) (*Event, error)

	// History returns every event on the entity's timeline (events owned
	// by the entity and attach/detach events naming it as the extension),
	// all statuses, ordered by (event_date, created_at).
	History(ctx context.Context, entityID EntityID) ([]Event, error)

	// Range returns the timeline events with from <= event_date <= to.
	Range(ctx context.Context, entityID EntityID, from, to time.Time) ([]Event, error)

	// Transition moves a pending event to t.To. It is a conditional update:
	// ErrAlreadyProcessed if the event is not pending, ErrEventNotFound if
	// it does not exist.
	Transition(ctx context.Context, id EventID, t Transition) (*Event, error)

	// Pending returns all pending events, oldest first.
	Pending(ctx context.Context) ([]Event, error)
}

// =============================================================================
// ENTITIES AND DENORMALIZED STATUS
// =============================================================================

// DenormalizedStatus is the cached projection of DerivedState kept on the
// entity record. It is never authoritative.
type DenormalizedStatus struct {
	Status           State      `json:"status"`
	CurrentSiteID    SiteID     `json:"current_site_id,omitempty"`
	CurrentMachineID EntityID   `json:"current_machine_id,omitempty"`
	IsInDowntime     bool       `json:"is_in_downtime"`
	DowntimeReason   string     `json:"downtime_reason,omitempty"`
	SyncedAt         *time.Time `json:"synced_at,omitempty"`
}

// SameProjection compares everything but SyncedAt.
func (d DenormalizedStatus) SameProjection(o DenormalizedStatus) bool {
	return d.Status == o.Status &&
		d.CurrentSiteID == o.CurrentSiteID &&
		d.CurrentMachineID == o.CurrentMachineID &&
		d.IsInDowntime == o.IsInDowntime &&
		d.DowntimeReason == o.DowntimeReason
}

type EntityRecord struct {
	ID            EntityID
	Name          string
	Kind          EntityKind
	EquipmentType string
	Active        bool
	CreatedAt     time.Time
	Status        DenormalizedStatus
}

type EntityDirectory interface {
	SaveEntity(ctx context.Context, e EntityRecord) error
	// GetEntity returns nil if the entity is not registered.
	GetEntity(ctx context.Context, id EntityID) (*EntityRecord, error)
	ListEntities(ctx context.Context, activeOnly bool) ([]EntityRecord, error)
}

type StatusStore interface {
	// GetStatus returns ErrEntityNotFound for unknown entities.
	GetStatus(ctx context.Context, id EntityID) (DenormalizedStatus, error)
	PutStatus(ctx context.Context, id EntityID, status DenormalizedStatus) error
}

// =============================================================================
// AUDIT LOG - Separate from the event log, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditEventSubmitted AuditAction = "event_submitted"
	AuditEventApproved  AuditAction = "event_approved"
	AuditEventRejected  AuditAction = "event_rejected"
	AuditApproveFailed  AuditAction = "approve_failed"
	AuditRejectFailed   AuditAction = "reject_failed"
	AuditSyncFailed     AuditAction = "sync_failed"
	AuditScheduleFailed AuditAction = "notification_failed"
	AuditRetrySucceeded AuditAction = "retry_succeeded"
	AuditRetryExhausted AuditAction = "retry_exhausted"
)

type AuditRecord struct {
	ID       string         `json:"id"`
	Entity   string         `json:"entity"` // "event"
	EntityID string         `json:"entity_id"`
	Action   AuditAction    `json:"action"`
	Before   map[string]any `json:"before,omitempty"`
	After    map[string]any `json:"after,omitempty"`
	ActorID  string         `json:"actor_id"`
	Error    string         `json:"error,omitempty"`
	At       time.Time      `json:"at"`
}

type AuditFilter struct {
	Entity   string
	EntityID string
	ActorID  string
	Actions  []AuditAction
}

// Matches reports whether r passes the filter. Shared by store adapters
// that filter in memory.
func (f AuditFilter) Matches(r AuditRecord) bool {
	if f.Entity != "" && r.Entity != f.Entity {
		return false
	}
	if f.EntityID != "" && r.EntityID != f.EntityID {
		return false
	}
	if f.ActorID != "" && r.ActorID != f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		for _, a := range f.Actions {
			if a == r.Action {
				return true
			}
		}
		return false
	}
	return true
}

type AuditLog interface {
	Record(ctx context.Context, r AuditRecord) error
	Query(ctx context.Context, f AuditFilter) ([]AuditRecord, error)
}

// =============================================================================
// NOTIFICATION SCHEDULE
// =============================================================================

type NotificationKind string

const NotificationAllocationDue NotificationKind = "allocation_due"

type ScheduledNotification struct {
	EventID   EventID
	Kind      NotificationKind
	EntityID  EntityID
	DueAt     time.Time
	UpdatedAt time.Time
}

type NotificationScheduler interface {
	UpsertNotification(ctx context.Context, n ScheduledNotification) error
	// DeleteNotification is a no-op when nothing is scheduled.
	DeleteNotification(ctx context.Context, eventID EventID, kind NotificationKind) error
	GetNotification(ctx context.Context, eventID EventID, kind NotificationKind) (*ScheduledNotification, error)
}

// =============================================================================
// LOOKUPS
// =============================================================================

type DowntimeLookup interface {
	// ActiveDowntime returns the approved downtime_start of the entity that
	// is open at the given instant, or nil.
	ActiveDowntime(ctx context.Context, entityID EntityID, at time.Time) (*Event, error)
}
