/*
Package sqlite provides a SQLite-backed implementation of the fleet
collaborator interfaces.

INTERFACES IMPLEMENTED:
  fleet.EventLog:              Append-only event log
  fleet.EntityDirectory:       Units and attachments
  fleet.StatusStore:           Denormalized status columns on entities
  fleet.AuditLog:              audit_log table
  fleet.NotificationScheduler: scheduled_notifications table
  fleet.RetryQueue:            retry_queue table

APPEND-ONLY ENFORCEMENT:
  - No DELETE statements on the events table
  - The only UPDATE on events is the conditional status transition:
      UPDATE events SET status = ? ... WHERE id = ? AND status = 'pending'
    Zero affected rows means someone else processed the event first.

KEY TABLES:
  events:                  Immutable log, payload stored as JSON per type
  entities:                Entity records plus the cached status projection
  audit_log:               Who did what, when, with before/after snapshots
  scheduled_notifications: allocation_due schedule, unique (event_id, kind)
  retry_queue:             Failed approve/reject actions awaiting replay

TIMESTAMPS:
  Stored as fixed-width UTC text so that string order equals time order.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety and a single connection, which also
  keeps ":memory:" databases alive across calls.

USAGE:
  store, err := sqlite.New("./data/fleet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := fleet.NewService(store.Stores(), fleet.Options{})
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/fleet-engine/fleet"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all fleet storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Stores returns a fleet.Stores backed by s. The retry queue can be
// replaced by another backend afterwards.
func (s *Store) Stores() fleet.Stores {
	return fleet.Stores{
		Log:           s,
		Entities:      s,
		Status:        s,
		Audit:         s,
		Notifications: s,
		Retries:       s,
	}
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Events (append-only, status is the only mutable column)
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		extension_id TEXT,
		corrects_event_id TEXT,
		event_date TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		approved_by TEXT,
		approved_at TEXT,
		rejection_reason TEXT,
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Timeline replay (hot path)
	CREATE INDEX IF NOT EXISTS idx_events_entity_date
		ON events(entity_id, event_date, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_extension
		ON events(extension_id) WHERE extension_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_corrects
		ON events(corrects_event_id) WHERE corrects_event_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_events_status
		ON events(status);

	-- Entities with the denormalized status projection
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		equipment_type TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'available',
		current_site_id TEXT NOT NULL DEFAULT '',
		current_machine_id TEXT NOT NULL DEFAULT '',
		is_in_downtime BOOLEAN NOT NULL DEFAULT FALSE,
		downtime_reason TEXT NOT NULL DEFAULT '',
		synced_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entities_status
		ON entities(status);

	-- Audit log
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		action TEXT NOT NULL,
		before_json TEXT,
		after_json TEXT,
		actor_id TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity, entity_id, at);

	-- Scheduled notifications
	CREATE TABLE IF NOT EXISTS scheduled_notifications (
		event_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		due_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (event_id, kind)
	);

	-- Retry queue
	CREATE TABLE IF NOT EXISTS retry_queue (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		error_details TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_attempt_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_retry_due
		ON retry_queue(status, next_attempt_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// EVENT LOG (fleet.EventLog interface)
// =============================================================================

const eventColumns = `
	id, entity_id, event_type, event_date, payload_json, notes, status,
	approved_by, approved_at, rejection_reason, created_by, created_at`

// timelineFilter selects the entity's own events, the attach/detach events
// naming it, and every event correcting one of those.
const timelineFilter = `
	(entity_id = ? OR extension_id = ?
	 OR corrects_event_id IN (SELECT id FROM events WHERE entity_id = ? OR extension_id = ?))`

// Append adds an event to the log.
func (s *Store) Append(ctx context.Context, ev fleet.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := fleet.EncodePayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	query := `
		INSERT INTO events
		(id, entity_id, event_type, extension_id, corrects_event_id, event_date, payload_json,
		 notes, status, approved_by, approved_at, rejection_reason, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID,
		ev.EntityID,
		ev.Type(),
		nullString(string(ev.ExtensionID())),
		nullString(string(ev.CorrectsEventID())),
		formatTime(ev.EventDate),
		string(payload),
		ev.Notes,
		ev.Status,
		nullString(ev.ApprovedBy),
		nullTime(ev.ApprovedAt),
		nullString(ev.RejectionReason),
		ev.CreatedBy,
		formatTime(ev.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fleet.ErrInvalidEvent.WithMessagef("event %s already exists", ev.ID)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Get returns the event, or nil if it does not exist.
func (s *Store) Get(ctx context.Context, id fleet.EventID) (*fleet.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(ctx, id)
}

func (s *Store) getLocked(ctx context.Context, id fleet.EventID) (*fleet.Event, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM events WHERE id = ?", id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// History returns the entity's whole timeline, all statuses.
func (s *Store) History(ctx context.Context, entityID fleet.EntityID) ([]fleet.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + eventColumns + " FROM events WHERE " + timelineFilter + `
		ORDER BY event_date ASC, created_at ASC, id ASC`

	return s.queryEvents(ctx, query, entityID, entityID, entityID, entityID)
}

// Range returns the timeline events with from <= event_date <= to.
func (s *Store) Range(ctx context.Context, entityID fleet.EntityID, from, to time.Time) ([]fleet.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + eventColumns + " FROM events WHERE " + timelineFilter + `
		  AND event_date >= ? AND event_date <= ?
		ORDER BY event_date ASC, created_at ASC, id ASC`

	return s.queryEvents(ctx, query, entityID, entityID, entityID, entityID,
		formatTime(from), formatTime(to))
}

// Transition flips the status of a pending event. It is the only UPDATE
// ever issued against the events table.
func (s *Store) Transition(ctx context.Context, id fleet.EventID, t fleet.Transition) (*fleet.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE events
		SET status = ?, approved_by = ?, approved_at = ?, rejection_reason = ?
		WHERE id = ? AND status = 'pending'
	`

	res, err := s.db.ExecContext(ctx, query,
		t.To, t.Actor, formatTime(t.At), nullString(t.Reason), id)
	if err != nil {
		return nil, fmt.Errorf("failed to transition event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to transition event: %w", err)
	}

	ev, err := s.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fleet.ErrEventNotFound.WithMessagef("event %s does not exist", id)
	}
	if n == 0 {
		return nil, fleet.ErrAlreadyProcessed.WithMessagef("event %s is already %s", id, ev.Status)
	}
	return ev, nil
}

// Pending returns all pending events, oldest first.
func (s *Store) Pending(ctx context.Context) ([]fleet.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + eventColumns + ` FROM events
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC`

	return s.queryEvents(ctx, query)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]fleet.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []fleet.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (fleet.Event, error) {
	var (
		ev              fleet.Event
		eventType       string
		eventDate       string
		payloadJSON     string
		approvedBy      sql.NullString
		approvedAt      sql.NullString
		rejectionReason sql.NullString
		createdAt       string
	)

	err := row.Scan(
		&ev.ID, &ev.EntityID, &eventType, &eventDate, &payloadJSON, &ev.Notes, &ev.Status,
		&approvedBy, &approvedAt, &rejectionReason, &ev.CreatedBy, &createdAt,
	)
	if err == sql.ErrNoRows {
		return ev, err
	}
	if err != nil {
		return ev, fmt.Errorf("failed to scan event: %w", err)
	}

	ev.Payload, err = fleet.DecodePayload(fleet.EventType(eventType), []byte(payloadJSON))
	if err != nil {
		return ev, err
	}
	ev.EventDate = parseTime(eventDate)
	ev.CreatedAt = parseTime(createdAt)
	ev.ApprovedBy = approvedBy.String
	ev.ApprovedAt = parseNullTime(approvedAt)
	ev.RejectionReason = rejectionReason.String
	return ev, nil
}

// =============================================================================
// ENTITIES AND STATUS (fleet.EntityDirectory, fleet.StatusStore)
// =============================================================================

const entityColumns = `
	id, name, kind, equipment_type, active, created_at, status, current_site_id,
	current_machine_id, is_in_downtime, downtime_reason, synced_at`

// SaveEntity creates or updates an entity record, status included.
func (s *Store) SaveEntity(ctx context.Context, e fleet.EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			equipment_type = excluded.equipment_type,
			active = excluded.active
	`

	status := e.Status.Status
	if status == "" {
		status = fleet.StateAvailable
	}
	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.Name, e.Kind, e.EquipmentType, e.Active, formatTime(e.CreatedAt),
		status, e.Status.CurrentSiteID, e.Status.CurrentMachineID,
		e.Status.IsInDowntime, e.Status.DowntimeReason, nullTime(e.Status.SyncedAt),
	)
	return err
}

// GetEntity returns nil if the entity is not registered.
func (s *Store) GetEntity(ctx context.Context, id fleet.EntityID) (*fleet.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListEntities returns entities ordered by id.
func (s *Store) ListEntities(ctx context.Context, activeOnly bool) ([]fleet.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + entityColumns + " FROM entities"
	if activeOnly {
		query += " WHERE active = TRUE"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entities := []fleet.EntityRecord{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(row scanner) (fleet.EntityRecord, error) {
	var (
		e         fleet.EntityRecord
		createdAt string
		syncedAt  sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Name, &e.Kind, &e.EquipmentType, &e.Active, &createdAt,
		&e.Status.Status, &e.Status.CurrentSiteID, &e.Status.CurrentMachineID,
		&e.Status.IsInDowntime, &e.Status.DowntimeReason, &syncedAt,
	)
	if err != nil {
		return e, err
	}
	e.CreatedAt = parseTime(createdAt)
	e.Status.SyncedAt = parseNullTime(syncedAt)
	return e, nil
}

// GetStatus returns the cached projection of an entity.
func (s *Store) GetStatus(ctx context.Context, id fleet.EntityID) (fleet.DenormalizedStatus, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return fleet.DenormalizedStatus{}, err
	}
	if e == nil {
		return fleet.DenormalizedStatus{}, fleet.ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	return e.Status, nil
}

// PutStatus overwrites the cached projection.
func (s *Store) PutStatus(ctx context.Context, id fleet.EntityID, st fleet.DenormalizedStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE entities
		SET status = ?, current_site_id = ?, current_machine_id = ?,
		    is_in_downtime = ?, downtime_reason = ?, synced_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		st.Status, st.CurrentSiteID, st.CurrentMachineID,
		st.IsInDowntime, st.DowntimeReason, nullTime(st.SyncedAt), id)
	if err != nil {
		return fmt.Errorf("failed to write status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fleet.ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	return nil
}

// =============================================================================
// AUDIT LOG (fleet.AuditLog)
// =============================================================================

// Record appends an audit record.
func (s *Store) Record(ctx context.Context, r fleet.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := marshalNullable(r.Before)
	if err != nil {
		return err
	}
	after, err := marshalNullable(r.After)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO audit_log (id, entity, entity_id, action, before_json, after_json, actor_id, error, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.Entity, r.EntityID, r.Action, before, after, r.ActorID, r.Error, formatTime(r.At))
	return err
}

// Query returns matching audit records in chronological order.
func (s *Store) Query(ctx context.Context, f fleet.AuditFilter) ([]fleet.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.Entity != "" {
		where = append(where, "entity = ?")
		args = append(args, f.Entity)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, f.EntityID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			placeholders[i] = "?"
			args = append(args, a)
		}
		where = append(where, "action IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := "SELECT id, entity, entity_id, action, before_json, after_json, actor_id, error, at FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []fleet.AuditRecord{}
	for rows.Next() {
		var (
			r             fleet.AuditRecord
			before, after sql.NullString
			at            string
		)
		if err := rows.Scan(&r.ID, &r.Entity, &r.EntityID, &r.Action, &before, &after, &r.ActorID, &r.Error, &at); err != nil {
			return nil, err
		}
		if before.Valid {
			json.Unmarshal([]byte(before.String), &r.Before)
		}
		if after.Valid {
			json.Unmarshal([]byte(after.String), &r.After)
		}
		r.At = parseTime(at)
		records = append(records, r)
	}
	return records, rows.Err()
}

// =============================================================================
// NOTIFICATIONS (fleet.NotificationScheduler)
// =============================================================================

func (s *Store) UpsertNotification(ctx context.Context, n fleet.ScheduledNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO scheduled_notifications (event_id, kind, entity_id, due_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id, kind) DO UPDATE SET
			entity_id = excluded.entity_id,
			due_at = excluded.due_at,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		n.EventID, n.Kind, n.EntityID, formatTime(n.DueAt), formatTime(n.UpdatedAt))
	return err
}

func (s *Store) DeleteNotification(ctx context.Context, eventID fleet.EventID, kind fleet.NotificationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM scheduled_notifications WHERE event_id = ? AND kind = ?", eventID, kind)
	return err
}

func (s *Store) GetNotification(ctx context.Context, eventID fleet.EventID, kind fleet.NotificationKind) (*fleet.ScheduledNotification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		n              fleet.ScheduledNotification
		due, updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT event_id, kind, entity_id, due_at, updated_at FROM scheduled_notifications WHERE event_id = ? AND kind = ?",
		eventID, kind,
	).Scan(&n.EventID, &n.Kind, &n.EntityID, &due, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n.DueAt = parseTime(due)
	n.UpdatedAt = parseTime(updatedAt)
	return &n, nil
}

// =============================================================================
// RETRY QUEUE (fleet.RetryQueue)
// =============================================================================

const retryColumns = `
	id, event_id, actor_id, action_type, reason, error_details, status,
	retry_count, max_retries, next_attempt_at, created_at, updated_at`

func (s *Store) Enqueue(ctx context.Context, r fleet.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT INTO retry_queue (` + retryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.EventID, r.ActorID, r.Action, r.Reason, r.ErrorDetails, r.Status,
		r.RetryCount, r.MaxRetries, formatTime(r.NextAttemptAt),
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	return nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]fleet.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + retryColumns + ` FROM retry_queue
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT ?`
	return s.queryRetries(ctx, query, formatTime(now), limit)
}

func (s *Store) UpdateRetry(ctx context.Context, r fleet.RetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		UPDATE retry_queue
		SET error_details = ?, status = ?, retry_count = ?, max_retries = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		r.ErrorDetails, r.Status, r.RetryCount, r.MaxRetries,
		formatTime(r.NextAttemptAt), formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update retry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("retry %s not found", r.ID)
	}
	return nil
}

func (s *Store) ListRetries(ctx context.Context, status fleet.RetryStatus) ([]fleet.RetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if status == "" {
		return s.queryRetries(ctx, "SELECT "+retryColumns+" FROM retry_queue ORDER BY created_at ASC")
	}
	return s.queryRetries(ctx,
		"SELECT "+retryColumns+" FROM retry_queue WHERE status = ? ORDER BY created_at ASC", status)
}

func (s *Store) queryRetries(ctx context.Context, query string, args ...any) ([]fleet.RetryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []fleet.RetryRecord{}
	for rows.Next() {
		var (
			r                             fleet.RetryRecord
			nextAttempt, created, updated string
		)
		if err := rows.Scan(
			&r.ID, &r.EventID, &r.ActorID, &r.Action, &r.Reason, &r.ErrorDetails, &r.Status,
			&r.RetryCount, &r.MaxRetries, &nextAttempt, &created, &updated,
		); err != nil {
			return nil, err
		}
		r.NextAttemptAt = parseTime(nextAttempt)
		r.CreatedAt = parseTime(created)
		r.UpdatedAt = parseTime(updated)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func marshalNullable(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode audit snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
