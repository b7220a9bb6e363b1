/*
approval.go - Lifecycle state machine for events

STATES:
  pending ──approve──▶ approved   (terminal)
     │
     └─────reject────▶ rejected   (terminal, reason required)

  Any other transition fails with ErrAlreadyProcessed (permission class)
  and leaves the event untouched. The log's conditional Transition makes
  the check atomic: of two concurrent approvals exactly one wins.

AFTER A SUCCESSFUL APPROVAL (best effort, never rolled back):
  1. Audit record with before/after snapshots
  2. Sync of every entity whose state the event touches
  3. allocation_due notification recalculated for the event (or for the
     event a correction amends)
  4. Change published to subscribers

FAILURES:
  Every failed attempt is audited. Connection-class failures are also
  written to the retry queue before the error is returned.

  A store may commit the status change and still report an error. The
  event is re-read before failing; if it already carries the requested
  status from the same actor, the action completes normally. A replayed
  retry that finds its own status already in place completes the same way.
*/
package fleet

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Coordinator struct {
	Log           EventLog
	Audit         AuditLog
	Notifications NotificationScheduler
	Retries       RetryQueue
	Syncer        *Syncer
	Publishers    []ChangePublisher
	Logger        *zap.Logger
	Clock         Clock
	MaxRetries    int
}

// Approve moves a pending event to approved.
func (c *Coordinator) Approve(ctx context.Context, id EventID, approverID string) (*Event, error) {
	return c.approve(ctx, id, approverID, true)
}

// Reject moves a pending event to rejected. reason must not be blank.
func (c *Coordinator) Reject(ctx context.Context, id EventID, approverID, reason string) (*Event, error) {
	return c.reject(ctx, id, approverID, reason, true)
}

// Retry replays a queued action. It never enqueues again.
func (c *Coordinator) Retry(ctx context.Context, rec RetryRecord) error {
	var err error
	switch rec.Action {
	case RetryApprove:
		_, err = c.approve(ctx, rec.EventID, rec.ActorID, false)
	case RetryReject:
		_, err = c.reject(ctx, rec.EventID, rec.ActorID, rec.Reason, false)
	default:
		err = ErrInvalidEvent.WithMessagef("unknown retry action %q", rec.Action)
	}
	return err
}

func (c *Coordinator) approve(ctx context.Context, id EventID, actor string, enqueue bool) (*Event, error) {
	before, cause := c.loadPending(ctx, id)
	if cause != nil {
		if landed := c.replayedLanding(ctx, cause, id, StatusApproved, actor, "", enqueue); landed != nil {
			return c.approved(ctx, pendingOf(*landed), *landed, actor), nil
		}
		return nil, c.fail(ctx, RetryApprove, id, actor, "", cause, enqueue)
	}

	now := c.Clock.now()
	after, err := c.Log.Transition(ctx, id, Transition{To: StatusApproved, Actor: actor, At: now})
	if err != nil {
		if after = c.landed(ctx, id, StatusApproved, actor, ""); after == nil {
			return nil, c.fail(ctx, RetryApprove, id, actor, "", asEngineError(err, "approve event %s", id), enqueue)
		}
		c.logger().Warn("transition reported an error after committing",
			zap.String("event_id", string(id)), zap.Error(err))
	}
	return c.approved(ctx, *before, *after, actor), nil
}

// approved runs everything that follows a committed approval.
func (c *Coordinator) approved(ctx context.Context, before, after Event, actor string) *Event {
	now := c.Clock.now()
	c.audit(ctx, AuditRecord{
		Entity:   "event",
		EntityID: string(after.ID),
		Action:   AuditEventApproved,
		Before:   snapshotOf(before),
		After:    snapshotOf(after),
		ActorID:  actor,
		At:       now,
	})
	affected := c.afterApproval(ctx, after)
	c.publish(ctx, Change{Action: ChangeApproved, EventID: after.ID, EntityIDs: affected, At: now})

	c.logger().Info("event approved", zap.String("event_id", string(after.ID)), zap.String("actor", actor))
	return &after
}

func (c *Coordinator) reject(ctx context.Context, id EventID, actor, reason string, enqueue bool) (*Event, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, c.fail(ctx, RetryReject, id, actor, reason, ErrReasonRequired, enqueue)
	}

	before, cause := c.loadPending(ctx, id)
	if cause != nil {
		if landed := c.replayedLanding(ctx, cause, id, StatusRejected, actor, reason, enqueue); landed != nil {
			return c.rejected(ctx, pendingOf(*landed), *landed, actor), nil
		}
		return nil, c.fail(ctx, RetryReject, id, actor, reason, cause, enqueue)
	}

	now := c.Clock.now()
	after, err := c.Log.Transition(ctx, id, Transition{To: StatusRejected, Actor: actor, At: now, Reason: reason})
	if err != nil {
		if after = c.landed(ctx, id, StatusRejected, actor, reason); after == nil {
			return nil, c.fail(ctx, RetryReject, id, actor, reason, asEngineError(err, "reject event %s", id), enqueue)
		}
		c.logger().Warn("transition reported an error after committing",
			zap.String("event_id", string(id)), zap.Error(err))
	}
	return c.rejected(ctx, *before, *after, actor), nil
}

func (c *Coordinator) rejected(ctx context.Context, before, after Event, actor string) *Event {
	now := c.Clock.now()
	c.audit(ctx, AuditRecord{
		Entity:   "event",
		EntityID: string(after.ID),
		Action:   AuditEventRejected,
		Before:   snapshotOf(before),
		After:    snapshotOf(after),
		ActorID:  actor,
		At:       now,
	})
	c.publish(ctx, Change{Action: ChangeRejected, EventID: after.ID, EntityIDs: after.TouchedEntities(), At: now})

	c.logger().Info("event rejected", zap.String("event_id", string(after.ID)), zap.String("actor", actor))
	return &after
}

// landed re-reads id after a failed transition. A store can commit the
// status change and fail afterwards; the event then already carries the
// requested status from this actor.
func (c *Coordinator) landed(ctx context.Context, id EventID, to EventStatus, actor, reason string) *Event {
	ev, err := c.Log.Get(ctx, id)
	if err != nil || ev == nil || ev.Status != to || ev.ApprovedBy != actor {
		return nil
	}
	if to == StatusRejected && ev.RejectionReason != reason {
		return nil
	}
	return ev
}

// replayedLanding applies only to retries: a queued action whose status
// flip committed before the original call failed is finished, not dropped.
func (c *Coordinator) replayedLanding(ctx context.Context, cause *Error, id EventID, to EventStatus, actor, reason string, enqueue bool) *Event {
	if enqueue || !errors.Is(cause, ErrAlreadyProcessed) {
		return nil
	}
	return c.landed(ctx, id, to, actor, reason)
}

func pendingOf(ev Event) Event {
	ev.Status = StatusPending
	ev.ApprovedBy = ""
	ev.ApprovedAt = nil
	ev.RejectionReason = ""
	return ev
}

func (c *Coordinator) loadPending(ctx context.Context, id EventID) (*Event, *Error) {
	ev, err := c.Log.Get(ctx, id)
	if err != nil {
		return nil, asEngineError(err, "load event %s", id)
	}
	if ev == nil {
		return nil, ErrEventNotFound.WithMessagef("event %s does not exist", id)
	}
	if ev.Status != StatusPending {
		return nil, ErrAlreadyProcessed.WithMessagef("event %s is already %s", id, ev.Status)
	}
	return ev, nil
}

// Submitted runs the effects of a freshly appended event. Events inserted
// as approved get the full post-approval treatment.
func (c *Coordinator) Submitted(ctx context.Context, ev Event, actor string) {
	now := c.Clock.now()
	c.audit(ctx, AuditRecord{
		Entity:   "event",
		EntityID: string(ev.ID),
		Action:   AuditEventSubmitted,
		After:    snapshotOf(ev),
		ActorID:  actor,
		At:       now,
	})
	if ev.Status == StatusApproved {
		c.MaterializeApproved(ctx, ev)
		return
	}
	c.publish(ctx, Change{Action: ChangeSubmitted, EventID: ev.ID, EntityIDs: ev.TouchedEntities(), At: now})
}

// MaterializeApproved applies the post-approval effects for an event that
// is already approved in the log.
func (c *Coordinator) MaterializeApproved(ctx context.Context, ev Event) {
	affected := c.afterApproval(ctx, ev)
	c.publish(ctx, Change{Action: ChangeApproved, EventID: ev.ID, EntityIDs: affected, At: c.Clock.now()})
}

// afterApproval syncs the affected entities and recalculates the
// notification schedule. It returns the entities whose state may have
// changed.
func (c *Coordinator) afterApproval(ctx context.Context, ev Event) []EntityID {
	subject := ev
	if ev.Type() == EventCorrection {
		target, err := c.correctedRoot(ctx, ev)
		if err != nil {
			c.afterApprovalFailed(ctx, ev, AuditScheduleFailed, err)
		} else if target != nil {
			subject = *target
		}
	}

	affected := ev.TouchedEntities()
	for _, id := range subject.TouchedEntities() {
		if !containsEntity(affected, id) {
			affected = append(affected, id)
		}
	}

	if c.Syncer != nil {
		for _, id := range affected {
			if _, err := c.Syncer.SyncEntity(ctx, id); err != nil && !isInconsistency(err) {
				c.afterApprovalFailed(ctx, ev, AuditSyncFailed, err)
			}
		}
	}

	if err := c.reschedule(ctx, subject); err != nil {
		c.afterApprovalFailed(ctx, ev, AuditScheduleFailed, err)
	}
	return affected
}

// correctedRoot follows a correction to the first non-correction event.
func (c *Coordinator) correctedRoot(ctx context.Context, ev Event) (*Event, error) {
	seen := map[EventID]bool{ev.ID: true}
	cur := ev
	for cur.Type() == EventCorrection {
		next := cur.CorrectsEventID()
		if next == "" || seen[next] {
			return nil, nil
		}
		seen[next] = true
		target, err := c.Log.Get(ctx, next)
		if err != nil || target == nil {
			return nil, err
		}
		cur = *target
	}
	return &cur, nil
}

// reschedule upserts or deletes the allocation_due notification of ev.
// Eligible: the type carries an end date, the corrected end date is set,
// and the event is approved.
func (c *Coordinator) reschedule(ctx context.Context, ev Event) error {
	if c.Notifications == nil || !ev.Type().HasEndDate() {
		return nil
	}

	history, err := c.Log.History(ctx, ev.EntityID)
	if err != nil {
		return err
	}
	effective, ok := Effective(ev.ID, history)
	if !ok {
		effective = ev
	}

	end := effective.EndDate()
	if effective.Status != StatusApproved || end == nil {
		return c.Notifications.DeleteNotification(ctx, ev.ID, NotificationAllocationDue)
	}
	return c.Notifications.UpsertNotification(ctx, ScheduledNotification{
		EventID:   ev.ID,
		Kind:      NotificationAllocationDue,
		EntityID:  effective.EntityID,
		DueAt:     *end,
		UpdatedAt: c.Clock.now(),
	})
}

// =============================================================================
// FAILURE HANDLING
// =============================================================================

func (c *Coordinator) fail(ctx context.Context, action RetryAction, id EventID, actor, reason string, cause *Error, enqueue bool) error {
	now := c.Clock.now()

	auditAction := AuditApproveFailed
	if action == RetryReject {
		auditAction = AuditRejectFailed
	}
	c.audit(ctx, AuditRecord{
		Entity:   "event",
		EntityID: string(id),
		Action:   auditAction,
		After:    map[string]any{"code": cause.Code, "retryable": cause.Retryable(), "reason": reason},
		ActorID:  actor,
		Error:    cause.Error(),
		At:       now,
	})

	if enqueue && cause.Retryable() && c.Retries != nil {
		rec := RetryRecord{
			ID:            uuid.NewString(),
			EventID:       id,
			ActorID:       actor,
			Action:        action,
			Reason:        reason,
			ErrorDetails:  cause.Error(),
			Status:        RetryPending,
			MaxRetries:    c.maxRetries(),
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := c.Retries.Enqueue(ctx, rec); err != nil {
			c.logger().Error("enqueue retry", zap.String("event_id", string(id)), zap.Error(err))
		}
	}

	c.logger().Warn(string(action)+" failed",
		zap.String("event_id", string(id)),
		zap.String("actor", actor),
		zap.String("code", cause.Code),
		zap.Bool("retryable", cause.Retryable()),
		zap.Error(cause))
	return cause
}

func (c *Coordinator) afterApprovalFailed(ctx context.Context, ev Event, action AuditAction, err error) {
	c.logger().Error("post-approval step failed",
		zap.String("event_id", string(ev.ID)),
		zap.String("step", string(action)),
		zap.Error(err))
	c.audit(ctx, AuditRecord{
		Entity:   "event",
		EntityID: string(ev.ID),
		Action:   action,
		Error:    err.Error(),
		At:       c.Clock.now(),
	})
}

func (c *Coordinator) recordRetry(ctx context.Context, rec RetryRecord, action AuditAction, cause error) {
	r := AuditRecord{
		Entity:   "event",
		EntityID: string(rec.EventID),
		Action:   action,
		After:    map[string]any{"retry_id": rec.ID, "action_type": string(rec.Action), "retry_count": rec.RetryCount},
		ActorID:  rec.ActorID,
		At:       c.Clock.now(),
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	c.audit(ctx, r)
}

// audit never fails the caller: the audit log is a sink.
func (c *Coordinator) audit(ctx context.Context, r AuditRecord) {
	if c.Audit == nil {
		return
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := c.Audit.Record(ctx, r); err != nil {
		c.logger().Error("audit record", zap.String("action", string(r.Action)), zap.Error(err))
	}
}

func (c *Coordinator) publish(ctx context.Context, ch Change) {
	for _, p := range c.Publishers {
		p.Publish(ctx, ch)
	}
}

func (c *Coordinator) maxRetries() int {
	if c.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return c.MaxRetries
}

func (c *Coordinator) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// asEngineError keeps engine errors as they are and turns anything else
// into a connection failure.
func asEngineError(err error, format string, args ...any) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrConnection.WithMessagef(format, args...).Wrap(err)
}

func snapshotOf(ev Event) map[string]any {
	snap := map[string]any{
		"event_type": string(ev.Type()),
		"entity_id":  string(ev.EntityID),
		"event_date": ev.EventDate.Format(time.RFC3339),
		"status":     string(ev.Status),
	}
	if ev.ApprovedBy != "" {
		snap["approved_by"] = ev.ApprovedBy
	}
	if ev.ApprovedAt != nil {
		snap["approved_at"] = ev.ApprovedAt.Format(time.RFC3339)
	}
	if ev.RejectionReason != "" {
		snap["rejection_reason"] = ev.RejectionReason
	}
	return snap
}

func containsEntity(ids []EntityID, id EntityID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
