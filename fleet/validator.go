/*
validator.go - Admission rules for new events

PURPOSE:
  Decides whether a candidate event may enter the log. The decision is
  always taken against the DERIVED state of the entity, never against the
  denormalized status stored on the entity record.

REFERENCE TIME:
  now, or the candidate's event_date when the candidate is backdated.

RULES:
  TYPE               REJECTED WHEN
  start_allocation   the unit already has an active allocation
  end_allocation     the unit has no active allocation
  extension_attach   the attachment is already mounted (on any unit)
  extension_detach   the attachment is not mounted on this unit
  downtime_start     the entity is already in downtime
  downtime_end       the entity is not in downtime
  transport_start    the entity is already in transit
  transport_arrival  the entity is not in transit
  correction         the target is unknown, foreign, rejected, itself a
                     correction, or does not carry an overridden field
  request_allocation neither an entity nor a requested type is given

  A downtime_end without an explicit downtime start is completed with the
  id and site of the downtime open at the reference time, resolved through
  DowntimeLookup. An explicit start must not be dated after the end.

SIDE EFFECTS:
  None. Store failures are returned as errors, not as invalid results.
*/
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Result is the outcome of a validation. Event is the candidate with any
// reference the validator resolved.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Event  Event  `json:"-"`
}

func invalid(format string, args ...any) Result {
	return Result{Valid: false, Reason: fmt.Sprintf(format, args...)}
}

type Validator struct {
	Log       EventLog
	Downtimes DowntimeLookup
	Clock     Clock
}

// Validate checks candidate against the structural rules and the entity's
// derived state.
func (v *Validator) Validate(ctx context.Context, candidate Event) (Result, error) {
	if res, ok := checkShape(candidate); !ok {
		return res, nil
	}
	if candidate.EntityID == "" {
		// request_allocation by equipment type only
		return Result{Valid: true, Event: candidate}, nil
	}

	at := v.Clock.now()
	if candidate.EventDate.Before(at) {
		at = candidate.EventDate
	}

	st, err := v.derive(ctx, candidate.EntityID, at)
	if err != nil {
		var e *Error
		if !errors.As(err, &e) || e.Class != ClassStateInconsistency {
			return Result{}, err
		}
		if candidate.Type() != EventCorrection {
			return invalid("history of %s has malformed corrections; submit a correction first (%s)", candidate.EntityID, e.Message), nil
		}
	}

	switch p := candidate.Payload.(type) {
	case AllocationStart:
		if st.HasActiveAllocation() || st.CurrentSiteID != "" {
			return invalid("%s is already allocated to site %s; end the allocation first", candidate.EntityID, st.CurrentSiteID), nil
		}
	case AllocationEnd:
		if !st.HasActiveAllocation() {
			return invalid("%s has no active allocation to end", candidate.EntityID), nil
		}
	case ExtensionAttach:
		ext, err := v.derive(ctx, p.ExtensionID, at)
		if err != nil && !isInconsistency(err) {
			return Result{}, err
		}
		if ext.CurrentMachineID != "" {
			return invalid("attachment %s is already mounted on %s; detach it first", p.ExtensionID, ext.CurrentMachineID), nil
		}
	case ExtensionDetach:
		ext, err := v.derive(ctx, p.ExtensionID, at)
		if err != nil && !isInconsistency(err) {
			return Result{}, err
		}
		if ext.CurrentMachineID == "" {
			return invalid("attachment %s is not mounted", p.ExtensionID), nil
		}
		if ext.CurrentMachineID != candidate.EntityID {
			return invalid("attachment %s is mounted on %s, not %s", p.ExtensionID, ext.CurrentMachineID, candidate.EntityID), nil
		}
	case DowntimeStart:
		if st.IsInDowntime {
			return invalid("%s is already in downtime since %s", candidate.EntityID, formatDate(st.DowntimeSince)), nil
		}
	case DowntimeEnd:
		if !st.IsInDowntime {
			return invalid("%s is not in downtime", candidate.EntityID), nil
		}
		return v.resolveDowntimeEnd(ctx, candidate, p, at)
	case TransportStart:
		if st.Status == StateInTransit {
			return invalid("%s is already in transit to %s", candidate.EntityID, st.InTransitTo), nil
		}
	case TransportArrival:
		if st.Status != StateInTransit {
			return invalid("%s is not in transit", candidate.EntityID), nil
		}
	case Correction:
		return v.checkCorrection(ctx, candidate, p)
	}

	return Result{Valid: true, Event: candidate}, nil
}

func (v *Validator) derive(ctx context.Context, id EntityID, at time.Time) (DerivedState, error) {
	history, err := v.Log.History(ctx, id)
	if err != nil {
		return DerivedState{}, ErrConnection.WithMessagef("load history of %s", id).Wrap(err)
	}
	return Derive(id, history, at)
}

func (v *Validator) resolveDowntimeEnd(ctx context.Context, candidate Event, p DowntimeEnd, at time.Time) (Result, error) {
	if p.DowntimeStartID != "" {
		start, err := v.Log.Get(ctx, p.DowntimeStartID)
		if err != nil {
			return Result{}, ErrConnection.WithMessagef("load event %s", p.DowntimeStartID).Wrap(err)
		}
		if start == nil || start.EntityID != candidate.EntityID || start.Type() != EventDowntimeStart {
			return invalid("%s is not a downtime_start of %s", p.DowntimeStartID, candidate.EntityID), nil
		}
		if start.EventDate.After(candidate.EventDate) {
			return invalid("downtime %s starts after %s", p.DowntimeStartID, formatDate(&candidate.EventDate)), nil
		}
		return Result{Valid: true, Event: candidate}, nil
	}

	if v.Downtimes == nil {
		return Result{Valid: true, Event: candidate}, nil
	}
	open, err := v.Downtimes.ActiveDowntime(ctx, candidate.EntityID, at)
	if err != nil {
		return Result{}, ErrConnection.WithMessagef("resolve active downtime of %s", candidate.EntityID).Wrap(err)
	}
	if open != nil {
		p.DowntimeStartID = open.ID
		if p.SiteID == "" {
			p.SiteID = open.SiteID()
		}
		candidate.Payload = p
	}
	return Result{Valid: true, Event: candidate}, nil
}

func (v *Validator) checkCorrection(ctx context.Context, candidate Event, p Correction) (Result, error) {
	target, err := v.Log.Get(ctx, p.TargetID)
	if err != nil {
		return Result{}, ErrConnection.WithMessagef("load event %s", p.TargetID).Wrap(err)
	}
	switch {
	case target == nil:
		return invalid("corrected event %s does not exist", p.TargetID), nil
	case target.EntityID != candidate.EntityID:
		return invalid("corrected event %s belongs to %s, not %s", p.TargetID, target.EntityID, candidate.EntityID), nil
	case target.Status == StatusRejected:
		return invalid("corrected event %s was rejected", p.TargetID), nil
	case target.Type() == EventCorrection:
		return invalid("correct the original event instead of correction %s", p.TargetID), nil
	}
	if field := unsupportedOverride(target.Type(), p.Overrides); field != "" {
		return invalid("%s cannot override %s on a %s event", p.TargetID, field, target.Type()), nil
	}
	return Result{Valid: true, Event: candidate}, nil
}

// =============================================================================
// STRUCTURAL CHECKS
// =============================================================================

func checkShape(ev Event) (Result, bool) {
	if ev.Payload == nil || !ev.Type().Valid() {
		return invalid("unknown event type"), false
	}
	if ev.EventDate.IsZero() {
		return invalid("event_date is required"), false
	}
	if end := ev.EndDate(); end != nil && end.Before(ev.EventDate) {
		return invalid("end_date %s is before event_date %s", formatDate(end), formatDate(&ev.EventDate)), false
	}

	switch p := ev.Payload.(type) {
	case AllocationRequest:
		if ev.EntityID == "" && p.RequestedType == "" {
			return invalid("request_allocation needs an entity or a requested equipment type"), false
		}
		return Result{}, true
	case AllocationStart:
		if p.SiteID == "" {
			return invalid("start_allocation needs a site"), false
		}
	case ExtensionAttach:
		if p.ExtensionID == "" {
			return invalid("extension_attach needs an extension"), false
		}
		if p.ExtensionID == ev.EntityID {
			return invalid("an entity cannot be attached to itself"), false
		}
	case ExtensionDetach:
		if p.ExtensionID == "" {
			return invalid("extension_detach needs an extension"), false
		}
	case Correction:
		if p.TargetID == "" {
			return invalid("correction needs the id of the corrected event"), false
		}
		if p.Overrides.IsEmpty() {
			return invalid("correction does not override any field"), false
		}
	case Refueling:
		if !p.Quantity.IsPositive() {
			return invalid("refueling quantity must be positive"), false
		}
	}

	if ev.EntityID == "" {
		return invalid("entity_id is required"), false
	}
	return Result{}, true
}

// unsupportedOverride returns the first overridden field the target type
// does not carry.
func unsupportedOverride(t EventType, o Overrides) string {
	hasSite := t != EventExtensionDetach && t != EventCorrection
	switch {
	case o.SiteID != nil && !hasSite:
		return "site_id"
	case o.EndDate != nil && !t.HasEndDate():
		return "end_date"
	case o.ConstructionType != nil && t != EventStartAllocation && t != EventRequestAllocation:
		return "construction_type"
	case o.LotBuildingNumber != nil && t != EventStartAllocation && t != EventRequestAllocation:
		return "lot_building_number"
	case o.DowntimeReason != nil && t != EventDowntimeStart:
		return "downtime_reason"
	}
	return ""
}

func isInconsistency(err error) bool {
	return errors.Is(err, ErrStateInconsistent)
}

func formatDate(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.DateOnly)
}

// =============================================================================
// DOWNTIME LOOKUP - backed by replay
// =============================================================================

// ReplayDowntimeLookup resolves the open downtime by deriving the entity's
// state at the requested instant, so it agrees with the calculator by
// construction.
type ReplayDowntimeLookup struct {
	Log EventLog
}

func (l ReplayDowntimeLookup) ActiveDowntime(ctx context.Context, entityID EntityID, at time.Time) (*Event, error) {
	history, err := l.Log.History(ctx, entityID)
	if err != nil {
		return nil, err
	}
	st, err := Derive(entityID, history, at)
	if err != nil && !isInconsistency(err) {
		return nil, err
	}
	if st.OpenDowntimeID == "" {
		return nil, nil
	}
	return l.Log.Get(ctx, st.OpenDowntimeID)
}
