/*
state.go - Replay of approved events into DerivedState

PURPOSE:
  Derive is the single source of truth for "what is the state of entity X
  at time T". It is a pure fold: no I/O, no clock, no randomness. The same
  events and the same instant always produce the same DerivedState.

REPLAY ORDER:
  1. Keep approved events only
  2. Sort by (event_date, created_at, id)
  3. Index approved corrections by the event they ultimately amend
  4. Fold every non-correction event with event_date <= at, using its
     corrected version
  5. allocated or attached with end_date < at becomes exceeded

CORRECTIONS:
  A correction amends its target at the target's position in the
  timeline, whatever the correction's own date. Several corrections of the
  same target apply in log order, so the latest value of each field wins.
  A correction of a correction amends the original target.

  Chains that loop, reference an event of another entity or have no target
  are reported in DerivedState.Inconsistencies. Derive still returns the
  best-effort state together with an ErrStateInconsistent error.

ATTACHMENTS:
  An attachment has no allocation events of its own. Its timeline is made
  of the extension_attach / extension_detach events that name it, read
  from the attachment's perspective: attached to the owning unit until
  detached.

  Kind is read off the timeline: mounted means attachment, allocating or
  mounting something means unit. Otherwise it stays empty and callers
  holding the entity record fill it in.
*/
package fleet

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATUS
// =============================================================================

type State string

const (
	StateAvailable   State = "available"
	StateAllocated   State = "allocated"
	StateAttached    State = "attached"
	StateInTransit   State = "in_transit"
	StateMaintenance State = "maintenance"
	StateExceeded    State = "exceeded"
)

// =============================================================================
// DERIVED STATE
// =============================================================================

// RefuelingRecord is the last approved refueling of a unit.
type RefuelingRecord struct {
	EventID  EventID         `json:"event_id"`
	At       time.Time       `json:"at"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit,omitempty"`
}

// DerivedState is the computed state of one entity at one instant.
type DerivedState struct {
	EntityID EntityID   `json:"entity_id"`
	Kind     EntityKind `json:"kind,omitempty"` // empty when the timeline does not tell
	Status   State      `json:"status"`
	AsOf     time.Time  `json:"as_of"`

	CurrentSiteID    SiteID   `json:"current_site_id,omitempty"`
	CurrentMachineID EntityID `json:"current_machine_id,omitempty"`
	InTransitTo      SiteID   `json:"in_transit_to,omitempty"`

	AllocationStart   *time.Time `json:"allocation_start,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	ConstructionType  string     `json:"construction_type,omitempty"`
	LotBuildingNumber string     `json:"lot_building_number,omitempty"`

	IsInDowntime   bool       `json:"is_in_downtime"`
	DowntimeReason string     `json:"downtime_reason,omitempty"`
	DowntimeSince  *time.Time `json:"downtime_since,omitempty"`
	OpenDowntimeID EventID    `json:"open_downtime_id,omitempty"`

	AttachedExtensions []EntityID       `json:"attached_extensions"`
	LastRefueling      *RefuelingRecord `json:"last_refueling,omitempty"`
	LastEventID        EventID          `json:"last_event_id,omitempty"`

	Inconsistencies []Inconsistency `json:"inconsistencies,omitempty"`
}

// HasActiveAllocation reports whether the entity is currently placed: a
// unit with an open allocation, or an attachment mounted on a unit.
func (s DerivedState) HasActiveAllocation() bool {
	if s.Kind == KindAttachment {
		return s.CurrentMachineID != ""
	}
	return s.AllocationStart != nil
}

// Projection returns the denormalized subset cached on entity records.
func (s DerivedState) Projection() DenormalizedStatus {
	return DenormalizedStatus{
		Status:           s.Status,
		CurrentSiteID:    s.CurrentSiteID,
		CurrentMachineID: s.CurrentMachineID,
		IsInDowntime:     s.IsInDowntime,
		DowntimeReason:   s.DowntimeReason,
	}
}

// =============================================================================
// REPLAY
// =============================================================================

type openDowntime struct {
	id     EventID
	reason string
	since  time.Time
}

type replay struct {
	st        DerivedState
	placed    bool
	inTransit bool
	downtimes []openDowntime
	attached  map[EntityID]bool
}

// Derive computes the state of entityID at instant at from events. events
// may contain any status and any entity: only approved events on the
// entity's timeline are folded, but every event is used to resolve
// correction targets.
func Derive(entityID EntityID, events []Event, at time.Time) (DerivedState, error) {
	sorted := slices.Clone(events)
	SortEvents(sorted)

	byID := make(map[EventID]Event, len(sorted))
	for _, ev := range sorted {
		byID[ev.ID] = ev
	}
	corrections := buildCorrections(sorted, byID)

	r := &replay{
		st:       DerivedState{EntityID: entityID, Status: StateAvailable, AsOf: at},
		attached: make(map[EntityID]bool),
	}

	for _, ev := range sorted {
		if ev.Status != StatusApproved || ev.Type() == EventCorrection {
			continue
		}
		if ev.EventDate.After(at) {
			break
		}
		ev = corrections.effective(ev)
		switch {
		case ev.EntityID == entityID:
			r.applyOwn(ev)
		case ev.ExtensionID() == entityID:
			r.applyAsAttachment(ev)
		default:
			continue
		}
		r.st.LastEventID = ev.ID
	}

	st := r.finish(at)
	if len(corrections.problems) > 0 {
		st.Inconsistencies = corrections.problems
		return st, inconsistencyError(entityID, corrections.problems)
	}
	return st, nil
}

// applyOwn folds an event owned by the entity.
func (r *replay) applyOwn(ev Event) {
	switch p := ev.Payload.(type) {
	case AllocationStart:
		r.st.Kind = KindUnit
		r.placed = true
		r.inTransit = false
		r.st.InTransitTo = ""
		r.st.CurrentSiteID = p.SiteID
		r.st.AllocationStart = timePtr(ev.EventDate)
		r.st.EndDate = p.EndDate
		r.st.ConstructionType = p.ConstructionType
		r.st.LotBuildingNumber = p.LotBuildingNumber
		r.downtimes = nil
	case AllocationEnd:
		r.clearPlacement()
		r.inTransit = false
		r.st.InTransitTo = ""
	case DowntimeStart:
		r.downtimes = append(r.downtimes, openDowntime{id: ev.ID, reason: p.Reason, since: ev.EventDate})
	case DowntimeEnd:
		r.closeDowntime(p.DowntimeStartID)
	case ExtensionAttach:
		r.st.Kind = KindUnit
		r.attached[p.ExtensionID] = true
	case ExtensionDetach:
		r.st.Kind = KindUnit
		delete(r.attached, p.ExtensionID)
	case Refueling:
		r.st.LastRefueling = &RefuelingRecord{EventID: ev.ID, At: ev.EventDate, Quantity: p.Quantity, Unit: p.Unit}
	case TransportStart:
		r.inTransit = true
		r.st.InTransitTo = p.ToSiteID
	case TransportArrival:
		r.inTransit = false
		r.st.InTransitTo = ""
		if r.placed && p.SiteID != "" {
			r.st.CurrentSiteID = p.SiteID
		}
	case AllocationRequest:
		// a request has no effect on state until the allocation starts
	}
}

// applyAsAttachment folds an attach/detach event owned by the unit the
// attachment is mounted on.
func (r *replay) applyAsAttachment(ev Event) {
	r.st.Kind = KindAttachment
	switch p := ev.Payload.(type) {
	case ExtensionAttach:
		r.placed = true
		r.st.CurrentMachineID = ev.EntityID
		r.st.CurrentSiteID = p.SiteID
		r.st.AllocationStart = timePtr(ev.EventDate)
		r.st.EndDate = p.EndDate
		r.downtimes = nil
	case ExtensionDetach:
		r.clearPlacement()
	}
}

func (r *replay) clearPlacement() {
	r.placed = false
	r.st.CurrentSiteID = ""
	r.st.CurrentMachineID = ""
	r.st.AllocationStart = nil
	r.st.EndDate = nil
	r.st.ConstructionType = ""
	r.st.LotBuildingNumber = ""
}

// closeDowntime closes the named downtime when it is open, otherwise the
// most recent one.
func (r *replay) closeDowntime(id EventID) {
	if len(r.downtimes) == 0 {
		return
	}
	if id != "" {
		for i, d := range r.downtimes {
			if d.id == id {
				r.downtimes = slices.Delete(r.downtimes, i, i+1)
				return
			}
		}
	}
	r.downtimes = r.downtimes[:len(r.downtimes)-1]
}

func (r *replay) finish(at time.Time) DerivedState {
	st := r.st

	st.IsInDowntime = len(r.downtimes) > 0
	if st.IsInDowntime {
		last := r.downtimes[len(r.downtimes)-1]
		st.DowntimeReason = last.reason
		st.DowntimeSince = timePtr(last.since)
		st.OpenDowntimeID = last.id
	}

	st.AttachedExtensions = make([]EntityID, 0, len(r.attached))
	for id := range r.attached {
		st.AttachedExtensions = append(st.AttachedExtensions, id)
	}
	slices.Sort(st.AttachedExtensions)

	switch {
	case r.inTransit:
		st.Status = StateInTransit
	case r.placed && st.Kind == KindAttachment:
		st.Status = StateAttached
	case r.placed:
		st.Status = StateAllocated
	case st.IsInDowntime:
		st.Status = StateMaintenance
	default:
		st.Status = StateAvailable
	}

	placedStatus := st.Status == StateAllocated || st.Status == StateAttached
	if placedStatus && st.EndDate != nil && st.EndDate.Before(at) {
		st.Status = StateExceeded
	}
	return st
}
