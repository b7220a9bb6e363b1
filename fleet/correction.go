package fleet

import (
	"cmp"
	"slices"
)

// =============================================================================
// ORDERING - (event_date, created_at, id) total order
// =============================================================================

// CompareEvents orders events by logical date, then physical insertion
// time, then id. The id only breaks ties between events created in the
// same instant so the order stays total.
func CompareEvents(a, b Event) int {
	if c := a.EventDate.Compare(b.EventDate); c != 0 {
		return c
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// SortEvents sorts in place using CompareEvents.
func SortEvents(events []Event) {
	slices.SortStableFunc(events, CompareEvents)
}

// =============================================================================
// CORRECTION INDEX - target id → overrides, applied at the target's position
// =============================================================================

// correctionIndex maps each corrected event to the overrides that amend
// it, in log order. The events themselves are never modified; the fold
// asks the index for the effective version of each event.
type correctionIndex struct {
	overrides map[EventID][]Overrides
	problems  []Inconsistency
}

// buildCorrections indexes the approved corrections among sorted. byID
// must hold every input event regardless of status or entity so that
// foreign and cyclic references can be told apart from pending targets.
func buildCorrections(sorted []Event, byID map[EventID]Event) correctionIndex {
	idx := correctionIndex{overrides: make(map[EventID][]Overrides)}

	for _, ev := range sorted {
		if ev.Status != StatusApproved {
			continue
		}
		c, ok := ev.Payload.(Correction)
		if !ok {
			continue
		}
		if c.TargetID == "" {
			idx.problems = append(idx.problems, Inconsistency{CorrectionID: ev.ID, Problem: "no target event"})
			continue
		}

		root, problem := resolveRoot(ev, byID)
		if problem != "" {
			idx.problems = append(idx.problems, Inconsistency{CorrectionID: ev.ID, TargetID: c.TargetID, Problem: problem})
			continue
		}
		if root == "" {
			// target exists but is pending or rejected: nothing to amend yet
			continue
		}
		idx.overrides[root] = append(idx.overrides[root], c.Overrides)
	}
	return idx
}

// resolveRoot follows a correction chain to the first non-correction
// event. It returns an empty root when the chain ends at an event that
// is not approved.
func resolveRoot(correction Event, byID map[EventID]Event) (EventID, string) {
	visited := map[EventID]bool{correction.ID: true}
	cur := correction.CorrectsEventID()

	for {
		if visited[cur] {
			return "", "correction chain forms a cycle"
		}
		visited[cur] = true

		target, ok := byID[cur]
		if !ok {
			return "", "target event is not on this entity's timeline"
		}
		if target.EntityID != correction.EntityID {
			return "", "target event belongs to entity " + string(target.EntityID)
		}
		if target.Status != StatusApproved {
			return "", ""
		}
		next, isCorrection := target.Payload.(Correction)
		if !isCorrection {
			return target.ID, ""
		}
		if next.TargetID == "" {
			return "", "chained correction has no target event"
		}
		cur = next.TargetID
	}
}

// effective returns ev with every indexed override applied in order.
func (idx correctionIndex) effective(ev Event) Event {
	ovs := idx.overrides[ev.ID]
	if len(ovs) == 0 {
		return ev
	}
	for _, o := range ovs {
		ev = applyOverrides(ev, o)
	}
	return ev
}

func applyOverrides(ev Event, o Overrides) Event {
	if o.Notes != nil {
		ev.Notes = *o.Notes
	}

	switch p := ev.Payload.(type) {
	case AllocationRequest:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		if o.EndDate != nil {
			p.EndDate = timePtr(*o.EndDate)
		}
		if o.ConstructionType != nil {
			p.ConstructionType = *o.ConstructionType
		}
		if o.LotBuildingNumber != nil {
			p.LotBuildingNumber = *o.LotBuildingNumber
		}
		ev.Payload = p
	case AllocationStart:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		if o.EndDate != nil {
			p.EndDate = timePtr(*o.EndDate)
		}
		if o.ConstructionType != nil {
			p.ConstructionType = *o.ConstructionType
		}
		if o.LotBuildingNumber != nil {
			p.LotBuildingNumber = *o.LotBuildingNumber
		}
		ev.Payload = p
	case AllocationEnd:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		ev.Payload = p
	case DowntimeStart:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		if o.DowntimeReason != nil {
			p.Reason = *o.DowntimeReason
		}
		ev.Payload = p
	case DowntimeEnd:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		ev.Payload = p
	case ExtensionAttach:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		if o.EndDate != nil {
			p.EndDate = timePtr(*o.EndDate)
		}
		ev.Payload = p
	case Refueling:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		ev.Payload = p
	case TransportStart:
		if o.SiteID != nil {
			p.ToSiteID = *o.SiteID
		}
		ev.Payload = p
	case TransportArrival:
		if o.SiteID != nil {
			p.SiteID = *o.SiteID
		}
		ev.Payload = p
	}
	return ev
}

// Effective returns the corrected version of event id as seen through the
// approved corrections in events. The boolean is false when id is not in
// events.
func Effective(id EventID, events []Event) (Event, bool) {
	sorted := slices.Clone(events)
	SortEvents(sorted)

	byID := make(map[EventID]Event, len(sorted))
	for _, ev := range sorted {
		byID[ev.ID] = ev
	}
	target, ok := byID[id]
	if !ok {
		return Event{}, false
	}
	return buildCorrections(sorted, byID).effective(target), true
}
