/*
Package fleet provides the event-sourced equipment tracking engine.

PURPOSE:
  Units (machines) and attachments move between job sites, go into
  maintenance downtime and get attachments connected or removed. None of
  this is stored as a mutable "current state" row. Every change is an
  immutable Event, and the current (or historical) state of an entity is
  always computed by replaying its approved events.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event:   Immutable envelope (id, entity, logical date, lifecycle status)
  - Payload: Tagged union with one struct per event type
  - IDs:     Type-safe identifiers for entities, sites and events

DESIGN PRINCIPLES:
  1. Immutability: Events are never modified, only their Status transitions
  2. Corrections: History is amended by correction events, never rewritten
  3. Type Safety: Each event type carries only the fields it needs
  4. Auditability: Every transition records who, when and why

USAGE:
  ev := fleet.Event{
      EntityID:  "unit-42",
      EventDate: fleet.Day(2025, time.March, 1),
      Payload:   fleet.AllocationStart{SiteID: "site-north"},
  }

SEE ALSO:
  - state.go: Replay of events into DerivedState
  - validator.go: Admission rules
  - approval.go: Lifecycle state machine
*/
package fleet

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type EntityID string
type SiteID string
type EventID string

// EntityKind distinguishes machines from the attachments mounted on them.
type EntityKind string

const (
	KindUnit       EntityKind = "unit"
	KindAttachment EntityKind = "attachment"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

type EventType string

const (
	EventRequestAllocation EventType = "request_allocation"
	EventStartAllocation   EventType = "start_allocation"
	EventEndAllocation     EventType = "end_allocation"
	EventDowntimeStart     EventType = "downtime_start"
	EventDowntimeEnd       EventType = "downtime_end"
	EventExtensionAttach   EventType = "extension_attach"
	EventExtensionDetach   EventType = "extension_detach"
	EventCorrection        EventType = "correction"
	EventRefueling         EventType = "refueling"
	EventTransportStart    EventType = "transport_start"
	EventTransportArrival  EventType = "transport_arrival"
)

// AllEventTypes lists every known event type in declaration order.
var AllEventTypes = []EventType{
	EventRequestAllocation,
	EventStartAllocation,
	EventEndAllocation,
	EventDowntimeStart,
	EventDowntimeEnd,
	EventExtensionAttach,
	EventExtensionDetach,
	EventCorrection,
	EventRefueling,
	EventTransportStart,
	EventTransportArrival,
}

func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// HasEndDate reports whether events of this type carry an expected end date
// and can therefore schedule an allocation_due notification.
func (t EventType) HasEndDate() bool {
	switch t {
	case EventStartAllocation, EventExtensionAttach, EventRequestAllocation:
		return true
	}
	return false
}

// =============================================================================
// EVENT STATUS - pending → approved | pending → rejected
// =============================================================================

type EventStatus string

const (
	StatusPending  EventStatus = "pending"
	StatusApproved EventStatus = "approved"
	StatusRejected EventStatus = "rejected"
)

// =============================================================================
// PAYLOADS - One variant per event type
// =============================================================================

// Payload is the type-specific part of an Event.
type Payload interface {
	Kind() EventType
}

type AllocationRequest struct {
	SiteID            SiteID     `json:"site_id,omitempty"`
	RequestedType     string     `json:"requested_type,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	ConstructionType  string     `json:"construction_type,omitempty"`
	LotBuildingNumber string     `json:"lot_building_number,omitempty"`
}

type AllocationStart struct {
	SiteID            SiteID     `json:"site_id"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	ConstructionType  string     `json:"construction_type,omitempty"`
	LotBuildingNumber string     `json:"lot_building_number,omitempty"`
}

type AllocationEnd struct {
	SiteID SiteID `json:"site_id,omitempty"`
}

type DowntimeStart struct {
	Reason string `json:"reason,omitempty"`
	SiteID SiteID `json:"site_id,omitempty"`
}

type DowntimeEnd struct {
	// DowntimeStartID names the downtime_start being closed. Empty closes
	// the most recent open downtime.
	DowntimeStartID EventID `json:"downtime_start_id,omitempty"`
	SiteID          SiteID  `json:"site_id,omitempty"`
}

type ExtensionAttach struct {
	ExtensionID EntityID   `json:"extension_id"`
	SiteID      SiteID     `json:"site_id,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

type ExtensionDetach struct {
	ExtensionID EntityID `json:"extension_id"`
}

type Correction struct {
	TargetID    EventID   `json:"target_id"`
	Description string    `json:"description,omitempty"`
	Overrides   Overrides `json:"overrides"`
}

// Overrides holds the corrected field values. Nil fields keep the
// original value of the target event.
type Overrides struct {
	SiteID            *SiteID    `json:"site_id,omitempty"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	ConstructionType  *string    `json:"construction_type,omitempty"`
	LotBuildingNumber *string    `json:"lot_building_number,omitempty"`
	DowntimeReason    *string    `json:"downtime_reason,omitempty"`
	Notes             *string    `json:"notes,omitempty"`
}

func (o Overrides) IsEmpty() bool {
	return o.SiteID == nil && o.EndDate == nil && o.ConstructionType == nil &&
		o.LotBuildingNumber == nil && o.DowntimeReason == nil && o.Notes == nil
}

type Refueling struct {
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit,omitempty"`
	SiteID   SiteID          `json:"site_id,omitempty"`
}

type TransportStart struct {
	FromSiteID SiteID `json:"from_site_id,omitempty"`
	ToSiteID   SiteID `json:"to_site_id,omitempty"`
}

type TransportArrival struct {
	SiteID SiteID `json:"site_id,omitempty"`
}

func (AllocationRequest) Kind() EventType { return EventRequestAllocation }
func (AllocationStart) Kind() EventType   { return EventStartAllocation }
func (AllocationEnd) Kind() EventType     { return EventEndAllocation }
func (DowntimeStart) Kind() EventType     { return EventDowntimeStart }
func (DowntimeEnd) Kind() EventType       { return EventDowntimeEnd }
func (ExtensionAttach) Kind() EventType   { return EventExtensionAttach }
func (ExtensionDetach) Kind() EventType   { return EventExtensionDetach }
func (Correction) Kind() EventType        { return EventCorrection }
func (Refueling) Kind() EventType         { return EventRefueling }
func (TransportStart) Kind() EventType    { return EventTransportStart }
func (TransportArrival) Kind() EventType  { return EventTransportArrival }

// =============================================================================
// EVENT - Immutable envelope
// =============================================================================

type Event struct {
	ID        EventID
	EntityID  EntityID
	EventDate time.Time
	Payload   Payload
	Notes     string

	// Lifecycle (the only mutable part)
	Status          EventStatus
	ApprovedBy      string
	ApprovedAt      *time.Time
	RejectionReason string

	// Audit fields
	CreatedBy string
	CreatedAt time.Time
}

// Type returns the event type carried by the payload.
func (e Event) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

// ExtensionID returns the attachment referenced by attach/detach events.
func (e Event) ExtensionID() EntityID {
	switch p := e.Payload.(type) {
	case ExtensionAttach:
		return p.ExtensionID
	case ExtensionDetach:
		return p.ExtensionID
	}
	return ""
}

// SiteID returns the site the event refers to, if any.
func (e Event) SiteID() SiteID {
	switch p := e.Payload.(type) {
	case AllocationRequest:
		return p.SiteID
	case AllocationStart:
		return p.SiteID
	case AllocationEnd:
		return p.SiteID
	case DowntimeStart:
		return p.SiteID
	case DowntimeEnd:
		return p.SiteID
	case ExtensionAttach:
		return p.SiteID
	case Refueling:
		return p.SiteID
	case TransportStart:
		return p.ToSiteID
	case TransportArrival:
		return p.SiteID
	}
	return ""
}

// EndDate returns the expected completion date, if the type has one.
func (e Event) EndDate() *time.Time {
	switch p := e.Payload.(type) {
	case AllocationRequest:
		return p.EndDate
	case AllocationStart:
		return p.EndDate
	case ExtensionAttach:
		return p.EndDate
	}
	return nil
}

// CorrectsEventID returns the back-reference carried by correction and
// downtime_end events.
func (e Event) CorrectsEventID() EventID {
	switch p := e.Payload.(type) {
	case Correction:
		return p.TargetID
	case DowntimeEnd:
		return p.DowntimeStartID
	}
	return ""
}

// TouchedEntities returns every entity whose derived state this event can
// change: the entity itself and, for attach/detach, the attachment.
func (e Event) TouchedEntities() []EntityID {
	ids := []EntityID{}
	if e.EntityID != "" {
		ids = append(ids, e.EntityID)
	}
	if ext := e.ExtensionID(); ext != "" && ext != e.EntityID {
		ids = append(ids, ext)
	}
	return ids
}

// =============================================================================
// PAYLOAD ENCODING - Used by stores and the HTTP layer
// =============================================================================

// EncodePayload serializes a payload to JSON for storage.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// DecodePayload rebuilds the payload variant for the given event type.
func DecodePayload(t EventType, data []byte) (Payload, error) {
	if len(data) == 0 {
		data = []byte("{}")
	}
	var (
		p   Payload
		err error
	)
	switch t {
	case EventRequestAllocation:
		p, err = decodeAs[AllocationRequest](data)
	case EventStartAllocation:
		p, err = decodeAs[AllocationStart](data)
	case EventEndAllocation:
		p, err = decodeAs[AllocationEnd](data)
	case EventDowntimeStart:
		p, err = decodeAs[DowntimeStart](data)
	case EventDowntimeEnd:
		p, err = decodeAs[DowntimeEnd](data)
	case EventExtensionAttach:
		p, err = decodeAs[ExtensionAttach](data)
	case EventExtensionDetach:
		p, err = decodeAs[ExtensionDetach](data)
	case EventCorrection:
		p, err = decodeAs[Correction](data)
	case EventRefueling:
		p, err = decodeAs[Refueling](data)
	case EventTransportStart:
		p, err = decodeAs[TransportStart](data)
	case EventTransportArrival:
		p, err = decodeAs[TransportArrival](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

func decodeAs[T Payload](data []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
