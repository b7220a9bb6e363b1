/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Events travel as a
  flat document whose event_type selects which fields are read; the
  handler turns it into the typed fleet payload.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

DATES:
  Accepted as YYYY-MM-DD (midnight UTC) or RFC3339. Returned as RFC3339.

TYPES:
  Entity:  EntityDTO, RegisterEntityRequest
  Event:   EventDTO, SubmitEventRequest, SubmitEventResponse
  Actions: ApproveRequest, RejectRequest
  Demo:    ScenarioDTO, LoadScenarioRequest
*/
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-engine/fleet"
)

// =============================================================================
// ENTITIES
// =============================================================================

// EntityDTO represents a unit or attachment with its cached status.
type EntityDTO struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Kind          string                   `json:"kind"`
	EquipmentType string                   `json:"equipment_type,omitempty"`
	Active        bool                     `json:"active"`
	CreatedAt     string                   `json:"created_at"`
	Status        fleet.DenormalizedStatus `json:"status"`
}

// RegisterEntityRequest is the request to register an entity.
type RegisterEntityRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	EquipmentType string `json:"equipment_type"`
	Active        *bool  `json:"active"`
}

func toEntityDTO(e fleet.EntityRecord) EntityDTO {
	return EntityDTO{
		ID:            string(e.ID),
		Name:          e.Name,
		Kind:          string(e.Kind),
		EquipmentType: e.EquipmentType,
		Active:        e.Active,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
		Status:        e.Status,
	}
}

// =============================================================================
// EVENTS
// =============================================================================

// EventDTO represents an event in API responses.
type EventDTO struct {
	ID              string          `json:"id"`
	EntityID        string          `json:"entity_id"`
	EventType       string          `json:"event_type"`
	EventDate       string          `json:"event_date"`
	Payload         json.RawMessage `json:"payload"`
	Notes           string          `json:"notes,omitempty"`
	Status          string          `json:"status"`
	ApprovedBy      string          `json:"approved_by,omitempty"`
	ApprovedAt      string          `json:"approved_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedBy       string          `json:"created_by,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

func toEventDTO(ev fleet.Event) EventDTO {
	payload, err := fleet.EncodePayload(ev.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	dto := EventDTO{
		ID:              string(ev.ID),
		EntityID:        string(ev.EntityID),
		EventType:       string(ev.Type()),
		EventDate:       ev.EventDate.Format(time.RFC3339),
		Payload:         payload,
		Notes:           ev.Notes,
		Status:          string(ev.Status),
		ApprovedBy:      ev.ApprovedBy,
		RejectionReason: ev.RejectionReason,
		CreatedBy:       ev.CreatedBy,
		CreatedAt:       ev.CreatedAt.Format(time.RFC3339),
	}
	if ev.ApprovedAt != nil {
		dto.ApprovedAt = ev.ApprovedAt.Format(time.RFC3339)
	}
	return dto
}

func toEventDTOs(events []fleet.Event) []EventDTO {
	dtos := make([]EventDTO, len(events))
	for i, ev := range events {
		dtos[i] = toEventDTO(ev)
	}
	return dtos
}

// SubmitEventRequest is the flat submission document. Only the fields
// relevant to event_type are read.
type SubmitEventRequest struct {
	ID        string `json:"id,omitempty"`
	EntityID  string `json:"entity_id"`
	EventType string `json:"event_type"`
	EventDate string `json:"event_date"`
	Notes     string `json:"notes,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`

	SiteID            string `json:"site_id,omitempty"`
	EndDate           string `json:"end_date,omitempty"`
	ConstructionType  string `json:"construction_type,omitempty"`
	LotBuildingNumber string `json:"lot_building_number,omitempty"`
	RequestedType     string `json:"requested_type,omitempty"`

	Reason          string `json:"reason,omitempty"`
	DowntimeStartID string `json:"downtime_start_id,omitempty"`

	ExtensionID string `json:"extension_id,omitempty"`

	TargetID    string          `json:"target_id,omitempty"`
	Description string          `json:"description,omitempty"`
	Overrides   fleet.Overrides `json:"overrides,omitempty"`

	Quantity decimal.Decimal `json:"quantity,omitempty"`
	Unit     string          `json:"unit,omitempty"`

	FromSiteID string `json:"from_site_id,omitempty"`
	ToSiteID   string `json:"to_site_id,omitempty"`
}

// ToEvent converts the request into a candidate event.
func (r SubmitEventRequest) ToEvent() (fleet.Event, error) {
	ev := fleet.Event{
		ID:       fleet.EventID(r.ID),
		EntityID: fleet.EntityID(r.EntityID),
		Notes:    r.Notes,
	}

	if r.EventDate != "" {
		d, err := parseDate(r.EventDate)
		if err != nil {
			return ev, fmt.Errorf("invalid event_date: %w", err)
		}
		ev.EventDate = d
	}
	endDate, err := parseOptionalDate(r.EndDate)
	if err != nil {
		return ev, fmt.Errorf("invalid end_date: %w", err)
	}

	site := fleet.SiteID(r.SiteID)
	switch fleet.EventType(r.EventType) {
	case fleet.EventRequestAllocation:
		ev.Payload = fleet.AllocationRequest{
			SiteID:            site,
			RequestedType:     r.RequestedType,
			EndDate:           endDate,
			ConstructionType:  r.ConstructionType,
			LotBuildingNumber: r.LotBuildingNumber,
		}
	case fleet.EventStartAllocation:
		ev.Payload = fleet.AllocationStart{
			SiteID:            site,
			EndDate:           endDate,
			ConstructionType:  r.ConstructionType,
			LotBuildingNumber: r.LotBuildingNumber,
		}
	case fleet.EventEndAllocation:
		ev.Payload = fleet.AllocationEnd{SiteID: site}
	case fleet.EventDowntimeStart:
		ev.Payload = fleet.DowntimeStart{Reason: r.Reason, SiteID: site}
	case fleet.EventDowntimeEnd:
		ev.Payload = fleet.DowntimeEnd{DowntimeStartID: fleet.EventID(r.DowntimeStartID), SiteID: site}
	case fleet.EventExtensionAttach:
		ev.Payload = fleet.ExtensionAttach{ExtensionID: fleet.EntityID(r.ExtensionID), SiteID: site, EndDate: endDate}
	case fleet.EventExtensionDetach:
		ev.Payload = fleet.ExtensionDetach{ExtensionID: fleet.EntityID(r.ExtensionID)}
	case fleet.EventCorrection:
		ev.Payload = fleet.Correction{
			TargetID:    fleet.EventID(r.TargetID),
			Description: r.Description,
			Overrides:   r.Overrides,
		}
	case fleet.EventRefueling:
		ev.Payload = fleet.Refueling{Quantity: r.Quantity, Unit: r.Unit, SiteID: site}
	case fleet.EventTransportStart:
		ev.Payload = fleet.TransportStart{FromSiteID: fleet.SiteID(r.FromSiteID), ToSiteID: fleet.SiteID(r.ToSiteID)}
	case fleet.EventTransportArrival:
		ev.Payload = fleet.TransportArrival{SiteID: site}
	default:
		return ev, fmt.Errorf("unknown event_type %q", r.EventType)
	}
	return ev, nil
}

// SubmitEventResponse mirrors fleet.SubmitResult with a serialized event.
type SubmitEventResponse struct {
	Valid  bool      `json:"valid"`
	Reason string    `json:"reason,omitempty"`
	Event  *EventDTO `json:"event,omitempty"`
}

// ApproveRequest is the body of POST /api/events/{id}/approve.
type ApproveRequest struct {
	ApproverID string `json:"approver_id"`
}

// RejectRequest is the body of POST /api/events/{id}/reject.
type RejectRequest struct {
	ApproverID string `json:"approver_id"`
	Reason     string `json:"reason"`
}

// ActionResponse is returned by approve and reject.
type ActionResponse struct {
	fleet.Outcome
	Event *EventDTO `json:"event,omitempty"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Entities    []string `json:"entities"`
}

// LoadScenarioRequest is the body of POST /api/scenarios/load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// DATE PARSING
// =============================================================================

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC3339: %q", s)
	}
	return t.UTC(), nil
}

func parseOptionalDate(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
