/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the fleet with realistic
	timelines for demos and manual testing. Each scenario registers its
	own units and attachments and replays a short history of events
	through the normal submission path, so every event is validated.

AVAILABLE SCENARIOS:

	site-allocation:    Unit working on a site with a future end date
	returned-unit:      Allocation that ended, unit back in the yard
	overdue-allocation: Allocation past its end date (exceeded)
	breakdown-on-site:  Allocated unit with an open downtime
	mounted-attachment: Breaker mounted on an excavator, unit in transit
	corrected-end-date: End date pushed back by a correction
	pending-refueling:  Refueling waiting for approval

HOW SCENARIOS WORK:
 1. Register the scenario's entities (ids carry the scenario prefix)
 2. Submit events with dates relative to today
 3. Run a sync so denormalized statuses match the derived states

	The event log is append-only, so nothing is reset. Loading the same
	scenario twice answers 409.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "overdue-allocation"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description, entities
 2. Add a seed function returning the scenario's events

SEE ALSO:
  - handlers.go: Handler
  - fleet/service.go: Submit, RegisterEntity
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/fleet-engine/fleet"
	"go.uber.org/zap"
)

const scenarioActor = "demo"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioSeed struct {
	ScenarioDTO
	units       []fleet.EntityRecord
	attachments []fleet.EntityRecord
	events      func(day func(offset int) time.Time) []fleet.Event
}

var scenarios = []scenarioSeed{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "site-allocation",
			Name:        "Site Allocation",
			Description: "Excavator allocated to a construction site until next month",
		},
		units: []fleet.EntityRecord{unit("sa-exc-01", "Excavator 01", "excavator")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "sa-ev-1", EntityID: "sa-exc-01", EventDate: day(-10), Payload: fleet.AllocationStart{
					SiteID: "site-north", EndDate: datePtr(day(20)), ConstructionType: "residential", LotBuildingNumber: "L-14",
				}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "returned-unit",
			Name:        "Returned Unit",
			Description: "Loader whose allocation ended early and is available again",
		},
		units: []fleet.EntityRecord{unit("ru-ldr-01", "Wheel Loader 01", "loader")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "ru-ev-1", EntityID: "ru-ldr-01", EventDate: day(-30), Payload: fleet.AllocationStart{
					SiteID: "site-east", EndDate: datePtr(day(-5)),
				}},
				{ID: "ru-ev-2", EntityID: "ru-ldr-01", EventDate: day(-6), Payload: fleet.AllocationEnd{SiteID: "site-east"}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "overdue-allocation",
			Name:        "Overdue Allocation",
			Description: "Crane still on site three days after its planned end date",
		},
		units: []fleet.EntityRecord{unit("oa-crn-01", "Mobile Crane 01", "crane")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "oa-ev-1", EntityID: "oa-crn-01", EventDate: day(-40), Payload: fleet.AllocationStart{
					SiteID: "site-center", EndDate: datePtr(day(-3)), ConstructionType: "commercial",
				}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "breakdown-on-site",
			Name:        "Breakdown On Site",
			Description: "Allocated dumper with an open downtime for a hydraulic leak",
		},
		units: []fleet.EntityRecord{unit("bd-dmp-01", "Site Dumper 01", "dumper")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "bd-ev-1", EntityID: "bd-dmp-01", EventDate: day(-15), Payload: fleet.AllocationStart{
					SiteID: "site-west", EndDate: datePtr(day(15)),
				}},
				{ID: "bd-ev-2", EntityID: "bd-dmp-01", EventDate: day(-2), Payload: fleet.DowntimeStart{
					Reason: "hydraulic leak", SiteID: "site-west",
				}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "mounted-attachment",
			Name:        "Mounted Attachment",
			Description: "Hydraulic breaker mounted on an excavator that is moving to a new site",
		},
		units:       []fleet.EntityRecord{unit("ma-exc-01", "Excavator 02", "excavator")},
		attachments: []fleet.EntityRecord{attachment("ma-brk-01", "Hydraulic Breaker 01", "breaker")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "ma-ev-1", EntityID: "ma-exc-01", EventDate: day(-12), Payload: fleet.AllocationStart{
					SiteID: "site-south", EndDate: datePtr(day(30)),
				}},
				{ID: "ma-ev-2", EntityID: "ma-exc-01", EventDate: day(-10), Payload: fleet.ExtensionAttach{
					ExtensionID: "ma-brk-01", SiteID: "site-south",
				}},
				{ID: "ma-ev-3", EntityID: "ma-exc-01", EventDate: day(-1), Payload: fleet.TransportStart{
					FromSiteID: "site-south", ToSiteID: "site-harbor",
				}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "corrected-end-date",
			Name:        "Corrected End Date",
			Description: "Allocation that would be overdue until a correction extends it",
		},
		units: []fleet.EntityRecord{unit("ce-rol-01", "Roller 01", "roller")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "ce-ev-1", EntityID: "ce-rol-01", EventDate: day(-20), Payload: fleet.AllocationStart{
					SiteID: "site-ring-road", EndDate: datePtr(day(-1)),
				}},
				{ID: "ce-ev-2", EntityID: "ce-rol-01", EventDate: day(-2), Payload: fleet.Correction{
					TargetID:    "ce-ev-1",
					Description: "paving phase extended",
					Overrides:   fleet.Overrides{EndDate: datePtr(day(30))},
				}},
			}
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "pending-refueling",
			Name:        "Pending Refueling",
			Description: "Generator refueled on site, waiting for approval",
		},
		units: []fleet.EntityRecord{unit("pr-gen-01", "Generator 01", "generator")},
		events: func(day func(int) time.Time) []fleet.Event {
			return []fleet.Event{
				{ID: "pr-ev-1", EntityID: "pr-gen-01", EventDate: day(-5), Payload: fleet.AllocationStart{
					SiteID: "site-north", EndDate: datePtr(day(10)),
				}},
				{ID: "pr-ev-2", EntityID: "pr-gen-01", EventDate: day(-1), Payload: fleet.Refueling{
					Quantity: decimal.RequireFromString("120.5"), Unit: "L", SiteID: "site-north",
				}},
			}
		},
	},
}

func unit(id, name, equipmentType string) fleet.EntityRecord {
	return fleet.EntityRecord{ID: fleet.EntityID(id), Name: name, Kind: fleet.KindUnit, EquipmentType: equipmentType, Active: true}
}

func attachment(id, name, equipmentType string) fleet.EntityRecord {
	return fleet.EntityRecord{ID: fleet.EntityID(id), Name: name, Kind: fleet.KindAttachment, EquipmentType: equipmentType, Active: true}
}

func datePtr(t time.Time) *time.Time { return &t }

func (s scenarioSeed) dto() ScenarioDTO {
	dto := s.ScenarioDTO
	dto.Entities = nil
	for _, e := range append(append([]fleet.EntityRecord{}, s.units...), s.attachments...) {
		dto.Entities = append(dto.Entities, string(e.ID))
	}
	return dto
}

func findScenario(id string) (scenarioSeed, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenarioSeed{}, false
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		dtos[i] = s.dto()
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the most recently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, _ := findScenario(current)
	writeJSON(w, http.StatusOK, s.dto())
}

// LoadScenario loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	loaded, err := h.scenarioLoaded(ctx, s)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if loaded {
		writeError(w, http.StatusConflict, fmt.Sprintf("Scenario %s is already loaded", s.ID), nil)
		return
	}

	if err := h.loadScenario(ctx, s); err != nil {
		h.Logger.Error("scenario load failed", zap.String("scenario", s.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.currentScenario = s.ID
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": s.ID})
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

func (h *Handler) scenarioLoaded(ctx context.Context, s scenarioSeed) (bool, error) {
	_, err := h.Service.Entity(ctx, s.units[0].ID)
	switch {
	case err == nil:
		return true, nil
	case fleet.Classify(err).Class == fleet.ClassNotFound:
		return false, nil
	default:
		return false, err
	}
}

func (h *Handler) loadScenario(ctx context.Context, s scenarioSeed) error {
	today := h.now().Truncate(24 * time.Hour)
	day := func(offset int) time.Time { return today.AddDate(0, 0, offset) }

	for _, rec := range append(append([]fleet.EntityRecord{}, s.units...), s.attachments...) {
		if _, err := h.Service.RegisterEntity(ctx, rec); err != nil {
			return fmt.Errorf("register %s: %w", rec.ID, err)
		}
	}

	for _, ev := range s.events(day) {
		res, err := h.Service.Submit(ctx, ev, scenarioActor)
		if err != nil {
			return fmt.Errorf("submit %s: %w", ev.ID, err)
		}
		if !res.Valid {
			return fmt.Errorf("event %s refused: %s", ev.ID, res.Reason)
		}
	}

	for _, rec := range s.units {
		if _, err := h.Service.SyncEntity(ctx, rec.ID); err != nil {
			return fmt.Errorf("sync %s: %w", rec.ID, err)
		}
	}
	for _, rec := range s.attachments {
		if _, err := h.Service.SyncEntity(ctx, rec.ID); err != nil {
			return fmt.Errorf("sync %s: %w", rec.ID, err)
		}
	}

	h.Logger.Info("scenario loaded", zap.String("scenario", s.ID))
	return nil
}

func (h *Handler) now() time.Time {
	if h.Service.Clock != nil {
		return h.Service.Clock()
	}
	return fleet.SystemClock()
}
