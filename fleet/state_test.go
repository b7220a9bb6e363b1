package fleet_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-engine/fleet"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// day returns day n of March 2025 (day(1) is March 1st).
func day(n int) time.Time {
	return fleet.Day(2025, time.March, 1).AddDate(0, 0, n-1)
}

func approved(id, entity string, date time.Time, p fleet.Payload) fleet.Event {
	return fleet.Event{
		ID:        fleet.EventID(id),
		EntityID:  fleet.EntityID(entity),
		EventDate: date,
		Payload:   p,
		Status:    fleet.StatusApproved,
		CreatedAt: date,
	}
}

func pending(id, entity string, date time.Time, p fleet.Payload) fleet.Event {
	ev := approved(id, entity, date, p)
	ev.Status = fleet.StatusPending
	return ev
}

func endDate(n int) *time.Time {
	t := day(n)
	return &t
}

func site(s string) *fleet.SiteID {
	id := fleet.SiteID(s)
	return &id
}

func startAt(id, unit, siteID string, date time.Time) fleet.Event {
	return approved(id, unit, date, fleet.AllocationStart{SiteID: fleet.SiteID(siteID)})
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestDerive_ScenarioA_AllocatedAtSite(t *testing.T) {
	// GIVEN: A unit started at S1 on day 1 with no further events
	events := []fleet.Event{startAt("e1", "U", "S1", day(1))}

	// WHEN: Deriving on day 10
	st, err := fleet.Derive("U", events, day(10))

	// THEN: The unit is allocated at S1
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
	assert.Equal(t, day(1), *st.AllocationStart)
	assert.Equal(t, fleet.EventID("e1"), st.LastEventID)
}

func TestDerive_ScenarioB_EndedAllocationIsAvailable(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("e2", "U", day(5), fleet.AllocationEnd{}),
	}

	st, err := fleet.Derive("U", events, day(10))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)
	assert.Empty(t, st.CurrentSiteID)
	assert.Nil(t, st.AllocationStart)
	assert.Nil(t, st.EndDate)
}

func TestDerive_ScenarioC_PastEndDateIsExceeded(t *testing.T) {
	events := []fleet.Event{
		approved("e1", "U", day(1), fleet.AllocationStart{SiteID: "S1", EndDate: endDate(3)}),
	}

	st, err := fleet.Derive("U", events, day(10))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateExceeded, st.Status)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)

	// Before the end date the same history is a plain allocation
	st, err = fleet.Derive("U", events, day(2))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
}

func TestDerive_ScenarioD_DowntimeDuringAllocation(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("e2", "U", day(2), fleet.DowntimeStart{Reason: "hydraulic leak"}),
	}

	st, err := fleet.Derive("U", events, day(10))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
	assert.True(t, st.IsInDowntime)
	assert.Equal(t, "hydraulic leak", st.DowntimeReason)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
	assert.Equal(t, fleet.EventID("e2"), st.OpenDowntimeID)
}

// =============================================================================
// REPLAY PROPERTIES
// =============================================================================

func TestDerive_Deterministic(t *testing.T) {
	events := []fleet.Event{
		approved("e3", "U", day(4), fleet.ExtensionAttach{ExtensionID: "X2"}),
		startAt("e1", "U", "S1", day(1)),
		approved("e2", "U", day(2), fleet.ExtensionAttach{ExtensionID: "X1"}),
		approved("e4", "U", day(3), fleet.DowntimeStart{Reason: "service"}),
	}

	first, err := fleet.Derive("U", events, day(10))
	require.NoError(t, err)
	second, err := fleet.Derive("U", events, day(10))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, []fleet.EntityID{"X1", "X2"}, first.AttachedExtensions)
}

func TestDerive_InputOrderDoesNotMatter(t *testing.T) {
	a := startAt("e1", "U", "S1", day(1))
	b := approved("e2", "U", day(4), fleet.AllocationEnd{})
	c := startAt("e3", "U", "S2", day(6))

	forward, err := fleet.Derive("U", []fleet.Event{a, b, c}, day(10))
	require.NoError(t, err)
	backward, err := fleet.Derive("U", []fleet.Event{c, b, a}, day(10))
	require.NoError(t, err)

	assert.Equal(t, forward, backward)
	assert.Equal(t, fleet.SiteID("S2"), forward.CurrentSiteID)
}

func TestDerive_SameDateFoldsInCreationOrder(t *testing.T) {
	// GIVEN: A start and an end on the same logical date
	start := startAt("b-start", "U", "S1", day(3))
	end := approved("a-end", "U", day(3), fleet.AllocationEnd{})

	// WHEN: The start was recorded before the end
	start.CreatedAt = day(3).Add(time.Minute)
	end.CreatedAt = day(3).Add(2 * time.Minute)
	st, err := fleet.Derive("U", []fleet.Event{end, start}, day(10))

	// THEN: The end folds last
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)

	// WHEN: The end was recorded first
	end.CreatedAt = day(3)
	st, err = fleet.Derive("U", []fleet.Event{start, end}, day(10))

	// THEN: The start folds last, whatever the ids say
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
}

func TestDerive_OnlyApprovedEventsFold(t *testing.T) {
	rejected := startAt("e2", "U", "S2", day(2))
	rejected.Status = fleet.StatusRejected

	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		rejected,
		pending("e3", "U", day(3), fleet.AllocationEnd{}),
	}

	st, err := fleet.Derive("U", events, day(10))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
}

func TestDerive_AsOfIgnoresLaterEvents(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("e2", "U", day(5), fleet.AllocationEnd{}),
	}

	st, err := fleet.Derive("U", events, day(4))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
	assert.Equal(t, day(4), st.AsOf)
}

func TestDerive_NoEventsIsAvailable(t *testing.T) {
	st, err := fleet.Derive("U", nil, day(1))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)
	assert.Empty(t, st.Kind)
	assert.NotNil(t, st.AttachedExtensions)
}

func TestDerive_KindFromTimeline(t *testing.T) {
	// GIVEN: A unit that allocates and an entity with only a downtime
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("d1", "X", day(2), fleet.DowntimeStart{Reason: "worn teeth"}),
	}

	// WHEN: Deriving both
	unit, err := fleet.Derive("U", events, day(5))
	require.NoError(t, err)
	other, err := fleet.Derive("X", events, day(5))
	require.NoError(t, err)

	// THEN: Only the timeline that shows its kind reports one
	assert.Equal(t, fleet.KindUnit, unit.Kind)
	assert.Empty(t, other.Kind)
	assert.Equal(t, fleet.StateMaintenance, other.Status)
}

// =============================================================================
// DOWNTIME
// =============================================================================

func TestDerive_DowntimeWithoutAllocationIsMaintenance(t *testing.T) {
	events := []fleet.Event{
		approved("d1", "U", day(2), fleet.DowntimeStart{Reason: "engine"}),
	}

	st, err := fleet.Derive("U", events, day(3))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateMaintenance, st.Status)

	events = append(events, approved("d2", "U", day(4), fleet.DowntimeEnd{}))
	st, err = fleet.Derive("U", events, day(5))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)
	assert.False(t, st.IsInDowntime)
	assert.Empty(t, st.DowntimeReason)
}

func TestDerive_DowntimeEndClosesNamedDowntime(t *testing.T) {
	// GIVEN: Two open downtimes
	events := []fleet.Event{
		approved("d1", "U", day(1), fleet.DowntimeStart{Reason: "tyres"}),
		approved("d2", "U", day(2), fleet.DowntimeStart{Reason: "engine"}),
	}

	// WHEN: The first one is closed explicitly
	events = append(events, approved("d3", "U", day(3), fleet.DowntimeEnd{DowntimeStartID: "d1"}))
	st, err := fleet.Derive("U", events, day(4))

	// THEN: The second stays open
	require.NoError(t, err)
	assert.True(t, st.IsInDowntime)
	assert.Equal(t, "engine", st.DowntimeReason)
	assert.Equal(t, fleet.EventID("d2"), st.OpenDowntimeID)
}

func TestDerive_DowntimeEndWithoutIDClosesMostRecent(t *testing.T) {
	events := []fleet.Event{
		approved("d1", "U", day(1), fleet.DowntimeStart{Reason: "tyres"}),
		approved("d2", "U", day(2), fleet.DowntimeStart{Reason: "engine"}),
		approved("d3", "U", day(3), fleet.DowntimeEnd{}),
	}

	st, err := fleet.Derive("U", events, day(4))

	require.NoError(t, err)
	assert.True(t, st.IsInDowntime)
	assert.Equal(t, "tyres", st.DowntimeReason)
}

func TestDerive_StartAllocationClearsDowntime(t *testing.T) {
	events := []fleet.Event{
		approved("d1", "U", day(1), fleet.DowntimeStart{Reason: "engine"}),
		startAt("e1", "U", "S1", day(2)),
	}

	st, err := fleet.Derive("U", events, day(3))

	require.NoError(t, err)
	assert.False(t, st.IsInDowntime)
	assert.Equal(t, fleet.StateAllocated, st.Status)
}

// =============================================================================
// ATTACHMENTS AND TRANSPORT
// =============================================================================

func TestDerive_AttachmentPastEndDateIsExceeded(t *testing.T) {
	// GIVEN: An attachment mounted until day 10
	events := []fleet.Event{
		approved("a1", "U", day(2), fleet.ExtensionAttach{ExtensionID: "X", SiteID: "S1", EndDate: endDate(10)}),
	}

	// WHEN: Deriving on day 9 and day 12
	before, err := fleet.Derive("X", events, day(9))
	require.NoError(t, err)
	after, err := fleet.Derive("X", events, day(12))
	require.NoError(t, err)

	// THEN: It is attached, then exceeded while still mounted
	assert.Equal(t, fleet.StateAttached, before.Status)
	assert.Equal(t, fleet.StateExceeded, after.Status)
	assert.Equal(t, fleet.EntityID("U"), after.CurrentMachineID)
}

func TestDerive_AttachmentPerspective(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("a1", "U", day(2), fleet.ExtensionAttach{ExtensionID: "X", SiteID: "S1", EndDate: endDate(30)}),
	}

	unit, err := fleet.Derive("U", events, day(5))
	require.NoError(t, err)
	assert.Equal(t, []fleet.EntityID{"X"}, unit.AttachedExtensions)
	assert.Empty(t, unit.CurrentMachineID)

	ext, err := fleet.Derive("X", events, day(5))
	require.NoError(t, err)
	assert.Equal(t, fleet.KindAttachment, ext.Kind)
	assert.Equal(t, fleet.StateAttached, ext.Status)
	assert.Equal(t, fleet.EntityID("U"), ext.CurrentMachineID)
	assert.Equal(t, fleet.SiteID("S1"), ext.CurrentSiteID)

	events = append(events, approved("a2", "U", day(6), fleet.ExtensionDetach{ExtensionID: "X"}))

	unit, err = fleet.Derive("U", events, day(7))
	require.NoError(t, err)
	assert.Empty(t, unit.AttachedExtensions)

	ext, err = fleet.Derive("X", events, day(7))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, ext.Status)
	assert.Empty(t, ext.CurrentMachineID)
	assert.Nil(t, ext.EndDate)
}

func TestDerive_TransportUpdatesSiteOnArrival(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("t1", "U", day(2), fleet.TransportStart{FromSiteID: "S1", ToSiteID: "S2"}),
	}

	st, err := fleet.Derive("U", events, day(3))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateInTransit, st.Status)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
	assert.Equal(t, fleet.SiteID("S2"), st.InTransitTo)

	events = append(events, approved("t2", "U", day(4), fleet.TransportArrival{SiteID: "S2"}))
	st, err = fleet.Derive("U", events, day(5))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAllocated, st.Status)
	assert.Equal(t, fleet.SiteID("S2"), st.CurrentSiteID)
	assert.Empty(t, st.InTransitTo)
}

func TestDerive_TransportWithoutAllocationKeepsSiteEmpty(t *testing.T) {
	events := []fleet.Event{
		approved("t1", "U", day(2), fleet.TransportStart{ToSiteID: "S2"}),
		approved("t2", "U", day(3), fleet.TransportArrival{SiteID: "S2"}),
	}

	st, err := fleet.Derive("U", events, day(4))

	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)
	assert.Empty(t, st.CurrentSiteID)
}

// =============================================================================
// REFUELING
// =============================================================================

func TestDerive_PendingRefuelingHasNoEffect(t *testing.T) {
	events := []fleet.Event{
		pending("r1", "U", day(2), fleet.Refueling{Quantity: decimal.NewFromInt(120), Unit: "L"}),
	}

	st, err := fleet.Derive("U", events, day(3))

	require.NoError(t, err)
	assert.Nil(t, st.LastRefueling)
	assert.Empty(t, st.LastEventID)
}

func TestDerive_ApprovedRefuelingIsRecorded(t *testing.T) {
	events := []fleet.Event{
		approved("r1", "U", day(2), fleet.Refueling{Quantity: decimal.RequireFromString("80.5"), Unit: "L"}),
		approved("r2", "U", day(4), fleet.Refueling{Quantity: decimal.RequireFromString("42.25"), Unit: "L"}),
	}

	st, err := fleet.Derive("U", events, day(5))

	require.NoError(t, err)
	require.NotNil(t, st.LastRefueling)
	assert.Equal(t, fleet.EventID("r2"), st.LastRefueling.EventID)
	assert.True(t, decimal.RequireFromString("42.25").Equal(st.LastRefueling.Quantity))
	assert.Equal(t, fleet.StateAvailable, st.Status)
}

// =============================================================================
// CORRECTIONS
// =============================================================================

func correction(id, entity, target string, date time.Time, o fleet.Overrides) fleet.Event {
	return approved(id, entity, date, fleet.Correction{TargetID: fleet.EventID(target), Overrides: o})
}

func TestDerive_CorrectionCausality(t *testing.T) {
	// GIVEN: An allocation from day 5 to day 20, corrected to end on day 8
	events := []fleet.Event{
		approved("e1", "U", day(5), fleet.AllocationStart{SiteID: "S1", EndDate: endDate(20)}),
		correction("c1", "U", "e1", day(12), fleet.Overrides{EndDate: endDate(8)}),
	}

	// THEN: Every reference time from the original date sees the new end date
	st, err := fleet.Derive("U", events, day(10))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateExceeded, st.Status)
	assert.Equal(t, day(8), *st.EndDate)

	st, err = fleet.Derive("U", events, day(5))
	require.NoError(t, err)
	assert.Equal(t, day(8), *st.EndDate)

	// AND: Times before the original event are unaffected
	st, err = fleet.Derive("U", events, day(4))
	require.NoError(t, err)
	assert.Equal(t, fleet.StateAvailable, st.Status)
	assert.Nil(t, st.EndDate)
}

func TestDerive_CorrectionAppliesAtOriginalPosition(t *testing.T) {
	// GIVEN: Allocation at S1 on day 1, end on day 5, new allocation at S3 on day 6
	// WHEN: The first allocation's site is corrected to S2 on day 9
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("e2", "U", day(5), fleet.AllocationEnd{}),
		startAt("e3", "U", "S3", day(6)),
		correction("c1", "U", "e1", day(9), fleet.Overrides{SiteID: site("S2")}),
	}

	// THEN: The correction changes the past, not the present
	st, err := fleet.Derive("U", events, day(3))
	require.NoError(t, err)
	assert.Equal(t, fleet.SiteID("S2"), st.CurrentSiteID)

	st, err = fleet.Derive("U", events, day(10))
	require.NoError(t, err)
	assert.Equal(t, fleet.SiteID("S3"), st.CurrentSiteID)
}

func TestDerive_LaterCorrectionWinsPerField(t *testing.T) {
	ct := "foundation"
	lot := "B-12"
	events := []fleet.Event{
		approved("e1", "U", day(1), fleet.AllocationStart{SiteID: "S1", ConstructionType: "framing"}),
		correction("c1", "U", "e1", day(3), fleet.Overrides{SiteID: site("S2"), ConstructionType: &ct}),
		correction("c2", "U", "e1", day(4), fleet.Overrides{SiteID: site("S3"), LotBuildingNumber: &lot}),
	}

	st, err := fleet.Derive("U", events, day(5))

	require.NoError(t, err)
	assert.Equal(t, fleet.SiteID("S3"), st.CurrentSiteID)
	assert.Equal(t, "foundation", st.ConstructionType)
	assert.Equal(t, "B-12", st.LotBuildingNumber)
}

func TestDerive_CorrectionOfCorrectionAmendsOriginal(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		correction("c1", "U", "e1", day(3), fleet.Overrides{SiteID: site("S2")}),
		correction("c2", "U", "c1", day(4), fleet.Overrides{SiteID: site("S4")}),
	}

	st, err := fleet.Derive("U", events, day(5))

	require.NoError(t, err)
	assert.Equal(t, fleet.SiteID("S4"), st.CurrentSiteID)
}

func TestDerive_PendingCorrectionIsIgnored(t *testing.T) {
	c := correction("c1", "U", "e1", day(3), fleet.Overrides{SiteID: site("S2")})
	c.Status = fleet.StatusPending

	st, err := fleet.Derive("U", []fleet.Event{startAt("e1", "U", "S1", day(1)), c}, day(5))

	require.NoError(t, err)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
}

func TestDerive_CorrectionDowntimeReason(t *testing.T) {
	reason := "brake failure"
	events := []fleet.Event{
		approved("d1", "U", day(1), fleet.DowntimeStart{Reason: "unknown"}),
		correction("c1", "U", "d1", day(2), fleet.Overrides{DowntimeReason: &reason}),
	}

	st, err := fleet.Derive("U", events, day(3))

	require.NoError(t, err)
	assert.Equal(t, "brake failure", st.DowntimeReason)
}

func TestDerive_CorrectionCycleIsReported(t *testing.T) {
	// GIVEN: Two corrections pointing at each other
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		correction("c1", "U", "c2", day(2), fleet.Overrides{SiteID: site("S2")}),
		correction("c2", "U", "c1", day(3), fleet.Overrides{SiteID: site("S3")}),
	}

	// WHEN: Deriving
	st, err := fleet.Derive("U", events, day(5))

	// THEN: The cycle is reported, not applied
	require.Error(t, err)
	assert.True(t, errors.Is(err, fleet.ErrStateInconsistent))
	assert.Len(t, st.Inconsistencies, 2)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
	assert.Equal(t, fleet.StateAllocated, st.Status)
}

func TestDerive_ForeignCorrectionIsReported(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		startAt("other", "V", "S9", day(1)),
		correction("c1", "U", "other", day(2), fleet.Overrides{SiteID: site("S2")}),
	}

	st, err := fleet.Derive("U", events, day(5))

	require.Error(t, err)
	assert.Equal(t, fleet.ClassStateInconsistency, fleet.Classify(err).Class)
	require.Len(t, st.Inconsistencies, 1)
	assert.Equal(t, fleet.EventID("c1"), st.Inconsistencies[0].CorrectionID)
	assert.Equal(t, fleet.SiteID("S1"), st.CurrentSiteID)
}

func TestDerive_CorrectionWithoutTargetIsReported(t *testing.T) {
	events := []fleet.Event{
		correction("c1", "U", "", day(2), fleet.Overrides{SiteID: site("S2")}),
	}

	st, err := fleet.Derive("U", events, day(5))

	require.Error(t, err)
	assert.Len(t, st.Inconsistencies, 1)
}

func TestEffective_AppliesCorrections(t *testing.T) {
	events := []fleet.Event{
		approved("e1", "U", day(1), fleet.AllocationStart{SiteID: "S1", EndDate: endDate(20)}),
		correction("c1", "U", "e1", day(2), fleet.Overrides{EndDate: endDate(9)}),
	}

	ev, ok := fleet.Effective("e1", events)

	require.True(t, ok)
	assert.Equal(t, day(9), *ev.EndDate())

	_, ok = fleet.Effective("missing", events)
	assert.False(t, ok)
}

func TestDerivedState_Projection(t *testing.T) {
	events := []fleet.Event{
		startAt("e1", "U", "S1", day(1)),
		approved("d1", "U", day(2), fleet.DowntimeStart{Reason: "oil"}),
	}
	st, err := fleet.Derive("U", events, day(3))
	require.NoError(t, err)

	p := st.Projection()

	assert.Equal(t, fleet.StateAllocated, p.Status)
	assert.Equal(t, fleet.SiteID("S1"), p.CurrentSiteID)
	assert.True(t, p.IsInDowntime)
	assert.Equal(t, "oil", p.DowntimeReason)
	assert.Nil(t, p.SyncedAt)
}
