package fleet_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/warp/fleet-engine/fleet"
	"github.com/warp/fleet-engine/fleet/store"
)

var errStoreDown = errors.New("database is locked")

// flakyLog wraps an EventLog and fails selected operations.
type flakyLog struct {
	fleet.EventLog
	failGet        error
	failHistory    error
	failTransition error

	// commitThenFail lets Transition commit before failing with
	// errStoreDown; failGetAfterCommit also takes reads down from then on.
	commitThenFail     bool
	failGetAfterCommit bool
}

func (f *flakyLog) Get(ctx context.Context, id fleet.EventID) (*fleet.Event, error) {
	if f.failGet != nil {
		return nil, f.failGet
	}
	return f.EventLog.Get(ctx, id)
}

func (f *flakyLog) History(ctx context.Context, id fleet.EntityID) ([]fleet.Event, error) {
	if f.failHistory != nil {
		return nil, f.failHistory
	}
	return f.EventLog.History(ctx, id)
}

func (f *flakyLog) Transition(ctx context.Context, id fleet.EventID, t fleet.Transition) (*fleet.Event, error) {
	if f.failTransition != nil {
		return nil, f.failTransition
	}
	if f.commitThenFail {
		if _, err := f.EventLog.Transition(ctx, id, t); err != nil {
			return nil, err
		}
		if f.failGetAfterCommit {
			f.failGet = errStoreDown
		}
		return nil, errStoreDown
	}
	return f.EventLog.Transition(ctx, id, t)
}

// recorder collects published changes.
type recorder struct {
	changes []fleet.Change
}

func (r *recorder) Publish(_ context.Context, ch fleet.Change) {
	r.changes = append(r.changes, ch)
}

func seed(t *testing.T, mem *store.Memory, events ...fleet.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, mem.Append(context.Background(), ev))
	}
}

func register(t *testing.T, mem *store.Memory, kind fleet.EntityKind, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, mem.SaveEntity(context.Background(), fleet.EntityRecord{
			ID:     fleet.EntityID(id),
			Name:   id,
			Kind:   kind,
			Active: true,
			Status: fleet.DenormalizedStatus{Status: fleet.StateAvailable},
		}))
	}
}

func auditActions(t *testing.T, mem *store.Memory, eventID fleet.EventID) []fleet.AuditAction {
	t.Helper()
	recs, err := mem.Query(context.Background(), fleet.AuditFilter{Entity: "event", EntityID: string(eventID)})
	require.NoError(t, err)
	actions := make([]fleet.AuditAction, len(recs))
	for i, r := range recs {
		actions[i] = r.Action
	}
	return actions
}
