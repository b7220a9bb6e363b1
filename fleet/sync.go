/*
sync.go - Reconciliation of the denormalized status cache

PURPOSE:
  Entity records carry a cached projection of their derived state for fast
  listing and filtering. The cache may lag the log (a crash between a
  status flip and the write-back leaves it stale). Sync recomputes the
  projection from the log and overwrites the cache when they differ.

GUARANTEES:
  - Idempotent: a second SyncEntity with no new approved events writes
    nothing
  - SyncAll processes every active entity; one failure never stops the
    others
*/
package fleet

import (
	"context"

	"go.uber.org/zap"
)

type Syncer struct {
	Log      EventLog
	Entities EntityDirectory
	Status   StatusStore
	Clock    Clock
	Logger   *zap.Logger
}

type SyncResult struct {
	EntityID EntityID           `json:"entity_id"`
	Changed  bool               `json:"changed"`
	Status   DenormalizedStatus `json:"status"`
}

type SyncError struct {
	EntityID EntityID `json:"entity_id"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

type SyncAllResult struct {
	Synced  int         `json:"synced"`
	Updated int         `json:"updated"`
	Errors  []SyncError `json:"errors"`
}

// SyncEntity derives the entity's state at now and writes the projection
// if it differs from the stored one. A malformed correction chain is
// reported through the returned error, after the best-effort projection
// has been stored.
func (s *Syncer) SyncEntity(ctx context.Context, id EntityID) (SyncResult, error) {
	res := SyncResult{EntityID: id}

	current, err := s.Status.GetStatus(ctx, id)
	if err != nil {
		return res, asEngineError(err, "load status of %s", id)
	}

	history, err := s.Log.History(ctx, id)
	if err != nil {
		return res, asEngineError(err, "load history of %s", id)
	}

	now := s.Clock.now()
	st, derr := Derive(id, history, now)
	next := st.Projection()

	if current.SameProjection(next) {
		res.Status = current
		return res, derr
	}

	next.SyncedAt = timePtr(now)
	if err := s.Status.PutStatus(ctx, id, next); err != nil {
		return res, asEngineError(err, "write status of %s", id)
	}

	s.logger().Debug("status synced",
		zap.String("entity_id", string(id)),
		zap.String("from", string(current.Status)),
		zap.String("to", string(next.Status)))

	res.Changed = true
	res.Status = next
	return res, derr
}

// SyncAll syncs every active entity. The error is only set when the
// entity list itself cannot be read.
func (s *Syncer) SyncAll(ctx context.Context) (SyncAllResult, error) {
	out := SyncAllResult{Errors: []SyncError{}}

	entities, err := s.Entities.ListEntities(ctx, true)
	if err != nil {
		return out, asEngineError(err, "list entities")
	}

	for _, e := range entities {
		res, err := s.SyncEntity(ctx, e.ID)
		if err != nil {
			ee := Classify(err)
			out.Errors = append(out.Errors, SyncError{EntityID: e.ID, Code: ee.Code, Message: ee.Error()})
			s.logger().Warn("sync failed", zap.String("entity_id", string(e.ID)), zap.Error(err))
			continue
		}
		out.Synced++
		if res.Changed {
			out.Updated++
		}
	}

	s.logger().Info("sync complete",
		zap.Int("synced", out.Synced),
		zap.Int("updated", out.Updated),
		zap.Int("errors", len(out.Errors)))
	return out, nil
}

func (s *Syncer) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
