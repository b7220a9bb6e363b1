/*
service.go - Entry points used by the HTTP API and the CLI

OPERATIONS:
  Submit        validate, append (approved, or pending for refueling),
                run post-approval effects
  DerivedState  replay the timeline at now or at a given instant
  Approve       pending → approved
  Reject        pending → rejected
  SyncEntity    reconcile one denormalized status
  SyncAll       reconcile every active entity

WIRING:
  svc := fleet.NewService(fleet.Stores{...}, fleet.Options{Logger: logger})
*/
package fleet

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stores groups the collaborators a Service needs. Retries may be nil,
// in which case retryable failures are only audited.
type Stores struct {
	Log           EventLog
	Entities      EntityDirectory
	Status        StatusStore
	Audit         AuditLog
	Notifications NotificationScheduler
	Retries       RetryQueue
}

type Options struct {
	Clock      Clock
	Logger     *zap.Logger
	MaxRetries int
	// CacheTTL enables the as-of derived state cache when positive.
	CacheTTL time.Duration
	Feed     *ChangeFeed
}

type Service struct {
	Stores      Stores
	Validator   *Validator
	Coordinator *Coordinator
	Syncer      *Syncer
	Cache       *StateCache
	Feed        *ChangeFeed
	Clock       Clock
	Logger      *zap.Logger
}

func NewService(stores Stores, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	syncer := &Syncer{
		Log:      stores.Log,
		Entities: stores.Entities,
		Status:   stores.Status,
		Clock:    opts.Clock,
		Logger:   logger.Named("sync"),
	}
	coord := &Coordinator{
		Log:           stores.Log,
		Audit:         stores.Audit,
		Notifications: stores.Notifications,
		Retries:       stores.Retries,
		Syncer:        syncer,
		Logger:        logger.Named("approval"),
		Clock:         opts.Clock,
		MaxRetries:    opts.MaxRetries,
	}
	svc := &Service{
		Stores: stores,
		Validator: &Validator{
			Log:       stores.Log,
			Downtimes: ReplayDowntimeLookup{Log: stores.Log},
			Clock:     opts.Clock,
		},
		Coordinator: coord,
		Syncer:      syncer,
		Feed:        opts.Feed,
		Clock:       opts.Clock,
		Logger:      logger,
	}

	if opts.CacheTTL > 0 {
		svc.Cache = NewStateCache(opts.CacheTTL)
		coord.Publishers = append(coord.Publishers, svc.Cache)
	}
	if opts.Feed != nil {
		coord.Publishers = append(coord.Publishers, opts.Feed)
	}
	return svc
}

// =============================================================================
// SUBMISSION
// =============================================================================

type SubmitResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Event  *Event `json:"event,omitempty"`
}

// Submit admits ev into the log. An invalid event is reported in the
// result and never inserted; the error is reserved for failures.
func (s *Service) Submit(ctx context.Context, ev Event, actorID string) (SubmitResult, error) {
	for _, id := range ev.TouchedEntities() {
		if err := s.requireEntity(ctx, id); err != nil {
			return SubmitResult{}, err
		}
	}

	if ev.ID != "" {
		existing, err := s.Stores.Log.Get(ctx, ev.ID)
		if err != nil {
			return SubmitResult{}, asEngineError(err, "load event %s", ev.ID)
		}
		if existing != nil {
			return SubmitResult{}, ErrInvalidEvent.WithMessagef("event %s already exists", ev.ID)
		}
	}

	res, err := s.Validator.Validate(ctx, ev)
	if err != nil {
		return SubmitResult{}, err
	}
	if !res.Valid {
		s.Logger.Debug("event refused",
			zap.String("entity_id", string(ev.EntityID)),
			zap.String("event_type", string(ev.Type())),
			zap.String("reason", res.Reason))
		return SubmitResult{Valid: false, Reason: res.Reason}, nil
	}

	admitted := res.Event
	now := s.Clock.now()
	if admitted.ID == "" {
		admitted.ID = EventID(uuid.NewString())
	}
	admitted.CreatedAt = now
	admitted.CreatedBy = actorID
	admitted.RejectionReason = ""
	if admitted.Type() == EventRefueling {
		admitted.Status = StatusPending
		admitted.ApprovedBy = ""
		admitted.ApprovedAt = nil
	} else {
		admitted.Status = StatusApproved
		admitted.ApprovedBy = actorID
		admitted.ApprovedAt = timePtr(now)
	}

	if err := s.Stores.Log.Append(ctx, admitted); err != nil {
		return SubmitResult{}, asEngineError(err, "append event")
	}
	s.Coordinator.Submitted(ctx, admitted, actorID)

	return SubmitResult{Valid: true, Event: &admitted}, nil
}

func (s *Service) requireEntity(ctx context.Context, id EntityID) error {
	_, err := s.lookupEntity(ctx, id)
	return err
}

// lookupEntity returns nil without error when no directory is configured.
func (s *Service) lookupEntity(ctx context.Context, id EntityID) (*EntityRecord, error) {
	if s.Stores.Entities == nil {
		return nil, nil
	}
	rec, err := s.Stores.Entities.GetEntity(ctx, id)
	if err != nil {
		return nil, asEngineError(err, "load entity %s", id)
	}
	if rec == nil {
		return nil, ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	return rec, nil
}

// =============================================================================
// READS
// =============================================================================

// DerivedState replays the entity's timeline at *at, or at now when at is
// nil. Results for explicit instants are cached until this process
// publishes a change for the entity; changes written by another process
// on the same store show up once the cache TTL expires.
// A malformed correction chain returns the best-effort state together
// with an ErrStateInconsistent error.
func (s *Service) DerivedState(ctx context.Context, id EntityID, at *time.Time) (DerivedState, error) {
	ref := s.Clock.now()
	var gen uint64
	if at != nil {
		ref = *at
		if s.Cache != nil {
			if st, ok := s.Cache.Get(id, ref); ok {
				return st, nil
			}
			gen = s.Cache.Generation()
		}
	}

	rec, err := s.lookupEntity(ctx, id)
	if err != nil {
		return DerivedState{}, err
	}
	history, err := s.Stores.Log.History(ctx, id)
	if err != nil {
		return DerivedState{}, asEngineError(err, "load history of %s", id)
	}

	st, err := Derive(id, history, ref)
	if st.Kind == "" && rec != nil {
		st.Kind = rec.Kind
	}
	if err == nil && at != nil && s.Cache != nil {
		s.Cache.Put(id, ref, st, gen)
	}
	return st, err
}

func (s *Service) Event(ctx context.Context, id EventID) (*Event, error) {
	ev, err := s.Stores.Log.Get(ctx, id)
	if err != nil {
		return nil, asEngineError(err, "load event %s", id)
	}
	if ev == nil {
		return nil, ErrEventNotFound.WithMessagef("event %s does not exist", id)
	}
	return ev, nil
}

func (s *Service) Events(ctx context.Context, id EntityID, from, to time.Time) ([]Event, error) {
	evs, err := s.Stores.Log.Range(ctx, id, from, to)
	if err != nil {
		return nil, asEngineError(err, "load events of %s", id)
	}
	return evs, nil
}

func (s *Service) Pending(ctx context.Context) ([]Event, error) {
	evs, err := s.Stores.Log.Pending(ctx)
	if err != nil {
		return nil, asEngineError(err, "load pending events")
	}
	return evs, nil
}

// =============================================================================
// ENTITIES
// =============================================================================

// RegisterEntity adds a unit or attachment. Its denormalized status starts
// as available.
func (s *Service) RegisterEntity(ctx context.Context, rec EntityRecord) (*EntityRecord, error) {
	if rec.ID == "" {
		return nil, ErrInvalidEvent.WithMessage("entity id is required")
	}
	if rec.Kind != KindUnit && rec.Kind != KindAttachment {
		return nil, ErrInvalidEvent.WithMessagef("unknown entity kind %q", rec.Kind)
	}
	existing, err := s.Stores.Entities.GetEntity(ctx, rec.ID)
	if err != nil {
		return nil, asEngineError(err, "load entity %s", rec.ID)
	}
	if existing != nil {
		return nil, ErrInvalidEvent.WithMessagef("entity %s already exists", rec.ID)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Clock.now()
	}
	if rec.Status.Status == "" {
		rec.Status.Status = StateAvailable
	}
	if err := s.Stores.Entities.SaveEntity(ctx, rec); err != nil {
		return nil, asEngineError(err, "save entity %s", rec.ID)
	}
	return &rec, nil
}

func (s *Service) Entity(ctx context.Context, id EntityID) (*EntityRecord, error) {
	rec, err := s.Stores.Entities.GetEntity(ctx, id)
	if err != nil {
		return nil, asEngineError(err, "load entity %s", id)
	}
	if rec == nil {
		return nil, ErrEntityNotFound.WithMessagef("entity %s is not registered", id)
	}
	return rec, nil
}

func (s *Service) Entities(ctx context.Context, activeOnly bool) ([]EntityRecord, error) {
	recs, err := s.Stores.Entities.ListEntities(ctx, activeOnly)
	if err != nil {
		return nil, asEngineError(err, "list entities")
	}
	return recs, nil
}

// =============================================================================
// LIFECYCLE AND SYNC
// =============================================================================

func (s *Service) Approve(ctx context.Context, id EventID, approverID string) (*Event, error) {
	return s.Coordinator.Approve(ctx, id, approverID)
}

func (s *Service) Reject(ctx context.Context, id EventID, approverID, reason string) (*Event, error) {
	return s.Coordinator.Reject(ctx, id, approverID, reason)
}

func (s *Service) SyncEntity(ctx context.Context, id EntityID) (SyncResult, error) {
	res, err := s.Syncer.SyncEntity(ctx, id)
	if err == nil && res.Changed {
		s.Coordinator.publish(ctx, Change{Action: ChangeSynced, EntityIDs: []EntityID{id}, At: s.Clock.now()})
	}
	return res, err
}

func (s *Service) SyncAll(ctx context.Context) (SyncAllResult, error) {
	return s.Syncer.SyncAll(ctx)
}

// =============================================================================
// SUPPORTING QUERIES
// =============================================================================

func (s *Service) Audit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	if s.Stores.Audit == nil {
		return []AuditRecord{}, nil
	}
	recs, err := s.Stores.Audit.Query(ctx, f)
	if err != nil {
		return nil, asEngineError(err, "query audit log")
	}
	return recs, nil
}

func (s *Service) Retries(ctx context.Context, status RetryStatus) ([]RetryRecord, error) {
	if s.Stores.Retries == nil {
		return []RetryRecord{}, nil
	}
	recs, err := s.Stores.Retries.ListRetries(ctx, status)
	if err != nil {
		return nil, asEngineError(err, "list retries")
	}
	return recs, nil
}

// NewRetryWorker returns a worker bound to this service's queue and
// coordinator, or nil when no queue is configured.
func (s *Service) NewRetryWorker() *RetryWorker {
	if s.Stores.Retries == nil {
		return nil
	}
	w := NewRetryWorker(s.Stores.Retries, s.Coordinator)
	w.Logger = s.Logger.Named("retry")
	w.Clock = s.Clock
	return w
}
