/*
retry.go - Durable retry of approve/reject actions

PURPOSE:
  Connection-class failures during approval or rejection are queued by the
  Coordinator before the failure is returned. RetryWorker replays them in
  the background, never inline with the original request.

POLICY:
  - Each record is attempted at most MaxRetries times (3 by default)
  - Attempt n is scheduled Backoff * n after attempt n-1 failed
  - A replay never enqueues a new record
  - Non-retryable outcomes (already processed, not found, validation)
    discard the record: retrying cannot change them

USAGE:
  w := fleet.NewRetryWorker(queue, coordinator)
  w.Interval = 30 * time.Second
  w.Start()
  defer w.Stop()

SEE ALSO:
  - approval.go: Enqueues failed attempts
  - store/redisq: Redis implementation of RetryQueue
*/
package fleet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultMaxRetries = 3

type RetryAction string

const (
	RetryApprove RetryAction = "approve"
	RetryReject  RetryAction = "reject"
)

type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetrySucceeded RetryStatus = "succeeded"
	RetryFailed    RetryStatus = "failed"
	RetryDiscarded RetryStatus = "discarded"
)

type RetryRecord struct {
	ID            string      `json:"id"`
	EventID       EventID     `json:"event_id"`
	ActorID       string      `json:"actor_id"`
	Action        RetryAction `json:"action_type"`
	Reason        string      `json:"reason,omitempty"`
	ErrorDetails  string      `json:"error_details,omitempty"`
	Status        RetryStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	MaxRetries    int         `json:"max_retries"`
	NextAttemptAt time.Time   `json:"next_attempt_at"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type RetryQueue interface {
	Enqueue(ctx context.Context, r RetryRecord) error
	// Due returns pending records with NextAttemptAt <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]RetryRecord, error)
	UpdateRetry(ctx context.Context, r RetryRecord) error
	// ListRetries returns records with the given status, or all when empty.
	ListRetries(ctx context.Context, status RetryStatus) ([]RetryRecord, error)
}

// =============================================================================
// WORKER
// =============================================================================

type RetryWorker struct {
	Queue       RetryQueue
	Coordinator *Coordinator
	Interval    time.Duration
	Backoff     time.Duration
	BatchSize   int
	Logger      *zap.Logger
	Clock       Clock

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRetryWorker(queue RetryQueue, coordinator *Coordinator) *RetryWorker {
	return &RetryWorker{
		Queue:       queue,
		Coordinator: coordinator,
		Interval:    30 * time.Second,
		Backoff:     time.Minute,
		BatchSize:   50,
		Logger:      zap.NewNop(),
	}
}

// RetryRun summarizes one pass over the due records.
type RetryRun struct {
	Succeeded   int
	Rescheduled int
	Failed      int
	Discarded   int
}

func (w *RetryWorker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker != nil {
		return
	}
	w.ticker = time.NewTicker(w.Interval)
	w.stop = make(chan struct{})
	w.wg.Add(1)
	go w.run()

	w.logger().Info("retry worker started", zap.Duration("interval", w.Interval))
}

func (w *RetryWorker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ticker == nil {
		return
	}
	w.ticker.Stop()
	close(w.stop)
	w.wg.Wait()
	w.ticker = nil
	w.logger().Info("retry worker stopped")
}

func (w *RetryWorker) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ticker.C:
			if _, err := w.RunOnce(context.Background()); err != nil {
				w.logger().Error("retry pass failed", zap.Error(err))
			}
		case <-w.stop:
			return
		}
	}
}

// RunOnce replays every due record once.
func (w *RetryWorker) RunOnce(ctx context.Context) (RetryRun, error) {
	var run RetryRun
	now := w.Clock.now()

	due, err := w.Queue.Due(ctx, now, w.BatchSize)
	if err != nil {
		return run, err
	}

	for _, rec := range due {
		rec = w.attempt(ctx, rec, now)
		switch rec.Status {
		case RetrySucceeded:
			run.Succeeded++
		case RetryFailed:
			run.Failed++
		case RetryDiscarded:
			run.Discarded++
		default:
			run.Rescheduled++
		}
		if err := w.Queue.UpdateRetry(ctx, rec); err != nil {
			w.logger().Error("update retry record", zap.String("retry_id", rec.ID), zap.Error(err))
		}
	}

	if len(due) > 0 {
		w.logger().Info("retry pass complete",
			zap.Int("succeeded", run.Succeeded),
			zap.Int("rescheduled", run.Rescheduled),
			zap.Int("failed", run.Failed),
			zap.Int("discarded", run.Discarded))
	}
	return run, nil
}

func (w *RetryWorker) attempt(ctx context.Context, rec RetryRecord, now time.Time) RetryRecord {
	if rec.MaxRetries <= 0 {
		rec.MaxRetries = DefaultMaxRetries
	}
	rec.RetryCount++
	rec.UpdatedAt = now

	err := w.Coordinator.Retry(ctx, rec)
	log := w.logger().With(
		zap.String("retry_id", rec.ID),
		zap.String("event_id", string(rec.EventID)),
		zap.String("action", string(rec.Action)),
		zap.Int("attempt", rec.RetryCount))

	if err == nil {
		rec.Status = RetrySucceeded
		rec.ErrorDetails = ""
		w.Coordinator.recordRetry(ctx, rec, AuditRetrySucceeded, nil)
		log.Info("retry succeeded")
		return rec
	}

	cause := Classify(err)
	rec.ErrorDetails = cause.Error()

	switch {
	case !cause.Retryable():
		rec.Status = RetryDiscarded
		log.Warn("retry discarded", zap.String("code", cause.Code))
	case rec.RetryCount >= rec.MaxRetries:
		rec.Status = RetryFailed
		w.Coordinator.recordRetry(ctx, rec, AuditRetryExhausted, cause)
		log.Error("retry attempts exhausted", zap.Error(err))
	default:
		rec.Status = RetryPending
		rec.NextAttemptAt = now.Add(w.Backoff * time.Duration(rec.RetryCount))
		log.Warn("retry rescheduled", zap.Time("next_attempt_at", rec.NextAttemptAt), zap.Error(err))
	}
	return rec
}

func (w *RetryWorker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
