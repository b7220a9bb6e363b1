/*
scheduler.go - Periodic full reconciliation

PURPOSE:
  "exceeded" depends on the current date, not only on events, so an
  allocation crosses its end date without anything being written. The
  scheduler runs SyncAll on an interval so denormalized statuses follow
  the calendar and any drift left by failed post-approval syncs is
  repaired.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - Keeps the most recent runs for GET /api/sync/runs

USAGE:
  scheduler := NewSyncScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: SyncAll endpoint (manual reconciliation)
  - fleet/sync.go: Syncer
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/fleet-engine/fleet"
	"go.uber.org/zap"
)

const keepRuns = 20

// SyncRun records one scheduled reconciliation.
type SyncRun struct {
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Result     fleet.SyncAllResult `json:"result"`
	Error      string              `json:"error,omitempty"`
}

// SyncScheduler handles automated reconciliation of every active entity.
type SyncScheduler struct {
	Service       *fleet.Service
	CheckInterval time.Duration
	Enabled       bool
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	runsMu sync.RWMutex
	runs   []SyncRun
}

// NewSyncScheduler creates a new scheduler.
func NewSyncScheduler(svc *fleet.Service, logger *zap.Logger) *SyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncScheduler{
		Service:       svc,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Logger:        logger,
	}
}

// Start begins the scheduler.
func (s *SyncScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("sync scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run()

	s.Logger.Info("sync scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler.
func (s *SyncScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.Logger.Info("sync scheduler stopped")
	}
}

func (s *SyncScheduler) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunNow reconciles immediately and records the run.
func (s *SyncScheduler) RunNow(ctx context.Context) SyncRun {
	run := SyncRun{StartedAt: time.Now().UTC()}

	res, err := s.Service.SyncAll(ctx)
	run.Result = res
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
		s.Logger.Error("scheduled sync failed", zap.Error(err))
	} else {
		s.Logger.Info("scheduled sync complete",
			zap.Int("synced", res.Synced),
			zap.Int("updated", res.Updated),
			zap.Int("errors", len(res.Errors)))
	}

	s.runsMu.Lock()
	s.runs = append(s.runs, run)
	if len(s.runs) > keepRuns {
		s.runs = s.runs[len(s.runs)-keepRuns:]
	}
	s.runsMu.Unlock()

	return run
}

// Runs returns the recorded runs, most recent first.
func (s *SyncScheduler) Runs() []SyncRun {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	out := make([]SyncRun, len(s.runs))
	for i, r := range s.runs {
		out[len(s.runs)-1-i] = r
	}
	return out
}

// GetNextRunTime returns when the next scheduled check will occur.
func (s *SyncScheduler) GetNextRunTime() time.Time {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()

	if len(s.runs) == 0 {
		return time.Now().UTC()
	}
	return s.runs[len(s.runs)-1].StartedAt.Add(s.CheckInterval)
}
