package fleet

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// CHANGE FEED - polling contract for consumers of state changes
// =============================================================================

type ChangeAction string

const (
	ChangeSubmitted ChangeAction = "submitted"
	ChangeApproved  ChangeAction = "approved"
	ChangeRejected  ChangeAction = "rejected"
	ChangeSynced    ChangeAction = "synced"
)

// Change tells consumers that the derived state of EntityIDs may differ
// from what they last read.
type Change struct {
	Seq       uint64       `json:"seq"`
	Action    ChangeAction `json:"action"`
	EventID   EventID      `json:"event_id,omitempty"`
	EntityIDs []EntityID   `json:"entity_ids"`
	At        time.Time    `json:"at"`
}

// ChangePublisher receives changes after they are committed to the log.
// Publishing is best effort and must not block.
type ChangePublisher interface {
	Publish(ctx context.Context, ch Change)
}

// ChangeFeed keeps the most recent changes in a bounded ring. Consumers
// poll Since with the last sequence number they saw.
type ChangeFeed struct {
	mu       sync.RWMutex
	capacity int
	seq      uint64
	ring     []Change
}

func NewChangeFeed(capacity int) *ChangeFeed {
	if capacity <= 0 {
		capacity = 1024
	}
	return &ChangeFeed{capacity: capacity}
}

func (f *ChangeFeed) Publish(_ context.Context, ch Change) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	ch.Seq = f.seq
	if len(f.ring) == f.capacity {
		copy(f.ring, f.ring[1:])
		f.ring = f.ring[:len(f.ring)-1]
	}
	f.ring = append(f.ring, ch)
}

// ChangePage is one poll result. Truncated is set when changes after the
// caller's sequence number were already evicted; the caller should
// re-read full state.
type ChangePage struct {
	Changes   []Change `json:"changes"`
	Latest    uint64   `json:"latest"`
	Truncated bool     `json:"truncated"`
}

func (f *ChangeFeed) Since(seq uint64) ChangePage {
	f.mu.RLock()
	defer f.mu.RUnlock()

	page := ChangePage{Changes: []Change{}, Latest: f.seq}
	if len(f.ring) > 0 && f.ring[0].Seq > seq+1 {
		page.Truncated = true
	}
	for _, ch := range f.ring {
		if ch.Seq > seq {
			page.Changes = append(page.Changes, ch)
		}
	}
	return page
}
