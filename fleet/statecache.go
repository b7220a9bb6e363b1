package fleet

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// StateCache memoizes as-of derivations, keyed by entity and reference
// time. It subscribes to the change feed and drops every entry of an
// entity whose timeline changed.
//
// Readers take a Generation before loading history and pass it to Put; a
// state derived from history read before an invalidation is never kept.
// Writes made by another process do not reach this feed and stay
// invisible to cached instants until the TTL expires.
type StateCache struct {
	items *cache.Cache
	gen   atomic.Uint64
}

func NewStateCache(ttl time.Duration) *StateCache {
	return &StateCache{items: cache.New(ttl, 2*ttl)}
}

func stateKey(id EntityID, at time.Time) string {
	return string(id) + "|" + at.UTC().Format(time.RFC3339Nano)
}

func (c *StateCache) Get(id EntityID, at time.Time) (DerivedState, bool) {
	v, ok := c.items.Get(stateKey(id, at))
	if !ok {
		return DerivedState{}, false
	}
	return v.(DerivedState), true
}

// Generation changes on every invalidation.
func (c *StateCache) Generation() uint64 { return c.gen.Load() }

// Put stores st unless an invalidation happened since gen was read.
func (c *StateCache) Put(id EntityID, at time.Time, st DerivedState, gen uint64) {
	if c.gen.Load() != gen {
		return
	}
	key := stateKey(id, at)
	c.items.SetDefault(key, st)
	// Invalidate bumps the generation before deleting, so a concurrent
	// invalidation either removed this key already or is visible here.
	if c.gen.Load() != gen {
		c.items.Delete(key)
	}
}

// Invalidate removes every cached reference time of the entity.
func (c *StateCache) Invalidate(id EntityID) {
	c.gen.Add(1)
	prefix := string(id) + "|"
	for k := range c.items.Items() {
		if strings.HasPrefix(k, prefix) {
			c.items.Delete(k)
		}
	}
}

func (c *StateCache) Len() int { return c.items.ItemCount() }

// Publish implements ChangePublisher.
func (c *StateCache) Publish(_ context.Context, ch Change) {
	for _, id := range ch.EntityIDs {
		c.Invalidate(id)
	}
}
