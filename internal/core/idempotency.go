package core

import (
	"container/list"
)

// DBIdempotencyChecker is the slow second tier: a lookup against the durable
// operation log for keys that have aged out of the LRU.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates inbound events in two tiers: a bounded
// in-memory LRU over composite (event type, key) entries, then the durable
// log. Owned by the single-threaded core; not safe for concurrent use.
type IdempotencyChecker struct {
	lru *lruSet
	db  DBIdempotencyChecker

	// Hit counters by tier, for metrics scraping.
	LRUHits int64
	DBHits  int64
	Misses  int64
}

func NewIdempotencyChecker(capacity int, db DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru: newLRUSet(capacity),
		db:  db,
	}
}

func compositeKey(eventType, key string) string {
	return eventType + "|" + key
}

// IsDuplicate reports whether the event was already processed and which tier
// caught it ("lru" or "db"). A DB error fails open on that tier: the durable
// log's unique index still rejects the re-insert.
func (c *IdempotencyChecker) IsDuplicate(eventType, key string) (bool, string, error) {
	ck := compositeKey(eventType, key)
	if c.lru.Contains(ck) {
		c.LRUHits++
		return true, "lru", nil
	}
	if c.db != nil {
		dup, err := c.db.IsDuplicate(eventType, key)
		if err != nil {
			return false, "", err
		}
		if dup {
			c.DBHits++
			c.lru.Add(ck)
			return true, "db", nil
		}
	}
	c.Misses++
	return false, "", nil
}

// MarkProcessed records the key after the event has been applied.
func (c *IdempotencyChecker) MarkProcessed(eventType, key string) {
	c.lru.Add(compositeKey(eventType, key))
}

// WarmFromKeys preloads composite keys, oldest first, when restoring from a
// snapshot.
func (c *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, k := range keys {
		c.lru.Add(k)
	}
}

// Keys exports the resident composite keys, oldest first, for snapshots.
func (c *IdempotencyChecker) Keys() []string {
	return c.lru.Keys()
}

// Len returns the current LRU occupancy.
func (c *IdempotencyChecker) Len() int { return c.lru.Len() }

// Evictions returns the cumulative LRU eviction count.
func (c *IdempotencyChecker) Evictions() int64 { return c.lru.evictions }

// lruSet is a bounded membership set with least-recently-used eviction.
type lruSet struct {
	capacity  int
	order     *list.List
	index     map[string]*list.Element
	evictions int64
}

func newLRUSet(capacity int) *lruSet {
	if capacity <= 0 {
		capacity = 1
	}
	return &lruSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

func (s *lruSet) Contains(key string) bool {
	el, ok := s.index[key]
	if ok {
		s.order.MoveToFront(el)
	}
	return ok
}

func (s *lruSet) Add(key string) {
	if el, ok := s.index[key]; ok {
		s.order.MoveToFront(el)
		return
	}
	s.index[key] = s.order.PushFront(key)
	if s.order.Len() > s.capacity {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		delete(s.index, oldest.Value.(string))
		s.evictions++
	}
}

func (s *lruSet) Len() int { return s.order.Len() }

// Keys returns resident keys oldest first, so re-adding them in order
// preserves recency.
func (s *lruSet) Keys() []string {
	out := make([]string, 0, s.order.Len())
	for el := s.order.Back(); el != nil; el = el.Prev() {
		out = append(out, el.Value.(string))
	}
	return out
}
