package core

import (
	"container/list"
	"fmt"
	"sync"
)

// IdempotencyChecker deduplicates client request ids in two tiers: an
// in-memory LRU and, when configured, the persisted event log.
type IdempotencyChecker struct {
	mu sync.Mutex

	// Tier 1: In-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	inflight map[string]struct{}
	metrics  IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(op string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		inflight:  make(map[string]struct{}),
		metrics:   newIdempotencyMetrics(),
	}
}

func compositeKey(op, key string) string {
	return fmt.Sprintf("%s:%s", op, key)
}

// Claim reserves key for op. It fails when the key was already processed or
// is being processed by a concurrent call. An empty key is never deduplicated.
func (ic *IdempotencyChecker) Claim(op, key string) error {
	if key == "" {
		return nil
	}
	ck := compositeKey(op, key)

	ic.mu.Lock()
	defer ic.mu.Unlock()

	if _, busy := ic.inflight[ck]; busy {
		ic.metrics.duplicatesLRU[op]++
		return fmt.Errorf("%w: %s in flight", ErrDuplicateRequest, ck)
	}

	// Tier 1: LRU check (hot path)
	if ic.lru.Contains(ck) {
		ic.metrics.duplicatesLRU[op]++
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, ck)
	}

	// Tier 2: Postgres check (cold path). A lookup error is treated as not
	// duplicate so a DB outage does not block trading.
	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(op, key)
		if err != nil {
			ic.metrics.tier2Errors++
		} else if isDup {
			ic.metrics.duplicatesPostgres[op]++
			ic.lru.Add(ck)
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, ck)
		}
	}

	ic.inflight[ck] = struct{}{}
	return nil
}

// Finish settles a claim: committed keys move into the LRU, failed ones are
// released so the client can retry.
func (ic *IdempotencyChecker) Finish(op, key string, committed bool) {
	if key == "" {
		return
	}
	ck := compositeKey(op, key)

	ic.mu.Lock()
	defer ic.mu.Unlock()
	delete(ic.inflight, ck)
	if committed {
		ic.lru.Add(ck)
	}
}

// Warm loads recently persisted keys into the LRU after a restart
func (ic *IdempotencyChecker) Warm(keys []string) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.lru.WarmFromKeys(keys)
}

// Stats returns duplicate counts for op and the tier-2 error count
func (ic *IdempotencyChecker) Stats(op string) (lru, postgres, tier2Errors int64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.metrics.duplicatesLRU[op], ic.metrics.duplicatesPostgres[op], ic.metrics.tier2Errors
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys. Not thread-safe; the
// checker serializes access.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys without promoting existing ones
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		if _, exists := lru.cache[key]; exists {
			continue
		}
		lru.cache[key] = lru.lruList.PushFront(key)

		if lru.lruList.Len() > lru.capacity {
			lru.evictOldest()
		}
	}
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// IdempotencyMetrics tracks dedup stats per operation
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func newIdempotencyMetrics() IdempotencyMetrics {
	return IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}
