package storage

import (
	"container/list"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bgottula/track/pkg/types"
)

// ResultCache is an LRU cache with TTL for aggregated query results. The
// dashboard refreshes several panels against identical ranges, so repeated
// aggregation of the same window is common.
type ResultCache struct {
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lru      *list.List
	hits     uint64
	misses   uint64
}

type cacheEntry struct {
	key       string
	result    *types.QueryResult
	timestamp time.Time
	element   *list.Element
}

// NewResultCache creates a cache holding up to capacity results, each valid
// for ttl.
func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		capacity: capacity,
		ttl:      ttl,
		cache:    make(map[string]*cacheEntry),
		lru:      list.New(),
	}
}

// Get retrieves a cached result for the request.
func (rc *ResultCache) Get(req *types.QueryRequest) (*types.QueryResult, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := cacheKey(req)
	entry, exists := rc.cache[key]
	if !exists {
		rc.misses++
		return nil, false
	}

	if time.Since(entry.timestamp) > rc.ttl {
		rc.removeLocked(key)
		rc.misses++
		return nil, false
	}

	rc.lru.MoveToFront(entry.element)
	rc.hits++
	return entry.result, true
}

// Put stores a result. The oldest entry is evicted when the cache is full.
func (rc *ResultCache) Put(req *types.QueryRequest, result *types.QueryResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	key := cacheKey(req)
	if entry, exists := rc.cache[key]; exists {
		entry.result = result
		entry.timestamp = time.Now()
		rc.lru.MoveToFront(entry.element)
		return
	}

	entry := &cacheEntry{
		key:       key,
		result:    result,
		timestamp: time.Now(),
	}
	entry.element = rc.lru.PushFront(entry)
	rc.cache[key] = entry

	if rc.lru.Len() > rc.capacity {
		if oldest := rc.lru.Back(); oldest != nil {
			rc.removeLocked(oldest.Value.(*cacheEntry).key)
		}
	}
}

// Invalidate drops every cached result. Called on append, since any new
// sample can change any bucket that overlaps it.
func (rc *ResultCache) Invalidate() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache = make(map[string]*cacheEntry)
	rc.lru = list.New()
}

// Size returns the number of cached results.
func (rc *ResultCache) Size() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.cache)
}

// HitRate returns the fraction of lookups served from cache, 0..1.
func (rc *ResultCache) HitRate() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	total := rc.hits + rc.misses
	if total == 0 {
		return 0
	}
	return float64(rc.hits) / float64(total)
}

func (rc *ResultCache) removeLocked(key string) {
	if entry, exists := rc.cache[key]; exists {
		rc.lru.Remove(entry.element)
		delete(rc.cache, key)
	}
}

// cacheKey derives a deterministic key from every request parameter that
// affects the result.
func cacheKey(req *types.QueryRequest) string {
	data, _ := json.Marshal(map[string]interface{}{
		"measurement": req.Measurement,
		"fields":      req.Fields,
		"from":        req.From.UnixNano(),
		"to":          req.To.UnixNano(),
		"interval":    int64(req.Interval),
		"fill":        req.Fill,
	})
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}
