// Package cache memoizes governed call results under short TTLs. Expired
// entries are kept around: they are never returned as fresh hits, but they
// back the stale-fallback path when a recompute fails.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/gridpulse/gridgate/monitoring"
)

type entry struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry) fresh(now time.Time) bool {
	return now.Before(e.createdAt.Add(e.ttl))
}

// Store is a TTL cache with per-key computation locks. Concurrent callers
// of the same missing key trigger at most one compute; unrelated keys never
// serialize against each other.
type Store struct {
	// Guards entries and locks. Computation itself runs outside this lock,
	// holding only the per-key mutex.
	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*sync.Mutex

	defaultTTL time.Duration

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock   clock.Clock
	metrics *monitoring.Metrics
	logger  *zap.SugaredLogger
}

// New creates an empty store. defaultTTL applies when GetOrCompute receives
// a non-positive TTL.
func New(defaultTTL time.Duration, metrics *monitoring.Metrics, logger *zap.SugaredLogger) *Store {
	return newStoreWithClock(defaultTTL, metrics, logger, clock.New())
}

func newStoreWithClock(defaultTTL time.Duration, metrics *monitoring.Metrics, logger *zap.SugaredLogger, clk clock.Clock) *Store {
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Store{
		entries:    make(map[string]*entry),
		locks:      make(map[string]*sync.Mutex),
		defaultTTL: defaultTTL,
		clock:      clk,
		metrics:    metrics,
		logger:     logger,
	}
}

// GetOrCompute returns the fresh value for key, computing and storing it if
// no fresh entry exists. When compute fails and any prior entry exists, the
// prior value is returned instead of the error, even if it has expired.
func (s *Store) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if value, ok := s.lookup(key, true); ok {
		s.metrics.RecordCacheEvent("hit")
		s.logger.Debugw("Cache hit", "key", key)
		return value, nil
	}

	keyLock := s.keyLock(key)
	keyLock.Lock()
	defer keyLock.Unlock()

	// Re-check after acquiring the key lock: a concurrent caller may have
	// populated the entry while this caller was waiting.
	if value, ok := s.lookup(key, true); ok {
		s.metrics.RecordCacheEvent("hit")
		s.logger.Debugw("Cache hit after lock", "key", key)
		return value, nil
	}

	s.metrics.RecordCacheEvent("miss")
	s.logger.Debugw("Cache miss, computing", "key", key)

	value, err := compute(ctx)
	if err != nil {
		if stale, ok := s.lookup(key, false); ok {
			s.metrics.RecordCacheEvent("stale_fallback")
			s.logger.Warnw("Compute failed, serving stale entry", "key", key, "error", err)
			return stale, nil
		}
		return nil, err
	}

	s.set(key, value, ttl)
	return value, nil
}

// lookup returns the cached value for key. When freshOnly is set, expired
// entries are treated as missing but are not deleted.
func (s *Store) lookup(key string, freshOnly bool) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if freshOnly && !e.fresh(s.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

func (s *Store) set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{
		value:     value,
		createdAt: s.clock.Now(),
		ttl:       ttl,
	}
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[key] = lock
	return lock
}

// Stats is the cache's admin-facing snapshot.
type Stats struct {
	TotalEntries   int    `json:"total_entries"`
	FreshEntries   int    `json:"fresh_entries"`
	ExpiredEntries int    `json:"expired_entries"`
	DefaultTTL     string `json:"default_ttl"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	stats := Stats{
		TotalEntries: len(s.entries),
		DefaultTTL:   s.defaultTTL.String(),
	}
	for _, e := range s.entries {
		if e.fresh(now) {
			stats.FreshEntries++
		} else {
			stats.ExpiredEntries++
		}
	}
	return stats
}

// Clear drops all entries and key locks.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
	s.locks = make(map[string]*sync.Mutex)
	s.logger.Infow("Cache cleared")
}
