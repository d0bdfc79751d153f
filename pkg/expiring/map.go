// Package expiring provides the in-memory TTL map backing the bridge's
// short-lived stores (authorization codes, PKCE verifiers, sessions). Nothing
// in these maps survives a process restart; every entry carries an expiry and
// is removed by a periodic sweep even if never read.
package expiring

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// Map is a mutex-guarded map whose entries expire after a fixed TTL. An
// optional capacity bound evicts the oldest entry to admit a new one.
type Map[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	ttl     time.Duration
	max     int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once

	// OnEvict, when set, is called outside the lock for every entry removed
	// by expiry, capacity eviction, or Delete. Consume does not trigger it.
	OnEvict func(key string, value V)
}

// New creates a map whose entries live for ttl. If sweepInterval is positive
// a background sweeper runs until Stop is called; otherwise callers sweep
// manually.
func New[V any](ttl, sweepInterval time.Duration) *Map[V] {
	m := &Map[V]{
		entries: make(map[string]*entry[V]),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.sweepLoop(sweepInterval)
	}
	return m
}

// SetCapacity bounds the map at max entries. Zero means unbounded.
func (m *Map[V]) SetCapacity(max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.max = max
}

// SetClock overrides the map's clock. Tests use this to control expiry.
func (m *Map[V]) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Set inserts or replaces the value under key. At capacity, the oldest entry
// is evicted to admit the new one.
func (m *Map[V]) Set(key string, value V) {
	var evictedKey string
	var evictedValue V
	var evicted bool

	m.mu.Lock()
	if m.max > 0 && len(m.entries) >= m.max {
		if _, exists := m.entries[key]; !exists {
			evictedKey, evictedValue, evicted = m.evictOldestLocked()
		}
	}
	now := m.now()
	m.entries[key] = &entry[V]{value: value, createdAt: now, expiresAt: now.Add(m.ttl)}
	m.mu.Unlock()

	if evicted && m.OnEvict != nil {
		m.OnEvict(evictedKey, evictedValue)
	}
}

// Get returns the live value under key. Expired entries behave as absent.
func (m *Map[V]) Get(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Consume atomically removes and returns the live value under key. A second
// call for the same key behaves identically to a key that never existed.
func (m *Map[V]) Consume(key string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	delete(m.entries, key)
	if m.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes the entry under key, if any.
func (m *Map[V]) Delete(key string) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if ok && m.OnEvict != nil {
		m.OnEvict(key, e.value)
	}
}

// Len returns the number of stored entries, including expired ones the
// sweeper has not yet removed.
func (m *Map[V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Sweep removes every expired entry.
func (m *Map[V]) Sweep() {
	type evicted struct {
		key   string
		value V
	}
	var removed []evicted

	m.mu.Lock()
	now := m.now()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
			removed = append(removed, evicted{key: key, value: e.value})
		}
	}
	m.mu.Unlock()

	if m.OnEvict != nil {
		for _, e := range removed {
			m.OnEvict(e.key, e.value)
		}
	}
}

// Stop terminates the background sweeper.
func (m *Map[V]) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

func (m *Map[V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}

// evictOldestLocked removes the entry with the earliest creation time. Caller
// holds the lock.
func (m *Map[V]) evictOldestLocked() (string, V, bool) {
	var oldestKey string
	var oldest *entry[V]
	for key, e := range m.entries {
		if oldest == nil || e.createdAt.Before(oldest.createdAt) {
			oldestKey = key
			oldest = e
		}
	}
	if oldest == nil {
		var zero V
		return "", zero, false
	}
	delete(m.entries, oldestKey)
	return oldestKey, oldest.value, true
}
