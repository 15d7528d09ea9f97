package cache

import (
	"sync"
	"time"
)

type Entry[V any] struct {
	Value    V
	StoredAt time.Time
	Expires  time.Time
}

// Fresh reports whether the entry is still inside its freshness window. A zero
// expiry never goes stale.
func (e Entry[V]) Fresh(now time.Time) bool {
	return e.Expires.IsZero() || now.Before(e.Expires)
}

// TTLMap is a read-mostly map whose entries carry a freshness deadline.
// Stale entries are kept until replaced or deleted so callers can fall back
// to them.
type TTLMap[K comparable, V any] struct {
	mu     sync.RWMutex
	items  map[K]Entry[V]
	latest K
	has    bool
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]Entry[V]{}}
}

func (m *TTLMap[K, V]) Get(key K) (Entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[key]
	return e, ok
}

func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	e, ok := m.Get(key)
	if !ok || !e.Fresh(now) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

func (m *TTLMap[K, V]) Set(key K, value V, now time.Time, ttl time.Duration) {
	e := Entry[V]{Value: value, StoredAt: now}
	if ttl > 0 {
		e.Expires = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = e
	m.latest, m.has = key, true
	m.mu.Unlock()
}

// Latest returns the most recently stored entry regardless of freshness.
func (m *TTLMap[K, V]) Latest() (K, Entry[V], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zeroK K
	if !m.has {
		return zeroK, Entry[V]{}, false
	}
	e, ok := m.items[m.latest]
	if !ok {
		return zeroK, Entry[V]{}, false
	}
	return m.latest, e, true
}

// Expire marks every entry stale without dropping it.
func (m *TTLMap[K, V]) Expire(now time.Time) {
	m.mu.Lock()
	for k, e := range m.items {
		e.Expires = now
		m.items[k] = e
	}
	m.mu.Unlock()
}

// Retain drops every key except keep.
func (m *TTLMap[K, V]) Retain(keep K) {
	m.mu.Lock()
	for k := range m.items {
		if k != keep {
			delete(m.items, k)
		}
	}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
