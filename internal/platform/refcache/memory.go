package refcache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// DefaultMaxEntries bounds a Memory built by NewMemory.
const DefaultMaxEntries = 10000

// Memory is a process-local Store with lazy expiration. It holds at most
// maxEntries keys; when full, a new key evicts expired entries first and
// otherwise the entry closest to expiry.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

func NewMemory() *Memory {
	return NewBoundedMemory(DefaultMaxEntries)
}

// NewBoundedMemory returns a Memory holding at most maxEntries keys. A
// non-positive maxEntries means DefaultMaxEntries.
func NewBoundedMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Get returns ErrMiss for absent or expired keys. Expired keys are dropped.
func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return "", ErrMiss
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		m.mu.Lock()
		// Re-check: a concurrent Set may have refreshed the key.
		if cur, ok := m.entries[key]; ok && cur.expiresAt.Equal(e.expiresAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return "", ErrMiss
	}
	return e.value, nil
}

// Set stores value under key. A ttl <= 0 keeps the entry until deleted.
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = m.now().Add(ttl)
	}
	m.mu.Lock()
	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}
	m.entries[key] = entry{value: value, expiresAt: exp}
	m.mu.Unlock()
	return nil
}

// evictLocked makes room for one entry. m.mu must be held.
func (m *Memory) evictLocked() {
	m.sweepLocked()
	if len(m.entries) < m.maxEntries {
		return
	}
	var (
		victim string
		soon   time.Time
		found  bool
	)
	for k, e := range m.entries {
		// Entries without expiry go last.
		if e.expiresAt.IsZero() {
			if !found {
				victim, found = k, true
			}
			continue
		}
		if !found || soon.IsZero() || e.expiresAt.Before(soon) {
			victim, soon, found = k, e.expiresAt, true
		}
	}
	delete(m.entries, victim)
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// StartCleanup periodically removes expired entries until ctx is cancelled.
func (m *Memory) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

func (m *Memory) sweepLocked() {
	now := m.now()
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(m.entries, k)
		}
	}
}
