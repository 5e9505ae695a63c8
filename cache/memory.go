package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time
}

// Memory is an in-process cache with per-key expiry
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Exists reports whether key holds a live entry
func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}

// SetNX implements interceptors.Cache
func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return false, nil
	}
	if ttl <= 0 {
		delete(m.entries, key)
		return true, nil
	}

	m.entries[key] = entry{value: value, expires: now.Add(ttl)}
	return true, nil
}

// Get returns the value stored under key
func (m *Memory) Get(ctx context.Context, key string) (string, bool) {
	if ok, _ := m.Exists(ctx, key); !ok {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[key].value, true
}

// Len returns the number of live entries
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	now := m.now()
	for _, e := range m.entries {
		if now.Before(e.expires) {
			n++
		}
	}
	return n
}
