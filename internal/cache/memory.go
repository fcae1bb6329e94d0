package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"thunderstorm.io/auth/internal/obs"
)

type memoryEntry struct {
	roles   []string
	expires time.Time
}

// Memory is a process-local LRU backend. Entries expire after the backend TTL
// or a shorter per-entry TTL passed to Set.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	ttl time.Duration
	now func() time.Time
}

// NewMemory returns a backend holding at most size entries for ttl.
// Non-positive arguments select DefaultSize and DefaultTTL.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]string, bool, error) {
	entry, ok := m.lru.Get(key)
	if ok && m.now().After(entry.expires) {
		m.lru.Remove(key)
		ok = false
	}
	obs.ObserveCache(ok)
	if !ok {
		return nil, false, nil
	}
	return append([]string{}, entry.roles...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, roles []string, ttl time.Duration) error {
	if ttl <= 0 || ttl > m.ttl {
		ttl = m.ttl
	}
	m.lru.Add(key, memoryEntry{
		roles:   append([]string{}, roles...),
		expires: m.now().Add(ttl),
	})
	return nil
}

// Len reports the number of live entries.
func (m *Memory) Len() int { return m.lru.Len() }
