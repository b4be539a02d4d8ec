package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryEntry struct {
	value    []byte
	deadline time.Time
}

// Memory is an in-process Cache on an expirable LRU. The LRU ttl is the upper bound;
// each entry additionally carries its own deadline so shorter ttls are honoured.
// Counters live outside the LRU and are never evicted.
type Memory struct {
	lru *expirable.LRU[string, memoryEntry]
	now func() time.Time

	mu       sync.Mutex
	counters map[string]int64
}

var _ Cache = (*Memory)(nil)

// NewMemory builds a Memory cache holding at most size entries for at most maxTTL.
func NewMemory(size int, maxTTL time.Duration) *Memory {
	return &Memory{
		lru:      expirable.NewLRU[string, memoryEntry](size, nil, maxTTL),
		now:      time.Now,
		counters: make(map[string]int64),
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if n, ok := m.counter(key); ok {
		return []byte(strconv.FormatInt(n, 10)), true, nil
	}
	entry, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !entry.deadline.IsZero() && !m.now().Before(entry.deadline) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.deadline = m.now().Add(ttl)
	}
	m.lru.Add(key, entry)
	return nil
}

func (m *Memory) Invalidate(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, key := range keys {
		delete(m.counters, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.lru.Remove(key)
	}
	return nil
}

func (m *Memory) InvalidatePrefix(_ context.Context, prefix string) error {
	for _, key := range m.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			m.lru.Remove(key)
		}
	}
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *Memory) counter(key string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.counters[key]
	return n, ok
}

// Len reports the number of cached entries.
func (m *Memory) Len() int {
	return m.lru.Len()
}
