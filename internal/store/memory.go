package store

import (
	"context"
	"sort"
	"sync"

	"oximeter-vitals/internal/vitals"
)

// MemoryStore 进程内环形缓冲区
type MemoryStore struct {
	capacity int

	mu      sync.RWMutex
	buffers map[vitals.SessionKey][]vitals.RawRecord
}

func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &MemoryStore{
		capacity: capacity,
		buffers:  map[vitals.SessionKey][]vitals.RawRecord{"": nil},
	}
}

func (m *MemoryStore) Append(_ context.Context, key vitals.SessionKey, rec vitals.RawRecord) ([]vitals.RawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := append(m.buffers[key], rec)
	if over := len(buf) - m.capacity; over > 0 {
		buf = append([]vitals.RawRecord(nil), buf[over:]...)
	}
	m.buffers[key] = buf
	return clone(buf), nil
}

func (m *MemoryStore) Snapshot(_ context.Context, key vitals.SessionKey) ([]vitals.RawRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	buf, ok := m.buffers[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return clone(buf), nil
}

func (m *MemoryStore) CreateSession(_ context.Context, key vitals.SessionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buffers[key]; !ok {
		m.buffers[key] = nil
	}
	return nil
}

func (m *MemoryStore) Sessions(_ context.Context) ([]vitals.SessionKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]vitals.SessionKey, 0, len(m.buffers))
	for k := range m.buffers {
		if !k.IsDefault() {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

func clone(buf []vitals.RawRecord) []vitals.RawRecord {
	out := make([]vitals.RawRecord, len(buf))
	copy(out, buf)
	return out
}
