package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is the in-memory KV backend. Thread-safe; contents are lost when
// the process exits.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (Record, error) {
	m.mu.RLock()
	rec, exists := m.records[key]
	m.mu.RUnlock()

	if !exists || rec.Expired(time.Now()) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, nil
}

func (m *Memory) Put(ctx context.Context, rec Record, expectedVersion int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.records[rec.Key]
	if exists && current.Expired(time.Now()) {
		delete(m.records, rec.Key)
		exists = false
	}

	switch {
	case expectedVersion == VersionAny:
	case expectedVersion == 0 && exists:
		return Record{}, fmt.Errorf("%w: %s exists with version %d", ErrVersionMismatch, rec.Key, current.Version)
	case expectedVersion > 0 && !exists:
		return Record{}, fmt.Errorf("%w: %s absent, expected version %d", ErrVersionMismatch, rec.Key, expectedVersion)
	case expectedVersion > 0 && current.Version != expectedVersion:
		return Record{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionMismatch, rec.Key, current.Version, expectedVersion)
	}

	stored := rec
	stored.Version = current.Version + 1
	stored.UpdatedAt = time.Now()
	m.records[rec.Key] = stored

	return stored, nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]Record, error) {
	now := time.Now()

	m.mu.RLock()
	records := make([]Record, 0)
	for key, rec := range m.records {
		if strings.HasPrefix(key, prefix) && !rec.Expired(now) {
			records = append(records, rec)
		}
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records, nil
}

func (m *Memory) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for key, rec := range m.records {
		if rec.Expired(now) {
			delete(m.records, key)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Close() error {
	return nil
}
