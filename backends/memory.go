package backends

import (
	"context"
	"sync"
)

// Memory is an in-process Backend. It lets several Cache handles in one
// process share a remote tier, and stands in for S3 in tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]byte)}
}

func memoryKey(category, id string) string {
	return category + "/" + id
}

func (m *Memory) Put(_ context.Context, category, id string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[memoryKey(category, id)] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) Get(_ context.Context, category, id string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.entries[memoryKey(category, id)]
	if !ok {
		return nil, true, nil
	}
	return append([]byte(nil), payload...), false, nil
}

func (m *Memory) Delete(_ context.Context, category, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memoryKey(category, id))
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	return nil
}
