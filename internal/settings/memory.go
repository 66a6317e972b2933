package settings

import (
	"context"
	"sort"
	"sync"
)

// Memory is a volatile backend. Records are copied on the way in and out.
type Memory struct {
	mu   sync.RWMutex
	data map[string]Recipient
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]Recipient)}
}

func (m *Memory) Get(_ context.Context, id string) (Recipient, bool, error) {
	m.mu.RLock()
	r, ok := m.data[id]
	m.mu.RUnlock()
	if !ok {
		return Recipient{}, false, nil
	}
	return r.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, r Recipient) error {
	m.mu.Lock()
	m.data[r.ID] = r.Clone()
	m.mu.Unlock()
	return nil
}

// All returns recipients ordered by ID.
func (m *Memory) All(_ context.Context) ([]Recipient, error) {
	m.mu.RLock()
	out := make([]Recipient, 0, len(m.data))
	for _, r := range m.data {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
