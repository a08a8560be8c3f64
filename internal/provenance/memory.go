// Package provenance records which storage backends hold each media name.
package provenance

import (
	"context"
	"sync"
)

// Memory is a process-local provenance store. Records are lost on restart,
// after which deletion falls back to the speculative sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string][]string)}
}

// Record replaces the backend list for name.
func (m *Memory) Record(_ context.Context, name string, backends []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[name] = append([]string(nil), backends...)
	return nil
}

// Lookup returns the recorded backends for name, or nil.
func (m *Memory) Lookup(_ context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	backends, ok := m.entries[name]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), backends...), nil
}

// Forget drops name.
func (m *Memory) Forget(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, name)
	return nil
}

// Len returns the number of recorded names.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
