package storage

import (
	"fmt"
	"sort"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
)

// MemoryStore implements Repository in memory for tests.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]*descriptorpb.FileDescriptorSet
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]*descriptorpb.FileDescriptorSet)}
}

// SaveDescriptorSet stores a copy of set.
func (m *MemoryStore) SaveDescriptorSet(name string, set *descriptorpb.FileDescriptorSet) error {
	if err := validateName(name); err != nil {
		return fmt.Errorf("invalid descriptor set name: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets[name] = proto.Clone(set).(*descriptorpb.FileDescriptorSet)
	return nil
}

// LoadDescriptorSet returns a copy of the stored set.
func (m *MemoryStore) LoadDescriptorSet(name string) (*descriptorpb.FileDescriptorSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set, ok := m.sets[name]
	if !ok {
		return nil, fmt.Errorf("descriptor set %q not found", name)
	}
	return proto.Clone(set).(*descriptorpb.FileDescriptorSet), nil
}

// ListDescriptorSets returns the stored names in lexical order.
func (m *MemoryStore) ListDescriptorSets() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.sets))
	for name := range m.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteDescriptorSet removes a stored set.
func (m *MemoryStore) DeleteDescriptorSet(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sets[name]; !ok {
		return fmt.Errorf("descriptor set %q not found", name)
	}
	delete(m.sets, name)
	return nil
}
