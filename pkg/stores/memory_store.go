package stores

import (
	"context"
	"sync"

	"github.com/hyphae/apis-main/pkg/fault"
)

// MemoryClusterStore is a process-local ClusterStore for single-unit
// deployments and tests. SetUnavailable simulates a cluster outage.
type MemoryClusterStore struct {
	mu          sync.RWMutex
	maps        map[string]map[string]string
	unavailable error
}

// NewMemoryClusterStore creates an empty store.
func NewMemoryClusterStore() *MemoryClusterStore {
	return &MemoryClusterStore{maps: make(map[string]map[string]string)}
}

// Map returns the named map.
func (s *MemoryClusterStore) Map(name string) ClusterKV {
	return &memoryMap{store: s, name: name}
}

// SetUnavailable makes every operation fail with err until it is called
// again with nil.
func (s *MemoryClusterStore) SetUnavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = err
}

// HealthCheck reports the simulated outage, if any.
func (s *MemoryClusterStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unavailable
}

// Close is a no-op.
func (s *MemoryClusterStore) Close() error { return nil }

type memoryMap struct {
	store *MemoryClusterStore
	name  string
}

func (m *memoryMap) Get(_ context.Context, key string) (string, bool, error) {
	m.store.mu.RLock()
	defer m.store.mu.RUnlock()
	if err := m.store.unavailable; err != nil {
		return "", false, fault.SharedData("get "+m.name+"/"+key, err)
	}
	value, ok := m.store.maps[m.name][key]
	return value, ok, nil
}

func (m *memoryMap) Put(_ context.Context, key, value string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.store.unavailable; err != nil {
		return fault.SharedData("put "+m.name+"/"+key, err)
	}
	entries, ok := m.store.maps[m.name]
	if !ok {
		entries = make(map[string]string)
		m.store.maps[m.name] = entries
	}
	entries[key] = value
	return nil
}

func (m *memoryMap) Remove(_ context.Context, key string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.store.unavailable; err != nil {
		return fault.SharedData("remove "+m.name+"/"+key, err)
	}
	delete(m.store.maps[m.name], key)
	return nil
}
