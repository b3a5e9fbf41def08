// Package shardid - memory.go provides an in-process backend implementing
// all three storage contracts. It exists for tests and for embedding the
// cluster in single-process tools; its counters are process-local and
// therefore do not satisfy the shared-state requirement when several
// processes write to one shard.

package shardid

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore is a mutex-guarded, map-backed implementation of
// MetadataStore, ContainerStore, and CounterSource.
type MemoryStore struct {
	mu          sync.RWMutex
	settings    map[string]Setting
	allocations map[string]map[int64]Allocation // family -> number -> row
	entities    map[string]map[string]Entity    // family -> name -> row
	containers  map[string]*memoryContainer
}

type memoryContainer struct {
	counters map[string]*memoryCounter
	cloned   map[string]bool   // entity name -> present
	defaults map[string]string // "entity.field" -> expression
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings:    make(map[string]Setting),
		allocations: make(map[string]map[int64]Allocation),
		entities:    make(map[string]map[string]Entity),
		containers:  make(map[string]*memoryContainer),
	}
}

func (m *MemoryStore) GetSetting(_ context.Context, name string) (Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[name]
	if !ok {
		return Setting{}, fmt.Errorf("%w: %q", ErrSettingNotFound, name)
	}
	return s, nil
}

func (m *MemoryStore) PutSetting(_ context.Context, s Setting) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.settings[s.Name]; ok {
		s.CreatedAt = existing.CreatedAt
	} else {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.settings[s.Name] = s
	return nil
}

func (m *MemoryStore) ListSettings(_ context.Context) ([]Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Setting, 0, len(m.settings))
	for _, s := range m.settings {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) AnyShardInitialized(_ context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, family := range m.allocations {
		for _, a := range family {
			if a.Initialized {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryStore) MaxShardNumber(_ context.Context, family string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max int64
	for number := range m.allocations[family] {
		if number > max {
			max = number
		}
	}
	return max, nil
}

func (m *MemoryStore) InsertAllocation(_ context.Context, a Allocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byNumber, ok := m.allocations[a.Family]
	if !ok {
		byNumber = make(map[int64]Allocation)
		m.allocations[a.Family] = byNumber
	}
	if _, exists := byNumber[a.Number]; exists {
		return fmt.Errorf("%w: %s/%d", ErrDuplicateAllocation, a.Family, a.Number)
	}
	now := time.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	byNumber[a.Number] = a
	return nil
}

func (m *MemoryStore) GetAllocation(_ context.Context, family string, number int64) (Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.allocations[family][number]
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %s/%d", ErrUnknownShard, family, number)
	}
	return a, nil
}

func (m *MemoryStore) ListAllocations(_ context.Context, family string) ([]Allocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Allocation, 0, len(m.allocations[family]))
	for _, a := range m.allocations[family] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) MarkInitialized(_ context.Context, family string, number int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.allocations[family][number]
	if !ok {
		return fmt.Errorf("%w: %s/%d", ErrUnknownShard, family, number)
	}
	a.Initialized = true
	a.UpdatedAt = time.Now()
	m.allocations[family][number] = a
	return nil
}

func (m *MemoryStore) InsertEntity(_ context.Context, e Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byName, ok := m.entities[e.Family]
	if !ok {
		byName = make(map[string]Entity)
		m.entities[e.Family] = byName
	}
	if _, exists := byName[e.Name]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateEntity, e.Family, e.Name)
	}
	now := time.Now()
	e.CreatedAt = now
	e.UpdatedAt = now
	byName[e.Name] = e
	return nil
}

func (m *MemoryStore) DeleteEntity(_ context.Context, family, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities[family], name)
	return nil
}

func (m *MemoryStore) ListEntities(_ context.Context, family string) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(m.entities[family]))
	for _, e := range m.entities[family] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) CreateContainer(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.containers[name]; exists {
		return fmt.Errorf("%w: container %q", ErrAlreadyExists, name)
	}
	m.containers[name] = &memoryContainer{
		counters: make(map[string]*memoryCounter),
		cloned:   make(map[string]bool),
		defaults: make(map[string]string),
	}
	return nil
}

func (m *MemoryStore) DropContainer(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.containers, name)
	return nil
}

func (m *MemoryStore) CreateCounter(_ context.Context, container, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.containers[container]
	if !ok {
		return fmt.Errorf("unknown container %q", container)
	}
	if _, exists := ct.counters[name]; exists {
		return fmt.Errorf("%w: counter %q in %q", ErrAlreadyExists, name, container)
	}
	ct.counters[name] = &memoryCounter{}
	return nil
}

func (m *MemoryStore) CloneEntity(_ context.Context, sourceEntity, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.containers[container]
	if !ok {
		return fmt.Errorf("unknown container %q", container)
	}
	if ct.cloned[sourceEntity] {
		return fmt.Errorf("%w: entity %q in %q", ErrAlreadyExists, sourceEntity, container)
	}
	ct.cloned[sourceEntity] = true
	return nil
}

func (m *MemoryStore) SetFieldDefault(_ context.Context, container, entity, field, expression string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.containers[container]
	if !ok {
		return fmt.Errorf("unknown container %q", container)
	}
	if !ct.cloned[entity] {
		return fmt.Errorf("entity %q not present in %q", entity, container)
	}
	ct.defaults[entity+"."+field] = expression
	return nil
}

// Counter implements CounterSource. The handle resolves the underlying
// counter on every increment, so a handle obtained before the shard was
// allocated starts working the moment allocation creates the counter.
func (m *MemoryStore) Counter(container, name string) Counter {
	return &memoryHandle{store: m, container: container, name: name}
}

// FieldDefault returns the default expression recorded for an entity field
// in a container, for tests and embedding callers.
func (m *MemoryStore) FieldDefault(container, entity, field string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ct, ok := m.containers[container]
	if !ok {
		return "", false
	}
	expr, ok := ct.defaults[entity+"."+field]
	return expr, ok
}

type memoryCounter struct {
	value atomic.Int64
}

type memoryHandle struct {
	store     *MemoryStore
	container string
	name      string
}

func (h *memoryHandle) Next(_ context.Context) (int64, error) {
	h.store.mu.RLock()
	ct, ok := h.store.containers[h.container]
	if !ok {
		h.store.mu.RUnlock()
		return 0, fmt.Errorf("unknown container %q", h.container)
	}
	counter, ok := ct.counters[h.name]
	h.store.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("unknown counter %q in %q", h.name, h.container)
	}
	return counter.value.Add(1), nil
}
