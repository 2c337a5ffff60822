package cache

import (
	"context"
	"sort"
	"sync"
)

type MemStorage struct {
	mutex *sync.RWMutex
	order []string
	gens  map[string]map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
		gens:  make(map[string]map[string][]byte),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.gens[name]; !ok {
		m.gens[name] = make(map[string][]byte)
		m.order = append(m.order, name)
	}
	return memGeneration{name: name, s: m}, nil
}

func (m *MemStorage) Keys(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.gens[name]; !ok {
		return false, nil
	}
	delete(m.gens, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memGeneration struct {
	name string
	s    *MemStorage
}

func (g memGeneration) Name() string {
	return g.name
}

func (g memGeneration) Match(_ context.Context, key string) ([]byte, bool, error) {
	g.s.mutex.RLock()
	defer g.s.mutex.RUnlock()
	b, ok := g.s.gens[g.name][key]
	return b, ok, nil
}

func (g memGeneration) Put(_ context.Context, key string, value []byte) error {
	g.s.mutex.Lock()
	defer g.s.mutex.Unlock()
	entries, ok := g.s.gens[g.name]
	if !ok {
		return ErrGenerationGone
	}
	entries[key] = append([]byte(nil), value...)
	return nil
}

func (g memGeneration) PutAll(_ context.Context, all []Entry) error {
	g.s.mutex.Lock()
	defer g.s.mutex.Unlock()
	entries, ok := g.s.gens[g.name]
	if !ok {
		return ErrGenerationGone
	}
	for _, e := range all {
		entries[e.Key] = append([]byte(nil), e.Bytes...)
	}
	return nil
}

func (g memGeneration) Keys(_ context.Context) ([]string, error) {
	g.s.mutex.RLock()
	defer g.s.mutex.RUnlock()
	keys := make([]string, 0, len(g.s.gens[g.name]))
	for key := range g.s.gens[g.name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
