package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

// NewMemory returns a process-local Storage. Contents vanish on restart.
func NewMemory() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Store, error) {
	if name == "" {
		return nil, errors.New("cache: store name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stores[name]; ok {
		return st, nil
	}
	st := &memoryStore{name: name, entries: make(map[string]Entry)}
	s.stores[name] = st
	return st, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)
	st.drop()
	return true, nil
}

func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.stores))
	for name := range s.stores {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memoryStorage) Close(context.Context) error {
	return nil
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	dropped bool
}

func (c *memoryStore) Name() string { return c.name }

func (c *memoryStore) Match(_ context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return entry.Clone(), true, nil
}

func (c *memoryStore) Put(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped {
		return ErrStoreNotFound
	}
	c.entries[key] = entry.Clone()
	return nil
}

func (c *memoryStore) Delete(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

func (c *memoryStore) Keys(_ context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for key := range c.entries {
		out = append(out, key)
	}
	sort.Strings(out)
	return out, nil
}

// drop detaches a deleted store. Writes through handles obtained before the
// deletion fail with ErrStoreNotFound.
func (c *memoryStore) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropped = true
	c.entries = make(map[string]Entry)
}
