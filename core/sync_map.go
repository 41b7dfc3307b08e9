package core

import "sync"

// SyncMap is an implementation of a map that is safe for concurrent usage.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Update replaces the value for key with the result of f, atomically.
// When f reports false the key is removed instead.
func (s *SyncMap[K, V]) Update(key K, f func(value V, ok bool) (V, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	next, keep := f(value, ok)
	if keep {
		s.m[key] = next
	} else {
		delete(s.m, key)
	}
}

// DeleteFunc removes every entry for which del returns true.
func (s *SyncMap[K, V]) DeleteFunc(del func(key K, value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if del(k, v) {
			delete(s.m, k)
		}
	}
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}
