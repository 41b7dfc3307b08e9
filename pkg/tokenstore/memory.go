package tokenstore

import "sync"

// MemoryStore keeps the pair in process memory only.
type MemoryStore struct {
	mu   sync.RWMutex
	pair Pair
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (Pair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair, s.pair.Access != "" || s.pair.Refresh != ""
}

func (s *MemoryStore) SetAccess(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair.Access = token
	return nil
}

func (s *MemoryStore) SetRefresh(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair.Refresh = token
	return nil
}

func (s *MemoryStore) SetPair(pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = pair
	return nil
}

func (s *MemoryStore) CompareAndSwap(refresh string, next Pair) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if refresh == "" || s.pair.Refresh != refresh {
		return false, nil
	}
	s.pair = next
	return true, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pair = Pair{}
	return nil
}
