package trust

import "sync"

// MemStore is an in-memory trust store. Used when no store path is
// configured and throughout the tests.
type MemStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemStore creates an empty in-memory trust store.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string]Entry)}
}

func (s *MemStore) Get(peerID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[peerID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *MemStore) Put(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.PeerID] = entry
	return nil
}

func (s *MemStore) List() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out, nil
}

func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
