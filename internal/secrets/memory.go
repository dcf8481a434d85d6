package secrets

import "sync"

// MemoryStore keeps credentials in process memory. It backs tests and
// one-shot runs where nothing should be persisted.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]string)}
}

func memoryKey(service, account string) string {
	return service + "\x00" + account
}

func (m *MemoryStore) Get(service, account string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[memoryKey(service, account)]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(service, account, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[memoryKey(service, account)] = password
	return nil
}

func (m *MemoryStore) Delete(service, account string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(service, account)
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

func (m *MemoryStore) IsSupported() bool { return true }
