package drafts

import "sync"

// MemoryBackend keeps drafts in process memory.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string][]byte
	saveErr error
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string][]byte)}
}

func (b *MemoryBackend) Load(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	value, ok := b.entries[key]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return append([]byte(nil), value...), nil
}

func (b *MemoryBackend) Save(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.entries[key] = append([]byte(nil), value...)
	return nil
}

func (b *MemoryBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
	return nil
}

// FailSaves makes subsequent saves return err, simulating a full quota. A nil err restores normal behavior.
func (b *MemoryBackend) FailSaves(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saveErr = err
}
