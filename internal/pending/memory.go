package pending

import (
	"context"
	"sync"
)

// Memory keeps credentials in process memory. It does not survive restarts
// and is not shared between instances.
type Memory struct {
	opts Options

	mu      sync.Mutex
	entries map[string]Credential
}

// NewMemory returns an in-memory store.
func NewMemory(opts Options) *Memory {
	opts = opts.withDefaults()
	opts.Logger.Warn().Msg("pending store: memory driver is process-local, do not run more than one instance")
	return &Memory{opts: opts, entries: make(map[string]Credential)}
}

// Store implements Store.
func (m *Memory) Store(_ context.Context, orderID, authToken string) error {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return err
	}
	now := m.opts.Clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = Credential{OrderID: id, AuthToken: authToken, StoredAt: now}
	for key, c := range m.entries {
		if expired(c, now, m.opts.TTL) {
			delete(m.entries, key)
		}
	}
	return nil
}

// RetrieveAndConsume implements Store.
func (m *Memory) RetrieveAndConsume(_ context.Context, orderID string) (string, bool, error) {
	id, err := normaliseOrderID(orderID)
	if err != nil {
		return "", false, err
	}
	m.mu.Lock()
	c, ok := m.entries[id]
	delete(m.entries, id)
	m.mu.Unlock()

	if !ok || expired(c, m.opts.Clock.Now(), m.opts.TTL) {
		return "", false, nil
	}
	return c.AuthToken, true, nil
}

// Len reports the number of retained entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
