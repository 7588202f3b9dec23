package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"megdan/cmd/internal/chat"
)

// IdentityKey is the key under which the serialized identity is stored.
const IdentityKey = "auth_user"

// ErrNoIdentity is returned by Persistence.Load when nothing is stored.
var ErrNoIdentity = errors.New("no persisted identity")

// Persistence is the key/value boundary for the current identity.
type Persistence interface {
	Load(ctx context.Context) (chat.Identity, error)
	Save(ctx context.Context, id chat.Identity) error
	Clear(ctx context.Context) error
}

// MemoryPersistence keeps the identity in process memory.
type MemoryPersistence struct {
	mu  sync.Mutex
	raw []byte
}

// NewMemoryPersistence returns an empty MemoryPersistence.
func NewMemoryPersistence() *MemoryPersistence { return &MemoryPersistence{} }

func (m *MemoryPersistence) Load(_ context.Context) (chat.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.raw == nil {
		return chat.Identity{}, ErrNoIdentity
	}
	return decodeIdentity(m.raw)
}

func (m *MemoryPersistence) Save(_ context.Context, id chat.Identity) error {
	raw, err := encodeIdentity(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.raw = raw
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersistence) Clear(_ context.Context) error {
	m.mu.Lock()
	m.raw = nil
	m.mu.Unlock()
	return nil
}

func encodeIdentity(id chat.Identity) ([]byte, error) {
	if !id.Valid() {
		return nil, errors.New("session: refusing to persist identity without id")
	}
	return json.Marshal(id)
}

func decodeIdentity(raw []byte) (chat.Identity, error) {
	var id chat.Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return chat.Identity{}, err
	}
	id.ID = strings.TrimSpace(id.ID)
	if !id.Valid() {
		return chat.Identity{}, ErrNoIdentity
	}
	return id, nil
}
