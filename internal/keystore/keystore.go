// Package keystore holds per-driver key material behind a get/set/delete
// interface. Nothing outside the encryptor should read from it.
package keystore

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("key not found")

type SecureKeyStore interface {
	Get(ctx context.Context, keyID string) ([]byte, error)
	Set(ctx context.Context, keyID string, value []byte) error
	Delete(ctx context.Context, keyID string) error
}

// Lister is implemented by stores that can enumerate key ids by prefix.
type Lister interface {
	List(ctx context.Context, prefix string) ([]string, error)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, keyID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.keys[keyID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, keyID string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[keyID]; ok {
		Wipe(old)
	}
	s.keys[keyID] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.keys[keyID]; ok {
		Wipe(old)
		delete(s.keys, keyID)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id := range s.keys {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
