package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v2"
	"github.com/redis/go-redis/v9"

	"payout-security-api/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

// SessionStore is the identity system's session registry as seen by this service.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
	Put(ctx context.Context, session *models.Session) error
	Revoke(ctx context.Context, sessionID string) error
}

const sessionPrefix = "session:"

type RedisSessionStore struct {
	client *redis.Client
}

func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.client.Get(ctx, sessionPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, session *models.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", session.ID)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionPrefix+session.ID, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	return nil
}

func (s *RedisSessionStore) Revoke(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// CachedSessionStore fronts another store with a short-lived in-process cache.
// Revocations made through it take effect immediately; revocations made
// elsewhere take effect within ttl.
type CachedSessionStore struct {
	next  SessionStore
	cache *ccache.Cache
	ttl   time.Duration
}

func NewCachedSessionStore(next SessionStore, ttl time.Duration, maxSize int64) *CachedSessionStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &CachedSessionStore{
		next:  next,
		cache: ccache.New(ccache.Configure().MaxSize(maxSize)),
		ttl:   ttl,
	}
}

func (s *CachedSessionStore) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	if item := s.cache.Get(sessionID); item != nil && !item.Expired() {
		if session, ok := item.Value().(*models.Session); ok {
			cp := *session
			return &cp, nil
		}
	}

	session, err := s.next.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	cp := *session
	s.cache.Set(sessionID, &cp, s.ttl)
	return session, nil
}

func (s *CachedSessionStore) Put(ctx context.Context, session *models.Session) error {
	if err := s.next.Put(ctx, session); err != nil {
		return err
	}
	s.cache.Delete(session.ID)
	return nil
}

func (s *CachedSessionStore) Revoke(ctx context.Context, sessionID string) error {
	s.cache.Delete(sessionID)
	return s.next.Revoke(ctx, sessionID)
}

func (s *CachedSessionStore) Stop() {
	s.cache.Stop()
}

type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]models.Session)}
}

func (s *MemorySessionStore) Get(_ context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) Put(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

func (s *MemorySessionStore) Revoke(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
