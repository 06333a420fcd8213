package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyRepository stores the response for a submission key. Reserve
// claims the key; a second Reserve before Complete reports reserved=false.
type IdempotencyRepository interface {
	Reserve(ctx context.Context, key string, ttl time.Duration) (reserved bool, err error)
	Complete(ctx context.Context, key string, response []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Release(ctx context.Context, key string) error
}

const (
	idempotencyPrefix  = "idempotency:"
	idempotencyPending = "__pending__"
)

type redisIdempotencyRepository struct {
	client *redis.Client
}

func NewIdempotencyRepository(client *redis.Client) IdempotencyRepository {
	return &redisIdempotencyRepository{client: client}
}

func (r *redisIdempotencyRepository) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyPrefix+key, idempotencyPending, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	return ok, nil
}

func (r *redisIdempotencyRepository) Complete(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, idempotencyPrefix+key, response, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set idempotency key: %w", err)
	}
	return nil
}

// Get returns found=true with a nil response while the key is still pending.
func (r *redisIdempotencyRepository) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get idempotency response: %w", err)
	}
	if string(val) == idempotencyPending {
		return nil, true, nil
	}
	return val, true, nil
}

func (r *redisIdempotencyRepository) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete idempotency key: %w", err)
	}
	return nil
}

type memoryIdempotencyEntry struct {
	response  []byte
	pending   bool
	expiresAt time.Time
}

type MemoryIdempotencyRepository struct {
	mu      sync.Mutex
	entries map[string]*memoryIdempotencyEntry
	now     func() time.Time
}

func NewMemoryIdempotencyRepository() *MemoryIdempotencyRepository {
	return &MemoryIdempotencyRepository{
		entries: make(map[string]*memoryIdempotencyEntry),
		now:     time.Now,
	}
}

func (r *MemoryIdempotencyRepository) live(key string) (*memoryIdempotencyEntry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	if r.now().After(e.expiresAt) {
		delete(r.entries, key)
		return nil, false
	}
	return e, true
}

func (r *MemoryIdempotencyRepository) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live(key); ok {
		return false, nil
	}
	r.entries[key] = &memoryIdempotencyEntry{pending: true, expiresAt: r.now().Add(ttl)}
	return true, nil
}

func (r *MemoryIdempotencyRepository) Complete(_ context.Context, key string, response []byte, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(response))
	copy(cp, response)
	r.entries[key] = &memoryIdempotencyEntry{response: cp, expiresAt: r.now().Add(ttl)}
	return nil
}

func (r *MemoryIdempotencyRepository) Get(_ context.Context, key string) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.live(key)
	if !ok {
		return nil, false, nil
	}
	if e.pending {
		return nil, true, nil
	}
	return e.response, true, nil
}

func (r *MemoryIdempotencyRepository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
	return nil
}
