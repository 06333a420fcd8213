package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when a lock is owned by someone else.
var ErrLockHeld = errors.New("lock already held")

// Locker serializes work on a key. The returned release func must be called
// exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// LocalLocker is an in-process keyed mutex.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyedLock)}
}

func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyedLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.ch
			l.unref(key, kl)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, kl *keyedLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

type DistributedLock struct {
	Key        string
	Value      string
	TTL        time.Duration
	AcquiredAt time.Time
}

type LockRepository interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error)
	ReleaseLock(ctx context.Context, lock *DistributedLock) error
	ExtendLock(ctx context.Context, lock *DistributedLock, ttl time.Duration) error
}

type lockRepository struct {
	client *redis.Client
}

func NewLockRepository(client *redis.Client) LockRepository {
	return &lockRepository{client: client}
}

const lockPrefix = "lock:"

var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

func (r *lockRepository) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*DistributedLock, error) {
	lockKey := lockPrefix + key
	lockValue := uuid.NewString()

	ok, err := r.client.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
	}

	return &DistributedLock{
		Key:        lockKey,
		Value:      lockValue,
		TTL:        ttl,
		AcquiredAt: time.Now(),
	}, nil
}

func (r *lockRepository) ReleaseLock(ctx context.Context, lock *DistributedLock) error {
	n, err := releaseScript.Run(ctx, r.client, []string{lock.Key}, lock.Value).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock not found or already released: %s", lock.Key)
	}
	return nil
}

func (r *lockRepository) ExtendLock(ctx context.Context, lock *DistributedLock, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, r.client, []string{lock.Key}, lock.Value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("failed to extend lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("lock not found or not owned: %s", lock.Key)
	}
	lock.TTL = ttl
	return nil
}

// DriverLockManager serializes key operations for a driver across replicas.
// It takes the in-process lock first so local contenders do not spin on Redis.
type DriverLockManager struct {
	lockRepo   LockRepository
	local      *LocalLocker
	ttl        time.Duration
	retryDelay time.Duration
}

func NewDriverLockManager(lockRepo LockRepository, ttl time.Duration) *DriverLockManager {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &DriverLockManager{
		lockRepo:   lockRepo,
		local:      NewLocalLocker(),
		ttl:        ttl,
		retryDelay: 25 * time.Millisecond,
	}
}

func (m *DriverLockManager) Lock(ctx context.Context, key string) (func(), error) {
	releaseLocal, err := m.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	for {
		lock, err := m.lockRepo.AcquireLock(ctx, key, m.ttl)
		if err == nil {
			return func() {
				relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
				defer cancel()
				_ = m.lockRepo.ReleaseLock(relCtx, lock)
				releaseLocal()
			}, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			releaseLocal()
			return nil, err
		}

		select {
		case <-time.After(m.retryDelay):
		case <-ctx.Done():
			releaseLocal()
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		}
	}
}
