package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// WindowStore counts events in a sliding window. Acquire records an event only
// when fewer than limit events are already in the window; a negative limit
// always records. The returned count includes the new event when allowed.
type WindowStore interface {
	Acquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, count int, err error)
}

const windowPrefix = "ratelimit:"

var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if limit < 0 or count < limit then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], window)
	return {1, count + 1}
end
return {0, count}
`)

type RedisWindowStore struct {
	client *redis.Client
}

func NewRedisWindowStore(client *redis.Client) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func (s *RedisWindowStore) Acquire(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())
	res, err := slidingWindowScript.Run(ctx, s.client, []string{windowPrefix + key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to update rate window %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected rate window reply for %s", key)
	}
	return res[0] == 1, int(res[1]), nil
}

const windowSweepInterval = time.Minute

type windowEntry struct {
	events  []time.Time
	expires time.Time
}

// MemoryWindowStore keeps windows in process. Keys whose window has fully
// elapsed are dropped on a periodic sweep driven by Acquire.
type MemoryWindowStore struct {
	mu        sync.Mutex
	entries   map[string]*windowEntry
	lastSweep time.Time
}

func NewMemoryWindowStore() *MemoryWindowStore {
	return &MemoryWindowStore{entries: make(map[string]*windowEntry)}
}

func (s *MemoryWindowStore) Acquire(_ context.Context, key string, now time.Time, window time.Duration, limit int) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweep(now)

	entry := s.entries[key]
	if entry == nil {
		entry = &windowEntry{}
	}
	cutoff := now.Add(-window)
	kept := entry.events[:0]
	for _, t := range entry.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.events = kept

	if limit >= 0 && len(kept) >= limit {
		if len(kept) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = entry
		}
		return false, len(kept), nil
	}
	entry.events = append(entry.events, now)
	entry.expires = now.Add(window)
	s.entries[key] = entry
	return true, len(entry.events), nil
}

// Len reports how many keys currently hold events.
func (s *MemoryWindowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryWindowStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < windowSweepInterval {
		return
	}
	s.lastSweep = now
	for key, entry := range s.entries {
		if !entry.expires.After(now) {
			delete(s.entries, key)
		}
	}
}
