package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter increments a fixed-window counter for key and reports the count
// after the increment and when the window resets.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error)
}

// incrScript starts the window on the first hit and always reports the TTL so
// a key that somehow lost its expiry gets one back.
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if count == 1 or ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisCounter keeps counters in Redis so limits hold across instances.
type RedisCounter struct {
	client redis.Scripter
	now    func() time.Time
}

func NewRedisCounter(client redis.Scripter) *RedisCounter {
	return &RedisCounter{client: client, now: time.Now}
}

// NewRedisClient parses a redis:// URL and returns a connected client.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Time, error) {
	res, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr: %w", err)
	}
	if len(res) != 2 {
		return 0, time.Time{}, fmt.Errorf("redis incr: unexpected reply %v", res)
	}
	return res[0], c.now().Add(time.Duration(res[1]) * time.Millisecond), nil
}

type entry struct {
	count    int64
	windowAt time.Time
}

// MemoryCounter is a per-process fixed-window counter. Limits are only as
// strong as the number of instances sharing it.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (m *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || !now.Before(e.windowAt) {
		e = &entry{windowAt: now.Add(window)}
		m.entries[key] = e
	}
	e.count++
	return e.count, e.windowAt, nil
}

// Cleanup removes expired windows and returns how many were dropped.
func (m *MemoryCounter) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for key, e := range m.entries {
		if !now.Before(e.windowAt) {
			delete(m.entries, key)
			n++
		}
	}
	return n
}
