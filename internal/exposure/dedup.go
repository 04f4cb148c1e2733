package exposure

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type dedupEntry struct {
	key       string
	expiresAt time.Time
}

// MemoryDedupStore is an LRU of exposure keys with per-key expiry. When full,
// the least recently seen key is evicted even if it has not expired.
type MemoryDedupStore struct {
	capacity int
	now      func() time.Time

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List
}

type MemoryOption func(*MemoryDedupStore)

func withMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryDedupStore) {
		s.now = now
	}
}

// NewMemoryDedupStore panics when capacity is not positive.
func NewMemoryDedupStore(capacity int, opts ...MemoryOption) *MemoryDedupStore {
	if capacity <= 0 {
		panic("dedup store capacity must be positive")
	}
	s := &MemoryDedupStore{
		capacity: capacity,
		now:      time.Now,
		items:    make(map[string]*list.Element),
		eviction: list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryDedupStore) FirstSeen(_ context.Context, key string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if elem, ok := s.items[key]; ok {
		entry := elem.Value.(*dedupEntry)
		if now.Before(entry.expiresAt) {
			s.eviction.MoveToFront(elem)
			return false, nil
		}
		entry.expiresAt = now.Add(window)
		s.eviction.MoveToFront(elem)
		return true, nil
	}

	elem := s.eviction.PushFront(&dedupEntry{key: key, expiresAt: now.Add(window)})
	s.items[key] = elem

	if s.eviction.Len() > s.capacity {
		s.evictOldest()
	}
	return true, nil
}

func (s *MemoryDedupStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eviction.Len()
}

// Must be called with lock held.
func (s *MemoryDedupStore) evictOldest() {
	elem := s.eviction.Back()
	if elem == nil {
		return
	}
	s.eviction.Remove(elem)
	delete(s.items, elem.Value.(*dedupEntry).key)
}

// setNXer is the subset of the go-redis client the Redis store needs.
type setNXer interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
}

// RedisDedupStore shares dedup state between server replicas using
// SET NX PX, so a key is first-seen exactly once per window cluster-wide.
type RedisDedupStore struct {
	client setNXer
	prefix string
}

func NewRedisDedupStore(client redis.UniversalClient, prefix string) *RedisDedupStore {
	return newRedisDedupStore(client, prefix)
}

func newRedisDedupStore(client setNXer, prefix string) *RedisDedupStore {
	if prefix == "" {
		prefix = "rolloutz:exposure:"
	}
	return &RedisDedupStore{client: client, prefix: prefix}
}

func (s *RedisDedupStore) FirstSeen(ctx context.Context, key string, window time.Duration) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+key, 1, window).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return set, nil
}

var (
	ErrFailedToParseRedisURL = errors.New("failed to parse redis url")
	ErrRedisNotReady         = errors.New("redis did not become ready")
)

// ConnectRedis parses url and pings the server, retrying until attempts run
// out or ctx ends.
func ConnectRedis(ctx context.Context, url string, attempts int, interval time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrFailedToParseRedisURL, err)
	}

	for range max(attempts, 1) {
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err == nil {
			return client, nil
		}
		_ = client.Close()

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrRedisNotReady, ctx.Err())
		case <-time.After(interval):
		}
	}

	return nil, ErrRedisNotReady
}
