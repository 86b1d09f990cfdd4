package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	internalredis "github.com/hxnx/calmstream/internal/redis"
	redislib "github.com/redis/go-redis/v9"
)

const (
	resolveKeyPrefix = "calmstream:resolve:"
	ledgerKey        = "calmstream:ledger"
)

// ResolveCache remembers successful resolutions for the life of the
// process (or longer, when backed by Redis).
type ResolveCache interface {
	Get(ctx context.Context, key string) (Resolution, bool)
	Set(ctx context.Context, key string, res Resolution)
	Delete(ctx context.Context, key string)
}

func resolveCacheKey(t Track) string {
	return strings.Join([]string{t.ID, t.Bucket, t.Key}, "-")
}

type MemoryResolveCache struct {
	mu      sync.RWMutex
	entries map[string]Resolution
	hits    int
	misses  int
}

func NewMemoryResolveCache() *MemoryResolveCache {
	return &MemoryResolveCache{entries: make(map[string]Resolution)}
}

func (c *MemoryResolveCache) Get(_ context.Context, key string) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return res, ok
}

func (c *MemoryResolveCache) Set(_ context.Context, key string, res Resolution) {
	c.mu.Lock()
	c.entries[key] = res
	c.mu.Unlock()
}

func (c *MemoryResolveCache) Delete(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

type CacheStats struct {
	Entries int
	Hits    int
	Misses  int
}

func (c *MemoryResolveCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// RedisResolveCache shares resolutions between processes. Lookups that
// fail fall through to a miss so playback never waits on Redis.
type RedisResolveCache struct {
	client *redislib.Client
	ttl    time.Duration
}

func NewRedisResolveCache(client *redislib.Client, ttl time.Duration) *RedisResolveCache {
	return &RedisResolveCache{client: client, ttl: ttl}
}

func NewRedisResolveCacheFromDefault(ttl time.Duration) *RedisResolveCache {
	return &RedisResolveCache{client: internalredis.Client(), ttl: ttl}
}

func (c *RedisResolveCache) ensureClient() error {
	if c.client != nil {
		return nil
	}

	c.client = internalredis.Client()
	if c.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	return nil
}

func (c *RedisResolveCache) Get(ctx context.Context, key string) (Resolution, bool) {
	if err := c.ensureClient(); err != nil {
		return Resolution{}, false
	}

	raw, err := c.client.Get(ctx, resolveKeyPrefix+key).Bytes()
	if err != nil {
		return Resolution{}, false
	}

	var res Resolution
	if err := json.Unmarshal(raw, &res); err != nil {
		return Resolution{}, false
	}
	return res, res.Success
}

func (c *RedisResolveCache) Set(ctx context.Context, key string, res Resolution) {
	if err := c.ensureClient(); err != nil {
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, resolveKeyPrefix+key, payload, c.ttl).Err()
}

func (c *RedisResolveCache) Delete(ctx context.Context, key string) {
	if err := c.ensureClient(); err != nil {
		return
	}
	_ = c.client.Del(ctx, resolveKeyPrefix+key).Err()
}

// RedisLedgerStore keeps the failure ledger as a single hash of
// track id to count.
type RedisLedgerStore struct {
	client *redislib.Client
}

func NewRedisLedgerStore(client *redislib.Client) *RedisLedgerStore {
	return &RedisLedgerStore{client: client}
}

func NewRedisLedgerStoreFromDefault() *RedisLedgerStore {
	return &RedisLedgerStore{client: internalredis.Client()}
}

func (s *RedisLedgerStore) ensureClient() error {
	if s.client != nil {
		return nil
	}

	s.client = internalredis.Client()
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}

	return nil
}

func (s *RedisLedgerStore) Save(ctx context.Context, counts map[string]int) error {
	if err := s.ensureClient(); err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ledgerKey)
	if len(counts) > 0 {
		fields := make(map[string]interface{}, len(counts))
		for id, n := range counts {
			fields[id] = n
		}
		pipe.HSet(ctx, ledgerKey, fields)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisLedgerStore) Load(ctx context.Context) (map[string]int, error) {
	if err := s.ensureClient(); err != nil {
		return nil, err
	}

	raw, err := s.client.HGetAll(ctx, ledgerKey).Result()
	if err != nil {
		if errors.Is(err, redislib.Nil) {
			return map[string]int{}, nil
		}
		return nil, err
	}

	counts := make(map[string]int, len(raw))
	for id, value := range raw {
		n, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		counts[id] = n
	}
	return counts, nil
}

func (s *RedisLedgerStore) Clear(ctx context.Context) error {
	if err := s.ensureClient(); err != nil {
		return err
	}
	return s.client.Del(ctx, ledgerKey).Err()
}
