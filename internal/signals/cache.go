package signals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"liquidity-oracle/internal/risk"
)

// Cache keeps the last successfully fetched signal per category.
type Cache interface {
	Get(ctx context.Context, category risk.Category) (risk.Signal, bool, error)
	Put(ctx context.Context, signal risk.Signal) error
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu   sync.RWMutex
	last map[risk.Category]risk.Signal
}

// NewMemoryCache returns an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{last: make(map[risk.Category]risk.Signal)}
}

func (m *MemoryCache) Get(_ context.Context, category risk.Category) (risk.Signal, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.last[category]
	return sig, ok, nil
}

func (m *MemoryCache) Put(_ context.Context, signal risk.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.last[signal.Category] = signal
	return nil
}

// RedisCache shares last-known signals across evaluator restarts.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// RedisOptions configure the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisClient dials Redis and verifies the connection.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return rdb, nil
}

// NewRedisCache wraps an existing client. A zero ttl keeps entries forever.
func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "safepassage:signal:"
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisCache) key(category risk.Category) string {
	return r.prefix + string(category)
}

func (r *RedisCache) Get(ctx context.Context, category risk.Category) (risk.Signal, bool, error) {
	val, err := r.client.Get(ctx, r.key(category)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return risk.Signal{}, false, nil
		}
		return risk.Signal{}, false, fmt.Errorf("redis get: %w", err)
	}
	var sig risk.Signal
	if err := json.Unmarshal([]byte(val), &sig); err != nil {
		return risk.Signal{}, false, fmt.Errorf("decode cached signal: %w", err)
	}
	return sig, true, nil
}

func (r *RedisCache) Put(ctx context.Context, signal risk.Signal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	if err := r.client.Set(ctx, r.key(signal.Category), string(payload), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

var (
	_ Cache = (*MemoryCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
