// Package cache is the read-path result cache: an in-process TTL cache for a
// single node, or Redis when several API nodes share results.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-redis/redis/v8"
	"github.com/jellydator/ttlcache/v3"

	"github.com/nicktill/tinyfarm/pkg/metrics"
)

// ErrMiss is returned by Get when the key is absent or expired
var ErrMiss = errors.New("cache miss")

// Cache is a byte-valued key store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Memory is a Cache backed by ttlcache. Expired entries are evicted by a
// background loop started in NewMemory.
type Memory struct {
	c *ttlcache.Cache[string, []byte]
}

// NewMemory creates an in-process cache holding at most capacity entries
// (0 = unbounded).
func NewMemory(capacity uint64) *Memory {
	opts := []ttlcache.Option[string, []byte]{ttlcache.WithDisableTouchOnHit[string, []byte]()}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	c := ttlcache.New(opts...)
	go c.Start()
	return &Memory{c: c}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	item := m.c.Get(key)
	if item == nil {
		return nil, ErrMiss
	}
	return item.Value(), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.c.Set(key, value, ttl)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.c.Delete(k)
	}
	return nil
}

// Len returns the number of live entries
func (m *Memory) Len() int {
	return m.c.Len()
}

// Close stops the eviction loop
func (m *Memory) Close() error {
	m.c.Stop()
	return nil
}

// Redis is a Cache backed by a Redis server. Keys are namespaced by prefix.
type Redis struct {
	c      *redis.Client
	prefix string
}

// RedisConfig holds connection settings for NewRedis
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis connects to Redis and verifies the connection with PING.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		c.Close()
		return nil, err
	}
	return &Redis{c: c, prefix: cfg.Prefix}, nil
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.c.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return val, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, r.prefix+key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.c.Del(ctx, full...).Err()
}

func (r *Redis) Close() error {
	return r.c.Close()
}

// maxKeyLen is the longest key kept verbatim; longer keys are hashed
const maxKeyLen = 200

// Key joins parts with ':'. Keys longer than maxKeyLen keep the first part
// and replace the rest with its xxhash.
func Key(parts ...string) string {
	k := strings.Join(parts, ":")
	if len(k) <= maxKeyLen || len(parts) < 2 {
		return k
	}
	rest := strings.Join(parts[1:], ":")
	return parts[0] + ":h" + strconv.FormatUint(xxhash.Sum64String(rest), 16)
}

// JSON is one logical cache (latest, history, chart) storing values of T as
// JSON on a shared backend. Backend errors are logged and read as misses so
// a cache outage never fails a request.
type JSON[T any] struct {
	backend Cache
	name    string
	log     *slog.Logger
}

// NewJSON creates a typed view of backend. name labels metrics and keys.
func NewJSON[T any](backend Cache, name string, log *slog.Logger) *JSON[T] {
	if log == nil {
		log = slog.Default()
	}
	return &JSON[T]{backend: backend, name: name, log: log.With("component", "cache", "cache", name)}
}

// Get returns the cached value and whether it was found
func (j *JSON[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T
	if j == nil || j.backend == nil {
		return zero, false
	}

	raw, err := j.backend.Get(ctx, j.name+":"+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			j.log.Warn("Cache read failed", "key", key, "error", err)
			metrics.CacheRequests.WithLabelValues(j.name, "error").Inc()
			return zero, false
		}
		metrics.CacheRequests.WithLabelValues(j.name, "miss").Inc()
		return zero, false
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		j.log.Warn("Dropping undecodable cache entry", "key", key, "error", err)
		j.backend.Delete(ctx, j.name+":"+key)
		metrics.CacheRequests.WithLabelValues(j.name, "error").Inc()
		return zero, false
	}

	metrics.CacheRequests.WithLabelValues(j.name, "hit").Inc()
	return v, true
}

// Set stores v for ttl
func (j *JSON[T]) Set(ctx context.Context, key string, v T, ttl time.Duration) {
	if j == nil || j.backend == nil || ttl <= 0 {
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		j.log.Warn("Failed to encode cache entry", "key", key, "error", err)
		return
	}
	if err := j.backend.Set(ctx, j.name+":"+key, raw, ttl); err != nil {
		j.log.Warn("Cache write failed", "key", key, "error", err)
	}
}
