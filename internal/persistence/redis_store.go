package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lsventura/cryptoTrader/internal/monitor"
)

// DefaultSnapshotKey is where the snapshot document lives in Redis
const DefaultSnapshotKey = "riskmon:monitors"

// RedisStore mirrors the snapshot into a single Redis key. When Redis is
// unavailable it keeps serving the last snapshot from memory.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	logger zerolog.Logger

	mu             sync.RWMutex
	cache          monitor.Snapshot
	redisAvailable atomic.Bool
}

// NewRedisStore creates a store. A nil client runs in memory-only mode.
// ttl of zero means the key never expires.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	if key == "" {
		key = DefaultSnapshotKey
	}
	s := &RedisStore{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisStore").Str("key", key).Logger(),
		cache:  monitor.Snapshot{},
	}

	if client == nil {
		s.logger.Warn().Msg("No Redis client provided, using in-memory snapshot only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Redis unavailable at startup, using in-memory snapshot")
	} else {
		s.redisAvailable.Store(true)
	}
	return s
}

// Available reports whether the last Redis round trip succeeded
func (s *RedisStore) Available() bool {
	return s.client != nil && s.redisAvailable.Load()
}

// Load reads the snapshot from Redis, or from memory when Redis is down
func (s *RedisStore) Load(ctx context.Context) (monitor.Snapshot, error) {
	if s.client == nil {
		return s.cached(), nil
	}

	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		s.redisAvailable.Store(true)
		return s.cached(), nil
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Redis read failed, using in-memory snapshot")
		s.redisAvailable.Store(false)
		return s.cached(), nil
	}
	s.redisAvailable.Store(true)

	snap, err := monitor.DecodeSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("redis snapshot: %w", err)
	}
	s.setCache(snap)
	return snap, nil
}

// Save replaces the whole snapshot. Redis failures degrade to memory and are
// returned so mirror stores can report them.
func (s *RedisStore) Save(ctx context.Context, snap monitor.Snapshot) error {
	s.setCache(snap)
	if s.client == nil {
		return nil
	}

	data, err := monitor.EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key, data, s.ttl).Err(); err != nil {
		if s.redisAvailable.Swap(false) {
			s.logger.Warn().Err(err).Msg("Redis write failed, snapshot kept in memory")
		}
		return fmt.Errorf("redis: set %s: %w", s.key, err)
	}
	if !s.redisAvailable.Swap(true) {
		s.logger.Info().Msg("Redis snapshot mirror recovered")
	}
	return nil
}

func (s *RedisStore) cached() monitor.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(monitor.Snapshot, len(s.cache))
	for id, rec := range s.cache {
		out[id] = rec
	}
	return out
}

func (s *RedisStore) setCache(snap monitor.Snapshot) {
	cp := make(monitor.Snapshot, len(snap))
	for id, rec := range snap {
		cp[id] = rec
	}
	s.mu.Lock()
	s.cache = cp
	s.mu.Unlock()
}
