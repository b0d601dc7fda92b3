// Package cache keeps the latest queue snapshot in Redis.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"queue_notifier/internal/domain"
	"queue_notifier/internal/logging"
	"queue_notifier/internal/metrics"
)

// LatestSnapshotKey is a sorted set of snapshot JSON scored by capture time in
// milliseconds. Only the highest-scored member is kept.
const LatestSnapshotKey = "queue:snapshot:latest"

// DefaultTTL bounds how long a cached snapshot outlives a missed write-through.
const DefaultTTL = 10 * time.Minute

type redisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRevRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

type snapshotSource interface {
	Append(ctx context.Context, pattern, rawContent string, at time.Time) (domain.Snapshot, error)
	MostRecent(ctx context.Context) (domain.Snapshot, error)
	History(ctx context.Context, limit, offset int) ([]domain.Snapshot, error)
}

// NewRedisClient builds the production client.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// SnapshotStore wraps the snapshot repository with a write-through cache of
// the newest snapshot. Writes landing out of order never replace a newer
// cached snapshot. Cache failures are logged and fall back to storage.
type SnapshotStore struct {
	source snapshotSource
	redis  redisClient
	ttl    time.Duration
	logger *logrus.Entry
}

// NewSnapshotStore constructs a SnapshotStore. A nil client disables caching.
func NewSnapshotStore(source snapshotSource, client redisClient, ttl time.Duration, logger *logrus.Entry) *SnapshotStore {
	if logger == nil {
		logger = logging.Logger()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &SnapshotStore{
		source: source,
		redis:  client,
		ttl:    ttl,
		logger: logger,
	}
}

// Append stores the snapshot and refreshes the cached copy.
func (s *SnapshotStore) Append(ctx context.Context, pattern, rawContent string, at time.Time) (domain.Snapshot, error) {
	snap, err := s.source.Append(ctx, pattern, rawContent, at)
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.store(ctx, snap)
	return snap, nil
}

// MostRecent reads through the cache.
func (s *SnapshotStore) MostRecent(ctx context.Context) (domain.Snapshot, error) {
	if s.redis != nil {
		snap, ok := s.load(ctx)
		if ok {
			return snap, nil
		}
	}

	snap, err := s.source.MostRecent(ctx)
	if err != nil {
		return domain.Snapshot{}, err
	}

	s.store(ctx, snap)
	return snap, nil
}

// History always reads storage.
func (s *SnapshotStore) History(ctx context.Context, limit, offset int) ([]domain.Snapshot, error) {
	return s.source.History(ctx, limit, offset)
}

// Invalidate drops the cached snapshot.
func (s *SnapshotStore) Invalidate(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	if err := s.redis.Del(ctx, LatestSnapshotKey).Err(); err != nil {
		metrics.IncCacheError()
		return fmt.Errorf("invalidate snapshot cache: %w", err)
	}
	return nil
}

// Ping checks Redis reachability. It is a no-op when caching is disabled.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the Redis client.
func (s *SnapshotStore) Close() error {
	if s == nil || s.redis == nil {
		return nil
	}
	return s.redis.Close()
}

func (s *SnapshotStore) load(ctx context.Context) (domain.Snapshot, bool) {
	members, err := s.redis.ZRevRange(ctx, LatestSnapshotKey, 0, 0).Result()
	if err == nil && len(members) == 0 {
		err = redis.Nil
	}
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheMiss()
		return domain.Snapshot{}, false
	}
	if err != nil {
		metrics.IncCacheError()
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("read snapshot cache failed")
		return domain.Snapshot{}, false
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		metrics.IncCacheError()
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("decode cached snapshot failed")
		return domain.Snapshot{}, false
	}

	metrics.IncCacheHit()
	return snap, true
}

func (s *SnapshotStore) store(ctx context.Context, snap domain.Snapshot) {
	if s.redis == nil {
		return
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("encode snapshot failed")
		return
	}
	member := redis.Z{Score: float64(snap.CapturedAt.UnixMilli()), Member: string(raw)}
	if err := s.redis.ZAdd(ctx, LatestSnapshotKey, member).Err(); err != nil {
		metrics.IncCacheError()
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("write snapshot cache failed")
		return
	}

	// Drop everything but the newest member; an older write lands below it.
	if err := s.redis.ZRemRangeByRank(ctx, LatestSnapshotKey, 0, -2).Err(); err != nil {
		metrics.IncCacheError()
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("trim snapshot cache failed")
	}
	if err := s.redis.Expire(ctx, LatestSnapshotKey, s.ttl).Err(); err != nil {
		metrics.IncCacheError()
		s.logger.WithField("event", "snapshot_cache_error").WithError(err).Warn("expire snapshot cache failed")
	}
}
