package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/timecache"

	"github.com/redis/go-redis/v9"
)

// RedisAPI is the subset of *redis.Client the store calls.
type RedisAPI interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...any) *redis.IntCmd
	ZRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// ConnectRedis initializes a client from a redis:// URL or host:port.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// RedisStore
// ------------------------------------------------------------
// Each payload is a plain string value under its key, expiring after
// DLQ_REDIS_TTL (0 keeps it forever). A sorted set "<prefix>:index",
// scored by creation second, gives List its oldest-first order.
// Index members whose payload already expired read back as absent; the
// sweeper removes them.
type RedisStore struct {
	client  RedisAPI
	keys    Keys
	ttl     time.Duration
	metrics *metrics.Metrics
}

func NewRedisStore(cfg config.Config, client RedisAPI, m *metrics.Metrics) *RedisStore {
	return &RedisStore{
		client:  client,
		keys:    NewKeys(cfg.DLQPrefix, cfg.InstanceID),
		ttl:     cfg.DLQRedisTTL,
		metrics: m,
	}
}

func (s *RedisStore) indexKey() string { return s.keys.Prefix + ":index" }

func (s *RedisStore) Available() bool { return true }

func (s *RedisStore) Persist(ctx context.Context, batch model.LogBatch, reason string) (key string, err error) {
	defer func() { recordPersist(s.metrics, err, len(batch.Events)) }()

	now := timecache.Now()
	data, err := encodePayload(batch, reason, now)
	if err != nil {
		return "", fmt.Errorf("deadletter: encoding payload: %w", err)
	}

	key = s.keys.New()
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("deadletter: redis set: %w", err)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.Unix()), Member: key}).Err(); err != nil {
		// without an index entry the payload is still replayable by key,
		// but the sweeper would never see it; undo and report
		_ = s.client.Del(ctx, key).Err()
		return "", fmt.Errorf("deadletter: redis index: %w", err)
	}
	return key, nil
}

func (s *RedisStore) Read(ctx context.Context, key string) (*model.DeadLetterPayload, error) {
	if err := s.keys.Validate(key); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("deadletter: redis get: %w", err)
	}
	return decodePayload(raw)
}

func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.keys.Validate(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("deadletter: redis del: %w", err)
	}
	if err := s.client.ZRem(ctx, s.indexKey(), key).Err(); err != nil {
		return fmt.Errorf("deadletter: redis index: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	keys, err := s.client.ZRange(ctx, s.indexKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("deadletter: redis list: %w", err)
	}
	return keys, nil
}
