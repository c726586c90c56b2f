package deadletter

import (
	"context"

	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Open builds the backend selected by DLQ_BACKEND. The returned close
// function releases backend connections and is never nil.
func Open(ctx context.Context, cfg config.Config, m *metrics.Metrics) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.DLQBackend {
	case config.BackendFile:
		s, err := NewFileStore(cfg, m)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil

	case config.BackendS3:
		client, err := NewS3Client(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Str("bucket", cfg.DLQBucket).Str("region", cfg.AWSRegion).Msg("s3 dead-letter store ready")
		return NewS3Store(cfg, client, m), noop, nil

	case config.BackendRedis:
		client, err := ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, noop, err
		}
		log.Info().Msg("redis dead-letter store ready")
		return NewRedisStore(cfg, client, m), client.Close, nil

	default:
		log.Warn().Msg("no dead-letter store configured, failed batches will be lost")
		return Disabled{Metrics: m}, noop, nil
	}
}
