// Package deadletter persists batches the sink rejected so they can be
// replayed later. Backends: local files, S3, Redis, or none.
package deadletter

import (
	"context"
	"errors"
	"time"

	"log-ingest-gateway/internal/codec"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
)

// Store
// ------------------------------------------------------------
// Read returns (nil, nil) for a key that does not exist, and Remove of an
// absent key is not an error: replay relies on both to stay idempotent.
type Store interface {
	// Available reports whether Persist actually stores anything.
	Available() bool

	// Persist saves the batch and returns its generated key.
	// A store that is not Available returns "", nil.
	Persist(ctx context.Context, batch model.LogBatch, reason string) (string, error)

	Read(ctx context.Context, key string) (*model.DeadLetterPayload, error)
	Remove(ctx context.Context, key string) error

	// List returns up to limit keys, oldest first.
	List(ctx context.Context, limit int) ([]string, error)
}

var (
	// ErrStoreFull is returned when a bounded store cannot make room.
	ErrStoreFull = errors.New("dead-letter store is full")

	// ErrUnavailable is returned by Read/Remove/List on a disabled store.
	ErrUnavailable = errors.New("dead-letter store is not configured")
)

// Disabled is the store used when no backend is configured: failed
// batches are reported to the caller without a key.
type Disabled struct {
	Metrics *metrics.Metrics
}

func (Disabled) Available() bool { return false }

func (d Disabled) Persist(_ context.Context, batch model.LogBatch, _ string) (string, error) {
	d.Metrics.IncDLQPersist("disabled", len(batch.Events))
	return "", nil
}

func (Disabled) Read(context.Context, string) (*model.DeadLetterPayload, error) {
	return nil, ErrUnavailable
}

func (Disabled) Remove(context.Context, string) error { return ErrUnavailable }

func (Disabled) List(context.Context, int) ([]string, error) { return nil, ErrUnavailable }

// encodePayload builds the stored document: gzip-compressed JSON.
func encodePayload(batch model.LogBatch, reason string, storedAt time.Time) ([]byte, error) {
	return codec.EncodeJSONGzip(model.DeadLetterPayload{
		Batch:    batch,
		Reason:   reason,
		StoredAt: storedAt.UTC(),
	})
}

func decodePayload(data []byte) (*model.DeadLetterPayload, error) {
	var p model.DeadLetterPayload
	if err := codec.Decode(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func recordPersist(m *metrics.Metrics, err error, events int) {
	if err != nil {
		m.IncDLQPersist("error", events)
		return
	}
	m.IncDLQPersist("stored", events)
}
