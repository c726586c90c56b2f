// Package replay re-delivers dead-lettered batches on operator request.
package replay

import (
	"context"
	"errors"

	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/sink"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Per-key outcomes.
const (
	StatusReplayed = "replayed"
	StatusMissing  = "missing"
	StatusFailed   = "failed"
)

// Result for one key. Error is set only for StatusFailed.
type Result struct {
	Key    string `json:"key"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Coordinator
// ------------------------------------------------------------
// For each key: read → write → remove.
//
//   - absent key          → missing
//   - write fails         → failed, entry stays for a later retry
//   - write ok            → remove, replayed
//
// A crash between write and remove delivers the batch again on the next
// replay: delivery is at-least-once.
//
// With concurrency 1 keys are processed strictly in order. Larger values
// fan out over a bounded errgroup; each key's outcome is still independent.
type Coordinator struct {
	store       deadletter.Store
	writer      sink.Writer
	concurrency int
	metrics     *metrics.Metrics
}

func New(store deadletter.Store, writer sink.Writer, concurrency int, m *metrics.Metrics) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Coordinator{store: store, writer: writer, concurrency: concurrency, metrics: m}
}

// Replay processes keys and returns one Result per key in input order.
// It never fails as a whole.
func (c *Coordinator) Replay(ctx context.Context, keys []string) []Result {
	results := make([]Result, len(keys))

	if c.concurrency == 1 {
		for i, key := range keys {
			results[i] = c.replayOne(ctx, key)
		}
		return results
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			results[i] = c.replayOne(gctx, key)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Coordinator) replayOne(ctx context.Context, key string) (res Result) {
	res.Key = key
	defer func() {
		c.metrics.IncReplay(res.Status)
	}()

	if err := ctx.Err(); err != nil {
		return failed(key, err)
	}

	payload, err := c.store.Read(ctx, key)
	if err != nil {
		if !errors.Is(err, deadletter.ErrInvalidKey) {
			log.Warn().Err(err).Str("key", key).Msg("replay read failed")
		}
		return failed(key, err)
	}
	if payload == nil {
		res.Status = StatusMissing
		return res
	}

	if err := c.writer.Write(ctx, payload.Batch); err != nil {
		log.Warn().Err(err).Str("key", key).Int("events", len(payload.Batch.Events)).Msg("replay write failed, entry kept")
		return failed(key, err)
	}

	if err := c.store.Remove(ctx, key); err != nil {
		// delivered, but will be delivered again by the next replay
		log.Error().Err(err).Str("key", key).Msg("replayed batch could not be removed")
	}

	log.Info().Str("key", key).Int("events", len(payload.Batch.Events)).Msg("dead-letter entry replayed")
	res.Status = StatusReplayed
	return res
}

func failed(key string, err error) Result {
	return Result{Key: key, Status: StatusFailed, Error: err.Error()}
}
