// Package worker runs background maintenance next to the HTTP server.
package worker

import (
	"context"
	"sync"
	"time"

	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/replay"

	"github.com/rs/zerolog/log"
)

// Sweeper
// ------------------------------------------------------------
// Periodically replays the oldest dead-letter entries so a sink outage
// heals without an operator calling /replay.
//
//   - every interval: List(batch) → Coordinator.Replay
//   - keys reported missing are removed so stale index entries
//     (e.g. Redis payloads that hit their TTL) do not come back
//   - a pass stops early once a key fails: the sink is probably still
//     down and the rest would fail the same way
//
// Start / Shutdown follow the usual pattern: cancel the context, then
// wait for the loop to return. Shutdown is safe to call more than once.
type Sweeper struct {
	store       deadletter.Store
	coordinator *replay.Coordinator
	interval    time.Duration
	batch       int
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSweeper builds a sweeper. A zero interval means it never runs.
func NewSweeper(store deadletter.Store, c *replay.Coordinator, interval time.Duration, batch int, m *metrics.Metrics) *Sweeper {
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		store:       store,
		coordinator: c,
		interval:    interval,
		batch:       batch,
		metrics:     m,
	}
}

// Enabled reports whether Start will launch the loop.
func (s *Sweeper) Enabled() bool {
	return s.interval > 0 && s.store != nil && s.store.Available()
}

// Start launches the loop in its own goroutine.
func (s *Sweeper) Start() {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if !s.Enabled() {
		return
	}

	s.wg.Add(1)
	go s.loop()
	log.Info().Dur("interval", s.interval).Int("batch", s.batch).Msg("dead-letter sweeper started")
}

// Shutdown cancels the loop and waits for the current pass to finish.
func (s *Sweeper) Shutdown() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(s.ctx)
		}
	}
}

// SweepResult summarizes one pass.
type SweepResult struct {
	Replayed int
	Missing  int
	Failed   int
}

// SweepOnce runs a single pass and returns what it did.
func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	s.metrics.IncSweeperRun()

	var res SweepResult
	keys, err := s.store.List(ctx, s.batch)
	if err != nil {
		log.Warn().Err(err).Msg("dead-letter sweep: list failed")
		return res
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		r := s.coordinator.Replay(ctx, []string{key})[0]
		switch r.Status {
		case replay.StatusReplayed:
			res.Replayed++
		case replay.StatusMissing:
			res.Missing++
			_ = s.store.Remove(ctx, key)
		default:
			res.Failed++
		}
		if res.Failed > 0 {
			break
		}
	}

	if len(keys) > 0 {
		log.Info().
			Int("listed", len(keys)).
			Int("replayed", res.Replayed).
			Int("missing", res.Missing).
			Int("failed", res.Failed).
			Msg("dead-letter sweep finished")
	}
	return res
}
