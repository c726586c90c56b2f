package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedWriter fails for batches whose request id is in failFor.
type scriptedWriter struct {
	mu      sync.Mutex
	failFor map[string]bool
	written []string

	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (w *scriptedWriter) Write(_ context.Context, b model.LogBatch) error {
	n := w.inFlight.Add(1)
	defer w.inFlight.Add(-1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if w.delay > 0 {
		time.Sleep(w.delay)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failFor[b.RequestID] {
		return fmt.Errorf("sink write returned HTTP 503")
	}
	w.written = append(w.written, b.RequestID)
	return nil
}

func newStore(t *testing.T) *deadletter.FileStore {
	t.Helper()
	s, err := deadletter.NewFileStore(config.Config{DLQDir: t.TempDir(), DLQPrefix: "dlq", InstanceID: "t"}, nil)
	require.NoError(t, err)
	return s
}

func persist(t *testing.T, s deadletter.Store, requestID string) string {
	t.Helper()
	batch, err := model.NewLogBatch([]model.NormalizedEvent{{
		Timestamp: "2026-03-01T12:00:00Z",
		Platform:  model.PlatformUnity,
		Severity:  "WARNING",
		EventType: "net:lag",
		Message:   "rtt high",
		Tags:      map[string]string{},
		ClientID:  "unity-1",
	}}, model.VerifiedClientContext{ClientID: "unity-1"}, requestID, time.Now())
	require.NoError(t, err)
	key, err := s.Persist(context.Background(), batch, "sink down")
	require.NoError(t, err)
	return key
}

func TestReplay_ReplayedMissingFailed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	okKey := persist(t, store, "ok")
	badKey := persist(t, store, "bad")
	missingKey := "dlq/2026-03-01/1_t_gone.json"

	w := &scriptedWriter{failFor: map[string]bool{"bad": true}}
	m := metrics.New()
	c := New(store, w, 1, m)

	results := c.Replay(ctx, []string{okKey, missingKey, badKey})
	require.Len(t, results, 3)

	assert.Equal(t, Result{Key: okKey, Status: StatusReplayed}, results[0])
	assert.Equal(t, Result{Key: missingKey, Status: StatusMissing}, results[1])
	assert.Equal(t, badKey, results[2].Key)
	assert.Equal(t, StatusFailed, results[2].Status)
	assert.Equal(t, "sink write returned HTTP 503", results[2].Error)

	// replayed entry is gone
	payload, err := store.Read(ctx, okKey)
	require.NoError(t, err)
	assert.Nil(t, payload)

	// failed entry is left for a later retry
	payload, err = store.Read(ctx, badKey)
	require.NoError(t, err)
	require.NotNil(t, payload)
	assert.Equal(t, "bad", payload.Batch.RequestID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayResultsTotal.WithLabelValues(StatusReplayed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplayResultsTotal.WithLabelValues(StatusFailed)))
}

func TestReplay_RetryAfterFailureSucceeds(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	key := persist(t, store, "flaky")

	w := &scriptedWriter{failFor: map[string]bool{"flaky": true}}
	c := New(store, w, 1, nil)

	assert.Equal(t, StatusFailed, c.Replay(ctx, []string{key})[0].Status)

	w.failFor = nil
	assert.Equal(t, StatusReplayed, c.Replay(ctx, []string{key})[0].Status)
	assert.Equal(t, StatusMissing, c.Replay(ctx, []string{key})[0].Status)
}

func TestReplay_InvalidKeyFails(t *testing.T) {
	c := New(newStore(t), &scriptedWriter{}, 1, nil)

	res := c.Replay(context.Background(), []string{"../../etc/passwd"})
	require.Len(t, res, 1)
	assert.Equal(t, StatusFailed, res[0].Status)
	assert.Equal(t, deadletter.ErrInvalidKey.Error(), res[0].Error)
}

func TestReplay_SequentialKeepsOrder(t *testing.T) {
	store := newStore(t)
	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, persist(t, store, fmt.Sprintf("r%d", i)))
	}
	w := &scriptedWriter{}
	c := New(store, w, 0, nil)

	c.Replay(context.Background(), keys)
	assert.Equal(t, []string{"r0", "r1", "r2", "r3", "r4"}, w.written)
	assert.Equal(t, int32(1), w.peak.Load())
}

func TestReplay_BoundedConcurrency(t *testing.T) {
	store := newStore(t)
	var keys []string
	for i := 0; i < 12; i++ {
		keys = append(keys, persist(t, store, fmt.Sprintf("r%d", i)))
	}
	w := &scriptedWriter{failFor: map[string]bool{"r3": true}, delay: 20 * time.Millisecond}
	c := New(store, w, 3, nil)

	results := c.Replay(context.Background(), keys)
	require.Len(t, results, len(keys))
	for i, r := range results {
		assert.Equal(t, keys[i], r.Key)
		if i == 3 {
			assert.Equal(t, StatusFailed, r.Status)
			continue
		}
		assert.Equal(t, StatusReplayed, r.Status)
	}
	assert.LessOrEqual(t, w.peak.Load(), int32(3))
	assert.Len(t, w.written, 11)
}

func TestReplay_CancelledContextFailsRemaining(t *testing.T) {
	store := newStore(t)
	key := persist(t, store, "x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(store, &scriptedWriter{}, 1, nil).Replay(ctx, []string{key})
	assert.Equal(t, StatusFailed, res[0].Status)
	assert.True(t, errors.Is(ctx.Err(), context.Canceled))

	payload, err := store.Read(context.Background(), key)
	require.NoError(t, err)
	assert.NotNil(t, payload)
}
