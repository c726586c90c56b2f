package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/replay"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type toggleWriter struct {
	fail  atomic.Bool
	calls atomic.Int32
}

func (w *toggleWriter) Write(context.Context, model.LogBatch) error {
	w.calls.Add(1)
	if w.fail.Load() {
		return errors.New("sink write returned HTTP 503")
	}
	return nil
}

func seed(t *testing.T, s deadletter.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		batch, err := model.NewLogBatch([]model.NormalizedEvent{{
			Timestamp: "2026-03-01T12:00:00Z",
			Platform:  model.PlatformBackend,
			Severity:  "INFO",
			EventType: "x",
			Message:   "m",
			Tags:      map[string]string{},
			ClientID:  "c",
		}}, model.VerifiedClientContext{ClientID: "c"}, "r", time.Now())
		require.NoError(t, err)
		_, err = s.Persist(context.Background(), batch, "down")
		require.NoError(t, err)
	}
}

func newFileStore(t *testing.T) *deadletter.FileStore {
	t.Helper()
	s, err := deadletter.NewFileStore(config.Config{DLQDir: t.TempDir(), DLQPrefix: "dlq", InstanceID: "t"}, nil)
	require.NoError(t, err)
	return s
}

func TestSweepOnce_DrainsStore(t *testing.T) {
	store := newFileStore(t)
	seed(t, store, 3)
	w := &toggleWriter{}
	m := metrics.New()
	s := NewSweeper(store, replay.New(store, w, 1, nil), time.Minute, 2, m)

	res := s.SweepOnce(context.Background())
	assert.Equal(t, SweepResult{Replayed: 2}, res)

	res = s.SweepOnce(context.Background())
	assert.Equal(t, SweepResult{Replayed: 1}, res)

	keys, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SweeperRunsTotal))
}

func TestSweepOnce_StopsAtFirstFailure(t *testing.T) {
	store := newFileStore(t)
	seed(t, store, 4)
	w := &toggleWriter{}
	w.fail.Store(true)
	s := NewSweeper(store, replay.New(store, w, 1, nil), time.Minute, 10, nil)

	res := s.SweepOnce(context.Background())
	assert.Equal(t, SweepResult{Failed: 1}, res)
	assert.Equal(t, int32(1), w.calls.Load())

	keys, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, keys, 4)
}

// listingStore reports a key whose payload no longer exists.
type listingStore struct {
	*deadletter.FileStore
	removed []string
}

func (s *listingStore) List(context.Context, int) ([]string, error) {
	return []string{"dlq/2026-03-01/1_t_expired.json"}, nil
}

func (s *listingStore) Remove(ctx context.Context, key string) error {
	s.removed = append(s.removed, key)
	return s.FileStore.Remove(ctx, key)
}

func TestSweepOnce_RemovesMissing(t *testing.T) {
	store := &listingStore{FileStore: newFileStore(t)}
	s := NewSweeper(store, replay.New(store, &toggleWriter{}, 1, nil), time.Minute, 10, nil)

	res := s.SweepOnce(context.Background())
	assert.Equal(t, SweepResult{Missing: 1}, res)
	assert.Equal(t, []string{"dlq/2026-03-01/1_t_expired.json"}, store.removed)
}

func TestSweeper_StartShutdown(t *testing.T) {
	store := newFileStore(t)
	seed(t, store, 1)
	w := &toggleWriter{}
	s := NewSweeper(store, replay.New(store, w, 1, nil), 10*time.Millisecond, 10, nil)
	require.True(t, s.Enabled())

	s.Start()
	assert.Eventually(t, func() bool { return w.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	s.Shutdown()
	s.Shutdown()
}

func TestSweeper_DisabledNeverRuns(t *testing.T) {
	assert.False(t, NewSweeper(deadletter.Disabled{}, nil, time.Second, 1, nil).Enabled())

	s := NewSweeper(newFileStore(t), nil, 0, 1, nil)
	assert.False(t, s.Enabled())
	s.Start()
	s.Shutdown()
}
