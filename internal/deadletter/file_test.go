package deadletter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/metrics"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileConfig(dir string) config.Config {
	return config.Config{
		DLQDir:     dir,
		DLQPrefix:  "dlq",
		InstanceID: "test",
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := metrics.New()
	s, err := NewFileStore(fileConfig(dir), m)
	require.NoError(t, err)
	ctx := context.Background()

	batch := testBatch(t, 3)
	key, err := s.Persist(ctx, batch, "sink write returned HTTP 503")
	require.NoError(t, err)
	require.NotEmpty(t, key)

	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(key))+metaSuffix)
	assert.Equal(t, info.Size(), s.SizeBytes())

	got, err := s.Read(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, batch, got.Batch)
	assert.Equal(t, "sink write returned HTTP 503", got.Reason)
	assert.False(t, got.StoredAt.IsZero())

	keys, err := s.List(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{key}, keys)

	require.NoError(t, s.Remove(ctx, key))
	got, err = s.Read(ctx, key)
	assert.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, s.SizeBytes())

	// absent key is not an error
	assert.NoError(t, s.Remove(ctx, key))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DLQEventsEnqueuedTotal))
}

func TestFileStore_RejectsInvalidKeys(t *testing.T) {
	s, err := NewFileStore(fileConfig(t.TempDir()), nil)
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "dlq/../../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.ErrorIs(t, s.Remove(context.Background(), "elsewhere/x.json"), ErrInvalidKey)
}

// writeEntry places a data file under a key with a chosen creation second.
func writeEntry(t *testing.T, dir string, sec int64, n int) string {
	t.Helper()
	key := fmt.Sprintf("dlq/2026-03-01/%d_test_%03d.json", sec, n)
	path := filepath.Join(dir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := encodePayload(testBatch(t, 1), "r", time.Unix(sec, 0))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return key
}

func TestFileStore_ListOldestFirstAndLimit(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()
	k3 := writeEntry(t, dir, now-10, 3)
	k1 := writeEntry(t, dir, now-30, 1)
	k2 := writeEntry(t, dir, now-20, 2)

	s, err := NewFileStore(fileConfig(dir), nil)
	require.NoError(t, err)

	keys, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2, k3}, keys)

	keys, err = s.List(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{k1, k2}, keys)
}

func TestFileStore_ExpiredEntriesPrunedOnList(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()
	old := writeEntry(t, dir, now-7200, 1)
	fresh := writeEntry(t, dir, now-60, 2)

	cfg := fileConfig(dir)
	cfg.DLQMaxAge = time.Hour
	m := metrics.New()
	s, err := NewFileStore(cfg, m)
	require.NoError(t, err)

	keys, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{fresh}, keys)
	assert.NoFileExists(t, filepath.Join(dir, filepath.FromSlash(old)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DLQEvictedTotal.WithLabelValues("expired")))
}

func TestFileStore_CapacityEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()
	oldest := writeEntry(t, dir, now-300, 1)
	next := writeEntry(t, dir, now-200, 2)

	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(oldest)))
	require.NoError(t, err)

	cfg := fileConfig(dir)
	// room for roughly two entries
	cfg.DLQMaxSizeBytes = info.Size()*2 + info.Size()/2
	m := metrics.New()
	s, err := NewFileStore(cfg, m)
	require.NoError(t, err)

	key, err := s.Persist(context.Background(), testBatch(t, 1), "r")
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dir, filepath.FromSlash(oldest)))
	assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(next)))
	assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(key)))
	assert.LessOrEqual(t, s.SizeBytes(), cfg.DLQMaxSizeBytes)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DLQEvictedTotal.WithLabelValues("capacity")))
}

func TestFileStore_FullWhenBatchExceedsCapacity(t *testing.T) {
	cfg := fileConfig(t.TempDir())
	cfg.DLQMaxSizeBytes = 16
	s, err := NewFileStore(cfg, nil)
	require.NoError(t, err)

	key, err := s.Persist(context.Background(), testBatch(t, 5), "r")
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.Empty(t, key)
}

func TestFileStore_OversizedBatchKeepsExistingEntries(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()
	a := writeEntry(t, dir, now-300, 1)
	b := writeEntry(t, dir, now-200, 2)

	infoA, err := os.Stat(filepath.Join(dir, filepath.FromSlash(a)))
	require.NoError(t, err)
	infoB, err := os.Stat(filepath.Join(dir, filepath.FromSlash(b)))
	require.NoError(t, err)

	cfg := fileConfig(dir)
	cfg.DLQMaxSizeBytes = infoA.Size() + infoB.Size()
	m := metrics.New()
	s, err := NewFileStore(cfg, m)
	require.NoError(t, err)

	big := testBatch(t, 100)
	data, err := encodePayload(big, "r", time.Now())
	require.NoError(t, err)
	require.Greater(t, int64(len(data)), cfg.DLQMaxSizeBytes)

	key, err := s.Persist(context.Background(), big, "r")
	assert.ErrorIs(t, err, ErrStoreFull)
	assert.Empty(t, key)

	assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(a)))
	assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(b)))
	assert.Equal(t, cfg.DLQMaxSizeBytes, s.SizeBytes())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DLQEvictedTotal.WithLabelValues("capacity")))
}

func TestFileStore_EvictionSkipsUnremovableEntries(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Unix()
	oldest := writeEntry(t, dir, now-300, 1)
	next := writeEntry(t, dir, now-200, 2)

	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(oldest)))
	require.NoError(t, err)

	cfg := fileConfig(dir)
	cfg.DLQMaxSizeBytes = info.Size()*2 + info.Size()/2

	persist := func(t *testing.T, s *FileStore) (string, error) {
		t.Helper()
		type result struct {
			key string
			err error
		}
		batch := testBatch(t, 1)
		done := make(chan result, 1)
		go func() {
			key, err := s.Persist(context.Background(), batch, "r")
			done <- result{key, err}
		}()
		select {
		case r := <-done:
			return r.key, r.err
		case <-time.After(5 * time.Second):
			t.Fatal("Persist did not return")
			return "", nil
		}
	}

	t.Run("oldest stuck, next evicted", func(t *testing.T) {
		s, err := NewFileStore(cfg, nil)
		require.NoError(t, err)
		stuck := filepath.Join(dir, filepath.FromSlash(oldest))
		s.remove = func(path string) error {
			if path == stuck {
				return os.ErrPermission
			}
			return os.Remove(path)
		}

		key, err := persist(t, s)
		require.NoError(t, err)
		assert.FileExists(t, stuck)
		assert.NoFileExists(t, filepath.Join(dir, filepath.FromSlash(next)))
		require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(key))))
	})

	t.Run("nothing removable", func(t *testing.T) {
		writeEntry(t, dir, now-200, 2)
		s, err := NewFileStore(cfg, nil)
		require.NoError(t, err)
		s.remove = func(string) error { return os.ErrPermission }

		key, err := persist(t, s)
		assert.ErrorIs(t, err, ErrStoreFull)
		assert.Empty(t, key)
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(oldest)))
		assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(next)))

		// the lock is released
		_, err = s.List(context.Background(), 0)
		assert.NoError(t, err)
	})
}

func TestNewFileStore_RestoresSizeAndCleansOrphans(t *testing.T) {
	dir := t.TempDir()
	key := writeEntry(t, dir, time.Now().Unix(), 1)
	orphan := filepath.Join(dir, "dlq", "2026-03-01", "123_test_x.json"+metaSuffix)
	require.NoError(t, os.WriteFile(orphan, []byte(`{}`), 0o600))
	partial := filepath.Join(dir, "dlq", "2026-03-01", ".half.json.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`x`), 0o600))

	s, err := NewFileStore(fileConfig(dir), nil)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.Equal(t, info.Size(), s.SizeBytes())
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, partial)
}
