package deadletter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"log-ingest-gateway/internal/codec"
	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/timecache"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// fileMeta sits next to each data file and records what the object is,
// mirroring the content metadata the S3 backend sets on the object.
type fileMeta struct {
	NumEvents       int       `json:"num_events"`
	Reason          string    `json:"reason"`
	ContentType     string    `json:"content_type"`
	ContentEncoding string    `json:"content_encoding"`
	StoredAt        time.Time `json:"stored_at"`
}

// FileStore
// ------------------------------------------------------------
// Dead-letter entries on local disk, one gzip JSON file per batch
// (0600) plus a .meta.json sidecar. The directory tree mirrors the key, so
// key "dlq/2026-03-01/x.json" lives at <dir>/dlq/2026-03-01/x.json.
//
//   - capacity: total data bytes stay under DLQ_MAX_SIZE_BYTES; the oldest
//     entries are evicted to make room. A batch that can never fit, or one
//     that still does not fit after every removable entry is gone, fails
//     with ErrStoreFull.
//   - TTL: entries older than DLQ_MAX_AGE (judged by the unix prefix of the
//     file name) are deleted when List walks past them.
type FileStore struct {
	dir     string
	keys    Keys
	maxSize int64
	maxAge  time.Duration
	metrics *metrics.Metrics

	mu        sync.Mutex
	sizeBytes int64

	// remove deletes a data file; swapped in tests
	remove func(string) error
}

// NewFileStore prepares the directory and restores the size counter from
// the files already on disk. Orphaned meta files are removed.
func NewFileStore(cfg config.Config, m *metrics.Metrics) (*FileStore, error) {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		return nil, fmt.Errorf("deadletter: creating %s: %w", cfg.DLQDir, err)
	}

	s := &FileStore{
		dir:     cfg.DLQDir,
		keys:    NewKeys(cfg.DLQPrefix, cfg.InstanceID),
		maxSize: cfg.DLQMaxSizeBytes,
		maxAge:  cfg.DLQMaxAge,
		metrics: m,
		remove:  os.Remove,
	}

	var total int64
	var count int
	_ = filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasPrefix(name, "."):
			// interrupted write
			_ = os.Remove(path)
		case strings.HasSuffix(name, metaSuffix):
			if _, err := os.Stat(strings.TrimSuffix(path, metaSuffix)); errors.Is(err, fs.ErrNotExist) {
				_ = os.Remove(path)
			}
		default:
			if info, err := d.Info(); err == nil {
				total += info.Size()
				count++
			}
		}
		return nil
	})
	s.sizeBytes = total

	log.Info().
		Str("dir", s.dir).
		Int("entries", count).
		Int64("bytes", total).
		Msg("file dead-letter store ready")
	return s, nil
}

func (s *FileStore) Available() bool { return true }

// SizeBytes returns the total size of stored data files.
func (s *FileStore) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeBytes
}

func (s *FileStore) Persist(_ context.Context, batch model.LogBatch, reason string) (key string, err error) {
	defer func() { recordPersist(s.metrics, err, len(batch.Events)) }()

	data, err := encodePayload(batch, reason, timecache.Now())
	if err != nil {
		return "", fmt.Errorf("deadletter: encoding payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	if !s.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("events", len(batch.Events)).Msg("dead-letter store full")
		return "", ErrStoreFull
	}

	key = s.keys.New()
	dataPath := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return "", err
	}
	if err := writeFileAtomic(dataPath, data); err != nil {
		return "", err
	}

	meta, _ := json.Marshal(fileMeta{
		NumEvents:       len(batch.Events),
		Reason:          reason,
		ContentType:     codec.ContentTypeJSON,
		ContentEncoding: codec.EncodingGzip,
		StoredAt:        timecache.Now(),
	})
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	s.sizeBytes += size
	return key, nil
}

func (s *FileStore) Read(_ context.Context, key string) (*model.DeadLetterPayload, error) {
	if err := s.keys.Validate(key); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePayload(data)
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	if err := s.keys.Validate(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

// List walks the tree oldest first, deleting expired entries on the way.
func (s *FileStore) List(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.listLocked()
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, min(len(all), max(limit, 0)))
	now := timecache.Unix()
	for _, key := range all {
		if s.expired(key, now) {
			age := time.Duration(now-mustUnix(key)) * time.Second
			_ = s.removeLocked(key)
			s.metrics.IncDLQEvicted("expired")
			log.Info().Str("key", key).Dur("age", age).Msg("dead-letter entry expired")
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *FileStore) expired(key string, now int64) bool {
	if s.maxAge <= 0 {
		return false
	}
	sec, ok := UnixFromKey(key)
	if !ok {
		return false
	}
	return time.Duration(now-sec)*time.Second > s.maxAge
}

// ensureCapacity evicts the oldest entries until incoming fits.
// A batch larger than the whole store is refused before anything is
// evicted. Entries that cannot be removed are skipped, so the walk ends
// after one pass over the store.
func (s *FileStore) ensureCapacity(incoming int64) bool {
	if s.maxSize <= 0 {
		return true
	}
	if incoming > s.maxSize {
		return false
	}
	if s.sizeBytes+incoming <= s.maxSize {
		return true
	}

	all, err := s.listLocked()
	if err != nil {
		return false
	}
	for _, oldest := range all {
		if s.sizeBytes+incoming <= s.maxSize {
			return true
		}
		if err := s.removeLocked(oldest); err != nil {
			log.Warn().Err(err).Str("key", oldest).Msg("dead-letter entry could not be evicted")
			continue
		}
		s.metrics.IncDLQEvicted("capacity")
		log.Warn().Str("key", oldest).Msg("dead-letter capacity reached, evicted oldest entry")
	}
	return s.sizeBytes+incoming <= s.maxSize
}

func (s *FileStore) removeLocked(key string) error {
	dataPath := s.path(key)
	info, err := os.Stat(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		_ = os.Remove(dataPath + metaSuffix)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	_ = os.Remove(dataPath + metaSuffix)
	s.sizeBytes -= info.Size()
	if s.sizeBytes < 0 {
		s.sizeBytes = 0
	}
	return nil
}

// listLocked returns every data key under the prefix, sorted.
//
// The file system does not order directory entries; keys are sorted here,
// and because they start with date and unix seconds the order is
// chronological.
func (s *FileStore) listLocked() ([]string, error) {
	root := filepath.Join(s.dir, filepath.FromSlash(s.keys.Prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, metaSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if ValidateKey(s.keys.Prefix, key) == nil {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// writeFileAtomic writes to a hidden temp file in the same directory and
// renames it into place, so readers never see a partial object.
func writeFileAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func mustUnix(key string) int64 {
	sec, _ := UnixFromKey(key)
	return sec
}
