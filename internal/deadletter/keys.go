package deadletter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"log-ingest-gateway/internal/timecache"

	"github.com/google/uuid"
)

// MaxKeyLen bounds keys accepted from replay requests.
const MaxKeyLen = 512

// ErrInvalidKey is returned for keys this gateway could not have generated.
var ErrInvalidKey = errors.New("invalid dead-letter key")

// Keys
// ------------------------------------------------------------
// Key layout:
//
//	<prefix>/<YYYY-MM-DD>/<unix>_<instance>_<uuid>.json
//
// e.g.
//
//	dlq/2026-03-01/1772366400_gw-7f9c_0b6f2f1e-....json
//
// Keys are generated server-side only. Because the date partition and the
// unix prefix both sort as time, a lexicographic listing is oldest first,
// which the file backend and the sweeper rely on.
type Keys struct {
	Prefix     string
	InstanceID string
}

// NewKeys sanitizes prefix and instance so generated keys always pass
// ValidateKey.
func NewKeys(prefix, instanceID string) Keys {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "dlq"
	}
	instanceID = sanitizeSegment(instanceID)
	if instanceID == "" {
		instanceID = "gw"
	}
	return Keys{Prefix: prefix, InstanceID: instanceID}
}

// New generates a fresh key.
func (k Keys) New() string {
	return fmt.Sprintf("%s/%s/%d_%s_%s.json",
		k.Prefix, timecache.DT(), timecache.Unix(), k.InstanceID, uuid.NewString())
}

// Validate checks a client-supplied key before it reaches a backend.
func (k Keys) Validate(key string) error {
	return ValidateKey(k.Prefix, key)
}

// ValidateKey rejects keys outside prefix, path traversal, and any
// character outside [A-Za-z0-9_./=-].
func ValidateKey(prefix, key string) error {
	if key == "" || len(key) > MaxKeyLen {
		return ErrInvalidKey
	}
	if !strings.HasPrefix(key, prefix+"/") {
		return ErrInvalidKey
	}
	if strings.Contains(key, "..") || strings.Contains(key, "//") || strings.HasSuffix(key, "/") {
		return ErrInvalidKey
	}
	for i := 0; i < len(key); i++ {
		if !keyChar(key[i]) {
			return ErrInvalidKey
		}
	}
	return nil
}

// UnixFromKey parses the creation second from a key's file name.
func UnixFromKey(key string) (int64, bool) {
	name := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		name = key[i+1:]
	}
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

func keyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return c == '_' || c == '.' || c == '/' || c == '=' || c == '-'
}

// sanitizeSegment keeps only characters that are safe inside the instance
// field; "_" is the field separator and is dropped with "/" and ".".
func sanitizeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if keyChar(c) && c != '/' && c != '_' && c != '.' {
			b.WriteByte(c)
		}
	}
	out := b.String()
	if len(out) > 64 {
		out = out[:64]
	}
	return out
}
