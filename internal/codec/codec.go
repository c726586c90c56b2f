// Package codec serializes gateway payloads as JSON, optionally gzipped,
// on top of the shared buffer and gzip writer pools.
package codec

import (
	"bytes"
	"fmt"
	"io"

	"log-ingest-gateway/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

const (
	ContentTypeJSON = "application/json"
	EncodingGzip    = "gzip"
)

// EncodeJSON marshals v into a caller-owned byte slice.
func EncodeJSON(v any) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		return nil, err
	}
	return detach(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// EncodeJSONGzip marshals v and gzips the result.
//
// The pooled buffer is copied out before it goes back to the pool;
// returning buf.Bytes() directly would hand out memory that the next
// caller overwrites.
func EncodeJSONGzip(v any) ([]byte, error) {
	buf := pool.GetBuffer()
	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)

	if err := json.NewEncoder(gz).Encode(v); err != nil {
		_ = gz.Close()
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	if err := gz.Close(); err != nil {
		pool.GzipPool.Put(gz)
		pool.PutBuffer(buf)
		return nil, err
	}
	pool.GzipPool.Put(gz)

	data := detach(buf.Bytes())
	pool.PutBuffer(buf)
	return data, nil
}

// Decode unmarshals JSON into v, transparently gunzipping when data
// starts with the gzip magic bytes.
func Decode(data []byte, v any) error {
	if IsGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("codec: gzip header: %w", err)
		}
		defer zr.Close()
		plain, err := io.ReadAll(zr)
		if err != nil {
			return fmt.Errorf("codec: gunzip: %w", err)
		}
		data = plain
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: decode json: %w", err)
	}
	return nil
}

// IsGzip reports whether data begins with a gzip member header.
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func detach(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
