package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Buffers and gzip writers are reused across requests. Every batch
// passes through at least one JSON encode (sink body) and, on
// failure, a gzip encode (dead-letter object), so these pools keep
// allocation flat under load.
// ---------------------------------------------------------------

var (
	// BodyPool holds request body buffers, 4KB initial capacity.
	// Oversized buffers are dropped by PutBody instead of being pooled.
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool holds encode output buffers, 64KB initial capacity
	// (a full 100-event batch is usually well below that).
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool reuses gzip writers at BestSpeed.
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// MaxBufferCap is the largest buffer returned to BufferPool.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBody returns an empty body buffer.
func GetBody() *bytes.Buffer {
	buf := BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBody returns buf to BodyPool unless it grew beyond maxCap.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// GetBuffer returns an empty encode buffer.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to BufferPool unless it exceeds MaxBufferCap.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}
