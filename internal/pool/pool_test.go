package pool

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBody_Empty(t *testing.T) {
	buf := GetBody()
	buf.WriteString("payload")
	PutBody(buf, 1024)

	again := GetBody()
	assert.Equal(t, 0, again.Len())
}

func TestPutBody_DropsOversized(t *testing.T) {
	big := bytes.NewBuffer(make([]byte, 0, 8*1024))
	assert.NotPanics(t, func() { PutBody(big, 1024) })
}

func TestGzipPool_RoundTrip(t *testing.T) {
	var out bytes.Buffer
	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(&out)
	_, err := gz.Write([]byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	GzipPool.Put(gz)

	r, err := gzip.NewReader(&out)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))
}
