package sink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"log-ingest-gateway/internal/codec"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/sinkauth"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingTokens struct{ err error }

func (f failingTokens) Token(context.Context) (string, error) { return "", f.err }

func testBatch() model.LogBatch {
	client := model.VerifiedClientContext{ClientID: "client-1", RoomID: "room-9"}
	batch, _ := model.NewLogBatch([]model.NormalizedEvent{
		{
			Timestamp: "2025-11-02T09:30:00Z",
			Platform:  model.PlatformUnity,
			Severity:  "ERROR",
			EventType: "player:crash",
			Message:   "boom",
			Tags:      map[string]string{"scene": "lobby", "client_id": "spoofed"},
			ClientID:  "client-1",
			RoomID:    "room-9",
		},
		{
			Timestamp: "2025-11-02T09:30:01Z",
			Platform:  model.PlatformFrontend,
			Severity:  "INFO",
			EventType: "unspecified",
			Message:   "log_event",
			Tags:      map[string]string{},
			ClientID:  "client-1",
		},
	}, client, "req-1", time.Date(2025, 11, 2, 9, 31, 0, 0, time.UTC))
	return batch
}

type captured struct {
	auth     string
	encoding string
	body     WriteRequest
}

func newSinkServer(t *testing.T, status int, got *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.auth = r.Header.Get("Authorization")
		got.encoding = r.Header.Get("Content-Encoding")
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, codec.Decode(raw, &got.body))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWrite_SingleCallWithAllEntries(t *testing.T) {
	var got captured
	srv := newSinkServer(t, http.StatusOK, &got)
	m := metrics.New()

	w, err := NewHTTPWriter(Config{Endpoint: srv.URL, LogName: "client-logs", ProjectID: "proj"}, sinkauth.StaticToken("tok"), m)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), testBatch()))

	assert.Equal(t, "Bearer tok", got.auth)
	assert.Empty(t, got.encoding)
	assert.Equal(t, "projects/proj/logs/client-logs", got.body.LogName)
	assert.Equal(t, "global", got.body.Resource.Type)
	require.Len(t, got.body.Entries, 2)

	first := got.body.Entries[0]
	assert.Equal(t, "ERROR", first.Severity)
	assert.Equal(t, "2025-11-02T09:30:00Z", first.Timestamp)
	assert.Equal(t, "boom", first.JSONPayload.Message)
	assert.Equal(t, "req-1", first.JSONPayload.RequestID)
	assert.Equal(t, "2025-11-02T09:31:00.000Z", first.JSONPayload.ReceivedAt)
	assert.Equal(t, map[string]string{"scene": "lobby", "client_id": "client-1", "room_id": "room-9"}, first.Labels)

	assert.Equal(t, map[string]string{"client_id": "client-1"}, got.body.Entries[1].Labels)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SinkEventsWrittenTotal))
}

func TestWrite_Gzip(t *testing.T) {
	var got captured
	srv := newSinkServer(t, http.StatusOK, &got)

	w, err := NewHTTPWriter(Config{Endpoint: srv.URL, LogName: "projects/p/logs/l", Gzip: true}, sinkauth.StaticToken("tok"), nil)
	require.NoError(t, err)

	require.NoError(t, w.Write(context.Background(), testBatch()))
	assert.Equal(t, "gzip", got.encoding)
	assert.Len(t, got.body.Entries, 2)
}

func TestWrite_Non2xx(t *testing.T) {
	var got captured
	srv := newSinkServer(t, http.StatusTooManyRequests, &got)
	m := metrics.New()

	w, err := NewHTTPWriter(Config{Endpoint: srv.URL, LogName: "l"}, sinkauth.StaticToken("tok"), m)
	require.NoError(t, err)

	err = w.Write(context.Background(), testBatch())
	var uwe *UpstreamWriteError
	require.True(t, errors.As(err, &uwe))
	assert.Equal(t, http.StatusTooManyRequests, uwe.StatusCode)
	assert.Contains(t, uwe.Error(), "quota exceeded")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SinkWritesTotal.WithLabelValues("error")))
}

func TestWrite_TokenFailureIsWriteError(t *testing.T) {
	authErr := &sinkauth.UpstreamAuthError{StatusCode: http.StatusUnauthorized}
	w, err := NewHTTPWriter(Config{Endpoint: "http://127.0.0.1:1", LogName: "l"}, failingTokens{err: authErr}, nil)
	require.NoError(t, err)

	err = w.Write(context.Background(), testBatch())
	var uwe *UpstreamWriteError
	require.True(t, errors.As(err, &uwe))

	var uae *sinkauth.UpstreamAuthError
	assert.True(t, errors.As(err, &uae))
}

func TestWrite_TransportError(t *testing.T) {
	w, err := NewHTTPWriter(Config{Endpoint: "http://127.0.0.1:1", LogName: "l"}, sinkauth.StaticToken("tok"), nil)
	require.NoError(t, err)

	err = w.Write(context.Background(), testBatch())
	var uwe *UpstreamWriteError
	require.True(t, errors.As(err, &uwe))
	assert.NotNil(t, uwe.Err)
}

func TestWrite_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	w, err := NewHTTPWriter(Config{Endpoint: srv.URL, LogName: "l", Timeout: 50 * time.Millisecond}, sinkauth.StaticToken("tok"), nil)
	require.NoError(t, err)

	err = w.Write(context.Background(), testBatch())
	var uwe *UpstreamWriteError
	assert.True(t, errors.As(err, &uwe))
}

func TestNewHTTPWriter_Validation(t *testing.T) {
	_, err := NewHTTPWriter(Config{LogName: "l"}, nil, nil)
	assert.Error(t, err)
	_, err = NewHTTPWriter(Config{}, sinkauth.StaticToken("t"), nil)
	assert.Error(t, err)
}

func TestQualifyLogName(t *testing.T) {
	assert.Equal(t, "projects/p/logs/x", QualifyLogName("x", "p"))
	assert.Equal(t, "projects/q/logs/x", QualifyLogName("projects/q/logs/x", "p"))
	assert.Equal(t, "x", QualifyLogName("x", ""))
}
