// Package sink delivers normalized batches to the structured-logging API
// (Cloud Logging entries:write wire format).
package sink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log-ingest-gateway/internal/codec"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/sinkauth"

	"github.com/rs/zerolog/log"
)

// DefaultEndpoint is the Cloud Logging v2 batch write URL.
const DefaultEndpoint = "https://logging.googleapis.com/v2/entries:write"

// Writer delivers a whole batch in one call, or fails as a whole.
type Writer interface {
	Write(ctx context.Context, batch model.LogBatch) error
}

// UpstreamWriteError reports a rejected or unreachable sink write.
type UpstreamWriteError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamWriteError) Error() string {
	switch {
	case e.Err != nil:
		return "sink write failed: " + e.Err.Error()
	case e.Body != "":
		return fmt.Sprintf("sink write returned HTTP %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("sink write returned HTTP %d", e.StatusCode)
	}
}

func (e *UpstreamWriteError) Unwrap() error { return e.Err }

// Config for an HTTPWriter.
type Config struct {
	Endpoint     string
	LogName      string            // full "projects/<p>/logs/<id>" or a bare log id
	ProjectID    string            // used to qualify a bare LogName
	ResourceType string            // monitored resource type, default "global"
	Labels       map[string]string // monitored resource labels
	Timeout      time.Duration
	Gzip         bool
	HTTPClient   *http.Client
}

// HTTPWriter
// ------------------------------------------------------------
// One authenticated POST per batch. There is no retry here: a failed batch
// goes to the dead-letter store and is retried by replay.
type HTTPWriter struct {
	cfg     Config
	tokens  sinkauth.TokenSource
	client  *http.Client
	metrics *metrics.Metrics
}

// NewHTTPWriter builds a writer. The token source is required.
func NewHTTPWriter(cfg Config, tokens sinkauth.TokenSource, m *metrics.Metrics) (*HTTPWriter, error) {
	if tokens == nil {
		return nil, fmt.Errorf("sink: token source is required")
	}
	if cfg.LogName == "" {
		return nil, fmt.Errorf("sink: log name is required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.ResourceType == "" {
		cfg.ResourceType = "global"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.LogName = QualifyLogName(cfg.LogName, cfg.ProjectID)

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPWriter{cfg: cfg, tokens: tokens, client: client, metrics: m}, nil
}

// LogName returns the qualified log name entries are written to.
func (w *HTTPWriter) LogName() string { return w.cfg.LogName }

// QualifyLogName expands a bare log id to "projects/<project>/logs/<id>".
// Names that already contain a "/" are returned unchanged.
func QualifyLogName(name, projectID string) string {
	if name == "" || strings.Contains(name, "/") || projectID == "" {
		return name
	}
	return "projects/" + projectID + "/logs/" + name
}

// Write sends every event in batch with a single entries:write call.
func (w *HTTPWriter) Write(ctx context.Context, batch model.LogBatch) (err error) {
	start := time.Now()
	defer func() {
		w.metrics.ObserveSinkWrite(err == nil, len(batch.Events), time.Since(start))
	}()

	token, err := w.tokens.Token(ctx)
	if err != nil {
		return &UpstreamWriteError{Err: err}
	}

	body, err := w.encode(BuildRequest(w.cfg, batch))
	if err != nil {
		return &UpstreamWriteError{Err: fmt.Errorf("encoding entries: %w", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return &UpstreamWriteError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", codec.ContentTypeJSON)
	if w.cfg.Gzip {
		req.Header.Set("Content-Encoding", codec.EncodingGzip)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &UpstreamWriteError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &UpstreamWriteError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	log.Debug().
		Str("request_id", batch.RequestID).
		Int("events", len(batch.Events)).
		Dur("took", time.Since(start)).
		Msg("batch written to sink")
	return nil
}

func (w *HTTPWriter) encode(req WriteRequest) ([]byte, error) {
	if w.cfg.Gzip {
		return codec.EncodeJSONGzip(req)
	}
	return codec.EncodeJSON(req)
}
