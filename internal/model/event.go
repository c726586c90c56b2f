// internal/model/event.go
package model

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// MaxBatchEvents is the hard upper bound on events carried by one LogBatch.
const MaxBatchEvents = 100

// Platform / Severity canonical values.
const (
	PlatformFrontend = "frontend"
	PlatformUnity    = "unity"
	PlatformBackend  = "backend"

	SeverityDefault = "INFO"
)

// Severities lists every severity the sink understands, lowest first.
var Severities = []string{
	"DEBUG", "INFO", "NOTICE", "WARNING", "ERROR", "CRITICAL", "ALERT", "EMERGENCY",
}

// Platforms lists the client platforms that are accepted as-is.
var Platforms = []string{PlatformFrontend, PlatformUnity, PlatformBackend}

// RawEvent
// ------------------------------------------------------------
// Untrusted event exactly as a client sent it.
// Every field is kept loosely typed: a client may send a number where a
// string is expected, an array where an object is expected, or nothing at
// all. Only the normalizer gives these values meaning.
type RawEvent struct {
	Timestamp any             `json:"timestamp,omitempty"`
	Platform  any             `json:"platform,omitempty"`
	RoomID    any             `json:"roomId,omitempty"`
	ViewerID  any             `json:"viewerId,omitempty"`
	RequestID any             `json:"requestId,omitempty"`
	Severity  any             `json:"severity,omitempty"`
	EventType any             `json:"eventType,omitempty"`
	Message   any             `json:"message,omitempty"`
	Tags      any             `json:"tags,omitempty"`
	Extra     json.RawMessage `json:"extra,omitempty"`
}

// ErrNotObject is returned when an event is valid JSON but not an object.
var ErrNotObject = errors.New("event must be a JSON object")

// UnmarshalJSON accepts any JSON object and never fails on field types.
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return ErrNotObject
	}

	*e = RawEvent{}
	e.Timestamp = loose(fields["timestamp"])
	e.Platform = loose(fields["platform"])
	e.RoomID = loose(fields["roomId"])
	e.ViewerID = loose(fields["viewerId"])
	e.RequestID = loose(fields["requestId"])
	e.Severity = loose(fields["severity"])
	e.EventType = loose(fields["eventType"])
	e.Message = loose(fields["message"])
	e.Tags = loose(fields["tags"])
	if raw, ok := fields["extra"]; ok && string(raw) != "null" {
		e.Extra = append(json.RawMessage(nil), raw...)
	}
	return nil
}

// loose decodes a raw value into its generic Go form.
// Numbers are kept as json.Number so large integers survive.
func loose(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}

// VerifiedClientContext is the trusted identity produced by the bearer
// token verifier. It is never derived from the request body.
type VerifiedClientContext struct {
	ClientID string   `json:"clientId"`
	RoomID   string   `json:"roomId,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
}

// HasScope reports whether the client holds the given capability.
func (c VerifiedClientContext) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// NormalizedEvent is the bounded, canonical form of a RawEvent.
// All fields are always populated within their limits.
type NormalizedEvent struct {
	Timestamp string            `json:"timestamp"`
	Platform  string            `json:"platform"`
	Severity  string            `json:"severity"`
	EventType string            `json:"eventType"`
	Message   string            `json:"message"`
	Tags      map[string]string `json:"tags"`
	ClientID  string            `json:"clientId"`
	RoomID    string            `json:"roomId,omitempty"`
	ViewerID  string            `json:"viewerId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Extra     json.RawMessage   `json:"extra,omitempty"`
}

// LogBatch
// ------------------------------------------------------------
// The atomic unit of delivery: one sink write covers every event, and the
// whole batch is dead-lettered together when that write fails.
type LogBatch struct {
	Events     []NormalizedEvent     `json:"events"`
	ReceivedAt time.Time             `json:"receivedAt"`
	RequestID  string                `json:"requestId"`
	Client     VerifiedClientContext `json:"client"`
}

// NewLogBatch builds a batch, rejecting empty or oversized event lists.
func NewLogBatch(events []NormalizedEvent, client VerifiedClientContext, requestID string, receivedAt time.Time) (LogBatch, error) {
	if len(events) == 0 || len(events) > MaxBatchEvents {
		return LogBatch{}, fmt.Errorf("batch must contain between 1 and %d events, got %d", MaxBatchEvents, len(events))
	}
	return LogBatch{
		Events:     events,
		ReceivedAt: receivedAt.UTC(),
		RequestID:  requestID,
		Client:     client,
	}, nil
}

// DeadLetterPayload is the durable record of a batch that could not be
// delivered. It is immutable once written.
type DeadLetterPayload struct {
	Batch    LogBatch  `json:"batch"`
	Reason   string    `json:"reason"`
	StoredAt time.Time `json:"storedAt"`
}
