// Package normalizer turns untrusted client events into bounded,
// canonical NormalizedEvents.
//
// Coercion is total: a bad field degrades to its default and never
// rejects the surrounding event. Only the event count can fail.
package normalizer

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"log-ingest-gateway/internal/model"

	json "github.com/goccy/go-json"
)

// Field limits.
const (
	MaxEventTypeLen = 120
	MaxMessageLen   = 500
	MaxTagKeyLen    = 64
	MaxTagValueLen  = 200
	MaxTags         = 32
	MaxIDLen        = 128
	MaxExtraBytes   = 8 * 1024

	DefaultEventType = "unspecified"
	DefaultMessage   = "log_event"
)

// ValidationError reports a request the client must fix before resending.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Normalizer carries the clock used for missing or unparsable timestamps
// and the location that date-times without a zone are read in.
type Normalizer struct {
	Now      func() time.Time
	Location *time.Location // nil means UTC
}

// New returns a Normalizer on the wall clock, reading zone-less
// timestamps as UTC.
func New() *Normalizer {
	return &Normalizer{Now: time.Now, Location: time.UTC}
}

// Normalize is shorthand for New().Normalize.
func Normalize(inputs []model.RawEvent, client model.VerifiedClientContext, maxEvents int) ([]model.NormalizedEvent, error) {
	return New().Normalize(inputs, client, maxEvents)
}

// Normalize converts every input event. It fails only when the number of
// inputs is zero or exceeds maxEvents (capped at model.MaxBatchEvents).
func (n *Normalizer) Normalize(inputs []model.RawEvent, client model.VerifiedClientContext, maxEvents int) ([]model.NormalizedEvent, error) {
	if maxEvents <= 0 || maxEvents > model.MaxBatchEvents {
		maxEvents = model.MaxBatchEvents
	}
	if len(inputs) == 0 {
		return nil, &ValidationError{Message: fmt.Sprintf("at least one event is required (limit %d events per request)", maxEvents)}
	}
	if len(inputs) > maxEvents {
		return nil, &ValidationError{Message: fmt.Sprintf("too many events: %d exceeds the limit of %d events per request", len(inputs), maxEvents)}
	}

	now := n.now()
	out := make([]model.NormalizedEvent, 0, len(inputs))
	for i := range inputs {
		out = append(out, n.normalizeOne(&inputs[i], client, now))
	}
	return out, nil
}

func (n *Normalizer) now() time.Time {
	if n == nil || n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

func (n *Normalizer) location() *time.Location {
	if n == nil || n.Location == nil {
		return time.UTC
	}
	return n.Location
}

func (n *Normalizer) normalizeOne(raw *model.RawEvent, client model.VerifiedClientContext, now time.Time) model.NormalizedEvent {
	ev := model.NormalizedEvent{
		Timestamp: NormalizeTimestampIn(raw.Timestamp, now, n.location()),
		Platform:  NormalizePlatform(raw.Platform),
		Severity:  NormalizeSeverity(raw.Severity),
		EventType: NormalizeEventType(raw.EventType),
		Message:   NormalizeMessage(raw.Message),
		Tags:      NormalizeTags(raw.Tags),
		ClientID:  client.ClientID,
		ViewerID:  sanitizeIdentifier(scalar(raw.ViewerID), MaxIDLen, ""),
		RequestID: sanitizeIdentifier(scalar(raw.RequestID), MaxIDLen, ""),
		Extra:     boundExtra(raw.Extra),
	}

	// trusted room wins over whatever the client claims
	if client.RoomID != "" {
		ev.RoomID = client.RoomID
	} else {
		ev.RoomID = sanitizeIdentifier(scalar(raw.RoomID), MaxIDLen, "")
	}
	return ev
}

// NormalizePlatform maps a platform case-insensitively, defaulting to frontend.
func NormalizePlatform(v any) string {
	s := strings.ToLower(strings.TrimSpace(scalar(v)))
	for _, p := range model.Platforms {
		if s == p {
			return p
		}
	}
	return model.PlatformFrontend
}

// NormalizeSeverity maps a severity case-insensitively, defaulting to INFO.
func NormalizeSeverity(v any) string {
	s := strings.ToUpper(strings.TrimSpace(scalar(v)))
	for _, sev := range model.Severities {
		if s == sev {
			return sev
		}
	}
	return model.SeverityDefault
}

// NormalizeEventType filters an event type through the identifier charset.
func NormalizeEventType(v any) string {
	return sanitizeIdentifier(scalar(v), MaxEventTypeLen, DefaultEventType)
}

// NormalizeMessage trims and truncates the message.
func NormalizeMessage(v any) string {
	s := strings.TrimSpace(scalar(v))
	if s == "" {
		return DefaultMessage
	}
	return truncate(s, MaxMessageLen)
}

// NormalizeTags keeps at most MaxTags scalar tags. Keys are lower-cased and
// filtered; values are stringified and truncated.
func NormalizeTags(v any) map[string]string {
	out := make(map[string]string)
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if len(out) >= MaxTags {
			break
		}
		val, ok := scalarOK(m[k])
		if !ok {
			continue
		}
		key := sanitizeIdentifier(strings.ToLower(k), MaxTagKeyLen, DefaultEventType)
		out[key] = truncate(strings.TrimSpace(val), MaxTagValueLen)
	}
	return out
}

const isoDateOnly = "2006-01-02"

// timestampLayouts approximates what a browser Date.parse accepts.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	isoDateOnly,
	"2006/01/02 15:04:05",
	"2006/01/02",
	time.RFC1123,
	time.RFC1123Z,
	time.RFC850,
	time.RFC822,
	time.RFC822Z,
	time.ANSIC,
	time.UnixDate,
	time.RubyDate,
	"Mon Jan 02 2006 15:04:05 GMT-0700",
	"Jan 2, 2006 15:04:05",
	"Jan 2, 2006",
	"January 2, 2006",
}

// NormalizeTimestamp is NormalizeTimestampIn with zone-less values read
// as UTC.
func NormalizeTimestamp(v any, now time.Time) string {
	return NormalizeTimestampIn(v, now, time.UTC)
}

// NormalizeTimestampIn returns an RFC 3339 UTC timestamp. Strings are
// parsed with the layouts above; a date-time without a zone is read in loc,
// while a bare ISO date is always UTC midnight. JSON numbers are epoch
// milliseconds, and anything else resolves to now.
func NormalizeTimestampIn(v any, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	if t, ok := parseTimestamp(v, loc); ok {
		return t.UTC().Format(time.RFC3339Nano)
	}
	return now.UTC().Format(time.RFC3339Nano)
}

func parseTimestamp(v any, loc *time.Location) (time.Time, bool) {
	switch tv := v.(type) {
	case string:
		s := strings.TrimSpace(tv)
		if s == "" {
			return time.Time{}, false
		}
		// "GMT-0700 (Korean Standard Time)" style suffixes from Date.toString
		if i := strings.Index(s, " ("); i > 0 {
			s = s[:i]
		}
		for _, layout := range timestampLayouts {
			in := loc
			if layout == isoDateOnly {
				in = time.UTC
			}
			if t, err := time.ParseInLocation(layout, s, in); err == nil {
				return t, validYear(t)
			}
		}
		return time.Time{}, false
	case json.Number:
		ms, err := tv.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return epochMillis(ms)
	case float64:
		return epochMillis(tv)
	case int64:
		return epochMillis(float64(tv))
	case int:
		return epochMillis(float64(tv))
	}
	return time.Time{}, false
}

// maxEpochMillis is the ECMAScript time value limit (±100,000,000 days).
const maxEpochMillis = 8.64e15

func epochMillis(ms float64) (time.Time, bool) {
	if math.IsNaN(ms) || ms > maxEpochMillis || ms < -maxEpochMillis {
		return time.Time{}, false
	}
	t := time.UnixMilli(int64(ms))
	return t, validYear(t)
}

func validYear(t time.Time) bool {
	y := t.Year()
	return y >= 0 && y <= 9999
}

// sanitizeIdentifier keeps only [a-zA-Z0-9_:/-]. When nothing survives the
// filter the fallback is returned instead of an empty string.
func sanitizeIdentifier(s string, max int, fallback string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if allowedIdentByte(c) {
			b.WriteByte(c)
			if b.Len() >= max {
				break
			}
		}
	}
	if b.Len() == 0 {
		return fallback
	}
	return b.String()
}

func allowedIdentByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == ':', c == '/', c == '-':
		return true
	}
	return false
}

// truncate cuts s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}

func scalar(v any) string {
	s, _ := scalarOK(v)
	return s
}

func scalarOK(v any) (string, bool) {
	switch tv := v.(type) {
	case string:
		return strings.ToValidUTF8(tv, ""), true
	case json.Number:
		return tv.String(), true
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), true
	case int:
		return strconv.Itoa(tv), true
	case int64:
		return strconv.FormatInt(tv, 10), true
	case bool:
		return strconv.FormatBool(tv), true
	}
	return "", false
}

func boundExtra(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || len(raw) > MaxExtraBytes || !json.Valid(raw) {
		return nil
	}
	return raw
}
