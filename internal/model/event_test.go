package model

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawEvent_LenientDecode(t *testing.T) {
	var ev RawEvent
	err := json.Unmarshal([]byte(`{"message":42,"severity":"warning","tags":{"a":1},"timestamp":1700000000000,"extra":{"k":[1,2]}}`), &ev)
	require.NoError(t, err)

	assert.Equal(t, json.Number("42"), ev.Message)
	assert.Equal(t, "warning", ev.Severity)
	assert.Equal(t, map[string]any{"a": json.Number("1")}, ev.Tags)
	assert.Equal(t, json.Number("1700000000000"), ev.Timestamp)
	assert.JSONEq(t, `{"k":[1,2]}`, string(ev.Extra))
	assert.Nil(t, ev.Platform)
}

func TestRawEvent_RejectsNonObject(t *testing.T) {
	for _, in := range []string{`"hello"`, `[1]`, `3`} {
		var ev RawEvent
		assert.ErrorIs(t, ev.UnmarshalJSON([]byte(in)), ErrNotObject, in)
	}
}

func TestNewLogBatch_Bounds(t *testing.T) {
	client := VerifiedClientContext{ClientID: "c"}
	now := time.Date(2026, 3, 1, 21, 0, 0, 0, time.FixedZone("KST", 9*3600))

	_, err := NewLogBatch(nil, client, "r", now)
	assert.Error(t, err)

	_, err = NewLogBatch(make([]NormalizedEvent, MaxBatchEvents+1), client, "r", now)
	assert.Error(t, err)

	b, err := NewLogBatch(make([]NormalizedEvent, MaxBatchEvents), client, "r", now)
	require.NoError(t, err)
	assert.Len(t, b.Events, MaxBatchEvents)
	assert.Equal(t, time.UTC, b.ReceivedAt.Location())
}

func TestHasScope(t *testing.T) {
	c := VerifiedClientContext{Scopes: []string{"log:write", "log:replay"}}
	assert.True(t, c.HasScope("log:replay"))
	assert.False(t, c.HasScope("admin"))
}
