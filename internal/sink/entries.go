package sink

import (
	"log-ingest-gateway/internal/model"

	json "github.com/goccy/go-json"
)

// WriteRequest is the entries:write body.
type WriteRequest struct {
	LogName  string            `json:"logName"`
	Resource MonitoredResource `json:"resource"`
	Entries  []Entry           `json:"entries"`
}

type MonitoredResource struct {
	Type   string            `json:"type"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Entry is one log entry; Timestamp is the event's own time, not receipt time.
type Entry struct {
	JSONPayload Payload           `json:"jsonPayload"`
	Severity    string            `json:"severity"`
	Labels      map[string]string `json:"labels,omitempty"`
	Timestamp   string            `json:"timestamp"`
}

type Payload struct {
	Message    string            `json:"message"`
	EventType  string            `json:"eventType"`
	Platform   string            `json:"platform"`
	ClientID   string            `json:"clientId"`
	RoomID     string            `json:"roomId,omitempty"`
	ViewerID   string            `json:"viewerId,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Extra      json.RawMessage   `json:"extra,omitempty"`
	ReceivedAt string            `json:"receivedAt"`
}

// BuildRequest maps a batch to the sink wire format, one entry per event.
func BuildRequest(cfg Config, batch model.LogBatch) WriteRequest {
	receivedAt := batch.ReceivedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00")

	entries := make([]Entry, 0, len(batch.Events))
	for _, ev := range batch.Events {
		requestID := ev.RequestID
		if requestID == "" {
			requestID = batch.RequestID
		}
		entries = append(entries, Entry{
			JSONPayload: Payload{
				Message:    ev.Message,
				EventType:  ev.EventType,
				Platform:   ev.Platform,
				ClientID:   ev.ClientID,
				RoomID:     ev.RoomID,
				ViewerID:   ev.ViewerID,
				RequestID:  requestID,
				Tags:       ev.Tags,
				Extra:      ev.Extra,
				ReceivedAt: receivedAt,
			},
			Severity:  ev.Severity,
			Labels:    entryLabels(ev),
			Timestamp: ev.Timestamp,
		})
	}

	return WriteRequest{
		LogName:  QualifyLogName(cfg.LogName, cfg.ProjectID),
		Resource: MonitoredResource{Type: resourceType(cfg), Labels: cfg.Labels},
		Entries:  entries,
	}
}

// entryLabels merges tags with the trusted client_id / room_id labels.
// Trusted labels are written last so a tag cannot shadow them.
func entryLabels(ev model.NormalizedEvent) map[string]string {
	labels := make(map[string]string, len(ev.Tags)+2)
	for k, v := range ev.Tags {
		labels[k] = v
	}
	labels["client_id"] = ev.ClientID
	if ev.RoomID != "" {
		labels["room_id"] = ev.RoomID
	} else {
		delete(labels, "room_id")
	}
	return labels
}

func resourceType(cfg Config) string {
	if cfg.ResourceType == "" {
		return "global"
	}
	return cfg.ResourceType
}
