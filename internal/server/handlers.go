package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"log-ingest-gateway/internal/clientauth"
	"log-ingest-gateway/internal/logger"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/normalizer"
	"log-ingest-gateway/internal/pool"
	"log-ingest-gateway/internal/replay"
	"log-ingest-gateway/internal/router"

	json "github.com/goccy/go-json"
)

var errBodyTooLarge = errors.New("request body too large")

// ingestRequest accepts either a single event or a list.
type ingestRequest struct {
	Event  json.RawMessage `json:"event"`
	Events json.RawMessage `json:"events"`
}

type ingestResponse struct {
	Status string `json:"status"`
	Mode   string `json:"mode"`
	Count  int    `json:"count"`
}

type replayRequest struct {
	Keys []string `json:"keys"`
}

type replayResponse struct {
	Status  string          `json:"status"`
	Results []replay.Result `json:"results"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Timestamp  string `json:"timestamp"`
	LogName    string `json:"logName"`
	DLQEnabled bool   `json:"dlqEnabled"`
}

// handleIngest
//
// auth → read body → decode → normalize → dispatch.
//
//	200 {status, mode, count}
//	400 malformed / oversized body, event count out of range
//	401 missing or invalid bearer token
//	502 sink write failed, with deadLetterKey when the batch was saved
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	defer pool.PutBody(body, s.cfg.MaxBodySize*2)

	raws, err := decodeEvents(body.Bytes())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.normalizer.Normalize(raws, client, s.cfg.MaxEvents)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	requestID := requestIDFromContext(r.Context())
	batch, err := model.NewLogBatch(events, client, requestID, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, ev := range batch.Events {
		s.metrics.IncEventAccepted(ev.Platform, ev.Severity)
	}

	res, err := s.dispatcher.Dispatch(r.Context(), batch)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{Status: "ok", Mode: res.Mode, Count: len(batch.Events)})
}

// handleReplay
//
// auth → scope → store configured → decode keys → replay.
// Always 200 once replay starts; per-key outcomes are in results.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	client, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !client.HasScope(clientauth.ScopeReplay) {
		writeError(w, http.StatusForbidden, "Missing required scope: "+clientauth.ScopeReplay)
		return
	}
	if !s.store.Available() || s.replayer == nil {
		writeError(w, http.StatusServiceUnavailable, "Dead-letter store is not configured")
		return
	}

	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	defer pool.PutBody(body, s.cfg.MaxBodySize*2)

	var req replayRequest
	if err := json.Unmarshal(body.Bytes(), &req); err != nil || len(req.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "keys must be a non-empty array of strings")
		return
	}
	if limit := s.cfg.ReplayMaxKeys; limit > 0 && len(req.Keys) > limit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("too many keys: %d exceeds the limit of %d", len(req.Keys), limit))
		return
	}
	for _, k := range req.Keys {
		if k == "" {
			writeError(w, http.StatusBadRequest, "keys must be a non-empty array of strings")
			return
		}
	}

	results := s.replayer.Replay(r.Context(), req.Keys)

	logger.Ctx(r.Context()).Info().
		Str("client_id", client.ClientID).
		Int("keys", len(req.Keys)).
		Msg("replay requested")

	writeJSON(w, http.StatusOK, replayResponse{Status: "ok", Results: results})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Timestamp:  s.now().UTC().Format(time.RFC3339Nano),
		LogName:    s.logName,
		DLQEnabled: s.store.Available(),
	})
}

// authenticate writes 401 and returns false when the bearer token is
// missing or rejected.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (model.VerifiedClientContext, bool) {
	client, err := s.verifier.Verify(r.Header.Get("Authorization"))
	if err == nil {
		return client, true
	}
	var tve *clientauth.TokenVerificationError
	if errors.As(err, &tve) {
		writeError(w, http.StatusUnauthorized, tve.Reason)
	} else {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	}
	return model.VerifiedClientContext{}, false
}

// readBody copies the body into a pooled buffer under MAX_BODY_SIZE.
// The caller returns the buffer with pool.PutBody.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (*bytes.Buffer, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodySize)
	defer r.Body.Close()

	buf := pool.GetBody()
	if _, err := io.Copy(buf, r.Body); err != nil {
		pool.PutBody(buf, s.cfg.MaxBodySize*2)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.metrics.IncBodyTooLarge()
			writeError(w, http.StatusBadRequest, errBodyTooLarge.Error())
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return nil, false
	}
	return buf, true
}

// decodeEvents accepts {"event": {...}} or {"events": [...]}.
// "events" wins when both are present.
func decodeEvents(data []byte) ([]model.RawEvent, error) {
	var req ingestRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	switch {
	case present(req.Events):
		var raws []model.RawEvent
		if err := json.Unmarshal(req.Events, &raws); err != nil {
			return nil, errors.New("events must be an array of objects")
		}
		return raws, nil
	case present(req.Event):
		var raw model.RawEvent
		if err := json.Unmarshal(req.Event, &raw); err != nil {
			return nil, errors.New("event must be an object")
		}
		return []model.RawEvent{raw}, nil
	default:
		return nil, errors.New("request body must contain event or events")
	}
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// writeFailure maps the error kinds this boundary knows. Anything else is
// a generic 400 so internal detail never reaches the client.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *normalizer.ValidationError
		rerr *router.RouterError
	)
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Message)
	case errors.As(err, &rerr):
		msg := "Failed to deliver logs; batch was not saved"
		if rerr.Saved() {
			msg = "Failed to deliver logs; batch saved for replay"
		}
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: msg, DeadLetterKey: rerr.DeadLetterKey})
	default:
		logger.Ctx(r.Context()).Error().Err(err).Msg("unhandled ingest error")
		writeError(w, http.StatusBadRequest, "Bad request")
	}
}
