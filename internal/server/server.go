// Package server is the HTTP surface of the gateway.
package server

import (
	"context"
	"net/http"
	"time"

	"log-ingest-gateway/internal/clientauth"
	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/model"
	"log-ingest-gateway/internal/normalizer"
	"log-ingest-gateway/internal/replay"
	"log-ingest-gateway/internal/router"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Dispatcher delivers one batch (router.Router).
type Dispatcher interface {
	Dispatch(ctx context.Context, batch model.LogBatch) (router.Result, error)
}

// Replayer re-delivers dead-lettered batches (replay.Coordinator).
type Replayer interface {
	Replay(ctx context.Context, keys []string) []replay.Result
}

// Deps are the collaborators a Server needs. Metrics may be nil.
type Deps struct {
	Verifier   clientauth.Verifier
	Normalizer *normalizer.Normalizer
	Dispatcher Dispatcher
	Replayer   Replayer
	Store      deadletter.Store
	Metrics    *metrics.Metrics
	LogName    string
	Now        func() time.Time
}

type Server struct {
	cfg        config.Config
	verifier   clientauth.Verifier
	normalizer *normalizer.Normalizer
	dispatcher Dispatcher
	replayer   Replayer
	store      deadletter.Store
	metrics    *metrics.Metrics
	logName    string
	now        func() time.Time
}

func New(cfg config.Config, d Deps) *Server {
	if d.Normalizer == nil {
		d.Normalizer = normalizer.New()
	}
	if d.Store == nil {
		d.Store = deadletter.Disabled{Metrics: d.Metrics}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 256 * 1024
	}
	if cfg.MaxEvents <= 0 || cfg.MaxEvents > model.MaxBatchEvents {
		cfg.MaxEvents = model.MaxBatchEvents
	}
	return &Server{
		cfg:        cfg,
		verifier:   d.Verifier,
		normalizer: d.Normalizer,
		dispatcher: d.Dispatcher,
		replayer:   d.Replayer,
		store:      d.Store,
		metrics:    d.Metrics,
		logName:    d.LogName,
		now:        d.Now,
	}
}

// Routes
//
//	POST /ingest   client events (bearer token)
//	POST /replay   re-deliver dead-lettered batches (bearer token + log:replay)
//	GET  /health   liveness, no auth
//	GET  /metrics  Prometheus exposition
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Post("/ingest", s.handleIngest)
	r.Post("/replay", s.handleReplay)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}
