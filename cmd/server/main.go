package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"
	_ "time/tzdata"

	"log-ingest-gateway/internal/clientauth"
	"log-ingest-gateway/internal/config"
	"log-ingest-gateway/internal/deadletter"
	"log-ingest-gateway/internal/logger"
	"log-ingest-gateway/internal/metrics"
	"log-ingest-gateway/internal/normalizer"
	"log-ingest-gateway/internal/replay"
	"log-ingest-gateway/internal/router"
	"log-ingest-gateway/internal/server"
	"log-ingest-gateway/internal/sink"
	"log-ingest-gateway/internal/sinkauth"
	"log-ingest-gateway/internal/worker"

	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func main() {
	configPath := flag.StringP("config", "c", os.Getenv("GATEWAY_CONFIG"), "optional YAML config file; environment variables override it")
	flag.Parse()

	// ====================================================================
	// CPU
	// ====================================================================
	//
	// Container CPU limits are fractional; leaving GOMAXPROCS at the host
	// core count makes the scheduler spin on cores it cannot use.
	// GOMAXPROCS in the environment wins, otherwise one P.
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(1)
	}

	cfg := config.MustLoad(*configPath)
	logger.Init(cfg)
	m := metrics.New()

	// ====================================================================
	// Client authentication
	// ====================================================================
	verifier, err := clientauth.NewHMACVerifier(cfg.ClientTokenSecret, cfg.ClientTokenIssuer)
	if err != nil {
		log.Fatal().Err(err).Msg("client token verifier")
	}

	// ====================================================================
	// Sink: token source + writer
	// ====================================================================
	tokens, projectID, err := newTokenSource(cfg, m)
	if err != nil {
		log.Fatal().Err(err).Msg("sink credentials")
	}

	var resourceLabels map[string]string
	if projectID != "" {
		resourceLabels = map[string]string{"project_id": projectID}
	}
	writer, err := sink.NewHTTPWriter(sink.Config{
		Endpoint:     cfg.SinkEndpoint,
		LogName:      cfg.SinkLogName,
		ProjectID:    projectID,
		ResourceType: cfg.SinkResourceType,
		Labels:       resourceLabels,
		Timeout:      cfg.SinkTimeout,
		Gzip:         cfg.SinkGzip,
	}, tokens, m)
	if err != nil {
		log.Fatal().Err(err).Msg("sink writer")
	}

	// ====================================================================
	// Dead-letter store, router, replay
	// ====================================================================
	openCtx, cancelOpen := context.WithTimeout(context.Background(), 15*time.Second)
	store, closeStore, err := deadletter.Open(openCtx, cfg, m)
	cancelOpen()
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.DLQBackend).Msg("dead-letter store")
	}

	rt := router.New(writer, store)
	coordinator := replay.New(store, writer, cfg.ReplayConcurrency, m)

	sweeper := worker.NewSweeper(store, coordinator, cfg.SweepInterval, cfg.SweepBatch, m)
	sweeper.Start()

	// ====================================================================
	// HTTP
	// ====================================================================
	srvHandler := server.New(cfg, server.Deps{
		Verifier:   verifier,
		Normalizer: &normalizer.Normalizer{Now: time.Now, Location: cfg.EventLocation},
		Dispatcher: rt,
		Replayer:   coordinator,
		Store:      store,
		Metrics:    m,
		LogName:    writer.LogName(),
	})

	// Client payloads are small; short timeouts stop slow connections from
	// holding goroutines. The write timeout leaves room for a sink call
	// plus a dead-letter persist.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srvHandler.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       8 * time.Second,
		WriteTimeout:      cfg.SinkTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ====================================================================
	// Graceful shutdown
	// ====================================================================
	//
	// On SIGTERM: stop accepting requests and drain in-flight ones, stop
	// the sweeper, then release the store.
	// ====================================================================
	done := make(chan struct{})
	go func() {
		defer close(done)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("log_name", writer.LogName()).
		Str("dlq_backend", cfg.DLQBackend).
		Bool("sweeper", sweeper.Enabled()).
		Msg("log ingest gateway listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server terminated")
	}
	<-done

	sweeper.Shutdown()
	if err := closeStore(); err != nil {
		log.Warn().Err(err).Msg("closing dead-letter store")
	}
	log.Info().Msg("shutdown complete")
}

// newTokenSource picks a static token when one is configured, otherwise a
// service account provider. The returned project id falls back to the one
// in the credentials.
func newTokenSource(cfg config.Config, m *metrics.Metrics) (sinkauth.TokenSource, string, error) {
	if cfg.SinkStaticToken != "" {
		log.Warn().Msg("sink uses a static bearer token")
		return sinkauth.StaticToken(cfg.SinkStaticToken), cfg.SinkProjectID, nil
	}

	creds, err := sinkauth.LoadCredentials(cfg.SinkCredentialsJSON, cfg.SinkCredentialsFile)
	if err != nil {
		return nil, "", err
	}
	provider, err := sinkauth.NewProviderFromCredentials(creds, sinkauth.Config{
		Scope:    cfg.TokenScope,
		TokenURI: cfg.TokenEndpoint,
		Skew:     cfg.TokenSkew,
	}, m)
	if err != nil {
		return nil, "", err
	}

	projectID := cfg.SinkProjectID
	if projectID == "" {
		projectID = creds.ProjectID
	}
	log.Info().Str("service_account", creds.ClientEmail).Msg("sink token provider ready")
	return provider, projectID, nil
}
