package logger

import (
	"context"
	"io"
	"os"
	"strings"

	"log-ingest-gateway/internal/config"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Init
//
// Configures the global zerolog logger once at startup.
//
//  1. Format: LOG_PRETTY=true gives colored console output for local work;
//     otherwise one JSON object per line for the log pipeline.
//
//  2. Every line carries "service" and "instance" so output from several
//     replicas can be told apart.
//
//  3. Sampling: with LOG_SAMPLE_N > 1 only 1/N debug and info lines are
//     kept. Warn and above are never sampled.
//
// Usage:
//
//	logger.Init(cfg)
//	log.Info().Msg("gateway started")
func Init(cfg config.Config) {
	InitTo(os.Stdout, cfg)
}

// InitTo is Init with an explicit destination.
func InitTo(out io.Writer, cfg config.Config) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel))); err == nil && cfg.LogLevel != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("instance", cfg.InstanceID).
		Logger()

	logger := base
	if cfg.LogSampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: cfg.LogSampleN},
			InfoSampler:  &zerolog.BasicSampler{N: cfg.LogSampleN},
		})
	}

	zlog.Logger = logger

	// route the standard library logger (net/http server errors) through zerolog
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}

// WithRequestID stores in ctx a child of the global logger that tags every
// line with request_id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	l := zlog.With().Str("request_id", requestID).Logger()
	return l.WithContext(ctx)
}

// Ctx returns the request logger stored by WithRequestID, or the global
// logger when ctx carries none.
func Ctx(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &zlog.Logger
}
