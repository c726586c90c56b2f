package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Dead-letter backends selectable with DLQ_BACKEND.
const (
	BackendNone  = "none"
	BackendFile  = "file"
	BackendS3    = "s3"
	BackendRedis = "redis"
)

// Config
//
// Every setting the gateway reads at startup. Values come from, in order of
// precedence: environment variables, an optional YAML file of the same keys,
// and the defaults below. The struct is read-only after Load.
type Config struct {

	// ---------------------------
	// Identity / network
	// ---------------------------

	ServiceName string // "service" field on every log line
	InstanceID  string // hostname, or random hex when unavailable
	HTTPAddr    string // bind address, e.g. ":8080"

	// ---------------------------
	// Logging
	// ---------------------------

	LogLevel   string // zerolog level name
	LogPretty  bool   // console writer instead of JSON
	LogSampleN uint32 // keep 1/N debug+info lines; 0 or 1 keeps all

	// ---------------------------
	// Request handling
	// ---------------------------

	MaxBodySize        int64    // bytes per request body
	MaxEvents          int      // events per request, capped at 100
	CORSAllowedOrigins []string // "*" allows any origin; empty disables CORS

	// EventLocation reads client timestamps that carry no zone
	EventLocation *time.Location

	// ---------------------------
	// Client bearer tokens
	// ---------------------------

	ClientTokenSecret string // HS256 shared secret (required)
	ClientTokenIssuer string // expected iss claim, optional

	// ---------------------------
	// Logging sink
	// ---------------------------

	SinkEndpoint        string
	SinkLogName         string // required
	SinkProjectID       string
	SinkResourceType    string
	SinkTimeout         time.Duration
	SinkGzip            bool
	SinkCredentialsFile string
	SinkCredentialsJSON string
	SinkStaticToken     string // fixed bearer token for emulators; skips the JWT exchange

	TokenEndpoint string // overrides token_uri from the credentials
	TokenScope    string
	TokenSkew     time.Duration

	// ---------------------------
	// Dead-letter store
	// ---------------------------
	// S3 SDK retries are fixed at 0 in code; S3AppRetries is the only
	// retry knob so the two never stack.

	DLQBackend      string
	DLQPrefix       string
	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64

	AWSRegion    string
	DLQBucket    string
	S3Timeout    time.Duration
	S3AppRetries int

	RedisURL    string
	DLQRedisTTL time.Duration

	// ---------------------------
	// Replay / sweeper
	// ---------------------------

	ReplayConcurrency int
	ReplayMaxKeys     int
	SweepInterval     time.Duration // 0 disables the background sweeper
	SweepBatch        int

	ShutdownTimeout time.Duration
}

// DLQEnabled reports whether a durable dead-letter backend is configured.
func (c Config) DLQEnabled() bool {
	return c.DLQBackend != "" && c.DLQBackend != BackendNone
}

var defaults = map[string]string{
	"SERVICE_NAME":         "log-ingest-gateway",
	"HTTP_ADDR":            ":8080",
	"LOG_LEVEL":            "info",
	"LOG_PRETTY":           "false",
	"LOG_SAMPLE_N":         "0",
	"MAX_BODY_SIZE":        "262144",
	"MAX_EVENTS":           "100",
	"CORS_ALLOWED_ORIGINS": "",
	"EVENT_TIMEZONE":       "UTC",
	"SINK_ENDPOINT":        "https://logging.googleapis.com/v2/entries:write",
	"SINK_RESOURCE_TYPE":   "global",
	"SINK_TIMEOUT":         "10s",
	"SINK_GZIP":            "false",
	"TOKEN_SKEW":           "60s",
	"DLQ_BACKEND":          BackendNone,
	"DLQ_PREFIX":           "dlq",
	"DLQ_DIR":              "./dlq",
	"DLQ_MAX_AGE":          "168h",
	"DLQ_MAX_SIZE_BYTES":   "1073741824",
	"AWS_REGION":           "us-east-1",
	"S3_TIMEOUT":           "5s",
	"S3_APP_RETRIES":       "3",
	"DLQ_REDIS_TTL":        "168h",
	"REPLAY_CONCURRENCY":   "1",
	"REPLAY_MAX_KEYS":      "500",
	"SWEEP_INTERVAL":       "0s",
	"SWEEP_BATCH":          "50",
	"SHUTDOWN_TIMEOUT":     "15s",
}

// Load reads the optional YAML file at path, then the process environment.
func Load(path string) (Config, error) {
	var file map[string]string
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if file, err = ParseYAML(data); err != nil {
			return Config{}, err
		}
	}
	return Parse(file, os.LookupEnv)
}

// MustLoad is Load with fail-fast semantics: a missing required value or a
// malformed one stops the process before it accepts traffic.
func MustLoad(path string) Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	return cfg
}

// ParseYAML decodes a flat mapping of KEY: value pairs.
func ParseYAML(data []byte) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: decoding yaml: %w", err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		switch t := v.(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(t))
			for _, p := range t {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		default:
			out[key] = fmt.Sprint(t)
		}
	}
	return out, nil
}

// Parse builds a Config from file values and an environment lookup.
// All problems are collected and returned together.
func Parse(file map[string]string, lookupEnv func(string) (string, bool)) (Config, error) {
	r := &reader{file: file, env: lookupEnv}

	cfg := Config{
		ServiceName: r.str("SERVICE_NAME"),
		InstanceID:  r.str("INSTANCE_ID"),
		HTTPAddr:    r.str("HTTP_ADDR"),

		LogLevel:   r.str("LOG_LEVEL"),
		LogPretty:  r.boolean("LOG_PRETTY"),
		LogSampleN: uint32(r.integer("LOG_SAMPLE_N")),

		MaxBodySize:        r.int64("MAX_BODY_SIZE"),
		MaxEvents:          r.integer("MAX_EVENTS"),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS"),
		EventLocation:      r.location("EVENT_TIMEZONE"),

		ClientTokenSecret: r.required("CLIENT_TOKEN_SECRET"),
		ClientTokenIssuer: r.str("CLIENT_TOKEN_ISSUER"),

		SinkEndpoint:        r.str("SINK_ENDPOINT"),
		SinkLogName:         r.required("SINK_LOG_NAME"),
		SinkProjectID:       r.str("SINK_PROJECT_ID"),
		SinkResourceType:    r.str("SINK_RESOURCE_TYPE"),
		SinkTimeout:         r.duration("SINK_TIMEOUT"),
		SinkGzip:            r.boolean("SINK_GZIP"),
		SinkCredentialsFile: r.str("SINK_CREDENTIALS_FILE"),
		SinkCredentialsJSON: r.str("SINK_CREDENTIALS_JSON"),
		SinkStaticToken:     r.str("SINK_STATIC_TOKEN"),

		TokenEndpoint: r.str("TOKEN_ENDPOINT"),
		TokenScope:    r.str("TOKEN_SCOPE"),
		TokenSkew:     r.duration("TOKEN_SKEW"),

		DLQBackend:      strings.ToLower(r.str("DLQ_BACKEND")),
		DLQPrefix:       strings.Trim(r.str("DLQ_PREFIX"), "/"),
		DLQDir:          r.str("DLQ_DIR"),
		DLQMaxAge:       r.duration("DLQ_MAX_AGE"),
		DLQMaxSizeBytes: r.int64("DLQ_MAX_SIZE_BYTES"),

		AWSRegion:    r.str("AWS_REGION"),
		DLQBucket:    r.str("DLQ_BUCKET"),
		S3Timeout:    r.duration("S3_TIMEOUT"),
		S3AppRetries: r.integer("S3_APP_RETRIES"),

		RedisURL:    r.str("REDIS_URL"),
		DLQRedisTTL: r.duration("DLQ_REDIS_TTL"),

		ReplayConcurrency: r.integer("REPLAY_CONCURRENCY"),
		ReplayMaxKeys:     r.integer("REPLAY_MAX_KEYS"),
		SweepInterval:     r.duration("SWEEP_INTERVAL"),
		SweepBatch:        r.integer("SWEEP_BATCH"),

		ShutdownTimeout: r.duration("SHUTDOWN_TIMEOUT"),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}
	if cfg.MaxEvents <= 0 || cfg.MaxEvents > 100 {
		cfg.MaxEvents = 100
	}
	if cfg.ReplayConcurrency < 1 {
		cfg.ReplayConcurrency = 1
	}
	if cfg.SinkStaticToken == "" && cfg.SinkCredentialsJSON == "" && cfg.SinkCredentialsFile == "" {
		r.fail("one of SINK_CREDENTIALS_JSON, SINK_CREDENTIALS_FILE or SINK_STATIC_TOKEN is required")
	}

	switch cfg.DLQBackend {
	case BackendNone, BackendFile:
	case BackendS3:
		if cfg.DLQBucket == "" {
			r.fail("DLQ_BUCKET is required when DLQ_BACKEND=s3")
		}
		if cfg.S3AppRetries < 1 {
			cfg.S3AppRetries = 1
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			r.fail("REDIS_URL is required when DLQ_BACKEND=redis")
		}
	default:
		r.fail(fmt.Sprintf("unknown DLQ_BACKEND %q (want none, file, s3 or redis)", cfg.DLQBackend))
	}
	if cfg.DLQPrefix == "" {
		r.fail("DLQ_PREFIX must not be empty")
	}

	if len(r.errs) > 0 {
		return Config{}, errors.Join(r.errs...)
	}
	return cfg, nil
}

// reader resolves keys env → file → default and records parse failures.
type reader struct {
	file map[string]string
	env  func(string) (string, bool)
	errs []error
}

func (r *reader) lookup(key string) string {
	if r.env != nil {
		if v, ok := r.env(key); ok && v != "" {
			return strings.TrimSpace(v)
		}
	}
	if v, ok := r.file[key]; ok && v != "" {
		return strings.TrimSpace(v)
	}
	return defaults[key]
}

func (r *reader) fail(msg string) {
	r.errs = append(r.errs, errors.New(msg))
}

func (r *reader) str(key string) string { return r.lookup(key) }

func (r *reader) required(key string) string {
	v := r.lookup(key)
	if v == "" {
		r.fail("missing required setting: " + key)
	}
	return v
}

func (r *reader) integer(key string) int {
	v := r.lookup(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(fmt.Sprintf("invalid int %s=%q", key, v))
	}
	return n
}

func (r *reader) int64(key string) int64 {
	v := r.lookup(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(fmt.Sprintf("invalid int64 %s=%q", key, v))
	}
	return n
}

func (r *reader) duration(key string) time.Duration {
	v := r.lookup(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(fmt.Sprintf("invalid duration %s=%q", key, v))
	}
	return d
}

func (r *reader) location(key string) *time.Location {
	v := r.lookup(key)
	loc, err := time.LoadLocation(v)
	if err != nil {
		r.fail(fmt.Sprintf("%s: invalid time zone %q", key, v))
		return time.UTC
	}
	return loc
}

func (r *reader) boolean(key string) bool {
	v := r.lookup(key)
	if v == "" {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(fmt.Sprintf("invalid bool %s=%q", key, v))
	}
	return b
}

func (r *reader) list(key string) []string {
	v := r.lookup(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// fallbackInstanceID
//
// Identifies this process in logs and dead-letter keys.
//   - default: hostname (unique per container / task)
//   - fallback: 12 random hex chars
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
