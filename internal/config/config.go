// Package config loads the hub configuration from environment variables,
// applying defaults, normalization and validation. It covers the HTTP server,
// logging, storage, provider endpoints, the real-time transport, the optional
// event mirror, rate limiting and observability.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig points the channel adapters at their APIs.
type ProviderConfig struct {
	LineBaseURL   string        // LINE_API_BASE_URL
	GraphBaseURL  string        // META_GRAPH_BASE_URL
	Timeout       time.Duration // PROVIDER_TIMEOUT, bounds sends and avatar lookups
	Retries       int           // PROVIDER_RETRIES, extra attempts on transient failures
	EnrichTimeout time.Duration // ENRICH_TIMEOUT, bounds visitor profile lookups
}

// AutoReplyConfig controls forwarding of agent messages sent over the
// real-time connection.
type AutoReplyConfig struct {
	Channels   []string // AUTO_REPLY_CHANNELS
	MarkFailed bool     // AUTO_REPLY_MARK_FAILED
}

// RealtimeConfig tunes the websocket transport.
type RealtimeConfig struct {
	AllowedOrigins []string      // WS_ALLOWED_ORIGINS; empty allows any origin
	SendBuffer     int           // WS_SEND_BUFFER, queued frames per connection
	PingInterval   time.Duration // WS_PING_INTERVAL
}

// EventsConfig enables the AMQP mirror of domain events.
type EventsConfig struct {
	AMQPURL  string // AMQP_URL; empty disables the mirror
	Exchange string // AMQP_EXCHANGE
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	GinMode           string // debug|release|test

	// Logging / Docs
	LogLevel       string
	LogPretty      bool
	SwaggerEnabled bool
	APIBasePath    string // base path for operator routes

	// App
	DBPath  string
	BaseURL string // public origin used to derive webhook URLs

	Providers ProviderConfig
	AutoReply AutoReplyConfig
	Realtime  RealtimeConfig
	Events    EventsConfig

	// Rate limiting (operator routes only)
	RateRPS   float64
	RateBurst int

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration

	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath:  getenv("DB_PATH", "hub.db"),
		BaseURL: strings.TrimRight(getenv("BASE_URL", "http://localhost:8080"), "/"),

		Providers: ProviderConfig{
			LineBaseURL:   getenv("LINE_API_BASE_URL", "https://api.line.me"),
			GraphBaseURL:  getenv("META_GRAPH_BASE_URL", "https://graph.facebook.com/v24.0"),
			Timeout:       getdur("PROVIDER_TIMEOUT", 10*time.Second),
			Retries:       getint("PROVIDER_RETRIES", 2),
			EnrichTimeout: getdur("ENRICH_TIMEOUT", 3*time.Second),
		},
		AutoReply: AutoReplyConfig{
			Channels:   lowerAll(splitCSV(getenv("AUTO_REPLY_CHANNELS", "line"))),
			MarkFailed: getbool("AUTO_REPLY_MARK_FAILED", false),
		},
		Realtime: RealtimeConfig{
			AllowedOrigins: splitCSV(getenv("WS_ALLOWED_ORIGINS", "")),
			SendBuffer:     getint("WS_SEND_BUFFER", 256),
			PingInterval:   getdur("WS_PING_INTERVAL", 30*time.Second),
		},
		Events: EventsConfig{
			AMQPURL:  getenv("AMQP_URL", ""),
			Exchange: getenv("AMQP_EXCHANGE", "messaging-hub.events"),
		},

		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "messaging-hub"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DB_PATH must not be empty")
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("BASE_URL must be an absolute URL")
	}
	if cfg.Providers.Timeout <= 0 || cfg.Providers.EnrichTimeout <= 0 {
		return errors.New("PROVIDER_TIMEOUT and ENRICH_TIMEOUT must be > 0")
	}
	if cfg.Providers.Retries < 0 {
		return errors.New("PROVIDER_RETRIES must be >= 0")
	}
	for _, ch := range cfg.AutoReply.Channels {
		switch ch {
		case "widget", "line", "facebook", "instagram", "whatsapp":
		default:
			return errors.New("AUTO_REPLY_CHANNELS contains an unknown channel: " + ch)
		}
	}
	if cfg.Realtime.SendBuffer < 1 {
		return errors.New("WS_SEND_BUFFER must be >= 1")
	}
	if cfg.Realtime.PingInterval <= 0 {
		return errors.New("WS_PING_INTERVAL must be > 0")
	}
	if cfg.Events.AMQPURL != "" && strings.TrimSpace(cfg.Events.Exchange) == "" {
		return errors.New("AMQP_EXCHANGE must not be empty when AMQP_URL is set")
	}
	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	for i, s := range in {
		in[i] = strings.ToLower(s)
	}
	return in
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
