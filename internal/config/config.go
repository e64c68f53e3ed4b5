package config

import (
	"context"
	"time"
)

// ListenerConfig holds the network settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the engine.
type Config struct {
	// Transport backend type: "memory", "redis", or "sqlite".
	TransportType string

	// Redis transport.
	RedisURL string

	// SQLite transport.
	SQLitePath string
	// Interval at which the sqlite transport polls for live arrivals.
	SQLitePollInterval time.Duration

	// Object store backend type: "memory" or "s3".
	ObjstoreType string

	// S3 object store.
	S3Bucket           string
	S3Prefix           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Lifetime of resolved download URLs (presigned GETs on s3).
	DownloadURLExpiresIn time.Duration

	// Upload behavior.
	UploadMaxSize int64

	// HTTP surface.
	Listener    ListenerConfig
	MaxBodySize int64
	CORSEnabled bool
	CORSOrigins string
	// ManagementAccessLog enables access logging for /health, /ready and
	// /metrics. Off by default to suppress probe noise.
	ManagementAccessLog bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR}
	// expansion.
	MetricsLabels string

	// Graceful shutdown drain timeout in seconds.
	DrainTimeout int
}

// DefaultConfig returns the configuration used when no flags or
// environment variables override it. Tests start from this.
func DefaultConfig() Config {
	return Config{
		TransportType:        "memory",
		SQLitePollInterval:   250 * time.Millisecond,
		ObjstoreType:         "memory",
		DownloadURLExpiresIn: 15 * time.Minute,
		UploadMaxSize:        32 << 20,
		Listener: ListenerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:   1 << 20,
		MetricsLabels: "service=chat-engine",
		DrainTimeout:  15,
	}
}
