package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/voxchat/chat-engine/internal/config"
	registryobjstore "github.com/voxchat/chat-engine/internal/registry/objstore"
	registrytransport "github.com/voxchat/chat-engine/internal/registry/transport"

	// Import all plugins to trigger init() registration
	_ "github.com/voxchat/chat-engine/internal/plugin/objstore/memstore"
	_ "github.com/voxchat/chat-engine/internal/plugin/objstore/s3store"
	_ "github.com/voxchat/chat-engine/internal/plugin/route/system"
	_ "github.com/voxchat/chat-engine/internal/plugin/transport/memory"
	_ "github.com/voxchat/chat-engine/internal/plugin/transport/redis"
	_ "github.com/voxchat/chat-engine/internal/plugin/transport/sqlite"
)

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the chat engine HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Graceful shutdown drain timeout in seconds",
		},
		&cli.BoolFlag{
			Name:        "management-access-log",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MANAGEMENT_ACCESS_LOG"),
			Destination: &cfg.ManagementAccessLog,
			Usage:       "Enable HTTP access logging for management endpoints (/health, /ready, /metrics)",
		},
		&cli.BoolFlag{
			Name:        "cors",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_CORS"),
			Destination: &cfg.CORSEnabled,
			Usage:       "Enable CORS headers",
		},
		&cli.StringFlag{
			Name:        "cors-origins",
			Category:    "Server:",
			Sources:     cli.EnvVars("CHAT_ENGINE_CORS_ORIGINS"),
			Destination: &cfg.CORSOrigins,
			Usage:       "Comma-separated allowed CORS origins (empty = any)",
		},

		// ── Transport ─────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "transport-kind",
			Category:    "Transport:",
			Sources:     cli.EnvVars("CHAT_ENGINE_TRANSPORT_KIND"),
			Destination: &cfg.TransportType,
			Value:       cfg.TransportType,
			Usage:       "Realtime transport backend (" + strings.Join(registrytransport.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Transport:",
			Sources:     cli.EnvVars("CHAT_ENGINE_REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL for the redis transport",
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Category:    "Transport:",
			Sources:     cli.EnvVars("CHAT_ENGINE_SQLITE_PATH"),
			Destination: &cfg.SQLitePath,
			Usage:       "Database file path for the sqlite transport",
		},
		&cli.DurationFlag{
			Name:        "sqlite-poll-interval",
			Category:    "Transport:",
			Sources:     cli.EnvVars("CHAT_ENGINE_SQLITE_POLL_INTERVAL"),
			Destination: &cfg.SQLitePollInterval,
			Value:       cfg.SQLitePollInterval,
			Usage:       "Interval at which the sqlite transport polls for live arrivals",
		},

		// ── Media Storage ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "media-kind",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_KIND"),
			Destination: &cfg.ObjstoreType,
			Value:       cfg.ObjstoreType,
			Usage:       "Object store backend (" + strings.Join(registryobjstore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "media-s3-bucket",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for uploaded media",
		},
		&cli.StringFlag{
			Name:        "media-s3-prefix",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix applied to every stored object",
		},
		&cli.StringFlag{
			Name:        "media-s3-external-endpoint",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_S3_EXTERNAL_ENDPOINT"),
			Destination: &cfg.S3ExternalEndpoint,
			Usage:       "External base URL substituted into presigned download URLs",
		},
		&cli.BoolFlag{
			Name:        "media-s3-use-path-style",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},
		&cli.DurationFlag{
			Name:        "media-download-url-expiry",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_DOWNLOAD_URL_EXPIRY"),
			Destination: &cfg.DownloadURLExpiresIn,
			Value:       cfg.DownloadURLExpiresIn,
			Usage:       "Lifetime of resolved media download URLs",
		},
		&cli.Int64Flag{
			Name:        "media-max-upload-size",
			Category:    "Media Storage:",
			Sources:     cli.EnvVars("CHAT_ENGINE_MEDIA_MAX_UPLOAD_SIZE"),
			Destination: &cfg.UploadMaxSize,
			Value:       cfg.UploadMaxSize,
			Usage:       "Maximum accepted media upload size in bytes",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     cli.EnvVars("CHAT_ENGINE_METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isUploadRequest(c.Request) {
			c.Next()
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		c.Next()
	}
}

func isUploadRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	if req.Method != http.MethodPost || req.URL.Path != "/v1/session/uploads" {
		return false
	}
	contentType := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Type")))
	return strings.HasPrefix(contentType, "multipart/form-data")
}
