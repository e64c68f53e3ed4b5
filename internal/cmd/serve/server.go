package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/voxchat/chat-engine/internal/config"
	"github.com/voxchat/chat-engine/internal/plugin/route/sessions"
	routesystem "github.com/voxchat/chat-engine/internal/plugin/route/system"
	transportmetrics "github.com/voxchat/chat-engine/internal/plugin/transport/metrics"
	registryobjstore "github.com/voxchat/chat-engine/internal/registry/objstore"
	registryroute "github.com/voxchat/chat-engine/internal/registry/route"
	registrytransport "github.com/voxchat/chat-engine/internal/registry/transport"
	"github.com/voxchat/chat-engine/internal/security"
	"github.com/voxchat/chat-engine/internal/session"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config    *config.Config
	Transport registrytransport.Transport
	Sessions  *session.Manager
	Router    *gin.Engine
	Port      int

	httpServer *http.Server
}

// Shutdown drains in-flight requests, tears down every open session and
// closes the transport.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.Sessions.CloseAll()
	if cerr := s.Transport.Close(); err == nil {
		err = cerr
	}
	return err
}

// StartServer initializes all subsystems and starts the HTTP listener.
// Use cfg.Listener.Port=0 for a random port; the actual port is in
// Server.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting chat engine",
		"httpPort", cfg.Listener.Port,
		"transport", cfg.TransportType,
		"media", cfg.ObjstoreType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Initialize the realtime transport.
	transportLoader, err := registrytransport.Select(cfg.TransportType)
	if err != nil {
		return nil, err
	}
	tr, err := transportLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transport: %w", err)
	}
	tr = transportmetrics.Wrap(tr)

	// Initialize the object store for media uploads.
	objstoreLoader, err := registryobjstore.Select(cfg.ObjstoreType)
	if err != nil {
		return nil, err
	}
	store, err := objstoreLoader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	sessionManager := session.NewManager(tr, store)

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.ManagementAccessLog {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))
	if cfg.CORSEnabled {
		router.Use(corsMiddleware(cfg.CORSOrigins))
	}

	// Mount main route plugins on the main router.
	for _, loader := range registryroute.Loaders(registryroute.RouteTypeMain) {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load routes: %w", err)
		}
	}

	// Mount the session API.
	auth := security.IdentityMiddleware()
	sessions.MountRoutes(router, sessionManager, cfg, auth)

	// Mount management route plugins (health, readiness, metrics).
	for _, loader := range registryroute.Loaders(registryroute.RouteTypeManagement) {
		if err := loader(router); err != nil {
			return nil, fmt.Errorf("failed to load management routes: %w", err)
		}
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Listener.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.Listener.ReadHeaderTimeout,
	}
	go func() {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", "err", err)
		}
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	log.Info("Server listening", "port", port)

	routesystem.MarkReady()
	return &Server{
		Config:     cfg,
		Transport:  tr,
		Sessions:   sessionManager,
		Router:     router,
		Port:       port,
		httpServer: httpServer,
	}, nil
}
