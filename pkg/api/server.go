// Package api serves the HTTP surface: the authenticated WebSocket
// handshake, project snapshot and operation log reads, health and
// metrics.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/config"
	"github.com/storyloom/relay/pkg/database"
	"github.com/storyloom/relay/pkg/realtime"
	"github.com/storyloom/relay/pkg/store"
)

// Server is the HTTP server.
type Server struct {
	cfg    *config.Config
	db     *database.Client
	store  store.Store
	gate   *access.Gate
	hub    *realtime.Hub
	logger *slog.Logger

	engine  *gin.Engine
	httpSrv *http.Server

	// originPatterns is the socket origin allowlist derived from
	// frontend_origin. Empty means same-origin only.
	originPatterns []string
}

// NewServer wires the routes. db may be nil when the server runs on the
// in-memory store; the health endpoint then skips the database probe.
func NewServer(cfg *config.Config, db *database.Client, st store.Store, gate *access.Gate, hub *realtime.Hub, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:            cfg,
		db:             db,
		store:          st,
		gate:           gate,
		hub:            hub,
		logger:         slog.With("component", "api"),
		originPatterns: originPatterns(cfg.FrontendOrigin),
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger(), s.corsHeaders(), securityHeaders())

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	engine.GET("/ws", s.handleSocket)

	authed := engine.Group("/api", s.requireAuth())
	authed.GET("/projects/:id/snapshot", s.projectSnapshot)
	authed.GET("/projects/:id/operations", s.projectOperations)

	s.engine = engine
	return s
}

// Start listens on addr and blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// StartWithListener serves on an already bound listener. Tests use it
// to run on an ephemeral port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.Serve(ln)
}

// Shutdown stops accepting connections and drains in-flight requests.
// Hijacked WebSocket connections are closed by the hub, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// originPatterns converts the configured frontend origin into the host
// pattern the WebSocket accept check wants.
func originPatterns(origin string) []string {
	if origin == "" {
		return nil
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return []string{origin}
	}
	return []string{u.Host}
}
