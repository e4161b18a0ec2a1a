// Relay collaboration server: the WebSocket hub, the project snapshot
// and operation log API, and the commit pipeline behind them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/api"
	"github.com/storyloom/relay/pkg/bus"
	"github.com/storyloom/relay/pkg/commit"
	"github.com/storyloom/relay/pkg/config"
	"github.com/storyloom/relay/pkg/database"
	"github.com/storyloom/relay/pkg/metrics"
	"github.com/storyloom/relay/pkg/realtime"
	"github.com/storyloom/relay/pkg/session"
	"github.com/storyloom/relay/pkg/store"
	"github.com/storyloom/relay/pkg/version"
)

const (
	socketWriteTimeout = 5 * time.Second
	janitorInterval    = 10 * time.Second
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(*configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting relay",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"instance_id", cfg.InstanceID,
		"config_dir", *configDir)

	// 2. Metrics registry
	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	// 3. Storage: Postgres when configured, in-memory otherwise
	var (
		st       store.Store
		dbClient *database.Client
	)
	if cfg.DatabaseURL != "" {
		dbClient, err = database.NewClient(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbClient.Close()
		st = store.NewPostgres(dbClient.Pool())
		slog.Info("Connected to PostgreSQL database")
	} else {
		st = store.NewMemory()
		slog.Warn("No database_url configured, using in-memory store; documents vanish on restart")
	}

	// 4. Coordination facades, shared or local per flag. Each shared
	// facade needs the database.
	var (
		pubsub   bus.PubSub
		pgPubSub *bus.PostgresPubSub
	)
	if cfg.UseSharedSockets {
		if dbClient == nil {
			slog.Error("use_shared_sockets requires database_url")
			os.Exit(1)
		}
		pgPubSub = bus.NewPostgresPubSub(dbClient.Pool(), cfg.DatabaseURL)
		if err := pgPubSub.Start(ctx); err != nil {
			slog.Error("Failed to start pub/sub listener", "error", err)
			os.Exit(1)
		}
		pubsub = pgPubSub
	} else {
		pubsub = bus.NewLocalPubSub()
	}

	var directory bus.SessionDirectory
	if cfg.UseSharedSessions {
		if dbClient == nil {
			slog.Error("use_shared_sessions requires database_url")
			os.Exit(1)
		}
		directory = bus.NewPostgresDirectory(dbClient.Pool(), cfg.SessionExpiry())
	} else {
		directory = bus.NewLocalDirectory(cfg.SessionExpiry())
	}

	var stream bus.OperationStream
	if cfg.UseSharedOrdering {
		if dbClient == nil {
			slog.Error("use_shared_ordering requires database_url")
			os.Exit(1)
		}
		stream = bus.NewPostgresStream(dbClient.Pool())
	} else {
		stream = bus.NewLocalStream()
	}

	coord := bus.NewCoordinator(cfg.InstanceID, pubsub, directory, stream)
	slog.Info("Coordination facades initialized",
		"shared_sockets", cfg.UseSharedSockets,
		"shared_sessions", cfg.UseSharedSessions,
		"shared_ordering", cfg.UseSharedOrdering)

	// 5. Access gate and realtime stack
	gate := access.NewGate(st)
	hub := realtime.NewHub(cfg.InstanceID, coord, m, socketWriteTimeout)
	sessions := session.NewRegistry(cfg.InstanceID, cfg.SessionIdleTimeout(), coord.Sessions, hub, m)
	tracker := session.NewTracker(cfg.PresenceTimeout(), hub, m)

	// 6. Commit pipeline and router
	pipeline := commit.NewPipeline(commit.Options{
		Store:          st,
		Gate:           gate,
		Broadcaster:    hub,
		Stream:         coord.Stream,
		Metrics:        m,
		MaxRetries:     cfg.SerializerMaxRetries,
		InitialBackoff: cfg.InitialBackoff(),
		MaxQueueDepth:  cfg.SerializerMaxQueueDepth,
	})
	hub.SetRouter(realtime.NewRouter(hub, gate, sessions, tracker, pipeline))
	slog.Info("Realtime stack initialized")

	// 7. Janitors: idle sessions, stale layer presence, expired
	// directory rows
	janitorCtx, janitorCancel := context.WithCancel(ctx)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		ticker := time.NewTicker(janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sessions.CleanupIdle(janitorCtx)
				tracker.EvictStale()
				if _, err := coord.Sessions.Sweep(janitorCtx); err != nil {
					slog.Warn("Session directory sweep failed", "error", err)
				}
			case <-janitorCtx.Done():
				return
			}
		}
	}()

	// 8. Operation stream retention sweep
	var retentionDone chan struct{}
	if cfg.OperationRetentionDays > 0 {
		retentionDone = make(chan struct{})
		go func() {
			defer close(retentionDone)
			ticker := time.NewTicker(cfg.CleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					cutoff := time.Now().AddDate(0, 0, -cfg.OperationRetentionDays)
					removed, err := coord.Stream.Prune(janitorCtx, cutoff)
					if err != nil {
						slog.Warn("Operation stream prune failed", "error", err)
					} else if removed > 0 {
						slog.Info("Pruned operation stream", "removed", removed)
					}
				case <-janitorCtx.Done():
					return
				}
			}
		}()
	}

	// 9. Start HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, dbClient, st, gate, hub, promRegistry)

	errCh := make(chan error, 1)
	go func() {
		addr := cfg.Addr()
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Relay started successfully", "instance_id", cfg.InstanceID)

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown
	janitorCancel()
	<-janitorDone
	if retentionDone != nil {
		<-retentionDone
	}

	// Close sockets first so their USER_LEAVE broadcasts still reach the
	// bus, then the HTTP server, then the listener the broadcasts rode on.
	hub.CloseAll()

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if pgPubSub != nil {
		stopCtx, stopCancel := context.WithTimeout(ctx, 5*time.Second)
		pgPubSub.Stop(stopCtx)
		stopCancel()
	}

	slog.Info("Shutdown complete")
}
