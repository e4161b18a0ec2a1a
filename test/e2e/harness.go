// Package e2e boots complete relay instances and drives them over the
// public HTTP and WebSocket surface, the way a browser client would.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

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
)

const testJWTSecret = "e2e-test-secret"

// TestApp is one running relay instance. The default app runs on the
// in-memory store with process-local coordination; WithDatabase switches
// storage and coordination to PostgreSQL.
type TestApp struct {
	Config      *config.Config
	Store       store.Store
	Memory      *store.Memory    // nil in database mode
	DBClient    *database.Client // nil in memory mode
	Coordinator *bus.Coordinator
	Hub         *realtime.Hub
	Sessions    *session.Registry
	Tracker     *session.Tracker
	Pipeline    *commit.Pipeline
	Server      *api.Server

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/ws"

	t *testing.T
}

type testAppConfig struct {
	cfg        *config.Config
	instanceID string
	dbClient   *database.Client
	connString string
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom config.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithInstanceID overrides the auto-generated instance id. Multi-replica
// tests need distinct identities so replicas drop their own bus echoes.
func WithInstanceID(id string) TestAppOption {
	return func(c *testAppConfig) { c.instanceID = id }
}

// WithDatabase runs the app on PostgreSQL: the Postgres store plus the
// shared pub/sub, directory and stream facades. connString feeds the
// LISTEN side its dedicated connection; replicas sharing one schema
// pass clients from the same SharedTestDB.
func WithDatabase(client *database.Client, connString string) TestAppOption {
	return func(c *testAppConfig) {
		c.dbClient = client
		c.connString = connString
	}
}

// NewTestApp creates and starts a full relay instance on an ephemeral
// port. Shutdown is registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.instanceID == "" {
		tc.instanceID = "e2e-" + t.Name()
	}
	tc.cfg.InstanceID = tc.instanceID

	// 1. Storage and coordination, local or shared.
	var (
		st     store.Store
		mem    *store.Memory
		ps     bus.PubSub
		dir    bus.SessionDirectory
		stream bus.OperationStream
		pgPS   *bus.PostgresPubSub
	)
	if tc.dbClient != nil {
		st = store.NewPostgres(tc.dbClient.Pool())
		pgPS = bus.NewPostgresPubSub(tc.dbClient.Pool(), tc.connString)
		require.NoError(t, pgPS.Start(context.Background()))
		ps = pgPS
		dir = bus.NewPostgresDirectory(tc.dbClient.Pool(), tc.cfg.SessionExpiry())
		stream = bus.NewPostgresStream(tc.dbClient.Pool())
	} else {
		mem = store.NewMemory()
		st = mem
		ps = bus.NewLocalPubSub()
		dir = bus.NewLocalDirectory(tc.cfg.SessionExpiry())
		stream = bus.NewLocalStream()
	}
	coord := bus.NewCoordinator(tc.instanceID, ps, dir, stream)

	// 2. Realtime stack, wired the way the server binary wires it.
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	gate := access.NewGate(st)
	hub := realtime.NewHub(tc.instanceID, coord, m, 5*time.Second)
	sessions := session.NewRegistry(tc.instanceID, tc.cfg.SessionIdleTimeout(), coord.Sessions, hub, m)
	tracker := session.NewTracker(tc.cfg.PresenceTimeout(), hub, m)
	pipeline := commit.NewPipeline(commit.Options{
		Store:          st,
		Gate:           gate,
		Broadcaster:    hub,
		Stream:         coord.Stream,
		Metrics:        m,
		MaxRetries:     tc.cfg.SerializerMaxRetries,
		InitialBackoff: tc.cfg.InitialBackoff(),
		MaxQueueDepth:  tc.cfg.SerializerMaxQueueDepth,
	})
	hub.SetRouter(realtime.NewRouter(hub, gate, sessions, tracker, pipeline))

	// 3. HTTP server on an ephemeral port.
	server := api.NewServer(tc.cfg, tc.dbClient, st, gate, hub, reg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	addr := ln.Addr().String()
	app := &TestApp{
		Config:      tc.cfg,
		Store:       st,
		Memory:      mem,
		DBClient:    tc.dbClient,
		Coordinator: coord,
		Hub:         hub,
		Sessions:    sessions,
		Tracker:     tracker,
		Pipeline:    pipeline,
		Server:      server,
		BaseURL:     fmt.Sprintf("http://%s", addr),
		WSURL:       fmt.Sprintf("ws://%s/ws", addr),
		t:           t,
	}

	t.Cleanup(func() {
		app.Hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		if pgPS != nil {
			pgPS.Stop(context.Background())
		}
	})

	return app
}

// defaultTestConfig is the stock config with a known signing secret.
func defaultTestConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.JWTSecret = testJWTSecret
	return cfg
}

// Token mints a signed token for userID, carrying name so identity
// resolves even for users the store has never seen.
func (app *TestApp) Token(userID, name string) string {
	app.t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  userID,
		"name": name,
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte(app.Config.JWTSecret))
	require.NoError(app.t, err)
	return signed
}

// Connect opens a socket authenticated as userID.
func (app *TestApp) Connect(userID, name string) *SocketClient {
	app.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := SocketConnect(ctx, app.WSURL, app.Token(userID, name))
	require.NoError(app.t, err)
	app.t.Cleanup(func() { _ = client.Close() })
	return client
}

// GetJSON performs an authenticated GET and decodes the JSON reply.
func (app *TestApp) GetJSON(path, token string) (int, map[string]any) {
	app.t.Helper()
	req, err := http.NewRequest(http.MethodGet, app.BaseURL+path, nil)
	require.NoError(app.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(app.t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(app.t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}
