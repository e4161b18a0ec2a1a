package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storyloom/relay/pkg/events"
)

// maxNotifyPayload is the wire-safe bound for a NOTIFY payload. PostgreSQL
// rejects payloads at 8000 bytes; staying under leaves headroom for the
// channel name.
const maxNotifyPayload = 7900

// listenCmd represents a LISTEN/UNLISTEN command to be executed by the
// receive loop, which is the sole goroutine that touches the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

type subscription struct {
	id      int
	handler Handler
}

// PostgresPubSub fans envelopes across instances over LISTEN/NOTIFY.
// Publishes go through the shared pool; notifications arrive on a
// dedicated connection owned by a single receive loop.
type PostgresPubSub struct {
	pool       *pgxpool.Pool
	connString string
	logger     *slog.Logger

	conn   *pgx.Conn // Dedicated connection for LISTEN
	connMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[string][]subscription // channel → handlers
	nextID int

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop, which is the
	// sole user of the pgx connection. This avoids the "conn busy" race between
	// WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	// cancelLoop and loopDone coordinate graceful shutdown of the receive loop.
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewPostgresPubSub creates a Postgres-backed pub/sub. The pool carries
// publishes; connString opens the dedicated LISTEN connection in Start.
func NewPostgresPubSub(pool *pgxpool.Pool, connString string) *PostgresPubSub {
	return &PostgresPubSub{
		pool:       pool,
		connString: connString,
		logger:     slog.With("component", "bus"),
		subs:       make(map[string][]subscription),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving
// notifications.
func (p *PostgresPubSub) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, p.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	p.connMu.Lock()
	p.conn = conn
	p.connMu.Unlock()

	p.running.Store(true)

	// Run the receive loop under a cancellable context so Stop() can
	// signal it to exit before closing the connection.
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancelLoop = cancel
	p.loopDone = make(chan struct{})
	go func() {
		defer close(p.loopDone)
		p.receiveLoop(loopCtx)
	}()

	p.logger.Info("Postgres pub/sub started")
	return nil
}

// Publish sends the envelope over pg_notify on the project's channel.
// Oversized envelopes are replaced by a truncation envelope that keeps
// the routing fields and sync version so receivers can tell clients to
// catch up over REST.
func (p *PostgresPubSub) Publish(ctx context.Context, projectID string, env events.Envelope) error {
	payload, err := notifyPayload(env)
	if err != nil {
		return err
	}
	channel := events.ProjectChannel(projectID)
	if _, err := p.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// Subscribe registers the handler and sends LISTEN for the project's
// channel when it is the first subscriber. The command is executed by the
// receive loop to avoid concurrent pgx access.
func (p *PostgresPubSub) Subscribe(ctx context.Context, projectID string, handler Handler) (func(), error) {
	if !p.running.Load() {
		return nil, fmt.Errorf("LISTEN connection not established")
	}

	channel := events.ProjectChannel(projectID)

	p.subsMu.Lock()
	id := p.nextID
	p.nextID++
	first := len(p.subs[channel]) == 0
	p.subs[channel] = append(p.subs[channel], subscription{id: id, handler: handler})
	p.subsMu.Unlock()

	if first {
		if err := p.execListen(ctx, "LISTEN", channel); err != nil {
			p.removeSubscription(channel, id)
			return nil, err
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if p.removeSubscription(channel, id) && p.running.Load() {
				unlistenCtx, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelTimeout()
				if err := p.execListen(unlistenCtx, "UNLISTEN", channel); err != nil {
					p.logger.Warn("UNLISTEN failed", "channel", channel, "error", err)
				}
			}
		})
	}
	return cancel, nil
}

// removeSubscription drops one handler and reports whether the channel is
// now empty.
func (p *PostgresPubSub) removeSubscription(channel string, id int) bool {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	subs := p.subs[channel]
	for i, sub := range subs {
		if sub.id == id {
			p.subs[channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(p.subs[channel]) == 0 {
		delete(p.subs, channel)
		return true
	}
	return false
}

// execListen runs LISTEN or UNLISTEN for a channel on the dedicated
// connection via the receive loop.
func (p *PostgresPubSub) execListen(ctx context.Context, verb, channel string) error {
	sanitized := pgx.Identifier{channel}.Sanitize()
	cmd := listenCmd{
		sql:    verb + " " + sanitized,
		result: make(chan error, 1),
	}

	select {
	case p.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-cmd.result:
		if err != nil {
			return fmt.Errorf("%s %s failed: %w", verb, sanitized, err)
		}
		p.logger.Debug("Executed listen command", "verb", verb, "channel", channel)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop continuously receives notifications and dispatches them to
// the channel's subscribers. It is the sole goroutine that touches the
// pgx connection, avoiding concurrent access races between
// WaitForNotification and Exec.
func (p *PostgresPubSub) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// Process any pending LISTEN/UNLISTEN commands first
		p.processPendingCmds(ctx)

		p.connMu.Lock()
		conn := p.conn
		p.connMu.Unlock()

		if conn == nil {
			// Connection lost, try to reconnect
			p.reconnect(ctx)
			continue
		}

		// Use a short timeout so we periodically return to process
		// pending LISTEN/UNLISTEN commands from the cmdCh.
		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return // Context cancelled, shutting down
			}
			if waitCtx.Err() != nil {
				continue // Timeout, loop back to check commands
			}
			p.logger.Error("NOTIFY receive error", "error", err)
			p.reconnect(ctx)
			continue
		}

		p.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// dispatch decodes the notification payload and delivers it to every
// subscriber of the channel. Undecodable payloads are dropped.
func (p *PostgresPubSub) dispatch(channel string, payload []byte) {
	var env events.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.logger.Warn("Dropping undecodable bus payload", "channel", channel, "error", err)
		return
	}

	p.subsMu.RLock()
	handlers := make([]Handler, len(p.subs[channel]))
	for i, sub := range p.subs[channel] {
		handlers[i] = sub.handler
	}
	p.subsMu.RUnlock()

	for _, h := range handlers {
		h(env)
	}
}

// processPendingCmds drains the command channel and executes each
// LISTEN/UNLISTEN SQL command on the pgx connection.
func (p *PostgresPubSub) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-p.cmdCh:
			p.connMu.Lock()
			conn := p.conn
			p.connMu.Unlock()

			if conn == nil {
				cmd.result <- fmt.Errorf("LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			cmd.result <- err
		default:
			return
		}
	}
}

// reconnect attempts to re-establish the LISTEN connection and re-LISTEN
// every channel that still has subscribers, so rooms recover without
// re-subscribing.
func (p *PostgresPubSub) reconnect(ctx context.Context) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.conn != nil {
		_ = p.conn.Close(ctx)
		p.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, p.connString)
		if err != nil {
			p.logger.Error("LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		p.conn = conn

		p.subsMu.RLock()
		for ch := range p.subs {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				p.logger.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		p.subsMu.RUnlock()

		p.logger.Info("Postgres pub/sub reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it to finish,
// then closes the LISTEN connection.
func (p *PostgresPubSub) Stop(ctx context.Context) {
	p.running.Store(false)

	// Wait for the loop before closing the connection. This prevents a
	// race between WaitForNotification and conn.Close().
	if p.cancelLoop != nil {
		p.cancelLoop()
	}
	if p.loopDone != nil {
		<-p.loopDone
	}

	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.conn != nil {
		_ = p.conn.Close(ctx)
		p.conn = nil
	}
}

// notifyPayload marshals the envelope, swapping in a truncation envelope
// when the wire form exceeds the NOTIFY bound.
func notifyPayload(env events.Envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(raw) <= maxNotifyPayload {
		return string(raw), nil
	}

	truncated, err := json.Marshal(truncateEnvelope(env))
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncation envelope: %w", err)
	}
	return string(truncated), nil
}

// truncateEnvelope strips an oversized envelope down to its routing
// fields plus the sync version, enough for receivers to trigger client
// catch-up over REST.
func truncateEnvelope(env events.Envelope) events.Envelope {
	payload := map[string]any{"truncated": true}
	if v, ok := payloadVersion(env.Payload); ok {
		payload["version"] = v
	}
	return events.Envelope{
		Type:             env.Type,
		Payload:          payload,
		UserID:           env.UserID,
		ProjectID:        env.ProjectID,
		Timestamp:        env.Timestamp,
		SourceInstanceID: env.SourceInstanceID,
	}
}

// payloadVersion probes the payload keys that carry a sync version.
func payloadVersion(payload map[string]any) (any, bool) {
	for _, key := range []string{"syncVersion", "version"} {
		switch v := payload[key].(type) {
		case int64, int, float64, json.Number:
			return v, true
		}
	}
	return nil, false
}
