package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/storyloom/relay/pkg/events"
)

// SocketFrame is one received server frame.
type SocketFrame struct {
	Event    string
	Raw      json.RawMessage // the frame's data field, untouched
	Parsed   map[string]any  // data decoded for assertions
	Received time.Time
}

// Envelope decodes the frame's data as a collaboration envelope. Room
// broadcasts carry envelopes; direct replies carry bare payloads.
func (f SocketFrame) Envelope() (events.Envelope, error) {
	var env events.Envelope
	err := json.Unmarshal(f.Raw, &env)
	return env, err
}

// SocketClient connects to the relay WebSocket endpoint and collects
// every frame the server sends in a background goroutine.
type SocketClient struct {
	conn   *websocket.Conn
	frames []SocketFrame
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// SocketConnect dials wsURL with the token in the query string, the
// only place a browser WebSocket client can put one.
func SocketConnect(ctx context.Context, wsURL, token string) (*SocketClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL+"?token="+token, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &SocketClient{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Send writes one {event, data} frame.
func (c *SocketClient) Send(event string, data any) error {
	frame := map[string]any{"event": event, "data": data}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, raw)
}

// Join sends a join_project frame.
func (c *SocketClient) Join(projectID string) error {
	return c.Send(events.FrameJoinProject, map[string]any{"projectId": projectID})
}

// Leave sends a leave_project frame.
func (c *SocketClient) Leave() error {
	return c.Send(events.FrameLeaveProject, map[string]any{})
}

// SendEnvelope wraps a payload in a collaboration envelope and sends
// it. The server trusts neither userId nor projectId from here; both
// are overwritten from the authenticated session.
func (c *SocketClient) SendEnvelope(eventType, projectID string, payload map[string]any) error {
	return c.Send(events.FrameCollaborationEvent, map[string]any{
		"type":      eventType,
		"payload":   payload,
		"userId":    "client",
		"projectId": projectID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// WaitForFrame waits until a frame matching the predicate arrives, or
// fails after timeout.
func (c *SocketClient) WaitForFrame(predicate func(SocketFrame) bool, timeout time.Duration) (*SocketFrame, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for frame (collected %d)", len(c.Frames()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.frames {
				if predicate(c.frames[i]) {
					f := c.frames[i]
					c.mu.Unlock()
					return &f, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEvent waits for the first frame with the given event name.
func (c *SocketClient) WaitForEvent(event string, timeout time.Duration) (*SocketFrame, error) {
	return c.WaitForFrame(func(f SocketFrame) bool {
		return f.Event == event
	}, timeout)
}

// Frames returns a snapshot of every collected frame.
func (c *SocketClient) Frames() []SocketFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SocketFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

// FramesByEvent returns the collected frames with the given event name.
func (c *SocketClient) FramesByEvent(event string) []SocketFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []SocketFrame
	for _, f := range c.frames {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Close tears the connection down and waits for the read loop to exit.
// Safe to call more than once.
func (c *SocketClient) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *SocketClient) readLoop() {
	defer close(c.doneCh)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var f struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		var parsed map[string]any
		_ = json.Unmarshal(f.Data, &parsed)

		c.mu.Lock()
		c.frames = append(c.frames, SocketFrame{
			Event:    f.Event,
			Raw:      f.Data,
			Parsed:   parsed,
			Received: time.Now(),
		})
		c.mu.Unlock()
	}
}
