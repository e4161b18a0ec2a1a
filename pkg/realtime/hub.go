// Package realtime owns the WebSocket side of the server. The Hub is
// pure transport: it tracks sockets and project rooms and fans
// envelopes out locally and across instances through the bus. The
// Router carries the protocol: joins, presence, awareness and the
// commit path.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/storyloom/relay/pkg/bus"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/metrics"
	"github.com/storyloom/relay/pkg/store"
)

// subscribeTimeout bounds how long a bus subscribe may block when the
// first socket enters a room. Without it a stalled LISTEN connection
// would block the joining socket's read loop indefinitely.
const subscribeTimeout = 10 * time.Second

// frame is the wire shape of every WebSocket message, both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinRequest struct {
	ProjectID string `json:"projectId"`
}

// Socket is one WebSocket client.
//
// projectID is accessed without a lock. This is safe because all reads
// and writes happen on the single goroutine that owns the connection
// (HandleConnection's read loop and its deferred cleanup). Other
// goroutines only ever call cancel, which is concurrency-safe.
type Socket struct {
	ID   string
	User store.User

	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	projectID string
}

// Hub tracks sockets and project rooms. Every room broadcast is also
// published on the bus; the receiving side drops envelopes stamped with
// its own instance id, so the local fan-out never doubles.
type Hub struct {
	instanceID   string
	coord        *bus.Coordinator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	writeTimeout time.Duration

	// The router is set after construction: it needs the hub for
	// replies, so the two cannot be built in one step.
	routerMu sync.RWMutex
	router   *Router

	mu      sync.RWMutex
	sockets map[string]*Socket

	roomMu  sync.RWMutex
	rooms   map[string]map[string]bool
	cancels map[string]func()
}

// NewHub creates a hub for the given instance.
func NewHub(instanceID string, coord *bus.Coordinator, m *metrics.Metrics, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		instanceID:   instanceID,
		coord:        coord,
		metrics:      m,
		logger:       slog.With("component", "hub"),
		writeTimeout: writeTimeout,
		sockets:      make(map[string]*Socket),
		rooms:        make(map[string]map[string]bool),
		cancels:      make(map[string]func()),
	}
}

// SetRouter wires the event router. Called once during startup.
func (h *Hub) SetRouter(r *Router) {
	h.routerMu.Lock()
	defer h.routerMu.Unlock()
	h.router = r
}

func (h *Hub) getRouter() *Router {
	h.routerMu.RLock()
	defer h.routerMu.RUnlock()
	return h.router
}

// HandleConnection runs the read loop for one authenticated socket and
// blocks until the connection closes. join_project and leave_project
// frames go straight to the router's join path; every other frame
// decodes an envelope and is dispatched by type.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn, user store.User) {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Socket{
		ID:     uuid.NewString(),
		User:   user,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	h.register(s)
	defer h.disconnect(s)

	log := h.logger.With("socket_id", s.ID, "user_id", user.ID)
	log.Debug("Socket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Debug("Socket read loop ended", "error", err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn("Dropping undecodable frame", "error", err)
			continue
		}

		r := h.getRouter()
		if r == nil {
			log.Warn("Dropping frame, no router wired", "event", f.Event)
			continue
		}

		switch f.Event {
		case events.FrameJoinProject:
			var req joinRequest
			if err := json.Unmarshal(f.Data, &req); err != nil || req.ProjectID == "" {
				h.EmitToSocket(s.ID, events.EventJoinProjectError, events.JoinProjectErrorPayload{
					Error:   events.CodeInvalidEvent,
					Message: "projectId is required",
				})
				continue
			}
			r.joinProject(ctx, s, req.ProjectID)
		case events.FrameLeaveProject:
			r.leaveProject(ctx, s)
		default:
			var env events.Envelope
			if err := json.Unmarshal(f.Data, &env); err != nil {
				h.EmitToSocket(s.ID, events.EventError, events.ErrorPayload{
					Error:     events.CodeInvalidEvent,
					Message:   "event data is not an envelope",
					EventType: f.Event,
				})
				continue
			}
			r.Route(ctx, s, env)
		}
	}
}

// enterRoom adds the socket to the room, establishing the bus
// subscription before the room exists so a room is never reachable
// without a live subscription.
func (h *Hub) enterRoom(projectID, socketID string) error {
	h.roomMu.Lock()
	if room, ok := h.rooms[projectID]; ok {
		room[socketID] = true
		h.roomMu.Unlock()
		return nil
	}
	h.roomMu.Unlock()

	subCtx, cancelSub := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancelSub()
	cancel, err := h.coord.PubSub.Subscribe(subCtx, projectID, h.busHandler(projectID))
	if err != nil {
		return err
	}

	h.roomMu.Lock()
	if room, ok := h.rooms[projectID]; ok {
		// Lost the race to another first member; its subscription stands.
		room[socketID] = true
		h.roomMu.Unlock()
		cancel()
		return nil
	}
	h.rooms[projectID] = map[string]bool{socketID: true}
	h.cancels[projectID] = cancel
	h.roomMu.Unlock()
	return nil
}

// exitRoom removes the socket; the last one out drops the room and its
// bus subscription.
func (h *Hub) exitRoom(projectID, socketID string) {
	h.roomMu.Lock()
	var cancel func()
	if room, ok := h.rooms[projectID]; ok {
		delete(room, socketID)
		if len(room) == 0 {
			delete(h.rooms, projectID)
			cancel = h.cancels[projectID]
			delete(h.cancels, projectID)
		}
	}
	h.roomMu.Unlock()

	if cancel != nil {
		// UNLISTEN can block on a stalled connection; never on the read
		// loop's time.
		go cancel()
	}
}

// busHandler returns the delivery callback for one project channel.
// Envelopes stamped with this hub's own instance id were already fanned
// out locally by EmitToProject and are dropped here.
func (h *Hub) busHandler(projectID string) bus.Handler {
	return func(env events.Envelope) {
		if env.SourceInstanceID == h.instanceID {
			return
		}
		h.fanOut(projectID, env, "", "remote")
	}
}

// EmitToProject stamps the envelope with this instance's id, publishes
// it on the bus and fans it out to local room members except the
// excluded socket.
func (h *Hub) EmitToProject(projectID string, env events.Envelope, excludeSocketID string) {
	env.SourceInstanceID = h.instanceID

	pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.coord.PubSub.Publish(pubCtx, projectID, env); err != nil {
		h.logger.Warn("Failed to publish envelope on bus",
			"project_id", projectID,
			"type", env.Type,
			"error", err)
	}

	h.fanOut(projectID, env, excludeSocketID, "local")
}

// fanOut writes the envelope to every room member except the excluded
// socket. The frame is marshalled once; writes run under the write
// timeout and a failed write drops the socket rather than blocking the
// caller.
func (h *Hub) fanOut(projectID string, env events.Envelope, excludeSocketID, origin string) {
	h.roomMu.RLock()
	room := h.rooms[projectID]
	ids := make([]string, 0, len(room))
	for id := range room {
		if id != excludeSocketID {
			ids = append(ids, id)
		}
	}
	h.roomMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	data, err := json.Marshal(outFrame{Event: env.Type, Data: env})
	if err != nil {
		h.logger.Warn("Failed to marshal envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	socks := make([]*Socket, 0, len(ids))
	for _, id := range ids {
		if s, ok := h.sockets[id]; ok {
			socks = append(socks, s)
		}
	}
	h.mu.RUnlock()

	h.metrics.BroadcastEvents.WithLabelValues(origin).Inc()
	for _, s := range socks {
		h.write(s, data)
	}
}

// EmitToSocket sends a single frame to one socket.
func (h *Hub) EmitToSocket(socketID, event string, data any) {
	h.mu.RLock()
	s, ok := h.sockets[socketID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	raw, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		h.logger.Warn("Failed to marshal frame", "event", event, "error", err)
		return
	}
	h.write(s, raw)
}

// write sends raw bytes under the write timeout. A failed or timed-out
// write cancels the socket, which ends its read loop and triggers the
// full disconnect cleanup.
func (h *Hub) write(s *Socket, data []byte) {
	ctx, cancel := context.WithTimeout(s.ctx, h.writeTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Warn("Dropping unresponsive socket",
			"socket_id", s.ID,
			"error", err)
		s.cancel()
	}
}

// ConnectedSockets returns the number of open sockets.
func (h *Hub) ConnectedSockets() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// CloseAll cancels every connected socket. Each read loop then ends and
// runs its normal disconnect cleanup. Called at shutdown; hijacked
// connections are invisible to http.Server.Shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	socks := make([]*Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		socks = append(socks, s)
	}
	h.mu.RUnlock()

	for _, s := range socks {
		s.cancel()
	}
}

// roomSize returns the local member count of a room.
func (h *Hub) roomSize(projectID string) int {
	h.roomMu.RLock()
	defer h.roomMu.RUnlock()
	return len(h.rooms[projectID])
}

func (h *Hub) register(s *Socket) {
	h.mu.Lock()
	h.sockets[s.ID] = s
	h.mu.Unlock()
	h.metrics.ConnectedSockets.Inc()
}

// disconnect runs the full cleanup for a closed socket: session end
// (USER_LEAVE), room exit, deregistration. Presence entries lapse by
// TTL. Cleanup gets its own context; the read context is already gone.
func (h *Hub) disconnect(s *Socket) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if r := h.getRouter(); r != nil {
		r.leaveProject(ctx, s)
	}

	h.mu.Lock()
	delete(h.sockets, s.ID)
	h.mu.Unlock()
	h.metrics.ConnectedSockets.Dec()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Debug("Socket disconnected", "socket_id", s.ID)
}
