package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/commit"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
	"github.com/storyloom/relay/pkg/session"
)

// Router carries the protocol over the hub's transport: the join and
// leave flows and per-type dispatch of collaboration envelopes. The
// authenticated identity always overwrites the envelope's userId, and
// the socket's active session supplies the project, so neither can be
// spoofed by the client.
type Router struct {
	hub      *Hub
	gate     *access.Gate
	registry *session.Registry
	tracker  *session.Tracker
	pipeline *commit.Pipeline
	logger   *slog.Logger

	handlers map[string]func(ctx context.Context, s *Socket, sess *session.Session, env events.Envelope)
}

// NewRouter builds the dispatch table.
func NewRouter(hub *Hub, gate *access.Gate, registry *session.Registry, tracker *session.Tracker, pipeline *commit.Pipeline) *Router {
	r := &Router{
		hub:      hub,
		gate:     gate,
		registry: registry,
		tracker:  tracker,
		pipeline: pipeline,
		logger:   slog.With("component", "router"),
	}
	r.handlers = map[string]func(ctx context.Context, s *Socket, sess *session.Session, env events.Envelope){
		events.EventLayerCursorUpdate:       r.handleLayerCursor,
		events.EventLayerCursorLeave:        r.handleLayerCursorLeave,
		events.EventSelectionChange:         r.handleSelectionChange,
		events.EventCursorMove:              r.handleCursorMove,
		events.EventNodeDragPreview:         r.handleNodeDragPreview,
		events.EventOperationBroadcast:      r.handleOperations,
		events.EventAIPipelineStarted:       r.relay,
		events.EventAIPipelineProgress:      r.relay,
		events.EventAIPipelineStepCompleted: r.relay,
		events.EventAIPipelineCompleted:     r.relay,
		events.EventAIPipelineError:         r.relay,
	}
	return r
}

// joinProject runs the join flow: access check, room entry (the first
// member's entry subscribes the project's bus channel), session
// creation, then the roster and the confirmation reply to the joining
// socket. The session broadcasts USER_JOIN to everyone else itself.
func (r *Router) joinProject(ctx context.Context, s *Socket, projectID string) {
	if !r.gate.CanJoin(ctx, s.User.ID, projectID) {
		r.hub.EmitToSocket(s.ID, events.EventJoinProjectError, events.JoinProjectErrorPayload{
			ProjectID: projectID,
			Error:     events.CodeAccessDenied,
			Message:   "you do not have access to this project",
		})
		return
	}

	// Joining a project while in another one leaves the old one first,
	// so the old session never lingers unreachable behind the socket.
	if s.projectID != "" && s.projectID != projectID {
		r.leaveProject(ctx, s)
	}

	if err := r.hub.enterRoom(projectID, s.ID); err != nil {
		r.logger.Error("Failed to subscribe project room",
			"project_id", projectID,
			"socket_id", s.ID,
			"error", err)
		r.hub.EmitToSocket(s.ID, events.EventJoinProjectError, events.JoinProjectErrorPayload{
			ProjectID: projectID,
			Error:     events.CodeInternalError,
			Message:   "could not subscribe to project events",
		})
		return
	}

	sess, err := r.registry.Create(ctx, projectID, s.ID, s.User)
	if err != nil {
		r.hub.exitRoom(projectID, s.ID)
		r.hub.EmitToSocket(s.ID, events.EventJoinProjectError, events.JoinProjectErrorPayload{
			ProjectID: projectID,
			Error:     events.CodeInternalError,
			Message:   "could not create session",
		})
		return
	}
	s.projectID = projectID

	r.hub.EmitToSocket(s.ID, events.EventProjectUsers, events.ProjectUsersPayload{
		ProjectID: projectID,
		Users:     r.registry.Roster(ctx, projectID),
	})
	r.hub.EmitToSocket(s.ID, events.EventJoinProjectSuccess, events.JoinProjectSuccessPayload{
		ProjectID:   projectID,
		UserID:      s.User.ID,
		Timestamp:   time.Now().UnixMilli(),
		Success:     true,
		Message:     "joined project",
		RoomClients: r.hub.roomSize(projectID),
	})
	r.logger.Info("Socket joined project",
		"socket_id", s.ID,
		"session_id", sess.ID,
		"project_id", projectID,
		"user_id", s.User.ID)
}

// leaveProject ends the socket's session (broadcasting USER_LEAVE) and
// removes it from the room. Safe to call for sockets in no project.
func (r *Router) leaveProject(ctx context.Context, s *Socket) {
	if s.projectID == "" {
		return
	}
	projectID := s.projectID
	s.projectID = ""

	r.registry.EndBySocket(ctx, s.ID)
	r.hub.exitRoom(projectID, s.ID)
	r.logger.Debug("Socket left project",
		"socket_id", s.ID,
		"project_id", projectID)
}

// Route validates the envelope and dispatches it. Unknown well-formed
// types are logged and dropped; malformed ones are answered with an
// error frame.
func (r *Router) Route(ctx context.Context, s *Socket, env events.Envelope) {
	env.UserID = s.User.ID

	if err := env.Validate(); err != nil {
		r.hub.EmitToSocket(s.ID, events.EventError, events.ErrorPayload{
			Error:     events.CodeInvalidEvent,
			Message:   err.Error(),
			EventType: env.Type,
		})
		return
	}

	handler, ok := r.handlers[env.Type]
	if !ok {
		r.logger.Debug("Dropping unhandled event type",
			"type", env.Type,
			"socket_id", s.ID)
		return
	}

	sess := r.registry.BySocket(s.ID)
	if sess == nil {
		r.hub.EmitToSocket(s.ID, events.EventError, events.ErrorPayload{
			Error:     events.CodeAccessDenied,
			Message:   "join a project before sending events",
			EventType: env.Type,
		})
		return
	}
	env.ProjectID = sess.ProjectID

	handler(ctx, s, sess, env)
}

func (r *Router) handleLayerCursor(ctx context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	timelineID := stringField(env.Payload, "timelineId")
	layerID := stringField(env.Payload, "layerId")
	cursorMap, _ := env.Payload["cursor"].(map[string]any)
	x, okX := numField(cursorMap, "x")
	y, okY := numField(cursorMap, "y")
	if timelineID == "" || layerID == "" || !okX || !okY {
		r.invalid(s, env.Type, "timelineId, layerId and cursor{x,y} are required")
		return
	}

	ts := env.Timestamp
	if t, ok := numField(cursorMap, "timestamp"); ok {
		ts = int64(t)
	}
	r.tracker.UpdateCursor(sess, timelineID, layerID, session.Cursor{X: x, Y: y, Timestamp: ts})
	r.registry.Touch(ctx, sess.ID)
}

func (r *Router) handleLayerCursorLeave(_ context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	timelineID := stringField(env.Payload, "timelineId")
	layerID := stringField(env.Payload, "layerId")
	if timelineID == "" || layerID == "" {
		r.invalid(s, env.Type, "timelineId and layerId are required")
		return
	}
	r.tracker.Leave(sess, timelineID, layerID)
}

// handleSelectionChange folds the selection into the session's awareness
// state instead of relaying the raw event; late joiners then see current
// selections in the roster.
func (r *Router) handleSelectionChange(ctx context.Context, _ *Socket, sess *session.Session, env events.Envelope) {
	r.registry.UpdateAwareness(ctx, sess.ID, map[string]any{
		"selection": env.Payload["selection"],
	})
}

// handleCursorMove is the legacy global cursor event; it patches the
// session's awareness the same way SELECTION_CHANGE does.
func (r *Router) handleCursorMove(ctx context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	cursor, ok := env.Payload["cursor"].(map[string]any)
	if !ok {
		x, okX := numField(env.Payload, "x")
		y, okY := numField(env.Payload, "y")
		if !okX || !okY {
			r.invalid(s, env.Type, "cursor{x,y} is required")
			return
		}
		cursor = map[string]any{"x": x, "y": y}
	}
	r.registry.UpdateAwareness(ctx, sess.ID, map[string]any{"cursor": cursor})
}

// handleNodeDragPreview relays transient drag positions to the room.
// Nothing is stored; a client that misses one preview catches up on the
// next.
func (r *Router) handleNodeDragPreview(_ context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	if stringField(env.Payload, "nodeId") == "" {
		r.invalid(s, env.Type, "nodeId is required")
		return
	}
	r.hub.EmitToProject(sess.ProjectID, env, s.ID)
}

// handleOperations builds a commit batch from the payload and answers
// the sender with the outcome. The committed-operation rebroadcast to
// the rest of the room happens inside the pipeline.
func (r *Router) handleOperations(ctx context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	ops, err := decodeOperations(env.Payload)
	if err != nil || len(ops) == 0 {
		r.hub.EmitToSocket(s.ID, events.EventOperationError, events.OperationErrorPayload{
			OperationID: stringField(env.Payload, "operationId"),
			Error:       events.CodeInvalidEvent,
			Message:     "payload carries no decodable operations",
		})
		return
	}

	opID := stringField(env.Payload, "operationId")
	if opID == "" {
		opID = ops[0].ID
	}
	var lastSync int64
	if v, ok := numField(env.Payload, "lastSyncVersion"); ok {
		lastSync = int64(v)
	}

	res, err := r.pipeline.ProcessBatch(ctx, s.User.ID, commit.Batch{
		ProjectID:       sess.ProjectID,
		Operations:      ops,
		LastSyncVersion: lastSync,
		DeviceID:        stringField(env.Payload, "deviceId"),
		SourceSocketID:  s.ID,
	})
	if err != nil {
		r.hub.EmitToSocket(s.ID, events.EventOperationError, events.OperationErrorPayload{
			OperationID: opID,
			Error:       errorCode(err),
			Message:     err.Error(),
		})
		return
	}

	r.registry.Touch(ctx, sess.ID)
	r.hub.EmitToSocket(s.ID, events.EventOperationResult, events.OperationResultPayload{
		OperationID:       opID,
		Success:           res.Success,
		SyncVersion:       res.SyncVersion,
		AppliedOperations: res.AppliedOperations,
		Conflicts:         res.Conflicts,
		ServerOperations:  res.ServerOperations,
	})
}

// relay forwards opaque events (the AI pipeline family) to the room,
// excluding the sender.
func (r *Router) relay(_ context.Context, s *Socket, sess *session.Session, env events.Envelope) {
	r.hub.EmitToProject(sess.ProjectID, env, s.ID)
}

func (r *Router) invalid(s *Socket, eventType, msg string) {
	r.hub.EmitToSocket(s.ID, events.EventError, events.ErrorPayload{
		Error:     events.CodeInvalidEvent,
		Message:   msg,
		EventType: eventType,
	})
}

// errorCode maps pipeline errors onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, commit.ErrAccessDenied):
		return events.CodeAccessDenied
	case errors.Is(err, commit.ErrProjectBusy):
		return events.CodeProjectBusy
	case errors.Is(err, commit.ErrStorageUnavailable):
		return events.CodeStorageUnavailable
	default:
		return events.CodeInternalError
	}
}

// decodeOperations accepts either operations[] or a single operation in
// the payload and round-trips through JSON into typed operations.
func decodeOperations(payload map[string]any) ([]*graph.Operation, error) {
	var raw any
	if list, ok := payload["operations"].([]any); ok {
		raw = list
	} else if single, ok := payload["operation"].(map[string]any); ok {
		raw = []any{single}
	} else {
		return nil, fmt.Errorf("payload has neither operations nor operation")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encoding operations: %w", err)
	}
	var ops []*graph.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decoding operations: %w", err)
	}
	out := ops[:0]
	for _, op := range ops {
		if op != nil && op.ID != "" && op.Type != "" {
			out = append(out, op)
		}
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func numField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
