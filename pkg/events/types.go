// Package events defines the wire protocol shared by the socket hub, the
// event router, and the coordination bus.
//
// ════════════════════════════════════════════════════════════════
// Envelope Flow
// ════════════════════════════════════════════════════════════════
//
// Every collaboration event, client-originated or server-emitted, travels
// as an Envelope. Clients send frames {event, data} where data is the
// envelope; the server fans envelopes out to project rooms the same way.
//
//	client A ──frame──▶ hub ──▶ router ──▶ handler
//	                                │
//	                                ├──▶ local room fan-out (minus sender)
//	                                └──▶ bus publish (other instances)
//
// Envelopes published to the bus carry sourceInstanceId. A hub receiving an
// envelope stamped with its own instance id drops it: the local fan-out
// already delivered it, and forwarding again would loop.
//
// Client → server control frames (join_project, leave_project) are handled
// by the hub directly and never become envelopes.
// ════════════════════════════════════════════════════════════════
package events

import (
	"errors"
	"fmt"
	"time"
)

// Awareness event types (client-originated, relayed or folded into state).
const (
	// Layer-scoped cursor movement. Drives the presence tracker.
	EventLayerCursorUpdate = "LAYER_CURSOR_UPDATE"
	// Explicit departure from a layer.
	EventLayerCursorLeave = "LAYER_CURSOR_LEAVE"
	// Server-emitted on a user's first cursor appearance in a layer.
	EventLayerCursorEnter = "LAYER_CURSOR_ENTER"
	// Selection changes fold into session awareness, not a raw relay.
	EventSelectionChange = "SELECTION_CHANGE"
	// Legacy project-global cursor. Folds into session awareness.
	EventCursorMove = "CURSOR_MOVE"
	// Transient drag ghost, relayed unchanged to the room.
	EventNodeDragPreview = "NODE_DRAG_PREVIEW"
)

// Graph operation event types.
const (
	// Carries operation batches client → server and committed operations
	// server → clients. Inbound payload: {operations|operation,
	// lastSyncVersion, deviceId}. Outbound payload: {operation} with the
	// server-assigned version stamped on the operation.
	EventOperationBroadcast = "OPERATION_BROADCAST"
)

// AI pipeline relay event types. The server relays these verbatim between
// room members and never interprets the payload.
const (
	EventAIPipelineStarted       = "AI_PIPELINE_STARTED"
	EventAIPipelineProgress      = "AI_PIPELINE_PROGRESS"
	EventAIPipelineStepCompleted = "AI_PIPELINE_STEP_COMPLETED"
	EventAIPipelineCompleted     = "AI_PIPELINE_COMPLETED"
	EventAIPipelineError         = "AI_PIPELINE_ERROR"
)

// Session lifecycle event types (server-emitted).
const (
	EventUserJoin        = "USER_JOIN"
	EventUserLeave       = "USER_LEAVE"
	EventAwarenessUpdate = "AWARENESS_UPDATE"
)

// Direct server → client reply event types. These go to a single socket,
// never through the bus.
const (
	EventProjectUsers       = "project_users"
	EventJoinProjectSuccess = "join_project_success"
	EventJoinProjectError   = "join_project_error"
	EventOperationResult    = "operation_result"
	EventOperationError     = "operation_error"
	EventError              = "error"
)

// Control frame names (client → server, handled by the hub).
const (
	FrameJoinProject        = "join_project"
	FrameLeaveProject       = "leave_project"
	FrameCollaborationEvent = "collaboration_event"
)

// Error codes carried in error replies.
const (
	CodeAccessDenied       = "access_denied"
	CodeInvalidEvent       = "invalid_event"
	CodeStaleVersion       = "stale_version"
	CodeProjectBusy        = "project_busy"
	CodeStorageUnavailable = "storage_unavailable"
	CodeAuthInvalid        = "auth_invalid"
	CodeInternalError      = "internal_error"
)

// ProjectChannel returns the bus channel name for a project's events.
// Format: "project:{project_id}"
func ProjectChannel(projectID string) string {
	return "project:" + projectID
}

// Envelope is the collaboration event structure. All five core fields are
// required on inbound events; SourceInstanceID is stamped by the hub when
// an envelope crosses the bus.
type Envelope struct {
	Type             string         `json:"type"`
	Payload          map[string]any `json:"payload"`
	UserID           string         `json:"userId"`
	ProjectID        string         `json:"projectId"`
	Timestamp        int64          `json:"timestamp"` // epoch millis
	SourceInstanceID string         `json:"sourceInstanceId,omitempty"`
}

// ErrInvalidEnvelope indicates a malformed inbound envelope.
var ErrInvalidEnvelope = errors.New("invalid event envelope")

// Validate checks the five required envelope fields. The router rejects
// envelopes failing validation with an EventError reply before dispatch.
func (e *Envelope) Validate() error {
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidEnvelope)
	case e.UserID == "":
		return fmt.Errorf("%w: missing userId", ErrInvalidEnvelope)
	case e.ProjectID == "":
		return fmt.Errorf("%w: missing projectId", ErrInvalidEnvelope)
	case e.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	case e.Payload == nil:
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	return nil
}

// NewEnvelope builds a server-emitted envelope stamped with the current time.
func NewEnvelope(eventType, projectID, userID string, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		Type:      eventType,
		Payload:   payload,
		UserID:    userID,
		ProjectID: projectID,
		Timestamp: time.Now().UnixMilli(),
	}
}
