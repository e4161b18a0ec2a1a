package events

// Direct reply payloads. These are sent as the data of a single-socket
// frame and are never wrapped in an Envelope: room broadcasts carry full
// envelopes, direct replies carry just the payload.

// JoinProjectSuccessPayload is the reply to a successful join_project frame.
type JoinProjectSuccessPayload struct {
	ProjectID   string `json:"projectId"`
	UserID      string `json:"userId"`
	Timestamp   int64  `json:"timestamp"`   // epoch millis
	Success     bool   `json:"success"`     // always true
	Message     string `json:"message,omitempty"`
	RoomClients int    `json:"roomClients"` // local room size after join
}

// JoinProjectErrorPayload is the reply to a rejected join_project frame.
type JoinProjectErrorPayload struct {
	ProjectID string `json:"projectId"`
	Error     string `json:"error"`   // error code, e.g. access_denied
	Message   string `json:"message,omitempty"`
}

// ProjectUsersPayload is the roster snapshot sent to a socket right after
// it joins a project room.
type ProjectUsersPayload struct {
	ProjectID string          `json:"projectId"`
	Users     []PresenceEntry `json:"users"`
}

// PresenceEntry describes one active session in a project roster.
type PresenceEntry struct {
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId"`
	UserName    string         `json:"userName"`
	UserPicture string         `json:"userPicture,omitempty"`
	Cursor      map[string]any `json:"cursor,omitempty"`
	Selection   any            `json:"selection,omitempty"`
	LastSeen    int64          `json:"lastSeen"` // epoch millis
}

// OperationResultPayload is the commit outcome reply sent to the socket
// that submitted an operation batch. On a stale batch Success is false and
// Conflicts/ServerOperations describe the rebase the client must perform.
type OperationResultPayload struct {
	OperationID       string           `json:"operationId"` // first operation of the batch
	Success           bool             `json:"success"`
	SyncVersion       int64            `json:"syncVersion"`
	AppliedOperations []string         `json:"appliedOperations,omitempty"`
	Conflicts         []map[string]any `json:"conflicts,omitempty"`
	ServerOperations  []map[string]any `json:"serverOperations,omitempty"`
}

// OperationErrorPayload is the failure reply for an operation batch that
// never reached the version gate (access, queue, storage, or internal
// errors).
type OperationErrorPayload struct {
	OperationID string `json:"operationId,omitempty"`
	Error       string `json:"error"`   // error code from the taxonomy
	Message     string `json:"message,omitempty"`
}

// ErrorPayload is the generic error reply for malformed frames and
// envelopes.
type ErrorPayload struct {
	Error     string `json:"error"` // error code from the taxonomy
	Message   string `json:"message,omitempty"`
	EventType string `json:"eventType,omitempty"` // offending inbound type
}
