package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectChannel(t *testing.T) {
	tests := []struct {
		name      string
		projectID string
		want      string
	}{
		{
			name:      "formats project channel correctly",
			projectID: "proj-42",
			want:      "project:proj-42",
		},
		{
			name:      "handles UUID format",
			projectID: "550e8400-e29b-41d4-a716-446655440000",
			want:      "project:550e8400-e29b-41d4-a716-446655440000",
		},
		{
			name:      "handles empty string",
			projectID: "",
			want:      "project:",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProjectChannel(tt.projectID)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventTypeConstants(t *testing.T) {
	// Verify event types are non-empty and distinct
	types := []string{
		EventLayerCursorUpdate,
		EventLayerCursorLeave,
		EventLayerCursorEnter,
		EventSelectionChange,
		EventCursorMove,
		EventNodeDragPreview,
		EventOperationBroadcast,
		EventAIPipelineStarted,
		EventAIPipelineProgress,
		EventAIPipelineStepCompleted,
		EventAIPipelineCompleted,
		EventAIPipelineError,
		EventUserJoin,
		EventUserLeave,
		EventAwarenessUpdate,
		EventProjectUsers,
		EventJoinProjectSuccess,
		EventJoinProjectError,
		EventOperationResult,
		EventOperationError,
		EventError,
	}

	seen := make(map[string]bool)
	for _, typ := range types {
		assert.NotEmpty(t, typ, "event type should not be empty")
		assert.False(t, seen[typ], "duplicate event type: %s", typ)
		seen[typ] = true
	}
}

func TestErrorCodeConstants(t *testing.T) {
	codes := []string{
		CodeAccessDenied,
		CodeInvalidEvent,
		CodeStaleVersion,
		CodeProjectBusy,
		CodeStorageUnavailable,
		CodeAuthInvalid,
		CodeInternalError,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code, "error code should not be empty")
		assert.False(t, seen[code], "duplicate error code: %s", code)
		seen[code] = true
	}
}

func TestEnvelopeValidate(t *testing.T) {
	valid := func() Envelope {
		return Envelope{
			Type:      EventCursorMove,
			Payload:   map[string]any{"x": 120, "y": 80},
			UserID:    "user-1",
			ProjectID: "proj-1",
			Timestamp: 1700000000000,
		}
	}

	t.Run("complete envelope passes", func(t *testing.T) {
		env := valid()
		assert.NoError(t, env.Validate())
	})

	t.Run("sourceInstanceId is optional", func(t *testing.T) {
		env := valid()
		env.SourceInstanceID = "relay-2"
		assert.NoError(t, env.Validate())
	})

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{name: "missing type", mutate: func(e *Envelope) { e.Type = "" }},
		{name: "missing userId", mutate: func(e *Envelope) { e.UserID = "" }},
		{name: "missing projectId", mutate: func(e *Envelope) { e.ProjectID = "" }},
		{name: "zero timestamp", mutate: func(e *Envelope) { e.Timestamp = 0 }},
		{name: "negative timestamp", mutate: func(e *Envelope) { e.Timestamp = -1 }},
		{name: "nil payload", mutate: func(e *Envelope) { e.Payload = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := valid()
			tt.mutate(&env)
			err := env.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	t.Run("stamps current time in millis", func(t *testing.T) {
		before := time.Now().UnixMilli()
		env := NewEnvelope(EventUserJoin, "proj-1", "user-1", map[string]any{"userName": "Ada"})
		after := time.Now().UnixMilli()

		assert.Equal(t, EventUserJoin, env.Type)
		assert.Equal(t, "proj-1", env.ProjectID)
		assert.Equal(t, "user-1", env.UserID)
		assert.Equal(t, "Ada", env.Payload["userName"])
		assert.GreaterOrEqual(t, env.Timestamp, before)
		assert.LessOrEqual(t, env.Timestamp, after)
		assert.Empty(t, env.SourceInstanceID)
	})

	t.Run("nil payload becomes empty map", func(t *testing.T) {
		env := NewEnvelope(EventUserLeave, "proj-1", "user-1", nil)
		require.NotNil(t, env.Payload)
		assert.NoError(t, env.Validate())
	})
}

// TestEnvelopeJSONShape pins the wire keys the web client reads. The hub
// drops bus envelopes stamped with its own instance id, so the stamp must
// round-trip exactly and stay absent on envelopes that never crossed the bus.
func TestEnvelopeJSONShape(t *testing.T) {
	t.Run("local envelope uses camelCase keys without an instance stamp", func(t *testing.T) {
		env := Envelope{
			Type:      EventNodeDragPreview,
			Payload:   map[string]any{"nodeId": "n-1"},
			UserID:    "user-1",
			ProjectID: "proj-1",
			Timestamp: 1700000000000,
		}

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var parsed map[string]any
		require.NoError(t, json.Unmarshal(data, &parsed))
		for _, key := range []string{"type", "payload", "userId", "projectId", "timestamp"} {
			assert.Contains(t, parsed, key)
		}
		assert.NotContains(t, parsed, "sourceInstanceId")
	})

	t.Run("bus envelope carries its instance stamp", func(t *testing.T) {
		env := Envelope{
			Type:             EventUserJoin,
			Payload:          map[string]any{},
			UserID:           "user-1",
			ProjectID:        "proj-1",
			Timestamp:        1700000000000,
			SourceInstanceID: "relay-b",
		}

		data, err := json.Marshal(env)
		require.NoError(t, err)

		var parsed map[string]any
		require.NoError(t, json.Unmarshal(data, &parsed))
		assert.Equal(t, "relay-b", parsed["sourceInstanceId"])
	})
}
