package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
)

// opMap is the wire form of one node.added operation.
func opMap(id string) map[string]any {
	return map[string]any{
		"id":         id,
		"type":       graph.OpNodeAdded,
		"timelineId": "tl-1",
		"layerId":    graph.RootLayerID,
		"payload": map[string]any{
			"node": map[string]any{"id": "n-" + id, "type": "dialogue"},
		},
		"timestamp": 1700000000000,
	}
}

func TestLayerCursorFlowBroadcastsEnterUpdateLeave(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventLayerCursorUpdate, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"layerId":    "layer-a",
		"cursor":     map[string]any{"x": 10, "y": 20, "timestamp": 123},
	})

	env := readEnvelope(t, adaConn, events.EventLayerCursorEnter)
	assert.Equal(t, "user-grace", env.UserID)
	assert.Equal(t, "tl-1", env.Payload["timelineId"])
	assert.Equal(t, "layer-a", env.Payload["layerId"])
	cursor, ok := env.Payload["cursor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 10, cursor["x"])
	assert.EqualValues(t, 20, cursor["y"])
	assert.EqualValues(t, 123, cursor["timestamp"])
	assert.Equal(t, "Grace", env.Payload["userName"])
	assert.NotEmpty(t, env.Payload["userColor"])
	assert.NotEmpty(t, env.Payload["sessionId"])

	// A second update in the same layer is an update, not another enter.
	sendEnvelope(t, graceConn, events.EventLayerCursorUpdate, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"layerId":    "layer-a",
		"cursor":     map[string]any{"x": 11, "y": 20},
	})
	env = readEnvelope(t, adaConn, events.EventLayerCursorUpdate)
	cursor, ok = env.Payload["cursor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 11, cursor["x"])

	presence := stack.tracker.LayerPresence("proj-1", "tl-1", "layer-a")
	require.Len(t, presence, 1)
	assert.Equal(t, "user-grace", presence[0].UserID)
	assert.EqualValues(t, 11, presence[0].Cursor.X)

	// Moving to another layer leaves the old one first.
	sendEnvelope(t, graceConn, events.EventLayerCursorUpdate, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"layerId":    "layer-b",
		"cursor":     map[string]any{"x": 12, "y": 20},
	})
	env = readEnvelope(t, adaConn, events.EventLayerCursorLeave)
	assert.Equal(t, "layer-a", env.Payload["layerId"])
	env = readEnvelope(t, adaConn, events.EventLayerCursorEnter)
	assert.Equal(t, "layer-b", env.Payload["layerId"])
	assert.Empty(t, stack.tracker.LayerPresence("proj-1", "tl-1", "layer-a"))

	// Explicit leave.
	sendEnvelope(t, graceConn, events.EventLayerCursorLeave, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"layerId":    "layer-b",
	})
	env = readEnvelope(t, adaConn, events.EventLayerCursorLeave)
	assert.Equal(t, "layer-b", env.Payload["layerId"])
	assert.Empty(t, stack.tracker.LayerPresence("proj-1", "tl-1", "layer-b"))
}

func TestLayerCursorRequiresFields(t *testing.T) {
	stack := newCollabStack(t)
	conn := stack.connect(t, "user-grace")
	joinProject(t, conn, "proj-1")

	sendEnvelope(t, conn, events.EventLayerCursorUpdate, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"cursor":     map[string]any{"x": 1, "y": 2},
	})
	f := readFrame(t, conn)
	require.Equal(t, events.EventError, f.Event)
	var fail events.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)
	assert.Equal(t, events.EventLayerCursorUpdate, fail.EventType)

	sendEnvelope(t, conn, events.EventLayerCursorUpdate, "proj-1", map[string]any{
		"timelineId": "tl-1",
		"layerId":    "layer-a",
	})
	f = readFrame(t, conn)
	require.Equal(t, events.EventError, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)
}

func TestSelectionChangeFoldsIntoAwareness(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventSelectionChange, "proj-1", map[string]any{
		"selection": map[string]any{"nodeIds": []any{"n-1", "n-2"}},
	})

	env := readEnvelope(t, adaConn, events.EventAwarenessUpdate)
	assert.Equal(t, "user-grace", env.UserID)
	assert.NotEmpty(t, env.Payload["sessionId"])
	aw, ok := env.Payload["awareness"].(map[string]any)
	require.True(t, ok)
	sel, ok := aw["selection"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, []any{"n-1", "n-2"}, sel["nodeIds"])

	var stored any
	for _, s := range stack.registry.ProjectSessions("proj-1") {
		if s.UserID == "user-grace" {
			stored = s.Awareness["selection"]
		}
	}
	assert.NotNil(t, stored, "selection folds into session awareness")

	// A payload without a selection clears it.
	sendEnvelope(t, graceConn, events.EventSelectionChange, "proj-1", map[string]any{})
	env = readEnvelope(t, adaConn, events.EventAwarenessUpdate)
	aw, ok = env.Payload["awareness"].(map[string]any)
	require.True(t, ok)
	_, has := aw["selection"]
	assert.False(t, has)
}

func TestCursorMoveFoldsIntoAwareness(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	// Bare {x, y} payloads still count as a cursor.
	sendEnvelope(t, graceConn, events.EventCursorMove, "proj-1", map[string]any{"x": 5, "y": 6})
	env := readEnvelope(t, adaConn, events.EventAwarenessUpdate)
	aw, ok := env.Payload["awareness"].(map[string]any)
	require.True(t, ok)
	cursor, ok := aw["cursor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 5, cursor["x"])
	assert.EqualValues(t, 6, cursor["y"])

	sendEnvelope(t, graceConn, events.EventCursorMove, "proj-1", map[string]any{
		"cursor": map[string]any{"x": 7, "y": 8},
	})
	env = readEnvelope(t, adaConn, events.EventAwarenessUpdate)
	aw, ok = env.Payload["awareness"].(map[string]any)
	require.True(t, ok)
	cursor, ok = aw["cursor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 7, cursor["x"])

	sendEnvelope(t, graceConn, events.EventCursorMove, "proj-1", map[string]any{"k": "v"})
	f := readFrame(t, graceConn)
	require.Equal(t, events.EventError, f.Event)
	var fail events.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)
}

func TestNodeDragPreviewRelaysToOthersOnly(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventNodeDragPreview, "proj-1", map[string]any{})
	f := readFrame(t, graceConn)
	require.Equal(t, events.EventError, f.Event)
	var fail events.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)

	sendEnvelope(t, graceConn, events.EventNodeDragPreview, "proj-1", map[string]any{
		"nodeId":   "n-1",
		"position": map[string]any{"x": 1, "y": 2},
	})
	env := readEnvelope(t, adaConn, events.EventNodeDragPreview)
	assert.Equal(t, "user-grace", env.UserID, "forged client userId is overwritten")
	assert.Equal(t, "n-1", env.Payload["nodeId"])

	// The sender gets no echo of its own preview.
	assertNoFrame(t, graceConn)
}

func TestAIPipelineEventsRelayVerbatim(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	types := []string{
		events.EventAIPipelineStarted,
		events.EventAIPipelineProgress,
		events.EventAIPipelineStepCompleted,
		events.EventAIPipelineCompleted,
		events.EventAIPipelineError,
	}
	for _, eventType := range types {
		sendEnvelope(t, graceConn, eventType, "proj-1", map[string]any{
			"pipelineId": "pipe-1",
			"stage":      eventType,
		})
		env := readEnvelope(t, adaConn, eventType)
		assert.Equal(t, "user-grace", env.UserID)
		assert.Equal(t, "pipe-1", env.Payload["pipelineId"])
		assert.Equal(t, eventType, env.Payload["stage"])
	}
}

func TestOperationBroadcastCommitsAndFansOut(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operations":      []any{opMap("op-1")},
		"lastSyncVersion": 0,
		"deviceId":        "device-g",
		"operationId":     "op-1",
	})

	f := readFrame(t, graceConn)
	require.Equal(t, events.EventOperationResult, f.Event)
	var res events.OperationResultPayload
	require.NoError(t, json.Unmarshal(f.Data, &res))
	assert.Equal(t, "op-1", res.OperationID)
	assert.True(t, res.Success)
	assert.EqualValues(t, 1, res.SyncVersion)
	assert.Equal(t, []string{"op-1"}, res.AppliedOperations)
	assert.Empty(t, res.Conflicts)

	env := readEnvelope(t, adaConn, events.EventOperationBroadcast)
	assert.Equal(t, "user-grace", env.UserID)
	assert.EqualValues(t, 1, env.Payload["syncVersion"])
	op, ok := env.Payload["operation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "op-1", op["id"])
	assert.EqualValues(t, 1, op["version"])
	assert.Equal(t, "user-grace", op["userId"])
	assert.Equal(t, "device-g", op["deviceId"])

	version, err := stack.mem.ProjectVersion(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)
}

func TestOperationStaleVersionReturnsConflicts(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operations":      []any{opMap("op-1")},
		"lastSyncVersion": 0,
	})
	f := readFrame(t, graceConn)
	require.Equal(t, events.EventOperationResult, f.Event)
	readEnvelope(t, adaConn, events.EventOperationBroadcast)

	// Ada never saw op-1, so a batch against version 0 is stale.
	sendEnvelope(t, adaConn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operations":      []any{opMap("op-9")},
		"lastSyncVersion": 0,
	})
	f = readFrame(t, adaConn)
	require.Equal(t, events.EventOperationResult, f.Event)
	var res events.OperationResultPayload
	require.NoError(t, json.Unmarshal(f.Data, &res))
	assert.False(t, res.Success)
	assert.EqualValues(t, 1, res.SyncVersion)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "op-9", res.Conflicts[0]["id"])
	require.Len(t, res.ServerOperations, 1)
	assert.Equal(t, "op-1", res.ServerOperations[0]["id"])

	version, err := stack.mem.ProjectVersion(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, version, "a rejected batch commits nothing")

	// And nothing was broadcast for the rejected batch.
	assertNoFrame(t, graceConn)
}

func TestOperationDeniedForViewer(t *testing.T) {
	stack := newCollabStack(t)
	conn := stack.connect(t, "user-vera")
	joinProject(t, conn, "proj-1")

	sendEnvelope(t, conn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operations":      []any{opMap("op-1")},
		"lastSyncVersion": 0,
	})

	f := readFrame(t, conn)
	require.Equal(t, events.EventOperationError, f.Event)
	var fail events.OperationErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, "op-1", fail.OperationID)
	assert.Equal(t, events.CodeAccessDenied, fail.Error)

	version, err := stack.mem.ProjectVersion(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestOperationPayloadWithoutOperationsIsRejected(t *testing.T) {
	stack := newCollabStack(t)
	conn := stack.connect(t, "user-grace")
	joinProject(t, conn, "proj-1")

	sendEnvelope(t, conn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"lastSyncVersion": 0,
	})
	f := readFrame(t, conn)
	require.Equal(t, events.EventOperationError, f.Event)
	var fail events.OperationErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)

	// An empty list decodes to nothing and is rejected the same way.
	sendEnvelope(t, conn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operations":      []any{},
		"lastSyncVersion": 0,
	})
	f = readFrame(t, conn)
	require.Equal(t, events.EventOperationError, f.Event)
	require.NoError(t, json.Unmarshal(f.Data, &fail))
	assert.Equal(t, events.CodeInvalidEvent, fail.Error)
}

func TestOperationSingleOperationShapeAccepted(t *testing.T) {
	stack := newCollabStack(t)
	conn := stack.connect(t, "user-grace")
	joinProject(t, conn, "proj-1")

	sendEnvelope(t, conn, events.EventOperationBroadcast, "proj-1", map[string]any{
		"operation":       opMap("op-7"),
		"lastSyncVersion": 0,
	})

	f := readFrame(t, conn)
	require.Equal(t, events.EventOperationResult, f.Event)
	var res events.OperationResultPayload
	require.NoError(t, json.Unmarshal(f.Data, &res))
	assert.True(t, res.Success)
	assert.Equal(t, "op-7", res.OperationID, "operationId falls back to the first operation")
	assert.EqualValues(t, 1, res.SyncVersion)
}

func TestRosterShowsAwarenessToLateJoiner(t *testing.T) {
	stack := newCollabStack(t)
	adaConn := stack.connect(t, "user-ada")
	joinProject(t, adaConn, "proj-1")
	time.Sleep(5 * time.Millisecond)
	graceConn := stack.connect(t, "user-grace")
	joinProject(t, graceConn, "proj-1")
	readEnvelope(t, adaConn, events.EventUserJoin)

	sendEnvelope(t, graceConn, events.EventSelectionChange, "proj-1", map[string]any{
		"selection": map[string]any{"nodeIds": []any{"n-1"}},
	})
	readEnvelope(t, adaConn, events.EventAwarenessUpdate)
	sendEnvelope(t, graceConn, events.EventCursorMove, "proj-1", map[string]any{"x": 5, "y": 6})
	readEnvelope(t, adaConn, events.EventAwarenessUpdate)

	time.Sleep(5 * time.Millisecond)
	veraConn := stack.connect(t, "user-vera")
	writeFrame(t, veraConn, events.FrameJoinProject, map[string]any{"projectId": "proj-1"})
	f := readFrame(t, veraConn)
	require.Equal(t, events.EventProjectUsers, f.Event)
	var roster events.ProjectUsersPayload
	require.NoError(t, json.Unmarshal(f.Data, &roster))
	require.Len(t, roster.Users, 3)
	assert.Equal(t, "user-ada", roster.Users[0].UserID)
	assert.Equal(t, "user-grace", roster.Users[1].UserID)
	assert.Equal(t, "user-vera", roster.Users[2].UserID)

	grace := roster.Users[1]
	require.NotNil(t, grace.Cursor)
	assert.EqualValues(t, 5, grace.Cursor["x"])
	assert.NotNil(t, grace.Selection)
}
