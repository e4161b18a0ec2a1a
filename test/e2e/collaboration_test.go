package e2e

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/relay/pkg/access"
	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/graph"
	"github.com/storyloom/relay/pkg/store"
)

const frameWait = 5 * time.Second

// nodeOperation is the wire form of a node create, the way an editor
// client submits it.
func nodeOperation(opID, nodeID string) map[string]any {
	return map[string]any{
		"id":         opID,
		"type":       graph.OpNodeAdded,
		"timelineId": graph.DefaultTimelineID,
		"layerId":    graph.RootLayerID,
		"payload": map[string]any{
			"node": map[string]any{
				"id":          nodeID,
				"type":        graph.NodeTypeNarrative,
				"coordinates": map[string]any{"x": 120, "y": 80},
			},
		},
		"timestamp": time.Now().UnixMilli(),
	}
}

func submitOperations(t *testing.T, c *SocketClient, projectID string, lastSync int64, ops ...map[string]any) {
	t.Helper()
	require.NoError(t, c.SendEnvelope(events.EventOperationBroadcast, projectID, map[string]any{
		"operations":      ops,
		"lastSyncVersion": lastSync,
		"deviceId":        "device-e2e",
	}))
}

func joinAndConfirm(t *testing.T, c *SocketClient, projectID string) {
	t.Helper()
	require.NoError(t, c.Join(projectID))
	_, err := c.WaitForEvent(events.EventJoinProjectSuccess, frameWait)
	require.NoError(t, err)
}

func TestTwoClientsShareCommittedOperations(t *testing.T) {
	app := NewTestApp(t)
	app.Memory.PutUser(store.User{ID: "user-ada", Name: "Ada"})
	app.Memory.PutUser(store.User{ID: "user-grace", Name: "Grace"})
	app.Memory.SetCreator("proj-story", "user-ada")
	app.Memory.SetMemberRole("proj-story", "user-grace", access.RoleEditor)

	ada := app.Connect("user-ada", "Ada")
	joinAndConfirm(t, ada, "proj-story")

	// Roster order ties break on session id; keep the join times apart.
	time.Sleep(5 * time.Millisecond)
	grace := app.Connect("user-grace", "Grace")
	require.NoError(t, grace.Join("proj-story"))

	// The second joiner's roster already holds both members, join order
	// first.
	roster, err := grace.WaitForEvent(events.EventProjectUsers, frameWait)
	require.NoError(t, err)
	users, ok := roster.Parsed["users"].([]any)
	require.True(t, ok)
	require.Len(t, users, 2)
	assert.Equal(t, "Ada", users[0].(map[string]any)["userName"])
	assert.Equal(t, "Grace", users[1].(map[string]any)["userName"])
	_, err = grace.WaitForEvent(events.EventJoinProjectSuccess, frameWait)
	require.NoError(t, err)

	// The first member learns about the join from USER_JOIN.
	joined, err := ada.WaitForEvent(events.EventUserJoin, frameWait)
	require.NoError(t, err)
	env, err := joined.Envelope()
	require.NoError(t, err)
	assert.Equal(t, "user-grace", env.UserID)
	assert.Equal(t, "Grace", env.Payload["userName"])

	// Ada commits one operation.
	submitOperations(t, ada, "proj-story", 0, nodeOperation("op-1", "n-1"))

	result, err := ada.WaitForEvent(events.EventOperationResult, frameWait)
	require.NoError(t, err)
	assert.Equal(t, true, result.Parsed["success"])
	assert.EqualValues(t, 1, result.Parsed["syncVersion"])
	assert.Equal(t, []any{"op-1"}, result.Parsed["appliedOperations"])

	// Grace receives the committed operation with the server-stamped
	// version and the submitter's identity.
	broadcast, err := grace.WaitForEvent(events.EventOperationBroadcast, frameWait)
	require.NoError(t, err)
	env, err = broadcast.Envelope()
	require.NoError(t, err)
	assert.Equal(t, "user-ada", env.UserID)
	assert.EqualValues(t, 1, env.Payload["syncVersion"])
	op, ok := env.Payload["operation"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "op-1", op["id"])
	assert.EqualValues(t, 1, op["version"])

	// The submitter never hears their own commit echoed back.
	assert.Empty(t, ada.FramesByEvent(events.EventOperationBroadcast))

	// The REST read path agrees with what the sockets saw.
	status, body := app.GetJSON("/api/projects/proj-story/snapshot", app.Token("user-grace", "Grace"))
	require.Equal(t, 200, status)
	assert.EqualValues(t, 1, body["syncVersion"])
	snapshot, ok := body["snapshot"].(map[string]any)
	require.True(t, ok)
	timelines, ok := snapshot["timelines"].(map[string]any)
	require.True(t, ok)
	base, ok := timelines[graph.DefaultTimelineID].(map[string]any)
	require.True(t, ok)
	layers := base["layers"].(map[string]any)
	root := layers[graph.RootLayerID].(map[string]any)
	nodes := root["nodes"].(map[string]any)
	assert.Contains(t, nodes, "n-1")

	status, body = app.GetJSON("/api/projects/proj-story/operations?after=0", app.Token("user-ada", "Ada"))
	require.Equal(t, 200, status)
	logged, ok := body["operations"].([]any)
	require.True(t, ok)
	require.Len(t, logged, 1)
	assert.Equal(t, "op-1", logged[0].(map[string]any)["id"])
}

func TestBatchCommitsAtomicallyUnderOneVersion(t *testing.T) {
	app := NewTestApp(t)
	app.Memory.SetCreator("proj-batch", "user-ada")

	ada := app.Connect("user-ada", "Ada")
	joinAndConfirm(t, ada, "proj-batch")

	grace := app.Connect("user-grace", "Grace")
	app.Memory.SetMemberRole("proj-batch", "user-grace", access.RoleEditor)
	joinAndConfirm(t, grace, "proj-batch")

	submitOperations(t, ada, "proj-batch", 0,
		nodeOperation("op-1", "n-1"),
		nodeOperation("op-2", "n-2"),
		nodeOperation("op-3", "n-3"))

	result, err := ada.WaitForEvent(events.EventOperationResult, frameWait)
	require.NoError(t, err)
	assert.Equal(t, true, result.Parsed["success"])
	assert.EqualValues(t, 1, result.Parsed["syncVersion"])
	assert.Equal(t, []any{"op-1", "op-2", "op-3"}, result.Parsed["appliedOperations"])

	// Three broadcasts, one per operation, all stamped with version 1,
	// arriving in submission order.
	require.Eventually(t, func() bool {
		return len(grace.FramesByEvent(events.EventOperationBroadcast)) == 3
	}, frameWait, 10*time.Millisecond)

	var ids []string
	for _, f := range grace.FramesByEvent(events.EventOperationBroadcast) {
		env, err := f.Envelope()
		require.NoError(t, err)
		op, ok := env.Payload["operation"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 1, op["version"])
		ids = append(ids, op["id"].(string))
	}
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, ids)
}

func TestViewerMayWatchButNotEdit(t *testing.T) {
	app := NewTestApp(t)
	app.Memory.SetCreator("proj-view", "user-ada")
	app.Memory.SetMemberRole("proj-view", "user-vera", access.RoleViewer)

	vera := app.Connect("user-vera", "Vera")
	joinAndConfirm(t, vera, "proj-view")

	submitOperations(t, vera, "proj-view", 0, nodeOperation("op-1", "n-1"))

	failure, err := vera.WaitForEvent(events.EventOperationError, frameWait)
	require.NoError(t, err)
	assert.Equal(t, events.CodeAccessDenied, failure.Parsed["error"])

	status, body := app.GetJSON("/api/projects/proj-view/snapshot", app.Token("user-vera", "Vera"))
	require.Equal(t, 200, status)
	assert.EqualValues(t, 0, body["syncVersion"])
}

func TestOutsiderIsRefusedAtTheDoor(t *testing.T) {
	app := NewTestApp(t)
	app.Memory.SetCreator("proj-private", "user-ada")

	mallory := app.Connect("user-mallory", "Mallory")
	require.NoError(t, mallory.Join("proj-private"))

	refusal, err := mallory.WaitForEvent(events.EventJoinProjectError, frameWait)
	require.NoError(t, err)
	assert.Equal(t, events.CodeAccessDenied, refusal.Parsed["error"])

	status, _ := app.GetJSON("/api/projects/proj-private/snapshot", app.Token("user-mallory", "Mallory"))
	assert.Equal(t, 403, status)
}
