package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyTimelineCreated(t *testing.T) {
	snap := NewSnapshot("p1")

	require.True(t, Apply(snap, newOp(OpTimelineCreated, map[string]any{
		"timelineId": "t1",
		"name":       "Main",
	})))
	require.Contains(t, snap.Timelines, "t1")
	require.Len(t, snap.TimelinesMetadata, 1)
	assert.Equal(t, "Main", snap.TimelinesMetadata[0].Name)
	assert.True(t, snap.TimelinesMetadata[0].IsActive, "first timeline becomes active")
	assert.Equal(t, int64(1700000000000), snap.TimelinesMetadata[0].CreatedAt)

	require.True(t, Apply(snap, newOp(OpTimelineCreated, map[string]any{
		"timelineId": "t2",
		"name":       "Branch",
	})))
	assert.False(t, snap.TimelinesMetadata[1].IsActive)
	assert.Equal(t, 1, snap.TimelinesMetadata[1].Order)

	// Creating an id that already exists is a no-op.
	assert.False(t, Apply(snap, newOp(OpTimelineCreated, map[string]any{
		"timelineId": "t1",
	})))
	assert.Len(t, snap.TimelinesMetadata, 2)
}

func TestApplyTimelineRenamed(t *testing.T) {
	snap := NewSnapshot("p1")
	require.True(t, Apply(snap, newOp(OpTimelineCreated, map[string]any{
		"timelineId": "t1",
		"name":       "Main",
	})))

	require.True(t, Apply(snap, newOp(OpTimelineRenamed, map[string]any{
		"timelineId": "t1",
		"name":       "Act One",
	})))
	assert.Equal(t, "Act One", snap.TimelinesMetadata[0].Name)
	assert.Equal(t, "Act One", snap.Timelines["t1"].Metadata["name"])

	assert.False(t, Apply(snap, newOp(OpTimelineRenamed, map[string]any{
		"timelineId": "ghost",
		"name":       "x",
	})))
}

func TestApplyTimelineDeleted(t *testing.T) {
	snap := NewSnapshot("p1")
	for _, id := range []string{"t1", "t2", "t3"} {
		require.True(t, Apply(snap, newOp(OpTimelineCreated, map[string]any{"timelineId": id})))
	}

	require.True(t, Apply(snap, newOp(OpTimelineDeleted, map[string]any{"timelineId": "t2"})))

	assert.NotContains(t, snap.Timelines, "t2")
	require.Len(t, snap.TimelinesMetadata, 2)
	assert.Equal(t, "t1", snap.TimelinesMetadata[0].ID)
	assert.Equal(t, "t3", snap.TimelinesMetadata[1].ID)
	assert.Equal(t, 1, snap.TimelinesMetadata[1].Order, "order stays compact")

	assert.False(t, Apply(snap, newOp(OpTimelineDeleted, map[string]any{"timelineId": "t2"})))
}

func TestApplyTimelineDuplicated(t *testing.T) {
	snap := NewSnapshot("p1")
	op := newOp(OpCreateNode, nodePayload("n1", 1, 2))
	op.TimelineID = "t1"
	require.True(t, Apply(snap, op))
	require.True(t, Apply(snap, newOp(OpTimelineRenamed, map[string]any{
		"timelineId": "t1",
		"name":       "Main",
	})))

	require.True(t, Apply(snap, newOp(OpTimelineDuplicated, map[string]any{
		"sourceTimelineId": "t1",
		"timelineId":       "t2",
	})))

	require.Contains(t, snap.Timelines, "t2")
	copyRoot := snap.Timelines["t2"].Layers[RootLayerID]
	require.Contains(t, copyRoot.Nodes, "n1")
	assert.Equal(t, "Main (copy)", snap.TimelinesMetadata[1].Name)

	// The copy is independent of its source.
	snap.Timelines["t1"].Layers[RootLayerID].Nodes["n1"].Data["k"] = "v"
	assert.NotContains(t, copyRoot.Nodes["n1"].Data, "k")

	// Unknown source or colliding target are no-ops.
	assert.False(t, Apply(snap, newOp(OpTimelineDuplicated, map[string]any{
		"sourceTimelineId": "ghost",
		"timelineId":       "t3",
	})))
	assert.False(t, Apply(snap, newOp(OpTimelineDuplicated, map[string]any{
		"sourceTimelineId": "t1",
		"timelineId":       "t2",
	})))
}
