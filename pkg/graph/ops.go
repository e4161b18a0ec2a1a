package graph

// Operation kinds. Clients have emitted two generations of names: the
// SCREAMING_CASE canonical kinds and the dotted event kinds, the latter
// with .undo/.redo variants. Undo and redo arrive as ordinary forward
// operations whose payload carries everything needed to take effect, so
// each alias maps onto one of the canonical handlers in Apply.

// Canonical kinds.
const (
	OpCreateNode     = "CREATE_NODE"
	OpDeleteNode     = "DELETE_NODE"
	OpUpdateNode     = "UPDATE_NODE"
	OpMoveNode       = "MOVE_NODE"
	OpCreateEdge     = "CREATE_EDGE"
	OpDeleteEdge     = "DELETE_EDGE"
	OpUpdateEdge     = "UPDATE_EDGE"
	OpCreateLayer    = "CREATE_LAYER"
	OpDeleteLayer    = "DELETE_LAYER"
	OpUpdateLayer    = "UPDATE_LAYER"
	OpCreateVariable = "CREATE_VARIABLE"
	OpDeleteVariable = "DELETE_VARIABLE"
	OpUpdateVariable = "UPDATE_VARIABLE"
)

// Node event kinds.
const (
	OpNodeAdded       = "node.added"
	OpNodeAddedRedo   = "node.added.redo"
	OpNodeAddedUndo   = "node.added.undo"
	OpNodeDeleted     = "node.deleted"
	OpNodeDeletedRedo = "node.deleted.redo"
	OpNodeDeletedUndo = "node.deleted.undo"
	OpNodeUpdated     = "node.updated"
	OpNodeUpdatedRedo = "node.updated.redo"
	OpNodeUpdatedUndo = "node.updated.undo"
	OpNodeMoved       = "node.moved"
	OpNodeMovedRedo   = "node.moved.redo"
	OpNodeMovedUndo   = "node.moved.undo"
)

// Edge event kinds.
const (
	OpEdgeAdded             = "edge.added"
	OpEdgeAddedRedo         = "edge.added.redo"
	OpEdgeAddedUndo         = "edge.added.undo"
	OpEdgeDeleted           = "edge.deleted"
	OpEdgeDeletedRedo       = "edge.deleted.redo"
	OpEdgeDeletedUndo       = "edge.deleted.undo"
	OpEdgeUpdated           = "edge.updated"
	OpEdgeUpdatedRedo       = "edge.updated.redo"
	OpEdgeUpdatedUndo       = "edge.updated.undo"
	OpEdgeConditionsUpdated = "edge.conditions_updated"
)

// Layer event kinds.
const (
	OpLayerAdded          = "layer.added"
	OpLayerAddedRedo      = "layer.added.redo"
	OpLayerAddedUndo      = "layer.added.undo"
	OpLayerDeleted        = "layer.deleted"
	OpLayerDeletedRedo    = "layer.deleted.redo"
	OpLayerDeletedUndo    = "layer.deleted.undo"
	OpLayerUpdated        = "layer.updated"
	OpLayerUpdatedRedo    = "layer.updated.redo"
	OpLayerUpdatedUndo    = "layer.updated.undo"
	OpLayerMoved          = "layer.moved"
	OpLayerMovedRedo      = "layer.moved.redo"
	OpLayerMovedUndo      = "layer.moved.undo"
	OpLayerEndingsUpdated = "layer.endings.updated"
)

// Variable event kinds.
const (
	OpVariableAdded       = "variable.added"
	OpVariableAddedRedo   = "variable.added.redo"
	OpVariableAddedUndo   = "variable.added.undo"
	OpVariableDeleted     = "variable.deleted"
	OpVariableDeletedRedo = "variable.deleted.redo"
	OpVariableDeletedUndo = "variable.deleted.undo"
	OpVariableUpdated     = "variable.updated"
	OpVariableUpdatedRedo = "variable.updated.redo"
	OpVariableUpdatedUndo = "variable.updated.undo"
)

// Composite kinds. The payload is a group {nodes, edges, layers, nodeIds}
// inserted or removed as a unit.
const (
	OpNodesDuplicated     = "nodes.duplicated"
	OpNodesDuplicatedRedo = "nodes.duplicated.redo"
	OpNodesDuplicatedUndo = "nodes.duplicated.undo"
	OpNodesCut            = "nodes.cut"
	OpNodesCutRedo        = "nodes.cut.redo"
	OpNodesCutUndo        = "nodes.cut.undo"
	OpNodesPastedCopy     = "nodes.pasted.copy"
	OpNodesPastedCopyRedo = "nodes.pasted.copy.redo"
	OpNodesPastedCopyUndo = "nodes.pasted.copy.undo"
	OpNodesPastedCut      = "nodes.pasted.cut"
	OpNodesPastedCutRedo  = "nodes.pasted.cut.redo"
	OpNodesPastedCutUndo  = "nodes.pasted.cut.undo"
	OpNodesMoved          = "nodes.moved"
	OpNodesMovedRedo      = "nodes.moved.redo"
	OpNodesMovedUndo      = "nodes.moved.undo"
)

// Node-inner operation kinds (entries of node.operations).
const (
	OpNodeOpCreated      = "operation.created"
	OpNodeOpCreatedRedo  = "operation.created.redo"
	OpNodeOpCreatedUndo  = "operation.created.undo"
	OpNodeOpUpdated      = "operation.updated"
	OpNodeOpUpdatedRedo  = "operation.updated.redo"
	OpNodeOpUpdatedUndo  = "operation.updated.undo"
	OpNodeOpDeleted      = "operation.deleted"
	OpNodeOpDeletedRedo  = "operation.deleted.redo"
	OpNodeOpDeletedUndo  = "operation.deleted.undo"
	OpNodeOpsToggled     = "operations.toggled"
	OpNodeOpsToggledRedo = "operations.toggled.redo"
	OpNodeOpsToggledUndo = "operations.toggled.undo"
)

// Timeline kinds.
const (
	OpTimelineCreated    = "timeline.created"
	OpTimelineRenamed    = "timeline.renamed"
	OpTimelineDeleted    = "timeline.deleted"
	OpTimelineDuplicated = "timeline.duplicated"
)
