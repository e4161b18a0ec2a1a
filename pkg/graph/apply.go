package graph

import "log/slog"

// Apply executes one operation against the snapshot in place. The
// interpreter is total: unknown kinds and unreadable payloads are logged
// and skipped, never fatal. Returns true when the snapshot changed;
// LastModified is stamped only then.
//
// Undo and redo variants are forward operations. The payload of an undo
// carries what the reversal needs (the deleted node, the previous
// position, the prior enabled flags), so each alias maps onto one of the
// canonical handlers below.
func Apply(snap *Snapshot, op *Operation) bool {
	if snap == nil || op == nil || op.Type == "" {
		return false
	}
	var changed bool
	switch op.Type {
	case OpCreateNode, OpNodeAdded, OpNodeAddedRedo, OpNodeDeletedUndo:
		changed = applyCreateNode(snap, op)
	case OpDeleteNode, OpNodeDeleted, OpNodeDeletedRedo, OpNodeAddedUndo:
		changed = applyDeleteNode(snap, op)
	case OpUpdateNode, OpNodeUpdated, OpNodeUpdatedRedo, OpNodeUpdatedUndo:
		changed = applyUpdateNode(snap, op)
	case OpMoveNode, OpNodeMoved, OpNodeMovedRedo, OpNodeMovedUndo:
		changed = applyMoveNode(snap, op)
	case OpCreateEdge, OpEdgeAdded, OpEdgeAddedRedo, OpEdgeDeletedUndo:
		changed = applyCreateEdge(snap, op)
	case OpDeleteEdge, OpEdgeDeleted, OpEdgeDeletedRedo, OpEdgeAddedUndo:
		changed = applyDeleteEdge(snap, op)
	case OpUpdateEdge, OpEdgeUpdated, OpEdgeUpdatedRedo, OpEdgeUpdatedUndo, OpEdgeConditionsUpdated:
		changed = applyUpdateEdge(snap, op)
	case OpCreateLayer, OpLayerAdded, OpLayerAddedRedo, OpLayerDeletedUndo:
		changed = applyCreateLayer(snap, op)
	case OpDeleteLayer, OpLayerDeleted, OpLayerDeletedRedo, OpLayerAddedUndo:
		changed = applyDeleteLayer(snap, op)
	case OpUpdateLayer, OpLayerUpdated, OpLayerUpdatedRedo, OpLayerUpdatedUndo:
		changed = applyUpdateLayer(snap, op)
	case OpLayerMoved, OpLayerMovedRedo, OpLayerMovedUndo:
		changed = applyMoveLayer(snap, op)
	case OpLayerEndingsUpdated:
		changed = applyLayerEndings(snap, op)
	case OpCreateVariable, OpVariableAdded, OpVariableAddedRedo, OpVariableDeletedUndo:
		changed = applyCreateVariable(snap, op)
	case OpDeleteVariable, OpVariableDeleted, OpVariableDeletedRedo, OpVariableAddedUndo:
		changed = applyDeleteVariable(snap, op)
	case OpUpdateVariable, OpVariableUpdated, OpVariableUpdatedRedo, OpVariableUpdatedUndo:
		changed = applyUpdateVariable(snap, op)
	case OpNodesDuplicated, OpNodesDuplicatedRedo, OpNodesPastedCopy, OpNodesPastedCopyRedo,
		OpNodesPastedCut, OpNodesPastedCutRedo, OpNodesCutUndo:
		changed = applyGroupAdd(snap, op)
	case OpNodesCut, OpNodesCutRedo, OpNodesDuplicatedUndo, OpNodesPastedCopyUndo, OpNodesPastedCutUndo:
		changed = applyGroupRemove(snap, op)
	case OpNodesMoved, OpNodesMovedRedo, OpNodesMovedUndo:
		changed = applyGroupMove(snap, op)
	case OpNodeOpCreated, OpNodeOpCreatedRedo, OpNodeOpDeletedUndo:
		changed = applyNodeOpCreate(snap, op)
	case OpNodeOpDeleted, OpNodeOpDeletedRedo, OpNodeOpCreatedUndo:
		changed = applyNodeOpDelete(snap, op)
	case OpNodeOpUpdated, OpNodeOpUpdatedRedo, OpNodeOpUpdatedUndo:
		changed = applyNodeOpUpdate(snap, op)
	case OpNodeOpsToggled, OpNodeOpsToggledRedo, OpNodeOpsToggledUndo:
		changed = applyNodeOpsToggle(snap, op)
	case OpTimelineCreated:
		changed = applyTimelineCreated(snap, op)
	case OpTimelineRenamed:
		changed = applyTimelineRenamed(snap, op)
	case OpTimelineDeleted:
		changed = applyTimelineDeleted(snap, op)
	case OpTimelineDuplicated:
		changed = applyTimelineDuplicated(snap, op)
	default:
		slog.Debug("Skipping unknown operation kind", "type", op.Type, "operation_id", op.ID)
		return false
	}
	if changed {
		snap.touch(op)
	}
	return changed
}

// ApplyAll clones base and folds ops over the clone in order. The input
// snapshot is never modified and never aliased by the result.
func ApplyAll(base *Snapshot, ops []*Operation) *Snapshot {
	out := base.Clone()
	if out == nil {
		out = NewSnapshot("")
	}
	out.Normalize()
	for _, op := range ops {
		Apply(out, op)
	}
	return out
}

// locate resolves the operation's target timeline and layer, scaffolding
// both when absent.
func locate(snap *Snapshot, op *Operation) (*Timeline, *Layer) {
	t := snap.ensureTimeline(op.TimelineID)
	return t, t.ensureLayer(op.LayerID)
}

// payload returns the operation's payload bag, never nil.
func payload(op *Operation) map[string]any {
	if op.Payload == nil {
		return map[string]any{}
	}
	return op.Payload
}
