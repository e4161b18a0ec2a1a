package graph

import "log/slog"

// nodeIDFromPayload probes the target node id across payload shapes.
func nodeIDFromPayload(p map[string]any) string {
	if id := stringAt(p, "nodeId"); id != "" {
		return id
	}
	if sub := mapAt(p, "node"); sub != nil {
		if id := stringAt(sub, "id", "nodeId"); id != "" {
			return id
		}
	}
	return stringAt(p, "id")
}

// applyCreateNode inserts the payload's node. A delete-undo lands here
// too: its payload additionally carries the edges the deletion purged,
// which are restored alongside the node.
func applyCreateNode(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := nodeFromPayload(p)
	if n == nil {
		slog.Warn("Dropping node create with unreadable payload", "operation_id", op.ID, "op_type", op.Type)
		return false
	}
	l.putNode(n)
	for _, em := range mapsAt(p, "edges") {
		if e := decodeEdge(em); e != nil {
			l.Edges[e.ID] = e
		}
	}
	return true
}

// applyDeleteNode removes the node, its z-order entry, and every edge
// touching it. Deleting a layer proxy cascades into the proxied layer
// tree. Deleting a node that is already gone is a no-op (redo replays
// tolerate this).
func applyDeleteNode(snap *Snapshot, op *Operation) bool {
	t, l := locate(snap, op)
	id := nodeIDFromPayload(payload(op))
	if id == "" {
		slog.Warn("Dropping node delete without a node id", "operation_id", op.ID, "op_type", op.Type)
		return false
	}
	n, ok := l.Nodes[id]
	if !ok {
		return false
	}
	l.removeNode(id)
	if n.Type == NodeTypeLayer {
		deleteLayerTree(t, id)
	}
	return true
}

// applyUpdateNode merges newData into the node's data bag when present,
// otherwise replaces the bag when the payload carries one. Type and the
// proxy entry/exit lists update when present.
func applyUpdateNode(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := l.Nodes[nodeIDFromPayload(p)]
	if n == nil {
		return false
	}
	changed := false
	if nd := mapAt(p, "newData"); nd != nil {
		if n.Data == nil {
			n.Data = map[string]any{}
		}
		for k, v := range nd {
			n.Data[k] = cloneAny(v)
		}
		changed = true
	} else if d := nodeDataFromPayload(p); d != nil {
		n.Data = cloneAnyMap(d)
		changed = true
	}
	if typ := stringAt(p, "type"); typ != "" {
		n.Type = typ
		changed = true
	}
	if ss, ok := stringsAt(p, "startingNodes"); ok {
		n.StartingNodes = ss
		changed = true
	}
	if es, ok := stringsAt(p, "endingNodes"); ok {
		n.EndingNodes = es
		changed = true
	}
	return changed
}

func nodeDataFromPayload(p map[string]any) map[string]any {
	if d := mapAt(p, "data"); d != nil {
		return d
	}
	return mapAt(mapAt(p, "node"), "data")
}

// applyMoveNode sets the node's coordinates. Move-undo carries the prior
// position in the same field, so all aliases share this path.
func applyMoveNode(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := l.Nodes[nodeIDFromPayload(p)]
	if n == nil {
		return false
	}
	pt, ok := pointAt(p, "position", "coordinates")
	if !ok {
		pt, ok = pointAt(mapAt(p, "node"), "position", "coordinates")
	}
	if !ok {
		return false
	}
	n.Coordinates = pt
	return true
}
