package graph

// Composite operations carry a group payload {nodes, edges, layers,
// nodeIds} that is inserted or removed as a unit. Duplicate, the two
// paste flavors, and cut-undo all ADD the group; cut and the *-undo of
// the adders REMOVE it. Both directions share the payload shape, which
// is what makes the undo pairs symmetric.

func applyGroupAdd(snap *Snapshot, op *Operation) bool {
	t, l := locate(snap, op)
	p := payload(op)
	changed := false
	for _, lm := range mapsAt(p, "layers") {
		entry := decodeLayer(lm)
		if entry == nil {
			continue
		}
		if entry.ParentLayerID == "" {
			entry.ParentLayerID = l.ID
		}
		if entry.Depth == 0 {
			entry.Depth = l.Depth + 1
		}
		t.Layers[entry.ID] = entry
		changed = true
	}
	for _, nm := range mapsAt(p, "nodes") {
		if n := decodeNode(nm); n != nil {
			l.putNode(n)
			changed = true
		}
	}
	for _, em := range mapsAt(p, "edges") {
		if e := decodeEdge(em); e != nil {
			l.Edges[e.ID] = e
			changed = true
		}
	}
	return changed
}

func applyGroupRemove(snap *Snapshot, op *Operation) bool {
	t, l := locate(snap, op)
	p := payload(op)
	changed := false

	ids := map[string]bool{}
	for _, nm := range mapsAt(p, "nodes") {
		if id := stringAt(nm, "id", "nodeId"); id != "" {
			ids[id] = true
		}
	}
	if listed, ok := stringsAt(p, "nodeIds"); ok {
		for _, id := range listed {
			ids[id] = true
		}
	}
	for id := range ids {
		n, ok := l.Nodes[id]
		if !ok {
			continue
		}
		l.removeNode(id)
		if n.Type == NodeTypeLayer {
			deleteLayerTree(t, id)
		}
		changed = true
	}

	for _, em := range mapsAt(p, "edges") {
		e := decodeEdge(em)
		if e == nil {
			continue
		}
		if _, ok := l.Edges[e.ID]; ok {
			delete(l.Edges, e.ID)
			changed = true
		}
	}
	for _, lm := range mapsAt(p, "layers") {
		id := stringAt(lm, "id", "layerId")
		if id == "" {
			continue
		}
		if _, ok := t.Layers[id]; ok {
			deleteLayerTree(t, id)
			changed = true
		}
	}
	return changed
}

// applyGroupMove repositions each listed node. Undo payloads carry the
// prior coordinates in the same per-node field.
func applyGroupMove(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	changed := false
	for _, nm := range mapsAt(payload(op), "nodes") {
		n := l.Nodes[stringAt(nm, "id", "nodeId")]
		if n == nil {
			continue
		}
		if pt, ok := pointAt(nm, "position", "coordinates"); ok {
			n.Coordinates = pt
			changed = true
		}
	}
	return changed
}
