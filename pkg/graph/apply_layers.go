package graph

import (
	"fmt"
	"log/slog"
)

// Nested layers live twice: as a Layer entry in timeline.Layers and as a
// proxy node of type "layer" with the SAME id inside the parent layer.
// Every handler here maintains both sides.

// layerTargetID probes the target layer id. Note op.LayerID names the
// PARENT layer for these operations; the target comes from the payload.
func layerTargetID(p map[string]any) string {
	if id := stringAt(p, "layerId"); id != "" {
		return id
	}
	if sub := mapAt(p, "layer"); sub != nil {
		if id := stringAt(sub, "id", "layerId"); id != "" {
			return id
		}
	}
	return stringAt(p, "nodeId")
}

// parentOf resolves the layer holding the proxy node: the recorded
// ParentLayerID when the entry exists, else the operation's layer.
func parentOf(t *Timeline, fallback *Layer, id string) *Layer {
	if entry, ok := t.Layers[id]; ok && entry.ParentLayerID != "" {
		if pl, ok := t.Layers[entry.ParentLayerID]; ok {
			return pl
		}
	}
	return fallback
}

func applyCreateLayer(snap *Snapshot, op *Operation) bool {
	t, parent := locate(snap, op)
	p := payload(op)
	sub := mapAt(p, "layer")
	id := layerTargetID(p)
	if id == "" {
		slog.Warn("Dropping layer create without a layer id", "operation_id", op.ID, "op_type", op.Type)
		return false
	}
	if pid := stringAt(p, "parentLayerId"); pid != "" && pid != parent.ID {
		parent = t.ensureLayer(pid)
	}

	// Layer entry. A delete-undo carries the full prior content.
	entry := decodeLayer(sub)
	if entry == nil {
		entry = NewLayer(id)
	}
	entry.ID = id
	entry.Type = NodeTypeLayer
	entry.ParentLayerID = parent.ID
	entry.Depth = parent.Depth + 1
	name := stringAt(p, "name")
	if name == "" {
		name = entry.Name
	}
	if name == "" {
		t.LastLayerNumber++
		name = fmt.Sprintf("Layer %d", t.LastLayerNumber)
	}
	entry.Name = name
	t.Layers[id] = entry

	// Proxy node in the parent.
	proxy := decodeNode(mapAt(p, "node"))
	if proxy == nil {
		proxy = &Node{ID: id, Data: map[string]any{}}
		if pt, ok := pointAt(p, "position", "coordinates"); ok {
			proxy.Coordinates = pt
		}
	}
	proxy.ID = id
	proxy.Type = NodeTypeLayer
	if proxy.Data == nil {
		proxy.Data = map[string]any{}
	}
	proxy.Data["name"] = name
	parent.putNode(proxy)
	return true
}

func applyDeleteLayer(snap *Snapshot, op *Operation) bool {
	t, fallback := locate(snap, op)
	id := layerTargetID(payload(op))
	if id == "" || id == RootLayerID {
		return false
	}
	parent := parentOf(t, fallback, id)
	_, hadEntry := t.Layers[id]
	removed := parent.removeNode(id)
	if !hadEntry && !removed {
		return false
	}
	deleteLayerTree(t, id)
	return true
}

// deleteLayerTree removes a layer entry and, recursively, every nested
// layer proxied inside it. The root layer is never removed.
func deleteLayerTree(t *Timeline, id string) {
	if id == RootLayerID {
		return
	}
	entry, ok := t.Layers[id]
	if !ok {
		return
	}
	for _, n := range entry.Nodes {
		if n.Type == NodeTypeLayer {
			deleteLayerTree(t, n.ID)
		}
	}
	delete(t.Layers, id)
}

// applyUpdateLayer renames across both representations.
func applyUpdateLayer(snap *Snapshot, op *Operation) bool {
	t, fallback := locate(snap, op)
	p := payload(op)
	id := layerTargetID(p)
	if id == "" {
		return false
	}
	name := stringAt(p, "name")
	if name == "" {
		name = stringAt(mapAt(p, "layer"), "name")
	}
	if name == "" {
		return false
	}
	changed := false
	if entry, ok := t.Layers[id]; ok {
		entry.Name = name
		changed = true
	}
	parent := parentOf(t, fallback, id)
	if proxy, ok := parent.Nodes[id]; ok {
		if proxy.Data == nil {
			proxy.Data = map[string]any{}
		}
		proxy.Data["name"] = name
		changed = true
	}
	return changed
}

// applyMoveLayer moves the proxy node; the layer entry itself has no
// coordinates.
func applyMoveLayer(snap *Snapshot, op *Operation) bool {
	t, fallback := locate(snap, op)
	p := payload(op)
	id := layerTargetID(p)
	if id == "" {
		return false
	}
	proxy, ok := parentOf(t, fallback, id).Nodes[id]
	if !ok {
		return false
	}
	pt, ok := pointAt(p, "position", "coordinates")
	if !ok {
		return false
	}
	proxy.Coordinates = pt
	return true
}

// applyLayerEndings sets the proxied layer's entry and exit node lists on
// the proxy node.
func applyLayerEndings(snap *Snapshot, op *Operation) bool {
	t, fallback := locate(snap, op)
	p := payload(op)
	id := stringAt(p, "nodeId", "layerId")
	if id == "" {
		return false
	}
	proxy, ok := parentOf(t, fallback, id).Nodes[id]
	if !ok {
		return false
	}
	changed := false
	if ss, ok := stringsAt(p, "startingNodes"); ok {
		proxy.StartingNodes = ss
		changed = true
	}
	if es, ok := stringsAt(p, "endingNodes"); ok {
		proxy.EndingNodes = es
		changed = true
	}
	return changed
}
