package graph

import "sort"

// Handlers for the entries of node.Operations, the per-node behavior
// list. The payload names the owning node (nodeId) and the entry; the
// list is kept sorted by order after inserts and updates.

func nodeOpTarget(l *Layer, p map[string]any) *Node {
	return l.Nodes[stringAt(p, "nodeId")]
}

func nodeOpID(p map[string]any) string {
	if id := stringAt(p, "operationId"); id != "" {
		return id
	}
	return stringAt(mapAt(p, "operation"), "id", "operationId")
}

func applyNodeOpCreate(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := nodeOpTarget(l, p)
	entry := mapAt(p, "operation")
	if n == nil || entry == nil {
		return false
	}
	no := NodeOperation(cloneAnyMap(entry))
	replaced := false
	if id := no.ID(); id != "" {
		for i := range n.Operations {
			if n.Operations[i].ID() == id {
				n.Operations[i] = no
				replaced = true
				break
			}
		}
	}
	if !replaced {
		n.Operations = append(n.Operations, no)
	}
	sortNodeOperations(n)
	return true
}

func applyNodeOpDelete(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := nodeOpTarget(l, p)
	id := nodeOpID(p)
	if n == nil || id == "" {
		return false
	}
	for i := range n.Operations {
		if n.Operations[i].ID() == id {
			n.Operations = append(n.Operations[:i], n.Operations[i+1:]...)
			return true
		}
	}
	return false
}

func applyNodeOpUpdate(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := nodeOpTarget(l, p)
	entry := mapAt(p, "operation")
	if n == nil || entry == nil {
		return false
	}
	id := nodeOpID(p)
	if id == "" {
		return false
	}
	for i := range n.Operations {
		if n.Operations[i].ID() != id {
			continue
		}
		for k, v := range entry {
			n.Operations[i][k] = cloneAny(v)
		}
		sortNodeOperations(n)
		return true
	}
	return false
}

// applyNodeOpsToggle flips enabled flags. The forward shape is a uniform
// {operationIds, enabled}; the undo shape restores per-entry previous
// values via {operations: [{id, enabled}]}. Both are probed so every
// alias shares this handler.
func applyNodeOpsToggle(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	n := nodeOpTarget(l, p)
	if n == nil {
		return false
	}
	changed := false
	if entries := mapsAt(p, "operations"); len(entries) > 0 {
		for _, em := range entries {
			id := stringAt(em, "id", "operationId")
			enabled, ok := boolAt(em, "enabled")
			if id == "" || !ok {
				continue
			}
			for i := range n.Operations {
				if n.Operations[i].ID() == id {
					n.Operations[i]["enabled"] = enabled
					changed = true
				}
			}
		}
		return changed
	}
	enabled, ok := boolAt(p, "enabled")
	if !ok {
		return false
	}
	ids, hasIDs := stringsAt(p, "operationIds")
	if !hasIDs {
		for i := range n.Operations {
			n.Operations[i]["enabled"] = enabled
		}
		return len(n.Operations) > 0
	}
	for _, id := range ids {
		for i := range n.Operations {
			if n.Operations[i].ID() == id {
				n.Operations[i]["enabled"] = enabled
				changed = true
			}
		}
	}
	return changed
}

func sortNodeOperations(n *Node) {
	sort.SliceStable(n.Operations, func(i, j int) bool {
		return n.Operations[i].Order() < n.Operations[j].Order()
	})
}
