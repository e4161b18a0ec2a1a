package graph

import "log/slog"

// edgeIDFromPayload probes the target edge id, synthesizing the
// start-end form when the payload names only endpoints (matching what
// the create path synthesizes for id-less edges).
func edgeIDFromPayload(p map[string]any) string {
	if id := stringAt(p, "edgeId"); id != "" {
		return id
	}
	if sub := mapAt(p, "edge"); sub != nil {
		if id := stringAt(sub, "id", "edgeId"); id != "" {
			return id
		}
		if id := synthEdgeID(sub); id != "" {
			return id
		}
	}
	if id := stringAt(p, "id"); id != "" {
		return id
	}
	return synthEdgeID(p)
}

func synthEdgeID(m map[string]any) string {
	start := stringAt(m, "startNodeId", "source")
	end := stringAt(m, "endNodeId", "target")
	if start == "" && end == "" {
		return ""
	}
	return start + "-" + end
}

func applyCreateEdge(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	e := edgeFromPayload(payload(op))
	if e == nil {
		slog.Warn("Dropping edge create with unreadable payload", "operation_id", op.ID, "op_type", op.Type)
		return false
	}
	l.Edges[e.ID] = e
	return true
}

func applyDeleteEdge(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	id := edgeIDFromPayload(payload(op))
	if id == "" {
		return false
	}
	if _, ok := l.Edges[id]; !ok {
		return false
	}
	delete(l.Edges, id)
	return true
}

// applyUpdateEdge mutates only the fields the payload carries. The legacy
// edge.conditions_updated kind routes here with a conditions-only
// payload. Handles use presence checks so they can be cleared.
func applyUpdateEdge(snap *Snapshot, op *Operation) bool {
	_, l := locate(snap, op)
	p := payload(op)
	e := l.Edges[edgeIDFromPayload(p)]
	if e == nil {
		return false
	}
	if sub := mapAt(p, "edge"); sub != nil {
		p = sub
	}
	changed := false
	if v := stringAt(p, "startNodeId", "source"); v != "" {
		e.StartNodeID = v
		changed = true
	}
	if v := stringAt(p, "endNodeId", "target"); v != "" {
		e.EndNodeID = v
		changed = true
	}
	if has(p, "sourceHandle") {
		e.SourceHandle = stringAt(p, "sourceHandle")
		changed = true
	}
	if has(p, "targetHandle") {
		e.TargetHandle = stringAt(p, "targetHandle")
		changed = true
	}
	if cs := sliceAt(p, "conditions"); cs != nil {
		e.Conditions = cloneAnySlice(cs)
		changed = true
	}
	if v := stringAt(p, "type"); v != "" {
		e.Type = v
		changed = true
	}
	return changed
}
