package graph

import "strconv"

// Payload probing. Operation payloads arrive as map[string]any straight
// from JSON. Field names drifted across client generations (nodeId vs
// node.id, position vs coordinates, source vs startNodeId), so every
// accessor probes the historical spellings in preference order and
// coerces JSON's loose numerics. Missing keys are simply absent, never
// errors: the interpreter skips what it cannot read.

func has(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

func stringAt(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatAt(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := toFloat(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func boolAt(m map[string]any, keys ...string) (bool, bool) {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b, true
		}
	}
	return false, false
}

func mapAt(m map[string]any, keys ...string) map[string]any {
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			return sub
		}
	}
	return nil
}

func sliceAt(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if s, ok := m[k].([]any); ok {
			return s
		}
	}
	return nil
}

// mapsAt returns the map-typed elements of the first slice found.
func mapsAt(m map[string]any, keys ...string) []map[string]any {
	raw := sliceAt(m, keys...)
	if raw == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, v := range raw {
		if sub, ok := v.(map[string]any); ok {
			out = append(out, sub)
		}
	}
	return out
}

// stringsAt returns the string elements of the first slice found. The
// second return distinguishes "key absent" from "empty list".
func stringsAt(m map[string]any, keys ...string) ([]string, bool) {
	raw := sliceAt(m, keys...)
	if raw == nil {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

func pointAt(m map[string]any, keys ...string) (Point, bool) {
	for _, k := range keys {
		if sub, ok := m[k].(map[string]any); ok {
			x, okx := floatAt(sub, "x")
			y, oky := floatAt(sub, "y")
			if okx || oky {
				return Point{X: x, Y: y}, true
			}
		}
	}
	return Point{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// decodeNode builds a Node from a payload map. Returns nil when no id can
// be found. Submaps are deep-copied so state never aliases the payload.
func decodeNode(m map[string]any) *Node {
	if m == nil {
		return nil
	}
	id := stringAt(m, "id", "nodeId")
	if id == "" {
		return nil
	}
	n := &Node{ID: id, Type: stringAt(m, "type"), Data: map[string]any{}}
	if n.Type == "" {
		n.Type = NodeTypeNarrative
	}
	if p, ok := pointAt(m, "coordinates", "position"); ok {
		n.Coordinates = p
	}
	if d := mapAt(m, "data"); d != nil {
		n.Data = cloneAnyMap(d)
	}
	for _, om := range mapsAt(m, "operations") {
		n.Operations = append(n.Operations, NodeOperation(cloneAnyMap(om)))
	}
	if ss, ok := stringsAt(m, "startingNodes"); ok {
		n.StartingNodes = ss
	}
	if es, ok := stringsAt(m, "endingNodes"); ok {
		n.EndingNodes = es
	}
	return n
}

// decodeEdge builds an Edge from a payload map, accepting the legacy
// source/target endpoint names. A missing id is synthesized from the
// endpoints.
func decodeEdge(m map[string]any) *Edge {
	if m == nil {
		return nil
	}
	e := &Edge{
		ID:           stringAt(m, "id", "edgeId"),
		Type:         stringAt(m, "type"),
		StartNodeID:  stringAt(m, "startNodeId", "source"),
		EndNodeID:    stringAt(m, "endNodeId", "target"),
		SourceHandle: stringAt(m, "sourceHandle"),
		TargetHandle: stringAt(m, "targetHandle"),
	}
	if e.ID == "" && e.StartNodeID == "" && e.EndNodeID == "" {
		return nil
	}
	if e.Type == "" {
		e.Type = EdgeTypeLink
	}
	if cs := sliceAt(m, "conditions"); cs != nil {
		e.Conditions = cloneAnySlice(cs)
	}
	if e.ID == "" {
		e.ID = e.StartNodeID + "-" + e.EndNodeID
	}
	return e
}

// decodeLayer builds a Layer entry from a payload map (composite groups
// and layer restores carry full layer content).
func decodeLayer(m map[string]any) *Layer {
	if m == nil {
		return nil
	}
	id := stringAt(m, "id", "layerId")
	if id == "" {
		return nil
	}
	l := NewLayer(id)
	l.Name = stringAt(m, "name")
	l.Type = stringAt(m, "type")
	if l.Type == "" {
		l.Type = NodeTypeLayer
	}
	if d, ok := floatAt(m, "depth"); ok {
		l.Depth = int(d)
	}
	l.ParentLayerID = stringAt(m, "parentLayerId")
	if nodes := mapAt(m, "nodes"); nodes != nil {
		for key, v := range nodes {
			sub, ok := v.(map[string]any)
			if !ok {
				continue
			}
			n := decodeNode(sub)
			if n == nil {
				n = &Node{ID: key, Type: NodeTypeNarrative, Data: map[string]any{}}
			}
			l.Nodes[n.ID] = n
		}
	}
	if edges := mapAt(m, "edges"); edges != nil {
		for key, v := range edges {
			sub, ok := v.(map[string]any)
			if !ok {
				continue
			}
			e := decodeEdge(sub)
			if e == nil {
				continue
			}
			if e.ID == "" {
				e.ID = key
			}
			l.Edges[e.ID] = e
		}
	}
	if ids, ok := stringsAt(m, "nodeIds"); ok {
		l.NodeIDs = ids
	}
	l.syncNodeIDs()
	return l
}

// decodeVariable builds a Variable from a payload map.
func decodeVariable(m map[string]any) *Variable {
	if m == nil {
		return nil
	}
	id := stringAt(m, "id", "variableId")
	if id == "" {
		return nil
	}
	v := &Variable{ID: id, Name: stringAt(m, "name"), Type: stringAt(m, "type")}
	if val, ok := m["value"]; ok {
		v.Value = cloneAny(val)
	}
	return v
}

// nodeFromPayload probes the nested {node: {...}} shape first, then the
// flat {nodeId, type, position, data} shape.
func nodeFromPayload(p map[string]any) *Node {
	if n := decodeNode(mapAt(p, "node")); n != nil {
		return n
	}
	return decodeNode(p)
}

// edgeFromPayload probes {edge: {...}} then the flat shape.
func edgeFromPayload(p map[string]any) *Edge {
	if e := decodeEdge(mapAt(p, "edge")); e != nil {
		return e
	}
	return decodeEdge(p)
}
