package graph

// Deep cloning. ApplyAll folds a batch over a clone so the authoritative
// snapshot the caller handed in is never aliased by the result. Opaque
// bags (data maps, operation entries, conditions) are cloned recursively;
// scalar leaves are shared, which is safe because nothing mutates them in
// place.

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := &Snapshot{
		Timelines:    make(map[string]*Timeline, len(s.Timelines)),
		ProjectID:    s.ProjectID,
		ProjectName:  s.ProjectName,
		LastModified: s.LastModified,
	}
	if s.TimelinesMetadata != nil {
		out.TimelinesMetadata = make([]TimelineMeta, len(s.TimelinesMetadata))
		copy(out.TimelinesMetadata, s.TimelinesMetadata)
	}
	for id, t := range s.Timelines {
		out.Timelines[id] = t.Clone()
	}
	return out
}

// Clone returns a deep copy of the timeline.
func (t *Timeline) Clone() *Timeline {
	if t == nil {
		return nil
	}
	out := &Timeline{
		Layers:          make(map[string]*Layer, len(t.Layers)),
		LastLayerNumber: t.LastLayerNumber,
	}
	if t.Metadata != nil {
		out.Metadata = cloneAnyMap(t.Metadata)
	}
	for _, v := range t.Variables {
		out.Variables = append(out.Variables, Variable{ID: v.ID, Name: v.Name, Value: cloneAny(v.Value), Type: v.Type})
	}
	for id, l := range t.Layers {
		out.Layers[id] = l.Clone()
	}
	return out
}

// Clone returns a deep copy of the layer.
func (l *Layer) Clone() *Layer {
	if l == nil {
		return nil
	}
	out := &Layer{
		ID:            l.ID,
		Name:          l.Name,
		Type:          l.Type,
		Depth:         l.Depth,
		ParentLayerID: l.ParentLayerID,
		Nodes:         make(map[string]*Node, len(l.Nodes)),
		Edges:         make(map[string]*Edge, len(l.Edges)),
		NodeIDs:       make([]string, len(l.NodeIDs)),
	}
	copy(out.NodeIDs, l.NodeIDs)
	for id, n := range l.Nodes {
		out.Nodes[id] = n.Clone()
	}
	for id, e := range l.Edges {
		out.Edges[id] = e.Clone()
	}
	return out
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{
		ID:          n.ID,
		Type:        n.Type,
		Coordinates: n.Coordinates,
	}
	if n.Data != nil {
		out.Data = cloneAnyMap(n.Data)
	}
	for _, op := range n.Operations {
		out.Operations = append(out.Operations, NodeOperation(cloneAnyMap(op)))
	}
	if n.StartingNodes != nil {
		out.StartingNodes = make([]string, len(n.StartingNodes))
		copy(out.StartingNodes, n.StartingNodes)
	}
	if n.EndingNodes != nil {
		out.EndingNodes = make([]string, len(n.EndingNodes))
		copy(out.EndingNodes, n.EndingNodes)
	}
	return out
}

// Clone returns a deep copy of the edge.
func (e *Edge) Clone() *Edge {
	if e == nil {
		return nil
	}
	out := &Edge{
		ID:           e.ID,
		Type:         e.Type,
		StartNodeID:  e.StartNodeID,
		EndNodeID:    e.EndNodeID,
		SourceHandle: e.SourceHandle,
		TargetHandle: e.TargetHandle,
	}
	if e.Conditions != nil {
		out.Conditions = cloneAnySlice(e.Conditions)
	}
	return out
}

// Clone returns a deep copy of the operation, payload included.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	out := *o
	out.Payload = cloneAnyMap(o.Payload)
	return &out
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneAnyMap(val)
	case []any:
		return cloneAnySlice(val)
	default:
		return v
	}
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAnySlice(s []any) []any {
	if s == nil {
		return nil
	}
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = cloneAny(v)
	}
	return out
}
