package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// NewSnapshot returns the empty scaffold a project starts from. Timelines
// are created on demand when the first operation references them.
func NewSnapshot(projectID string) *Snapshot {
	return &Snapshot{
		Timelines:         map[string]*Timeline{},
		TimelinesMetadata: []TimelineMeta{},
		ProjectID:         projectID,
	}
}

// NewTimeline returns a timeline with its root layer in place.
func NewTimeline() *Timeline {
	return &Timeline{
		Layers: map[string]*Layer{
			RootLayerID: NewLayer(RootLayerID),
		},
	}
}

// NewLayer returns an empty layer with non-nil collections.
func NewLayer(id string) *Layer {
	return &Layer{
		ID:      id,
		Nodes:   map[string]*Node{},
		Edges:   map[string]*Edge{},
		NodeIDs: []string{},
	}
}

// DecodeSnapshot unmarshals a persisted project document. Documents from
// before the multi-timeline era have top-level layers instead of
// timelines; those are wrapped as the single DefaultTimelineID timeline.
// The result is normalized: collections non-nil, root layers present,
// NodeIDs reconciled with the node sets.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var doc struct {
		Snapshot
		Layers map[string]*Layer `json:"layers"` // legacy single-timeline shape
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	snap := &doc.Snapshot
	if len(snap.Timelines) == 0 && doc.Layers != nil {
		snap.Timelines = map[string]*Timeline{
			DefaultTimelineID: {Layers: doc.Layers},
		}
		if len(snap.TimelinesMetadata) == 0 {
			snap.TimelinesMetadata = []TimelineMeta{
				{ID: DefaultTimelineID, Name: "Main", IsActive: true, Order: 0},
			}
		}
	}
	snap.Normalize()
	return snap, nil
}

// Encode marshals the snapshot for persistence.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Normalize repairs structural slack after decoding: nil collections
// become empty, every timeline gets a root layer, and each layer's
// NodeIDs is reconciled with its node set (missing ids appended in
// sorted order, orphans dropped, duplicates collapsed).
func (s *Snapshot) Normalize() {
	if s.Timelines == nil {
		s.Timelines = map[string]*Timeline{}
	}
	if s.TimelinesMetadata == nil {
		s.TimelinesMetadata = []TimelineMeta{}
	}
	for _, t := range s.Timelines {
		if t.Layers == nil {
			t.Layers = map[string]*Layer{}
		}
		if _, ok := t.Layers[RootLayerID]; !ok {
			t.Layers[RootLayerID] = NewLayer(RootLayerID)
		}
		for id, l := range t.Layers {
			if l.ID == "" {
				l.ID = id
			}
			if l.Nodes == nil {
				l.Nodes = map[string]*Node{}
			}
			if l.Edges == nil {
				l.Edges = map[string]*Edge{}
			}
			l.syncNodeIDs()
		}
	}
}

// ensureTimeline returns the named timeline, creating it (with a root
// layer and a metadata entry) when an operation references one that does
// not exist yet.
func (s *Snapshot) ensureTimeline(id string) *Timeline {
	if id == "" {
		id = DefaultTimelineID
	}
	if t, ok := s.Timelines[id]; ok {
		return t
	}
	t := NewTimeline()
	s.Timelines[id] = t
	if s.metaIndex(id) < 0 {
		s.TimelinesMetadata = append(s.TimelinesMetadata, TimelineMeta{
			ID:        id,
			Name:      id,
			CreatedAt: time.Now().UnixMilli(),
			IsActive:  len(s.TimelinesMetadata) == 0,
			Order:     len(s.TimelinesMetadata),
		})
	}
	return t
}

// metaIndex returns the TimelinesMetadata index for a timeline id, or -1.
func (s *Snapshot) metaIndex(id string) int {
	for i := range s.TimelinesMetadata {
		if s.TimelinesMetadata[i].ID == id {
			return i
		}
	}
	return -1
}

// removeMeta drops a timeline's metadata entry, keeping Order compact.
func (s *Snapshot) removeMeta(id string) {
	idx := s.metaIndex(id)
	if idx < 0 {
		return
	}
	s.TimelinesMetadata = append(s.TimelinesMetadata[:idx], s.TimelinesMetadata[idx+1:]...)
	for i := range s.TimelinesMetadata {
		s.TimelinesMetadata[i].Order = i
	}
}

// touch stamps the document's modification time from the operation, or
// the wall clock when the client sent none.
func (s *Snapshot) touch(op *Operation) {
	if op.Timestamp > 0 {
		s.LastModified = op.Timestamp
		return
	}
	s.LastModified = time.Now().UnixMilli()
}

// ensureLayer returns the named layer, creating an empty one when an
// operation references a layer that does not exist yet.
func (t *Timeline) ensureLayer(id string) *Layer {
	if id == "" {
		id = RootLayerID
	}
	if l, ok := t.Layers[id]; ok {
		return l
	}
	l := NewLayer(id)
	t.Layers[id] = l
	return l
}

// putNode inserts or replaces a node, appending to the z-order when the
// id is new.
func (l *Layer) putNode(n *Node) {
	if _, ok := l.Nodes[n.ID]; !ok {
		l.NodeIDs = append(l.NodeIDs, n.ID)
	}
	l.Nodes[n.ID] = n
}

// removeNode deletes a node, its z-order entry, and every edge touching
// it. Returns false when the node was not present.
func (l *Layer) removeNode(id string) bool {
	if _, ok := l.Nodes[id]; !ok {
		return false
	}
	delete(l.Nodes, id)
	for i, nid := range l.NodeIDs {
		if nid == id {
			l.NodeIDs = append(l.NodeIDs[:i], l.NodeIDs[i+1:]...)
			break
		}
	}
	l.purgeEdges(id)
	return true
}

// purgeEdges removes every edge with an endpoint on the given node.
func (l *Layer) purgeEdges(nodeID string) {
	for id, e := range l.Edges {
		if e.StartNodeID == nodeID || e.EndNodeID == nodeID {
			delete(l.Edges, id)
		}
	}
}

// syncNodeIDs reconciles the z-order with the node set: duplicates and
// orphans are dropped, nodes missing from the order are appended in
// lexical order so repaired documents stay deterministic.
func (l *Layer) syncNodeIDs() {
	seen := make(map[string]bool, len(l.Nodes))
	ids := make([]string, 0, len(l.Nodes))
	for _, id := range l.NodeIDs {
		if _, ok := l.Nodes[id]; ok && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	var missing []string
	for id := range l.Nodes {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	l.NodeIDs = append(ids, missing...)
}
