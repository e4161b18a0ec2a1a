// Package graph holds the versioned project document model and the pure
// operation interpreter that advances it.
//
// A project document is a tree: timelines → layers → nodes/edges, plus
// per-timeline variables. Layers form a hierarchy through a dual
// representation: a nested layer exists BOTH as a Layer entry in
// timeline.Layers and as a proxy Node (type "layer", same id) inside its
// parent layer. The interpreter keeps both sides in sync.
//
// Operations are the unit of change. Payloads are opaque bags probed
// leniently: several historical client generations emitted different
// shapes for the same operation kind, and the interpreter accepts all of
// them. Unknown operation kinds are skipped, never fatal.
package graph

// Node types.
const (
	NodeTypeNarrative = "narrative"
	NodeTypeChoice    = "choice"
	NodeTypeNote      = "note"
	// NodeTypeLayer marks a proxy node standing in for a nested layer.
	NodeTypeLayer = "layer"
)

// EdgeTypeLink is the default edge type.
const EdgeTypeLink = "link"

// RootLayerID is the implicit top layer every timeline has.
const RootLayerID = "root"

// DefaultTimelineID names the timeline that legacy single-timeline
// documents are wrapped into, and the fallback for operations arriving
// without a timelineId.
const DefaultTimelineID = "base-timeline"

// Snapshot is the whole-project document. LastModified is stamped on
// every successful operation apply.
type Snapshot struct {
	Timelines         map[string]*Timeline `json:"timelines"`
	TimelinesMetadata []TimelineMeta       `json:"timelinesMetadata"`
	ProjectID         string               `json:"projectId,omitempty"`
	ProjectName       string               `json:"projectName,omitempty"`
	LastModified      int64                `json:"_lastModified,omitempty"` // epoch millis
}

// TimelineMeta is the ordered timeline listing clients render as tabs.
type TimelineMeta struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt,omitempty"` // epoch millis
	IsActive  bool   `json:"isActive"`
	Order     int    `json:"order"`
}

// Timeline holds a layer hierarchy and its variables. Every timeline has
// a root layer; LastLayerNumber feeds default names for new layers.
type Timeline struct {
	Layers          map[string]*Layer `json:"layers"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	Variables       []Variable        `json:"variables,omitempty"`
	LastLayerNumber int               `json:"lastLayerNumber,omitempty"`
}

// Layer owns nodes and the edges between them. NodeIDs is the z-order and
// always matches the Nodes key set exactly. Nested layers record their
// parent and depth.
type Layer struct {
	ID            string           `json:"id"`
	Name          string           `json:"name,omitempty"`
	Type          string           `json:"type,omitempty"` // "layer" for nested entries
	Depth         int              `json:"depth,omitempty"`
	ParentLayerID string           `json:"parentLayerId,omitempty"`
	Nodes         map[string]*Node `json:"nodes"`
	Edges         map[string]*Edge `json:"edges"`
	NodeIDs       []string         `json:"nodeIds"`
}

// Node is a graph vertex. Data is an opaque client bag. Operations is the
// ordered per-node behavior list; the interpreter reads only id, order and
// enabled from each entry. StartingNodes/EndingNodes only apply to proxy
// nodes (the contained layer's entry/exit points).
type Node struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Coordinates   Point           `json:"coordinates"`
	Data          map[string]any  `json:"data,omitempty"`
	Operations    []NodeOperation `json:"operations,omitempty"`
	StartingNodes []string        `json:"startingNodes,omitempty"`
	EndingNodes   []string        `json:"endingNodes,omitempty"`
}

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeOperation is one entry of a node's behavior list. The shape is
// client-defined beyond the three keys the interpreter touches (id,
// order, enabled), so entries stay opaque maps to round-trip unknown
// fields untouched.
type NodeOperation map[string]any

// ID returns the entry's id, if any.
func (o NodeOperation) ID() string {
	s, _ := o["id"].(string)
	return s
}

// Order returns the entry's sort order. Entries without one sort first.
func (o NodeOperation) Order() float64 {
	n, _ := toFloat(o["order"])
	return n
}

// Enabled reports whether the entry is switched on.
func (o NodeOperation) Enabled() bool {
	b, _ := o["enabled"].(bool)
	return b
}

// Edge is a directed connection between two nodes of the same layer.
// Decoders accept the legacy source/target field names; state always
// carries the canonical ones.
type Edge struct {
	ID           string `json:"id"`
	Type         string `json:"type,omitempty"`
	StartNodeID  string `json:"startNodeId"`
	EndNodeID    string `json:"endNodeId"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Conditions   []any  `json:"conditions,omitempty"`
}

// Variable is a timeline-scoped named value.
type Variable struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value any    `json:"value"`
	Type  string `json:"type,omitempty"`
}

// Operation is one graph mutation as submitted by a client and as recorded
// in the operation log. Version is zero until the serializer commits the
// batch and stamps the server-assigned version.
type Operation struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	TimelineID string         `json:"timelineId,omitempty"`
	LayerID    string         `json:"layerId,omitempty"`
	Payload    map[string]any `json:"payload"`
	Timestamp  int64          `json:"timestamp,omitempty"` // epoch millis
	UserID     string         `json:"userId,omitempty"`
	DeviceID   string         `json:"deviceId,omitempty"`
	Version    int64          `json:"version,omitempty"`
}
