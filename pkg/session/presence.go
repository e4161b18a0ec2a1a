package session

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storyloom/relay/pkg/events"
	"github.com/storyloom/relay/pkg/metrics"
)

// palette is the fixed cursor color set. A user's color is fnv32a of
// their id mod the palette size, memoized, so it stays stable for the
// process lifetime and matches across layers.
var palette = [15]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#96CEB4", "#FFEAA7",
	"#DDA0DD", "#98D8C8", "#F7DC6F", "#BB8FCE", "#85C1E9",
	"#F8C471", "#82E0AA", "#F1948A", "#C39BD3", "#76D7C4",
}

// Cursor is a layer-local pointer position.
type Cursor struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// LayerPresence is one user's live cursor in one layer.
type LayerPresence struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName"`
	UserColor   string `json:"userColor"`
	UserPicture string `json:"userPicture,omitempty"`
	SessionID   string `json:"sessionId"`
	Cursor      Cursor `json:"cursor"`
	LastSeen    int64  `json:"lastSeen"` // epoch millis
}

type layerRef struct {
	timelineID string
	layerID    string
}

func (ref layerRef) key() string {
	return ref.timelineID + ":" + ref.layerID
}

// Tracker keeps per-layer cursor presence. A user occupies one layer per
// project at a time: moving to a new layer implicitly leaves the old
// one. Entries not refreshed within the inactivity window lapse silently.
type Tracker struct {
	inactiveAfter time.Duration
	broadcaster   Broadcaster
	metrics       *metrics.Metrics
	logger        *slog.Logger

	mu      sync.Mutex
	buckets map[string]map[string]map[string]*LayerPresence // project → layer key → user
	current map[string]map[string]layerRef                  // project → user → occupied layer
	colors  map[string]string

	now func() time.Time
}

// NewTracker creates a presence tracker whose entries lapse after
// inactiveAfter without a cursor update.
func NewTracker(inactiveAfter time.Duration, bc Broadcaster, m *metrics.Metrics) *Tracker {
	return &Tracker{
		inactiveAfter: inactiveAfter,
		broadcaster:   bc,
		metrics:       m,
		logger:        slog.With("component", "presence"),
		buckets:       make(map[string]map[string]map[string]*LayerPresence),
		current:       make(map[string]map[string]layerRef),
		colors:        make(map[string]string),
		now:           time.Now,
	}
}

// UpdateCursor records the session's cursor in a layer. The first
// appearance in a layer broadcasts LAYER_CURSOR_ENTER, later updates
// LAYER_CURSOR_UPDATE; switching layers first broadcasts
// LAYER_CURSOR_LEAVE for the old one. All broadcasts exclude the
// session's own socket.
func (t *Tracker) UpdateCursor(sess *Session, timelineID, layerID string, cursor Cursor) {
	ref := layerRef{timelineID: timelineID, layerID: layerID}
	projectID := sess.ProjectID

	t.mu.Lock()
	var (
		left    layerRef
		didMove bool
	)
	if old, ok := t.current[projectID][sess.UserID]; ok && old != ref {
		t.removeLocked(projectID, old, sess.UserID)
		left = old
		didMove = true
	}

	bucket := t.bucketLocked(projectID, ref)
	_, present := bucket[sess.UserID]
	entry := &LayerPresence{
		UserID:      sess.UserID,
		UserName:    sess.UserName,
		UserColor:   t.colorLocked(sess.UserID),
		UserPicture: sess.UserPicture,
		SessionID:   sess.ID,
		Cursor:      cursor,
		LastSeen:    t.now().UnixMilli(),
	}
	bucket[sess.UserID] = entry
	if t.current[projectID] == nil {
		t.current[projectID] = make(map[string]layerRef)
	}
	t.current[projectID][sess.UserID] = ref
	payload := cursorPayload(ref, entry)
	t.mu.Unlock()

	if didMove {
		t.broadcaster.EmitToProject(projectID,
			events.NewEnvelope(events.EventLayerCursorLeave, projectID, sess.UserID, layerLeavePayload(left)),
			sess.SocketID)
	}

	eventType := events.EventLayerCursorUpdate
	if !present {
		eventType = events.EventLayerCursorEnter
	}
	t.broadcaster.EmitToProject(projectID,
		events.NewEnvelope(eventType, projectID, sess.UserID, payload),
		sess.SocketID)
}

// Leave removes the session's cursor from a layer and broadcasts
// LAYER_CURSOR_LEAVE excluding its own socket. Leaving a layer the user
// never entered is a no-op.
func (t *Tracker) Leave(sess *Session, timelineID, layerID string) {
	ref := layerRef{timelineID: timelineID, layerID: layerID}
	projectID := sess.ProjectID

	t.mu.Lock()
	bucket := t.buckets[projectID][ref.key()]
	if _, ok := bucket[sess.UserID]; !ok {
		t.mu.Unlock()
		return
	}
	t.removeLocked(projectID, ref, sess.UserID)
	if t.current[projectID][sess.UserID] == ref {
		delete(t.current[projectID], sess.UserID)
		if len(t.current[projectID]) == 0 {
			delete(t.current, projectID)
		}
	}
	t.mu.Unlock()

	t.broadcaster.EmitToProject(projectID,
		events.NewEnvelope(events.EventLayerCursorLeave, projectID, sess.UserID, layerLeavePayload(ref)),
		sess.SocketID)
}

// LayerPresence returns the live cursors in a layer, ordered by user id.
func (t *Tracker) LayerPresence(projectID, timelineID, layerID string) []LayerPresence {
	ref := layerRef{timelineID: timelineID, layerID: layerID}
	cutoff := t.now().Add(-t.inactiveAfter).UnixMilli()

	t.mu.Lock()
	defer t.mu.Unlock()
	bucket := t.buckets[projectID][ref.key()]
	out := make([]LayerPresence, 0, len(bucket))
	for _, entry := range bucket {
		if entry.LastSeen >= cutoff {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// EvictStale removes entries not refreshed within the inactivity window.
// Eviction is silent: the entry already stopped rendering on clients
// when it went stale, an explicit leave event would only echo that.
func (t *Tracker) EvictStale() int {
	cutoff := t.now().Add(-t.inactiveAfter).UnixMilli()

	t.mu.Lock()
	evicted := 0
	for projectID, layers := range t.buckets {
		for key, bucket := range layers {
			for userID, entry := range bucket {
				if entry.LastSeen < cutoff {
					delete(bucket, userID)
					if ref, ok := t.current[projectID][userID]; ok && ref.key() == key {
						delete(t.current[projectID], userID)
					}
					evicted++
				}
			}
			if len(bucket) == 0 {
				delete(layers, key)
			}
		}
		if len(layers) == 0 {
			delete(t.buckets, projectID)
		}
		if len(t.current[projectID]) == 0 {
			delete(t.current, projectID)
		}
	}
	t.mu.Unlock()

	if evicted > 0 {
		t.metrics.PresenceEvictions.Add(float64(evicted))
		t.logger.Debug("Evicted stale cursors", "count", evicted)
	}
	return evicted
}

// bucketLocked returns the layer's bucket, creating it on demand.
// Caller holds the lock.
func (t *Tracker) bucketLocked(projectID string, ref layerRef) map[string]*LayerPresence {
	layers := t.buckets[projectID]
	if layers == nil {
		layers = make(map[string]map[string]*LayerPresence)
		t.buckets[projectID] = layers
	}
	bucket := layers[ref.key()]
	if bucket == nil {
		bucket = make(map[string]*LayerPresence)
		layers[ref.key()] = bucket
	}
	return bucket
}

// removeLocked drops a user from a layer bucket, pruning empty maps.
// Caller holds the lock.
func (t *Tracker) removeLocked(projectID string, ref layerRef, userID string) {
	layers := t.buckets[projectID]
	bucket := layers[ref.key()]
	delete(bucket, userID)
	if len(bucket) == 0 {
		delete(layers, ref.key())
	}
	if len(layers) == 0 {
		delete(t.buckets, projectID)
	}
}

// colorLocked assigns and memoizes the user's palette color. Caller
// holds the lock.
func (t *Tracker) colorLocked(userID string) string {
	if color, ok := t.colors[userID]; ok {
		return color
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	color := palette[h.Sum32()%uint32(len(palette))]
	t.colors[userID] = color
	return color
}

func cursorPayload(ref layerRef, entry *LayerPresence) map[string]any {
	return map[string]any{
		"timelineId": ref.timelineID,
		"layerId":    ref.layerID,
		"cursor": map[string]any{
			"x":         entry.Cursor.X,
			"y":         entry.Cursor.Y,
			"timestamp": entry.Cursor.Timestamp,
		},
		"userColor":   entry.UserColor,
		"userName":    entry.UserName,
		"userPicture": entry.UserPicture,
		"sessionId":   entry.SessionID,
	}
}

func layerLeavePayload(ref layerRef) map[string]any {
	return map[string]any{
		"timelineId": ref.timelineID,
		"layerId":    ref.layerID,
	}
}
