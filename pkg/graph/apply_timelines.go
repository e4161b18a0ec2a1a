package graph

import "time"

// Timeline operations act on the snapshot level: the timeline map plus
// the ordered TimelinesMetadata listing.

func timelineIDFromPayload(p map[string]any, op *Operation) string {
	if id := stringAt(p, "timelineId"); id != "" {
		return id
	}
	if sub := mapAt(p, "timeline"); sub != nil {
		if id := stringAt(sub, "id", "timelineId"); id != "" {
			return id
		}
	}
	return op.TimelineID
}

func applyTimelineCreated(snap *Snapshot, op *Operation) bool {
	p := payload(op)
	id := timelineIDFromPayload(p, op)
	if id == "" {
		return false
	}
	if _, ok := snap.Timelines[id]; ok {
		return false
	}
	snap.Timelines[id] = NewTimeline()
	name := stringAt(p, "name")
	if name == "" {
		name = stringAt(mapAt(p, "timeline"), "name")
	}
	if name == "" {
		name = id
	}
	if snap.metaIndex(id) < 0 {
		snap.TimelinesMetadata = append(snap.TimelinesMetadata, TimelineMeta{
			ID:        id,
			Name:      name,
			CreatedAt: opMillis(op),
			IsActive:  len(snap.TimelinesMetadata) == 0,
			Order:     len(snap.TimelinesMetadata),
		})
	}
	return true
}

func applyTimelineRenamed(snap *Snapshot, op *Operation) bool {
	p := payload(op)
	id := timelineIDFromPayload(p, op)
	name := stringAt(p, "name")
	if id == "" || name == "" {
		return false
	}
	changed := false
	if idx := snap.metaIndex(id); idx >= 0 {
		snap.TimelinesMetadata[idx].Name = name
		changed = true
	}
	if t, ok := snap.Timelines[id]; ok {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["name"] = name
		changed = true
	}
	return changed
}

func applyTimelineDeleted(snap *Snapshot, op *Operation) bool {
	id := timelineIDFromPayload(payload(op), op)
	if id == "" {
		return false
	}
	_, hadTimeline := snap.Timelines[id]
	hadMeta := snap.metaIndex(id) >= 0
	if !hadTimeline && !hadMeta {
		return false
	}
	delete(snap.Timelines, id)
	snap.removeMeta(id)
	return true
}

func applyTimelineDuplicated(snap *Snapshot, op *Operation) bool {
	p := payload(op)
	src := stringAt(p, "sourceTimelineId", "sourceId")
	id := stringAt(p, "timelineId", "newTimelineId")
	if src == "" || id == "" || src == id {
		return false
	}
	source, ok := snap.Timelines[src]
	if !ok {
		return false
	}
	if _, exists := snap.Timelines[id]; exists {
		return false
	}
	snap.Timelines[id] = source.Clone()
	name := stringAt(p, "name")
	if name == "" {
		if idx := snap.metaIndex(src); idx >= 0 {
			name = snap.TimelinesMetadata[idx].Name + " (copy)"
		} else {
			name = id
		}
	}
	snap.TimelinesMetadata = append(snap.TimelinesMetadata, TimelineMeta{
		ID:        id,
		Name:      name,
		CreatedAt: opMillis(op),
		Order:     len(snap.TimelinesMetadata),
	})
	return true
}

func opMillis(op *Operation) int64 {
	if op.Timestamp > 0 {
		return op.Timestamp
	}
	return time.Now().UnixMilli()
}
