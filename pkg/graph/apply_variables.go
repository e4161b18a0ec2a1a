package graph

// Variables are a timeline-scoped list keyed by id.

func variableFromPayload(p map[string]any) *Variable {
	if v := decodeVariable(mapAt(p, "variable")); v != nil {
		return v
	}
	return decodeVariable(p)
}

func variableIDFromPayload(p map[string]any) string {
	if id := stringAt(p, "variableId"); id != "" {
		return id
	}
	if sub := mapAt(p, "variable"); sub != nil {
		if id := stringAt(sub, "id", "variableId"); id != "" {
			return id
		}
	}
	return stringAt(p, "id")
}

func applyCreateVariable(snap *Snapshot, op *Operation) bool {
	t, _ := locate(snap, op)
	v := variableFromPayload(payload(op))
	if v == nil {
		return false
	}
	for i := range t.Variables {
		if t.Variables[i].ID == v.ID {
			t.Variables[i] = *v
			return true
		}
	}
	t.Variables = append(t.Variables, *v)
	return true
}

func applyDeleteVariable(snap *Snapshot, op *Operation) bool {
	t, _ := locate(snap, op)
	id := variableIDFromPayload(payload(op))
	if id == "" {
		return false
	}
	for i := range t.Variables {
		if t.Variables[i].ID == id {
			t.Variables = append(t.Variables[:i], t.Variables[i+1:]...)
			return true
		}
	}
	return false
}

// applyUpdateVariable mutates only the fields the payload carries. Value
// uses a presence check so it can be set to null.
func applyUpdateVariable(snap *Snapshot, op *Operation) bool {
	t, _ := locate(snap, op)
	p := payload(op)
	id := variableIDFromPayload(p)
	if id == "" {
		return false
	}
	fields := p
	if sub := mapAt(p, "variable"); sub != nil {
		fields = sub
	}
	for i := range t.Variables {
		if t.Variables[i].ID != id {
			continue
		}
		changed := false
		if name := stringAt(fields, "name"); name != "" {
			t.Variables[i].Name = name
			changed = true
		}
		if typ := stringAt(fields, "type"); typ != "" {
			t.Variables[i].Type = typ
			changed = true
		}
		if has(fields, "value") {
			t.Variables[i].Value = cloneAny(fields["value"])
			changed = true
		}
		return changed
	}
	return false
}
