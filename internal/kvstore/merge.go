package kvstore

import (
	"encoding/json"
	"fmt"
)

// Merger combines the current document with a delta. Implementations may
// mutate and return current; Update never reuses it after Merge returns.
type Merger interface {
	Merge(current Document, delta any) (Document, error)
}

// MergeFunc adapts an ordinary function to the Merger interface.
type MergeFunc func(current Document, delta any) (Document, error)

// Merge calls f.
func (f MergeFunc) Merge(current Document, delta any) (Document, error) {
	return f(current, delta)
}

// Overwrite replaces top-level keys of the current document with the keys of
// delta. delta must marshal to a JSON object (or be nil).
type Overwrite struct{}

// Merge implements Merger.
func (Overwrite) Merge(current Document, delta any) (Document, error) {
	entries, err := asDocument(delta)
	if err != nil {
		return nil, fmt.Errorf("overwrite delta: %w", err)
	}
	for k, v := range entries {
		current[k] = v
	}
	return current, nil
}

// DefaultIDField is the identifier field used by IndexByID when Field is
// empty.
const DefaultIDField = "id"

// IndexByID stores each element of a list delta under the value of its
// identifier field. Later elements win over earlier ones and over existing
// entries with the same id. Elements that are not objects or lack a non-empty
// string id are skipped and reported through OnSkip.
type IndexByID struct {
	Field  string
	OnSkip func(index int, reason string)
}

// Merge implements Merger.
func (m IndexByID) Merge(current Document, delta any) (Document, error) {
	field := m.Field
	if field == "" {
		field = DefaultIDField
	}
	items, err := asList(delta)
	if err != nil {
		return nil, fmt.Errorf("index-by-id delta: %w", err)
	}
	for i, item := range items {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			m.skip(i, "element is not an object")
			continue
		}
		rawID, ok := obj[field]
		if !ok {
			m.skip(i, "missing "+field)
			continue
		}
		var id string
		if err := json.Unmarshal(rawID, &id); err != nil || id == "" {
			m.skip(i, "empty or non-string "+field)
			continue
		}
		current[id] = item
	}
	return current, nil
}

func (m IndexByID) skip(index int, reason string) {
	if m.OnSkip != nil {
		m.OnSkip(index, reason)
	}
}

// DeleteKey removes Key from the document. The delta is ignored.
type DeleteKey struct {
	Key string
}

// Merge implements Merger.
func (m DeleteKey) Merge(current Document, _ any) (Document, error) {
	delete(current, m.Key)
	return current, nil
}

func asDocument(delta any) (Document, error) {
	switch d := delta.(type) {
	case nil:
		return nil, nil
	case Document:
		return d, nil
	case map[string]json.RawMessage:
		return d, nil
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("marshal delta: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("delta is not a JSON object: %w", err)
	}
	return doc, nil
}

func asList(delta any) ([]json.RawMessage, error) {
	switch d := delta.(type) {
	case nil:
		return nil, nil
	case []json.RawMessage:
		return d, nil
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("marshal delta: %w", err)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("delta is not a JSON array: %w", err)
	}
	return items, nil
}
