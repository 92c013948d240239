// Package export projects stored business records into map points of the
// form [latitude, longitude, value] for heatmap rendering.
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/JakeFAU/bizfetch/internal/kvstore"
)

// Point is one heatmap sample. It encodes as a three-element JSON array.
type Point struct {
	Lat   float64
	Lng   float64
	Value any
}

// MarshalJSON implements json.Marshaler.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]any{p.Lat, p.Lng, p.Value})
}

// Transform maps a selected value to the value emitted in the point.
type Transform func(v any) (any, error)

// Identity returns v unchanged.
func Identity(v any) (any, error) {
	return v, nil
}

// Length returns the length of a string (in characters) or an array.
func Length(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return utf8.RuneCountInString(t), nil
	case []any:
		return len(t), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("length of %T is undefined", v)
	}
}

// ErrUnknownTransform is returned by TransformByName.
var ErrUnknownTransform = errors.New("unknown transform")

// TransformByName resolves a named transform. The empty name is identity.
func TransformByName(name string) (Transform, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "identity":
		return Identity, nil
	case "length", "len":
		return Length, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
}

// Options controls a projection.
type Options struct {
	// Selector is the top-level record field providing the value.
	Selector string
	// Transform defaults to Identity.
	Transform Transform
	// IncludeNulls keeps records whose selected value is null or absent.
	IncludeNulls bool
	// City restricts output to records whose location.city matches,
	// ignoring case and spaces.
	City string
}

type record struct {
	Coordinates *struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	} `json:"coordinates"`
	Location *struct {
		City string `json:"city"`
	} `json:"location"`
}

// Project builds points from the entity document. Records without
// coordinates are left out. Output is ordered by entity id.
func Project(entities kvstore.Document, opts Options) ([]Point, error) {
	if strings.TrimSpace(opts.Selector) == "" {
		return nil, errors.New("export: selector is required")
	}
	transform := opts.Transform
	if transform == nil {
		transform = Identity
	}
	city := normalizeCity(opts.City)

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	points := make([]Point, 0, len(ids))
	for _, id := range ids {
		raw := entities[id]
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("export: entity %q: %w", id, err)
		}
		var value any
		if sel, ok := fields[opts.Selector]; ok {
			if err := json.Unmarshal(sel, &value); err != nil {
				return nil, fmt.Errorf("export: entity %q field %q: %w", id, opts.Selector, err)
			}
		}
		if value == nil && !opts.IncludeNulls {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("export: entity %q: %w", id, err)
		}
		if city != "" {
			if rec.Location == nil || normalizeCity(rec.Location.City) != city {
				continue
			}
		}
		if rec.Coordinates == nil || rec.Coordinates.Latitude == nil || rec.Coordinates.Longitude == nil {
			continue
		}
		out, err := transform(value)
		if err != nil {
			return nil, fmt.Errorf("export: entity %q: %w", id, err)
		}
		points = append(points, Point{
			Lat:   *rec.Coordinates.Latitude,
			Lng:   *rec.Coordinates.Longitude,
			Value: out,
		})
	}
	return points, nil
}

// WritePoints atomically writes points as a compact JSON array.
func WritePoints(path string, points []Point) error {
	if points == nil {
		points = []Point{}
	}
	raw, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("encode points: %w", err)
	}
	if err := kvstore.WriteFileAtomic(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write points %s: %w", path, err)
	}
	return nil
}

func normalizeCity(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}
