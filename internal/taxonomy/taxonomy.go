// Package taxonomy exposes the static category hierarchy used to narrow
// searches. The hierarchy is read once from a Source, on first use, and kept
// for the lifetime of the Taxonomy value.
package taxonomy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Entry is one category with the aliases of its direct parents.
type Entry struct {
	Alias   string   `json:"alias"`
	Parents []string `json:"parents"`
}

// LoadError reports a taxonomy source that is missing or malformed.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load taxonomy from %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Source provides the raw category list.
type Source interface {
	Load(ctx context.Context) ([]Entry, error)
}

// FileSource reads a JSON array of {alias, parents} records from disk.
type FileSource struct {
	Path string
}

// Load implements Source.
func (f FileSource) Load(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	// #nosec G304 -- the taxonomy path comes from operator configuration.
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, &LoadError{Source: f.Path, Err: err}
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, &LoadError{Source: f.Path, Err: err}
	}
	if entries == nil {
		return nil, &LoadError{Source: f.Path, Err: errors.New("category list is null")}
	}
	return entries, nil
}

// StaticSource serves a fixed, in-memory category list.
type StaticSource []Entry

// Load implements Source.
func (s StaticSource) Load(context.Context) ([]Entry, error) {
	return append([]Entry(nil), s...), nil
}

// Taxonomy answers one-level parent/child questions about categories. The
// source taxonomy is a DAG by construction, so no cycle handling is done.
type Taxonomy struct {
	source Source
	name   string

	mu       sync.Mutex
	loaded   bool
	err      error
	children map[string][]string
	topLevel []string
	size     int
}

// New returns a Taxonomy that loads lazily from source.
func New(source Source) *Taxonomy {
	name := fmt.Sprintf("%T", source)
	if fs, ok := source.(FileSource); ok {
		name = fs.Path
	}
	return &Taxonomy{source: source, name: name}
}

// TopLevel returns the sorted aliases of categories without parents.
func (t *Taxonomy) TopLevel(ctx context.Context) ([]string, error) {
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), t.topLevel...), nil
}

// Children returns the sorted aliases that list parent as a direct parent.
// The result is empty for leaf categories and unknown aliases.
func (t *Taxonomy) Children(ctx context.Context, parent string) ([]string, error) {
	if err := t.load(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), t.children[parent]...), nil
}

// Len returns the number of categories in the taxonomy.
func (t *Taxonomy) Len(ctx context.Context) (int, error) {
	if err := t.load(ctx); err != nil {
		return 0, err
	}
	return t.size, nil
}

// load reads the source on first use. Source and parse failures are kept
// and returned to every later caller; a canceled or expired ctx is not, so
// the next call with a live context tries again.
func (t *Taxonomy) load(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loaded {
		return t.err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("load taxonomy: %w", err)
	}
	entries, err := t.source.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return err
		}
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			err = &LoadError{Source: t.name, Err: err}
		}
		t.err, t.loaded = err, true
		return err
	}
	t.err, t.loaded = t.index(entries), true
	return t.err
}

func (t *Taxonomy) index(entries []Entry) error {
	children := make(map[string][]string)
	seen := make(map[string]struct{}, len(entries))
	var top []string
	for i, e := range entries {
		alias := strings.TrimSpace(e.Alias)
		if alias == "" {
			return &LoadError{Source: t.name, Err: fmt.Errorf("entry %d has an empty alias", i)}
		}
		if _, dup := seen[alias]; dup {
			continue
		}
		seen[alias] = struct{}{}
		if len(e.Parents) == 0 {
			top = append(top, alias)
			continue
		}
		for _, p := range e.Parents {
			children[p] = append(children[p], alias)
		}
	}
	sort.Strings(top)
	for p := range children {
		sort.Strings(children[p])
	}
	t.children = children
	t.topLevel = top
	t.size = len(seen)
	return nil
}
