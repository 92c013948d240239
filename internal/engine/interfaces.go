package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/JakeFAU/bizfetch/internal/kvstore"
	"github.com/JakeFAU/bizfetch/internal/search"
)

// Searcher issues one page request against the search API.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

// Progress is the resumption state the engine drives.
type Progress interface {
	Incomplete() []string
	IsIncomplete(key string) bool
	MarkComplete(ctx context.Context, key string) error
	MarkWontfix(ctx context.Context, key string) error
	AddKeys(ctx context.Context, keys []string) error
}

// EntitySink persists fetched records.
type EntitySink interface {
	Update(ctx context.Context, delta any, merge kvstore.Merger) (kvstore.Document, error)
}

// Taxonomy answers one-level category lookups.
type Taxonomy interface {
	TopLevel(ctx context.Context) ([]string, error)
	Children(ctx context.Context, parent string) ([]string, error)
}

// Mirror receives a copy of every persisted page.
type Mirror interface {
	UpsertEntities(ctx context.Context, category string, records []json.RawMessage) error
}

// Recorder observes engine progress.
type Recorder interface {
	ObservePage(category string, stored, skipped int)
	ObserveCategory(outcome string)
}

// Clock supplies timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator issues run ids.
type IDGenerator interface {
	NewID() (string, error)
}
