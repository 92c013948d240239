// Package engine drives the resumable category fetch.
//
// For every Incomplete category the engine pages through the search results
// and persists them. When a category matches more results than the API will
// ever return, the category is marked Wontfix and its direct children are
// queued in its place, so the union of the children covers the parent. All
// state lives in the progress ledger, so a run can stop at any request
// boundary and resume on the next call.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/kvstore"
	"github.com/JakeFAU/bizfetch/internal/logging"
	"github.com/JakeFAU/bizfetch/internal/search"
)

const (
	// DefaultPageLimit is the page size of a single request.
	DefaultPageLimit = 50
	// DefaultMaxRetrievable is the deepest offset+limit the API will serve for
	// one query.
	DefaultMaxRetrievable = 1000
)

// Category outcomes reported to the Recorder.
const (
	OutcomeComplete     = "complete"
	OutcomeNarrowed     = "narrowed"
	OutcomeFailed       = "failed"
	OutcomeUnnarrowable = "unnarrowable"
	OutcomeSkipped      = "skipped"
)

// UnnarrowableError reports a category whose result set exceeds the
// retrievable maximum but which has no children to narrow into. The category
// is marked Wontfix; its results beyond the first pages are unreachable.
type UnnarrowableError struct {
	Category string
	Total    int
}

func (e *UnnarrowableError) Error() string {
	return fmt.Sprintf("category %q has %d results, exceeds the retrievable limit and has no child categories", e.Category, e.Total)
}

// Config holds the query and paging parameters.
type Config struct {
	Location       string
	Term           string
	PageLimit      int
	MaxRetrievable int
}

// Deps bundles the engine collaborators. Mirror, Recorder, Clock, IDs and
// Logger are optional.
type Deps struct {
	Searcher Searcher
	Progress Progress
	Entities EntitySink
	Taxonomy Taxonomy
	Mirror   Mirror
	Recorder Recorder
	Clock    Clock
	IDs      IDGenerator
	Logger   *zap.Logger
}

// Summary describes one FetchAll pass.
type Summary struct {
	RunID          string    `json:"run_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Attempted      int       `json:"categories_attempted"`
	Completed      int       `json:"categories_completed"`
	Narrowed       int       `json:"categories_narrowed"`
	Failed         int       `json:"categories_failed"`
	Requests       int       `json:"requests"`
	EntitiesStored int       `json:"entities_stored"`
	SkippedRecords int       `json:"records_skipped"`
	ChildrenAdded  int       `json:"children_added"`
	Unnarrowable   []string  `json:"unnarrowable,omitempty"`
	Interrupted    bool      `json:"interrupted,omitempty"`
}

// Duration is the wall time of the pass.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Progressed reports whether the pass changed any category state.
func (s Summary) Progressed() bool {
	return s.Completed > 0 || s.Narrowed > 0 || len(s.Unnarrowable) > 0
}

// Engine runs fetch passes. It is not safe for concurrent use.
type Engine struct {
	searcher Searcher
	progress Progress
	entities EntitySink
	taxonomy Taxonomy
	mirror   Mirror
	recorder Recorder
	clock    Clock
	ids      IDGenerator
	cfg      Config
	logger   *zap.Logger
}

// New validates deps and cfg and returns an Engine. Zero paging values fall
// back to DefaultPageLimit and DefaultMaxRetrievable.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Searcher == nil:
		return nil, errors.New("engine: searcher is required")
	case deps.Progress == nil:
		return nil, errors.New("engine: progress ledger is required")
	case deps.Entities == nil:
		return nil, errors.New("engine: entity store is required")
	case deps.Taxonomy == nil:
		return nil, errors.New("engine: taxonomy is required")
	}
	if cfg.PageLimit == 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	if cfg.MaxRetrievable == 0 {
		cfg.MaxRetrievable = DefaultMaxRetrievable
	}
	if cfg.PageLimit < 0 || cfg.MaxRetrievable < cfg.PageLimit {
		return nil, fmt.Errorf("engine: invalid paging limits page=%d max=%d", cfg.PageLimit, cfg.MaxRetrievable)
	}
	clock := deps.Clock
	if clock == nil {
		clock = wallClock{}
	}
	return &Engine{
		searcher: deps.Searcher,
		progress: deps.Progress,
		entities: deps.Entities,
		taxonomy: deps.Taxonomy,
		mirror:   deps.Mirror,
		recorder: deps.Recorder,
		clock:    clock,
		ids:      deps.IDs,
		cfg:      cfg,
		logger:   logging.OrNop(deps.Logger).Named("engine"),
	}, nil
}

// Seed adds every top-level category to the ledger. Existing keys keep their
// status, so seeding a resumed ledger is harmless.
func (e *Engine) Seed(ctx context.Context) error {
	top, err := e.taxonomy.TopLevel(ctx)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	if err := e.progress.AddKeys(ctx, top); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	e.logger.Info("ledger seeded", zap.Int("top_level", len(top)))
	return nil
}

// FetchAll processes every category that is Incomplete when the call starts.
// Categories added while it runs are left for the next call.
//
// API and transport failures leave the affected category Incomplete and the
// pass continues. Persistence failures abort the pass. The returned error
// joins one *UnnarrowableError per category that could not be narrowed.
func (e *Engine) FetchAll(ctx context.Context) (Summary, error) {
	sum := Summary{StartedAt: e.clock.Now()}
	if e.ids != nil {
		id, err := e.ids.NewID()
		if err != nil {
			return sum, err
		}
		sum.RunID = id
	}
	logger := e.logger
	if sum.RunID != "" {
		logger = logger.With(zap.String("run_id", sum.RunID))
	}

	pending := e.progress.Incomplete()
	logger.Info("fetch pass starting", zap.Int("incomplete", len(pending)))

	var unnarrowable []error
	for _, category := range pending {
		if err := ctx.Err(); err != nil {
			sum.Interrupted = true
			return e.finish(logger, sum), fmt.Errorf("fetch interrupted: %w", err)
		}
		if !e.progress.IsIncomplete(category) {
			logger.Debug("category no longer incomplete; skipping", zap.String("category", category))
			e.observeCategory(OutcomeSkipped)
			continue
		}
		sum.Attempted++
		err := e.fetchCategory(ctx, logger.With(zap.String("category", category)), category, &sum)
		var un *UnnarrowableError
		switch {
		case err == nil:
		case errors.As(err, &un):
			unnarrowable = append(unnarrowable, err)
			sum.Unnarrowable = append(sum.Unnarrowable, un.Category)
		case ctx.Err() != nil:
			sum.Interrupted = true
			return e.finish(logger, sum), fmt.Errorf("fetch interrupted: %w", ctx.Err())
		default:
			return e.finish(logger, sum), err
		}
	}
	return e.finish(logger, sum), errors.Join(unnarrowable...)
}

func (e *Engine) finish(logger *zap.Logger, sum Summary) Summary {
	sum.FinishedAt = e.clock.Now()
	logger.Info("fetch pass finished",
		zap.Int("attempted", sum.Attempted),
		zap.Int("completed", sum.Completed),
		zap.Int("narrowed", sum.Narrowed),
		zap.Int("failed", sum.Failed),
		zap.Int("requests", sum.Requests),
		zap.Int("entities_stored", sum.EntitiesStored),
		zap.Int("children_added", sum.ChildrenAdded),
		zap.Strings("unnarrowable", sum.Unnarrowable),
		zap.Duration("duration", sum.Duration()),
	)
	return sum
}

// fetchCategory pages through one category. A nil error with the category
// still Incomplete means the API failed and the category is retried later.
func (e *Engine) fetchCategory(ctx context.Context, logger *zap.Logger, category string, sum *Summary) error {
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}
		req := search.Request{
			Location:   e.cfg.Location,
			Term:       e.cfg.Term,
			Categories: category,
			Offset:     offset,
			Limit:      e.cfg.PageLimit,
		}
		sum.Requests++
		resp, err := e.searcher.Search(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("search %q: %w", category, err)
			}
			var apiErr *search.APIError
			if errors.As(err, &apiErr) {
				logger.Error("search api error; category left incomplete",
					zap.Int("offset", offset), zap.String("code", apiErr.Code), zap.String("description", apiErr.Description))
			} else {
				logger.Error("search failed; category left incomplete", zap.Int("offset", offset), zap.Error(err))
			}
			sum.Failed++
			e.observeCategory(OutcomeFailed)
			return nil
		}

		total := resp.Total
		if offset == 0 {
			logger.Info("category result count", zap.Int("total", total))
		}
		if total == 0 {
			return e.complete(ctx, category, sum)
		}

		if err := e.persist(ctx, logger, category, resp.Businesses, sum); err != nil {
			return err
		}

		switch {
		case total <= e.cfg.PageLimit:
			return e.complete(ctx, category, sum)
		case total <= e.cfg.MaxRetrievable:
			if offset+e.cfg.PageLimit >= total {
				return e.complete(ctx, category, sum)
			}
			offset += e.cfg.PageLimit
			logger.Debug("fetching next page", zap.Int("offset", offset), zap.Int("total", total))
		default:
			return e.narrow(ctx, logger, category, total, sum)
		}
	}
}

func (e *Engine) persist(ctx context.Context, logger *zap.Logger, category string, records []json.RawMessage, sum *Summary) error {
	skipped := make(map[int]struct{})
	merge := kvstore.IndexByID{
		OnSkip: func(index int, reason string) {
			skipped[index] = struct{}{}
			logger.Warn("record skipped", zap.Int("index", index), zap.String("reason", reason))
		},
	}
	if _, err := e.entities.Update(ctx, records, merge); err != nil {
		return fmt.Errorf("persist page for %q: %w", category, err)
	}
	stored := len(records) - len(skipped)
	sum.EntitiesStored += stored
	sum.SkippedRecords += len(skipped)
	if e.recorder != nil {
		e.recorder.ObservePage(category, stored, len(skipped))
	}

	if e.mirror == nil || stored == 0 {
		return nil
	}
	kept := make([]json.RawMessage, 0, stored)
	for i, r := range records {
		if _, ok := skipped[i]; !ok {
			kept = append(kept, r)
		}
	}
	if err := e.mirror.UpsertEntities(ctx, category, kept); err != nil {
		// The local entity store is authoritative; the mirror catches up on
		// a later pass that revisits the category.
		logger.Error("entity mirror upsert failed", zap.Int("records", len(kept)), zap.Error(err))
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, category string, sum *Summary) error {
	if err := e.progress.MarkComplete(ctx, category); err != nil {
		return fmt.Errorf("mark %q complete: %w", category, err)
	}
	sum.Completed++
	e.observeCategory(OutcomeComplete)
	return nil
}

func (e *Engine) narrow(ctx context.Context, logger *zap.Logger, category string, total int, sum *Summary) error {
	children, err := e.taxonomy.Children(ctx, category)
	if err != nil {
		return fmt.Errorf("narrow %q: %w", category, err)
	}
	if err := e.progress.MarkWontfix(ctx, category); err != nil {
		return fmt.Errorf("mark %q wontfix: %w", category, err)
	}
	if len(children) == 0 {
		logger.Error("result set exceeds the retrievable limit and the category has no children",
			zap.Int("total", total), zap.Int("max_retrievable", e.cfg.MaxRetrievable))
		e.observeCategory(OutcomeUnnarrowable)
		return &UnnarrowableError{Category: category, Total: total}
	}
	if err := e.progress.AddKeys(ctx, children); err != nil {
		return fmt.Errorf("queue children of %q: %w", category, err)
	}
	sum.Narrowed++
	sum.ChildrenAdded += len(children)
	e.observeCategory(OutcomeNarrowed)
	logger.Info("exceeded retrievable limit; narrowed to child categories",
		zap.Int("total", total), zap.String("children", strings.Join(children, ",")))
	return nil
}

func (e *Engine) observeCategory(outcome string) {
	if e.recorder != nil {
		e.recorder.ObserveCategory(outcome)
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
