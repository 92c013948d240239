// Package app builds the long-lived services behind the CLI commands and
// runs the fetch, status, reset, export and serve workflows on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/api"
	"github.com/JakeFAU/bizfetch/internal/clock/system"
	"github.com/JakeFAU/bizfetch/internal/config"
	"github.com/JakeFAU/bizfetch/internal/engine"
	"github.com/JakeFAU/bizfetch/internal/export"
	"github.com/JakeFAU/bizfetch/internal/id/uuid"
	"github.com/JakeFAU/bizfetch/internal/kvstore"
	"github.com/JakeFAU/bizfetch/internal/ledger"
	"github.com/JakeFAU/bizfetch/internal/logging"
	"github.com/JakeFAU/bizfetch/internal/metrics"
	"github.com/JakeFAU/bizfetch/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/bizfetch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/bizfetch/internal/publisher/pubsub"
	"github.com/JakeFAU/bizfetch/internal/search"
	"github.com/JakeFAU/bizfetch/internal/storage"
	"github.com/JakeFAU/bizfetch/internal/storage/gcs"
	"github.com/JakeFAU/bizfetch/internal/storage/local"
	"github.com/JakeFAU/bizfetch/internal/storage/postgres"
	"github.com/JakeFAU/bizfetch/internal/taxonomy"
)

// RunEvent is the event attribute attached to published run summaries.
const RunEvent = "fetch_run"

// Publisher sends run notifications.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) (string, error)
	Close() error
}

// Mirror is the optional relational copy of the entity store.
type Mirror interface {
	engine.Mirror
	Ping(ctx context.Context) error
	Close()
}

// App holds the shared services for one CLI invocation.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Recorder
	Taxonomy  *taxonomy.Taxonomy
	Ledger    *ledger.Ledger
	Entities  *kvstore.Store
	Mirror    Mirror
	Archiver  *storage.Archiver
	Publisher Publisher

	clock   engine.Clock
	ids     engine.IDGenerator
	closers []func() error
	closed  bool
}

// New opens the local stores and connects the optional backends named in
// cfg. It fails fast when a configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	l := logging.OrNop(logger)
	l.Info("initializing application services")

	a := &App{
		Config:   cfg,
		Logger:   l,
		Metrics:  metrics.New(true),
		Taxonomy: taxonomy.New(taxonomy.FileSource{Path: cfg.Storage.TaxonomyPath}),
		clock:    system.New(),
		ids:      uuid.New(),
	}

	var err error
	a.Ledger, err = ledger.Open(ctx, cfg.Storage.ProgressPath, l)
	if err != nil {
		return nil, fmt.Errorf("open progress ledger: %w", err)
	}
	a.Entities, err = kvstore.New(cfg.Storage.EntitiesPath, l.Named("entities"))
	if err != nil {
		return nil, fmt.Errorf("open entity store: %w", err)
	}

	if err := a.initMirror(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initArchiver(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.initPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}

	l.Info("application services initialized",
		zap.String("progress", cfg.Storage.ProgressPath),
		zap.String("entities", cfg.Storage.EntitiesPath),
		zap.Bool("mirror", a.Mirror != nil),
		zap.Bool("archive", a.Archiver != nil),
	)
	return a, nil
}

func (a *App) initMirror(ctx context.Context) error {
	if a.Config.DB.DSN == "" {
		return nil
	}
	a.Logger.Info("connecting to postgres mirror", zap.String("table", a.Config.DB.Table))
	store, err := postgres.NewEntityStore(ctx, postgres.EntityStoreConfig{
		DSN:      a.Config.DB.DSN,
		Table:    a.Config.DB.Table,
		MaxConns: a.Config.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("initialize postgres mirror: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return fmt.Errorf("initialize postgres mirror: %w", err)
	}
	a.Mirror = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	return nil
}

func (a *App) initArchiver(ctx context.Context) error {
	var blobs storage.BlobStore
	switch {
	case a.Config.Storage.GCSBucket != "":
		a.Logger.Info("using gcs snapshot archive", zap.String("bucket", a.Config.Storage.GCSBucket))
		store, err := gcs.Dial(ctx, gcs.Config{Bucket: a.Config.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("initialize gcs archive: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		blobs = store
	case a.Config.Storage.ArchiveDir != "":
		a.Logger.Info("using local snapshot archive", zap.String("dir", a.Config.Storage.ArchiveDir))
		store, err := local.New(local.Config{BaseDir: a.Config.Storage.ArchiveDir})
		if err != nil {
			return fmt.Errorf("initialize local archive: %w", err)
		}
		blobs = store
	default:
		return nil
	}
	archiver, err := storage.NewArchiver(blobs, a.Config.Storage.GCSPrefix, a.Logger)
	if err != nil {
		return err
	}
	a.Archiver = archiver
	return nil
}

func (a *App) initPublisher(ctx context.Context) error {
	if a.Config.PubSub.ProjectID == "" {
		a.Logger.Debug("pubsub not configured; run summaries stay in memory")
		a.Publisher = memorypublisher.New()
		return nil
	}
	a.Logger.Info("connecting to pubsub", zap.String("topic", a.Config.PubSub.TopicName))
	pub, err := pubsubpublisher.Dial(ctx, a.Config.PubSub.ProjectID, a.Config.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("initialize pubsub publisher: %w", err)
	}
	a.Publisher = pub
	return nil
}

// Engine builds a fetch engine around searcher, or around an HTTP search
// client built from the configuration when searcher is nil.
func (a *App) Engine(searcher engine.Searcher) (*engine.Engine, error) {
	if searcher == nil {
		if err := a.Config.RequireSearchCredentials(); err != nil {
			return nil, err
		}
		limiter := ratelimit.New(ratelimit.Config{
			RequestsPerSecond: a.Config.Search.RequestsPerSecond,
			OnDelay:           a.Metrics.ObserveRateLimitDelay,
		})
		client, err := search.NewClient(search.Config{
			Endpoint: a.Config.Search.Endpoint,
			APIKey:   a.Config.Search.APIKey,
			Timeout:  a.Config.RequestTimeout(),
			Pacer:    limiter,
			Observer: a.Metrics,
			Logger:   a.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("build search client: %w", err)
		}
		searcher = client
	}
	deps := engine.Deps{
		Searcher: searcher,
		Progress: a.Ledger,
		Entities: a.Entities,
		Taxonomy: a.Taxonomy,
		Recorder: a.Metrics,
		Clock:    a.clock,
		IDs:      a.ids,
		Logger:   a.Logger,
	}
	if a.Mirror != nil {
		deps.Mirror = a.Mirror
	}
	return engine.New(deps, engine.Config{
		Location:       a.Config.Search.Location,
		Term:           a.Config.Search.Term,
		PageLimit:      a.Config.Search.PageLimit,
		MaxRetrievable: a.Config.Search.MaxRetrievable,
	})
}

// Fetch seeds the ledger and runs up to passes FetchAll passes, stopping
// early when a pass changes nothing or the ledger has no Incomplete keys.
// After the last pass it flushes metrics, archives the stores and publishes
// the final summary; failures in those steps are logged, not returned.
//
// A fatal error ends the loop and is returned alone. Otherwise the returned
// error joins the *engine.UnnarrowableError values of every pass.
func (a *App) Fetch(ctx context.Context, eng *engine.Engine, passes int) ([]engine.Summary, error) {
	if passes <= 0 {
		passes = 1
	}
	if err := eng.Seed(ctx); err != nil {
		return nil, err
	}

	var (
		summaries    []engine.Summary
		unnarrowable []error
		runErr       error
	)
	for i := 0; i < passes; i++ {
		sum, err := eng.FetchAll(ctx)
		summaries = append(summaries, sum)
		if err != nil {
			var un *engine.UnnarrowableError
			if !errors.As(err, &un) {
				runErr = err
				break
			}
			a.Logger.Warn("categories could not be narrowed", zap.Strings("categories", sum.Unnarrowable))
			unnarrowable = append(unnarrowable, err)
		}
		if !sum.Progressed() || len(a.Ledger.Incomplete()) == 0 {
			break
		}
	}
	if runErr == nil {
		runErr = errors.Join(unnarrowable...)
	}

	if len(summaries) > 0 {
		a.afterRun(context.WithoutCancel(ctx), summaries[len(summaries)-1])
	}
	return summaries, runErr
}

func (a *App) afterRun(ctx context.Context, sum engine.Summary) {
	a.Metrics.SetLedgerCounts(a.Counts())
	a.Metrics.ObserveRun(sum.FinishedAt, sum.Duration())
	if err := a.FlushMetrics(ctx); err != nil {
		a.Logger.Warn("metrics flush failed", zap.Error(err))
	}

	if a.Archiver != nil {
		uris, err := a.Archiver.Snapshot(ctx, sum.RunID, a.Config.Storage.ProgressPath, a.Config.Storage.EntitiesPath)
		if err != nil {
			a.Logger.Warn("snapshot archive failed", zap.Error(err))
		} else {
			a.Logger.Info("stores archived", zap.Strings("uris", uris))
		}
	}

	id, err := a.Publisher.Publish(ctx, RunEvent, sum)
	if err != nil {
		a.Logger.Warn("run summary publish failed", zap.Error(err))
		return
	}
	a.Logger.Debug("run summary published", zap.String("message_id", id))
}

// FlushMetrics writes the textfile and pushes to the Pushgateway when
// either is configured.
func (a *App) FlushMetrics(ctx context.Context) error {
	var errs []error
	if path := a.Config.Metrics.TextfilePath; path != "" {
		if err := a.Metrics.WriteTextfile(path); err != nil {
			errs = append(errs, err)
		}
	}
	if url := a.Config.Metrics.PushgatewayURL; url != "" {
		if err := a.Metrics.Push(ctx, url, a.Config.Metrics.JobName); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Counts tallies the ledger by status name.
func (a *App) Counts() map[string]int {
	counts := make(map[string]int, 3)
	for status, n := range a.Ledger.Counts() {
		counts[status.String()] = n
	}
	return counts
}

// Reset discards all progress and re-seeds the ledger with the top-level
// categories. Fetched entities are kept.
func (a *App) Reset(ctx context.Context) error {
	top, err := a.Taxonomy.TopLevel(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	if err := a.Ledger.Reset(ctx, top); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	a.Logger.Warn("progress reset", zap.Int("top_level", len(top)))
	return nil
}

// Export projects the entity store into points and writes them to out.
func (a *App) Export(ctx context.Context, opts export.Options, out string) (int, error) {
	doc, err := a.Entities.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("read entities: %w", err)
	}
	points, err := export.Project(doc, opts)
	if err != nil {
		return 0, err
	}
	if err := export.WritePoints(out, points); err != nil {
		return 0, err
	}
	a.Logger.Info("points exported", zap.Int("points", len(points)), zap.String("out", out))
	return len(points), nil
}

// Server builds the status API over the ledger.
func (a *App) Server() *api.Server {
	checks := map[string]api.ReadyCheck{
		"taxonomy": func(ctx context.Context) error {
			_, err := a.Taxonomy.Len(ctx)
			return err
		},
		"ledger": a.Ledger.Reload,
	}
	if a.Mirror != nil {
		checks["postgres"] = a.Mirror.Ping
	}
	return api.NewServer(api.NewProgressHandler(a.Ledger, a.Logger), a.Metrics, checks, a.Logger)
}

// Serve runs the status server on addr until ctx is done.
func (a *App) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("http server started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.Logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	a.Logger.Info("shutdown complete")
	return nil
}

// Close releases backend connections and flushes the logger. Calls after
// the first are no-ops.
func (a *App) Close() {
	if a.closed {
		return
	}
	a.closed = true
	a.Logger.Debug("shutting down application services")
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.Logger.Warn("error closing publisher", zap.Error(err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("error closing backend", zap.Error(err))
		}
	}
	a.closers = nil
	// Sync fails on terminals with ENOTTY; nothing useful can be done about it.
	_ = a.Logger.Sync()
}
