// Package ledger tracks per-key fetch progress in a durable JSON file so a
// long-running fetch can resume where it stopped. Each key is Incomplete,
// Complete or Wontfix; every mutation is written through to disk before the
// call returns.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/kvstore"
	"github.com/JakeFAU/bizfetch/internal/logging"
)

// Ledger is a write-through progress record backed by a kvstore.Store.
//
// Reads are served from an in-memory copy of the file that is re-read after
// every mutation. Ledger is safe for concurrent readers; writers are expected
// to be a single goroutine (the fetch engine).
type Ledger struct {
	store  *kvstore.Store
	logger *zap.Logger

	mu   sync.RWMutex
	data map[string]Status
}

// Open loads the ledger at path. When the file does not exist an empty ledger
// is created on disk.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Ledger, error) {
	logger = logging.OrNop(logger).Named("ledger")
	store, err := kvstore.New(path, logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{store: store, logger: logger}
	exists, err := store.Exists()
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if !exists {
		if err := l.Reset(ctx, nil); err != nil {
			return nil, err
		}
		return l, nil
	}
	if err := l.refresh(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// Path returns the location of the backing file.
func (l *Ledger) Path() string {
	return l.store.Path()
}

// Reload re-reads the backing file, picking up writes made by another
// process.
func (l *Ledger) Reload(ctx context.Context) error {
	return l.refresh(ctx)
}

// Status returns the status recorded for key.
func (l *Ledger) Status(key string) (Status, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.data[key]
	return s, ok
}

// IsComplete reports whether key is Complete.
func (l *Ledger) IsComplete(key string) bool {
	s, ok := l.Status(key)
	return ok && s == Complete
}

// IsIncomplete reports whether key is Incomplete.
func (l *Ledger) IsIncomplete(key string) bool {
	s, ok := l.Status(key)
	return ok && s == Incomplete
}

// IsWontfix reports whether key is Wontfix.
func (l *Ledger) IsWontfix(key string) bool {
	s, ok := l.Status(key)
	return ok && s == Wontfix
}

// Keys returns every tracked key, sorted.
func (l *Ledger) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.data))
	for k := range l.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns a copy of the current key to status mapping.
func (l *Ledger) Snapshot() map[string]Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Status, len(l.data))
	for k, v := range l.data {
		out[k] = v
	}
	return out
}

// Incomplete returns the sorted keys whose status is Incomplete.
func (l *Ledger) Incomplete() []string {
	return l.withStatus(Incomplete)
}

// Counts tallies keys per status. Every known status is present in the result.
func (l *Ledger) Counts() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[Status]int, len(Statuses))
	for _, s := range Statuses {
		counts[s] = 0
	}
	for _, s := range l.data {
		counts[s]++
	}
	return counts
}

// AddKeys tracks keys that are not yet present as Incomplete. Existing keys
// keep their status. Nothing is written when every key is already tracked.
func (l *Ledger) AddKeys(ctx context.Context, keys []string) error {
	if err := validateKeys(keys); err != nil {
		return err
	}
	l.mu.RLock()
	fresh := make(map[string]Status)
	for _, k := range keys {
		if _, ok := l.data[k]; !ok {
			fresh[k] = Incomplete
		}
	}
	l.mu.RUnlock()
	if len(fresh) == 0 {
		return nil
	}
	if _, err := l.store.Update(ctx, fresh, kvstore.Overwrite{}); err != nil {
		return fmt.Errorf("add %d keys: %w", len(fresh), err)
	}
	l.logger.Debug("keys added", zap.Int("count", len(fresh)))
	return l.refresh(ctx)
}

// MarkComplete records key as Complete.
func (l *Ledger) MarkComplete(ctx context.Context, key string) error {
	return l.set(ctx, key, Complete)
}

// MarkWontfix records key as Wontfix so it is never attempted again.
func (l *Ledger) MarkWontfix(ctx context.Context, key string) error {
	return l.set(ctx, key, Wontfix)
}

// DeleteKey removes key from the ledger. Removing an absent key is a no-op.
func (l *Ledger) DeleteKey(ctx context.Context, key string) error {
	if _, err := l.store.Update(ctx, nil, kvstore.DeleteKey{Key: key}); err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	l.logger.Debug("key deleted", zap.String("key", key))
	return l.refresh(ctx)
}

// Reset discards the backing file and starts over with keys, all Incomplete.
func (l *Ledger) Reset(ctx context.Context, keys []string) error {
	if err := validateKeys(keys); err != nil {
		return err
	}
	if err := l.store.Remove(); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	fresh := make(map[string]Status, len(keys))
	for _, k := range keys {
		fresh[k] = Incomplete
	}
	if _, err := l.store.Update(ctx, fresh, kvstore.Overwrite{}); err != nil {
		return fmt.Errorf("reset ledger: %w", err)
	}
	l.logger.Info("ledger reset", zap.Int("keys", len(fresh)))
	return l.refresh(ctx)
}

func (l *Ledger) set(ctx context.Context, key string, status Status) error {
	if err := validateKeys([]string{key}); err != nil {
		return err
	}
	if _, err := l.store.Update(ctx, map[string]Status{key: status}, kvstore.Overwrite{}); err != nil {
		return fmt.Errorf("mark %q %s: %w", key, status, err)
	}
	l.logger.Debug("status recorded", zap.String("key", key), zap.Stringer("status", status))
	return l.refresh(ctx)
}

func (l *Ledger) refresh(ctx context.Context) error {
	doc, err := l.store.Read(ctx)
	if err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}
	data, err := decode(doc)
	if err != nil {
		return fmt.Errorf("load ledger %s: %w", l.store.Path(), err)
	}
	l.mu.Lock()
	l.data = data
	l.mu.Unlock()
	return nil
}

func (l *Ledger) withStatus(want Status) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var keys []string
	for k, s := range l.data {
		if s == want {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func decode(doc kvstore.Document) (map[string]Status, error) {
	data := make(map[string]Status, len(doc))
	for k, raw := range doc {
		var s Status
		if err := s.UnmarshalJSON(raw); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		data[k] = s
	}
	return data, nil
}

func validateKeys(keys []string) error {
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("ledger keys must be non-empty")
		}
	}
	return nil
}
