// Package kvstore implements a durable JSON key-value document on the local
// filesystem. Every update is a read-modify-write: the current document is
// read, combined with a delta by a Merger, and written back by atomically
// replacing the file, so readers only ever observe a complete document.
//
// A Store assumes a single writer. The atomic replace prevents torn files when
// two processes race, but not lost updates.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/logging"
)

const (
	defaultPerm = 0o600
	indent      = "    "
)

// Document is the in-memory form of a store: top-level keys mapped to their
// raw JSON values.
type Document map[string]json.RawMessage

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// CorruptError reports a store file that exists but cannot be parsed as a
// JSON object. The file is never modified when this error is returned.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("store %s is not parseable as a JSON object: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error {
	return e.Err
}

// Store is a JSON document persisted at a fixed path.
type Store struct {
	path   string
	logger *zap.Logger
}

// New returns a Store for path. The file does not need to exist.
func New(path string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	return &Store{
		path:   path,
		logger: logging.OrNop(logger).With(zap.String("store", path)),
	}, nil
}

// Path returns the location of the backing file.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the backing file is present.
func (s *Store) Exists() (bool, error) {
	_, err := os.Stat(s.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat store %s: %w", s.path, err)
	}
}

// Read returns the persisted document. A missing file reads as an empty
// document.
func (s *Store) Read(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	return s.load()
}

// Update merges delta into the persisted document and atomically writes the
// result. It returns the document as written.
func (s *Store) Update(ctx context.Context, delta any, merge Merger) (Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	if merge == nil {
		merge = Overwrite{}
	}
	current, err := s.load()
	if err != nil {
		return nil, err
	}
	next, err := merge.Merge(current, delta)
	if err != nil {
		s.logger.Error("merge failed; store left unchanged", zap.Error(err))
		return nil, fmt.Errorf("merge into %s: %w", s.path, err)
	}
	if next == nil {
		next = Document{}
	}
	payload, err := Encode(next)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context canceled: %w", err)
	}
	if err := WriteFileAtomic(s.path, payload, defaultPerm); err != nil {
		return nil, fmt.Errorf("write store %s: %w", s.path, err)
	}
	s.logger.Debug("store updated", zap.Int("keys", len(next)), zap.Int("bytes", len(payload)))
	return next, nil
}

// Remove deletes the backing file. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove store %s: %w", s.path, err)
	}
	s.logger.Info("store removed")
	return nil
}

func (s *Store) load() (Document, error) {
	// #nosec G304 -- the store path comes from operator configuration.
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Info("store does not exist yet; starting empty")
			return Document{}, nil
		}
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}
	doc, err := Decode(raw)
	if err != nil {
		s.logger.Error("store is not parseable", zap.Error(err))
		return nil, &CorruptError{Path: s.path, Err: err}
	}
	return doc, nil
}

// Decode parses raw bytes into a Document. A JSON null decodes to an empty
// document; anything other than an object is an error.
func Decode(raw []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Document{}
	}
	return doc, nil
}

// Encode renders v as JSON with a four-space indent.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", indent)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temporary file next to path, syncs it and
// renames it over path. The parent directory is synced afterwards so the
// rename itself survives a crash.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	committed = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir) // #nosec G304 -- parent of a configured store path.
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close() //nolint:errcheck // read-only handle
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}
