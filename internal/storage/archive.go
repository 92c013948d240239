// Package storage archives snapshots of the local JSON stores to a blob
// store after a fetch pass, so a lost or corrupted working copy can be
// restored from the last good run.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/logging"
)

const jsonContentType = "application/json"

// BlobStore persists objects and returns a URI for them.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Archiver copies local files into a BlobStore under a per-run prefix.
type Archiver struct {
	store  BlobStore
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// NewArchiver returns an Archiver writing below prefix.
func NewArchiver(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, errors.New("archive blob store is required")
	}
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logging.OrNop(logger).Named("archive"),
	}, nil
}

// Snapshot uploads each file to <prefix>/<runID>/<basename> and returns the
// resulting URIs. Files that do not exist yet are skipped. An empty runID is
// replaced by the current UTC timestamp.
func (a *Archiver) Snapshot(ctx context.Context, runID string, files ...string) ([]string, error) {
	if runID == "" {
		runID = a.now().Format("20060102T150405Z")
	}
	uris := make([]string, 0, len(files))
	for _, f := range files {
		// #nosec G304 -- archived paths come from operator configuration.
		data, err := os.ReadFile(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				a.logger.Debug("nothing to archive", zap.String("file", f))
				continue
			}
			return uris, fmt.Errorf("read %s for archive: %w", f, err)
		}
		object := path.Join(a.prefix, runID, filepath.Base(f))
		uri, err := a.store.PutObject(ctx, object, jsonContentType, data)
		if err != nil {
			return uris, fmt.Errorf("archive %s: %w", f, err)
		}
		a.logger.Info("snapshot archived", zap.String("file", f), zap.String("uri", uri), zap.Int("bytes", len(data)))
		uris = append(uris, uri)
	}
	return uris, nil
}
