package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bizfetch/internal/storage"
	"github.com/JakeFAU/bizfetch/internal/storage/memory"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestSnapshotUploadsFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	progress := writeFile(t, dir, "progress.json", `{"food": 2}`)
	entities := writeFile(t, dir, "entities.json", `{"a": {"id": "a"}}`)

	blobs := memory.NewBlobStore()
	a, err := storage.NewArchiver(blobs, "/snapshots/", nil)
	require.NoError(t, err)

	uris, err := a.Snapshot(context.Background(), "run-1", progress, entities, filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"memory://snapshots/run-1/progress.json",
		"memory://snapshots/run-1/entities.json",
	}, uris)

	got, ok := blobs.Get("snapshots/run-1/progress.json")
	require.True(t, ok)
	assert.Equal(t, `{"food": 2}`, string(got))
}

func TestSnapshotWithoutRunIDUsesTimestamp(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	progress := writeFile(t, dir, "progress.json", `{}`)

	blobs := memory.NewBlobStore()
	a, err := storage.NewArchiver(blobs, "", nil)
	require.NoError(t, err)

	_, err = a.Snapshot(context.Background(), "", progress)
	require.NoError(t, err)
	keys := blobs.Keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, `^\d{8}T\d{6}Z/progress\.json$`, keys[0])
}

func TestSnapshotStopsOnUploadError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	first := writeFile(t, dir, "progress.json", `{}`)
	second := writeFile(t, dir, "entities.json", `{}`)

	blobs := &storage.MockBlobStore{}
	blobs.On("PutObject", mock.Anything, "snapshots/run-2/progress.json", "application/json", []byte(`{}`)).
		Return("", errors.New("quota exceeded")).Once()

	a, err := storage.NewArchiver(blobs, "snapshots", nil)
	require.NoError(t, err)

	uris, err := a.Snapshot(context.Background(), "run-2", first, second)
	require.ErrorContains(t, err, "quota exceeded")
	assert.Empty(t, uris)
	blobs.AssertExpectations(t)
	blobs.AssertNumberOfCalls(t, "PutObject", 1)
}

func TestNewArchiverRequiresStore(t *testing.T) {
	t.Parallel()
	_, err := storage.NewArchiver(nil, "x", nil)
	assert.Error(t, err)
}
