package kvstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bizfetch/internal/kvstore"
)

func newStore(t *testing.T) *kvstore.Store {
	t.Helper()
	store, err := kvstore.New(filepath.Join(t.TempDir(), "store.json"), nil)
	require.NoError(t, err)
	return store
}

func readFile(t *testing.T, path string) map[string]any {
	t.Helper()
	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := kvstore.New("  ", nil)
	assert.Error(t, err)
}

func TestUpdateOverwrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	// A missing file is treated as an empty document.
	_, err := store.Update(ctx, map[string]string{"foo": "bar"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar"}, readFile(t, store.Path()))

	_, err = store.Update(ctx, map[string]string{"two": "bar2"}, kvstore.Overwrite{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "bar", "two": "bar2"}, readFile(t, store.Path()))

	_, err = store.Update(ctx, map[string]string{"foo": "baz"}, kvstore.Overwrite{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"foo": "baz", "two": "bar2"}, readFile(t, store.Path()))
}

func TestUpdateIndexByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	obj1 := map[string]any{"id": "1", "name": "name1"}
	obj2 := map[string]any{"id": "2", "name": "name2"}

	_, err := store.Update(ctx, []any{obj1, obj2}, kvstore.IndexByID{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": obj1, "2": obj2}, readFile(t, store.Path()))

	obj1 = map[string]any{"id": "1", "name": "new_name1"}
	_, err = store.Update(ctx, []any{obj1}, kvstore.IndexByID{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"1": obj1, "2": obj2}, readFile(t, store.Path()))
}

func TestIndexByIDSkipsRecordsWithoutID(t *testing.T) {
	t.Parallel()

	var skipped []int
	merger := kvstore.IndexByID{
		Field: "key",
		OnSkip: func(index int, _ string) {
			skipped = append(skipped, index)
		},
	}
	items := []json.RawMessage{
		json.RawMessage(`{"key":"a","v":1}`),
		json.RawMessage(`{"v":2}`),
		json.RawMessage(`{"key":"","v":3}`),
		json.RawMessage(`{"key":7}`),
		json.RawMessage(`"scalar"`),
	}
	doc, err := merger.Merge(kvstore.Document{}, items)
	require.NoError(t, err)
	assert.Len(t, doc, 1)
	assert.JSONEq(t, `{"key":"a","v":1}`, string(doc["a"]))
	assert.Equal(t, []int{1, 2, 3, 4}, skipped)
}

func TestIndexByIDNilDelta(t *testing.T) {
	t.Parallel()

	doc, err := kvstore.IndexByID{}.Merge(kvstore.Document{"x": json.RawMessage(`1`)}, nil)
	require.NoError(t, err)
	assert.Len(t, doc, 1)
}

func TestUpdateDeleteKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Update(ctx, map[string]int{"a": 1, "b": 2}, nil)
	require.NoError(t, err)

	doc, err := store.Update(ctx, nil, kvstore.DeleteKey{Key: "a"})
	require.NoError(t, err)
	assert.NotContains(t, doc, "a")
	assert.Equal(t, map[string]any{"b": float64(2)}, readFile(t, store.Path()))

	// Deleting an absent key is a no-op.
	_, err = store.Update(ctx, nil, kvstore.DeleteKey{Key: "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": float64(2)}, readFile(t, store.Path()))
}

func TestUpdateMergeFunc(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	counter := kvstore.MergeFunc(func(current kvstore.Document, _ any) (kvstore.Document, error) {
		var n int
		if raw, ok := current["n"]; ok {
			if err := json.Unmarshal(raw, &n); err != nil {
				return nil, err
			}
		}
		current["n"] = json.RawMessage(strconv.Itoa(n + 1))
		return current, nil
	})
	for i := 0; i < 3; i++ {
		_, err := store.Update(ctx, nil, counter)
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]any{"n": float64(3)}, readFile(t, store.Path()))
}

func TestUpdateMergeErrorLeavesFileIntact(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Update(ctx, map[string]string{"keep": "me"}, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = store.Update(ctx, nil, kvstore.MergeFunc(func(kvstore.Document, any) (kvstore.Document, error) {
		return nil, boom
	}))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, map[string]any{"keep": "me"}, readFile(t, store.Path()))
}

func TestUpdateRejectsWrongDeltaShape(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	_, err := store.Update(ctx, []string{"not", "an", "object"}, kvstore.Overwrite{})
	assert.Error(t, err)
	_, err = store.Update(ctx, map[string]string{"not": "a list"}, kvstore.IndexByID{})
	assert.Error(t, err)
	_, statErr := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(statErr), "failed merges must not create the file")
}

func TestCorruptStoreIsNeverRepaired(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := map[string]string{
		"empty file": "",
		"truncated":  `{"a": 1`,
		"array":      `[1, 2, 3]`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "store.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			store, err := kvstore.New(path, nil)
			require.NoError(t, err)

			_, err = store.Update(ctx, map[string]string{"foo": "bar"}, nil)
			var corrupt *kvstore.CorruptError
			require.ErrorAs(t, err, &corrupt)
			assert.Equal(t, path, corrupt.Path)

			_, err = store.Read(ctx)
			require.ErrorAs(t, err, &corrupt)

			// #nosec G304 -- test reads from the controlled temp directory.
			after, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, content, string(after))
		})
	}
}

func TestReadMissingAndNull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc)

	require.NoError(t, os.WriteFile(store.Path(), []byte("null"), 0o600))
	doc, err = store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestUpdateWritesIndentedJSONAndNoTempFiles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := kvstore.New(filepath.Join(dir, "nested", "store.json"), nil)
	require.NoError(t, err)

	_, err = store.Update(ctx, map[string]int{"a": 1}, nil)
	require.NoError(t, err)

	// #nosec G304 -- test reads from the controlled temp directory.
	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, "{\n    \"a\": 1\n}\n", string(raw))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestUpdateHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Update(ctx, map[string]int{"a": 1}, nil)
	require.ErrorIs(t, err, context.Canceled)
	_, statErr := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestRemove(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Remove(), "removing a missing file is not an error")
	_, err := store.Update(ctx, map[string]int{"a": 1}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Remove())
	doc, err := store.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, doc)
}
