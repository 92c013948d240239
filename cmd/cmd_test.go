package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bizfetch/internal/app"
)

// searchAPI serves fixed totals per category in the search API's format.
func searchAPI(t *testing.T, totals map[string]int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		q := r.URL.Query()
		total := totals[q.Get("categories")]
		offset, _ := strconv.Atoi(q.Get("offset"))
		limit, _ := strconv.Atoi(q.Get("limit"))
		businesses := []map[string]any{}
		for i := offset; i < total && i < offset+limit; i++ {
			businesses = append(businesses, map[string]any{
				"id":          fmt.Sprintf("%s-%d", q.Get("categories"), i),
				"rating":      4.5,
				"coordinates": map[string]float64{"latitude": 1, "longitude": 2},
				"location":    map[string]string{"city": "Oakland"},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"total": total, "businesses": businesses})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, endpoint, apiKey string) string {
	t.Helper()
	dir := t.TempDir()
	taxonomy := filepath.Join(dir, "categories.json")
	require.NoError(t, os.WriteFile(taxonomy, []byte(`[
		{"alias": "food", "parents": []},
		{"alias": "pizza", "parents": ["food"]},
		{"alias": "bars", "parents": []}
	]`), 0o600))

	cfg := fmt.Sprintf(`
search:
  endpoint: %q
  api_key: %q
  page_limit: 2
  max_retrievable: 4
storage:
  progress_path: %q
  entities_path: %q
  taxonomy_path: %q
logging:
  development: false
`, endpoint, apiKey,
		filepath.Join(dir, "progress.json"),
		filepath.Join(dir, "entities.json"),
		taxonomy)
	path := filepath.Join(dir, "bizfetch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := execute(context.Background(), root)
	return out.String(), err
}

func TestFetchStatusExportReset(t *testing.T) {
	api := searchAPI(t, map[string]int{"food": 9, "pizza": 3, "bars": 1})
	cfgPath := writeConfig(t, api.URL, "test-key")

	out, err := run(t, "fetch", "--config", cfgPath, "--passes", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "pass 1:")
	assert.Contains(t, out, "pass 2:")
	assert.Contains(t, out, "incomplete categories remaining: 0")

	out, err = run(t, "status", "--config", cfgPath, "--json")
	require.NoError(t, err)
	var status struct {
		Total  int            `json:"total"`
		Counts map[string]int `json:"counts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 3, status.Total)
	assert.Equal(t, 2, status.Counts["complete"])
	assert.Equal(t, 1, status.Counts["wontfix"])

	points := filepath.Join(t.TempDir(), "rating.json")
	out, err = run(t, "export", "--config", cfgPath, "--selector", "rating", "--city", "oakland", "--out", points)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 6 points")
	raw, err := os.ReadFile(points)
	require.NoError(t, err)
	var got [][]float64
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Len(t, got, 6)
	assert.Equal(t, []float64{1, 2, 4.5}, got[0])

	_, err = run(t, "reset", "--config", cfgPath)
	require.ErrorContains(t, err, "--yes")

	out, err = run(t, "reset", "--config", cfgPath, "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "2 categories incomplete")

	out, err = run(t, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "incomplete 2")
}

func TestFetchWithoutAPIKey(t *testing.T) {
	api := searchAPI(t, nil)
	cfgPath := writeConfig(t, api.URL, "")

	_, err := run(t, "fetch", "--config", cfgPath)
	require.ErrorContains(t, err, "api_key")
}

func TestExportRejectsUnknownTransform(t *testing.T) {
	cfgPath := writeConfig(t, "https://search.test/v3", "")

	_, err := run(t, "export", "--config", cfgPath, "--selector", "rating", "--transform", "sqrt", "--out", "x.json")
	require.ErrorContains(t, err, "sqrt")
}

func TestBadConfigFails(t *testing.T) {
	_, err := run(t, "status", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "failed to initialize application services")
}

type closeRecorder struct {
	mock.Mock
}

func (m *closeRecorder) Publish(ctx context.Context, event string, payload any) (string, error) {
	args := m.Called(ctx, event, payload)
	return args.String(0), args.Error(1)
}

func (m *closeRecorder) Close() error {
	return m.Called().Error(0)
}

func TestFailedCommandClosesApp(t *testing.T) {
	pub := &closeRecorder{}
	pub.On("Close").Return(nil).Once()

	build := newApp
	t.Cleanup(func() { newApp = build })
	newApp = func(ctx context.Context, cfgFile string) (*app.App, error) {
		a, err := build(ctx, cfgFile)
		if err != nil {
			return nil, err
		}
		a.Publisher = pub
		return a, nil
	}

	cfgPath := writeConfig(t, "https://search.test/v3", "")
	_, err := run(t, "fetch", "--config", cfgPath)
	require.ErrorContains(t, err, "api_key")
	pub.AssertExpectations(t)
}
