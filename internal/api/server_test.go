package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/bizfetch/internal/ledger"
	"github.com/JakeFAU/bizfetch/internal/metrics"
)

type brokenSource struct{}

func (brokenSource) Reload(context.Context) error { return errors.New("corrupt") }
func (brokenSource) Snapshot() map[string]ledger.Status { return nil }

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	ctx := context.Background()
	l, err := ledger.Open(ctx, filepath.Join(t.TempDir(), "progress.json"), nil)
	require.NoError(t, err)
	require.NoError(t, l.AddKeys(ctx, []string{"arts", "bars", "cafes", "food"}))
	require.NoError(t, l.MarkComplete(ctx, "bars"))
	require.NoError(t, l.MarkWontfix(ctx, "food"))
	return l
}

func serve(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	ok := NewServer(NewProgressHandler(newLedger(t), nil), nil, map[string]ReadyCheck{
		"ledger": func(context.Context) error { return nil },
	}, nil)
	rec, body := serve(t, ok, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = serve(t, ok, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	failing := NewServer(NewProgressHandler(newLedger(t), nil), nil, map[string]ReadyCheck{
		"taxonomy": func(context.Context) error { return errors.New("missing file") },
	}, nil)
	rec, body = serve(t, failing, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]any{"taxonomy": "missing file"}, body["failures"])
}

func TestProgressSummary(t *testing.T) {
	t.Parallel()

	s := NewServer(NewProgressHandler(newLedger(t), nil), nil, nil, nil)
	rec, body := serve(t, s, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), body["total"])
	assert.Equal(t, map[string]any{
		"incomplete": float64(2),
		"complete":   float64(1),
		"wontfix":    float64(1),
	}, body["counts"])
}

func TestProgressSeesExternalWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	l := newLedger(t)
	s := NewServer(NewProgressHandler(l, nil), nil, nil, nil)

	writer, err := ledger.Open(ctx, l.Path(), nil)
	require.NoError(t, err)
	require.NoError(t, writer.MarkComplete(ctx, "arts"))

	_, body := serve(t, s, "/v1/progress/categories/arts")
	assert.Equal(t, "complete", body["status"])
}

func TestListCategories(t *testing.T) {
	t.Parallel()

	s := NewServer(NewProgressHandler(newLedger(t), nil), nil, nil, nil)

	rec, body := serve(t, s, "/v1/progress/categories?status=incomplete")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, []any{
		map[string]any{"category": "arts", "status": "incomplete"},
		map[string]any{"category": "cafes", "status": "incomplete"},
	}, body["categories"])

	_, body = serve(t, s, "/v1/progress/categories?limit=2&offset=3")
	assert.Equal(t, float64(4), body["total"])
	assert.Equal(t, []any{map[string]any{"category": "food", "status": "wontfix"}}, body["categories"])

	_, body = serve(t, s, "/v1/progress/categories?offset=99")
	assert.Equal(t, []any{}, body["categories"])

	for _, bad := range []string{"?status=done", "?limit=0", "?offset=-1", "?limit=abc"} {
		rec, _ = serve(t, s, "/v1/progress/categories"+bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestGetCategory(t *testing.T) {
	t.Parallel()

	s := NewServer(NewProgressHandler(newLedger(t), nil), nil, nil, nil)
	rec, body := serve(t, s, "/v1/progress/categories/food")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wontfix", body["status"])

	rec, _ = serve(t, s, "/v1/progress/categories/unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProgressErrors(t *testing.T) {
	t.Parallel()

	unavailable := NewServer(NewProgressHandler(nil, nil), nil, nil, nil)
	rec, _ := serve(t, unavailable, "/v1/progress")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	broken := NewServer(NewProgressHandler(brokenSource{}, nil), nil, nil, nil)
	rec, _ = serve(t, broken, "/v1/progress")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := metrics.New(false)
	s := NewServer(NewProgressHandler(newLedger(t), nil), rec, nil, nil)
	serve(t, s, "/healthz")

	resp, _ := serve(t, s, "/metrics")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `bizfetch_http_requests_total{code="200",method="GET"} 1`)
}
