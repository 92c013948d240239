package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/bizfetch/internal/ledger"
	"github.com/JakeFAU/bizfetch/internal/logging"
)

const (
	defaultCategoryLimit = 100
	maxCategoryLimit     = 1000
	progressTimeout      = 3 * time.Second
)

// ProgressSource is a ledger view that can be refreshed from disk.
type ProgressSource interface {
	Reload(ctx context.Context) error
	Snapshot() map[string]ledger.Status
}

// ProgressHandler exposes read-only ledger endpoints.
type ProgressHandler struct {
	source  ProgressSource
	timeout time.Duration
	logger  *zap.Logger
}

// NewProgressHandler wires the ledger view and logger.
func NewProgressHandler(source ProgressSource, logger *zap.Logger) *ProgressHandler {
	return &ProgressHandler{
		source:  source,
		timeout: progressTimeout,
		logger:  logging.OrNop(logger).Named("progress"),
	}
}

// Summary handles GET /v1/progress. It returns {"total": n, "counts": {...}}
// with an entry for every status, 503 when no ledger is configured, or 500
// when the ledger cannot be read.
func (h *ProgressHandler) Summary(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	counts := make(map[string]int, len(ledger.Statuses))
	for _, s := range ledger.Statuses {
		counts[s.String()] = 0
	}
	for _, s := range snap {
		counts[s.String()]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  len(snap),
		"counts": counts,
	})
}

// ListCategories handles GET /v1/progress/categories?status=&limit=&offset=.
// Categories are sorted by alias.
func (h *ProgressHandler) ListCategories(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultCategoryLimit, maxCategoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter *ledger.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		s, parseErr := ledger.ParseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter = &s
	}
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}

	keys := make([]string, 0, len(snap))
	for k, s := range snap {
		if filter == nil || s == *filter {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	total := len(keys)
	if offset > len(keys) {
		offset = len(keys)
	}
	keys = keys[offset:min(offset+limit, len(keys))]

	out := make([]categoryDTO, 0, len(keys))
	for _, k := range keys {
		out = append(out, categoryDTO{Category: k, Status: snap[k].String()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":      total,
		"categories": out,
	})
}

// GetCategory handles GET /v1/progress/categories/{category}. It returns 404
// for categories the ledger does not track.
func (h *ProgressHandler) GetCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	snap, ok := h.snapshot(w, r)
	if !ok {
		return
	}
	s, found := snap[category]
	if !found {
		writeError(w, http.StatusNotFound, "category not tracked")
		return
	}
	writeJSON(w, http.StatusOK, categoryDTO{Category: category, Status: s.String()})
}

func (h *ProgressHandler) snapshot(w http.ResponseWriter, r *http.Request) (map[string]ledger.Status, bool) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "progress ledger unavailable")
		return nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.source.Reload(ctx); err != nil {
		h.logger.Error("reload ledger failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read progress ledger")
		return nil, false
	}
	return h.source.Snapshot(), true
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type categoryDTO struct {
	Category string `json:"category"`
	Status   string `json:"status"`
}
