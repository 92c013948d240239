// Package api hosts the read-only status server for operators. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for per-status category counts.
//   - GET /v1/progress/categories?status=&limit=&offset= to page through keys.
//   - GET /v1/progress/categories/{category} for one category.
//
// The fetch engine runs in a separate process; every progress request
// re-reads the ledger file so the view is never staler than the last write.
package api
