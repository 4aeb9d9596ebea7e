// Package api hosts the HTTP server for operators and schedulers. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape/run?budget=N runs one crawl cycle (bearer token required).
//   - POST /v1/catalog/sync refreshes the journal catalog (bearer token required).
//   - GET /v1/catalog/state reports crawl progress counts.
package api
