// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a run and wait for its result.
//   - POST /webhook/changedetection for change-detection callbacks, guarded
//     by a shared token rather than the API key.
//   - GET /v1/runs, /v1/versions/{id}/cases and /v1/cases/{token} for
//     read-only reporting over the run ledger and case catalog.
package api
