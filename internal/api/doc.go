// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls plus stop/delete for crawl submission and control.
//   - GET /v1/crawls/{id}/pages|links|images|issues|report|progress for
//     stored crawl facts.
//   - GET /v1/runs and /v1/runs/{id}/sites for run telemetry via the
//     ProgressRepository interface.
package api
