// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for job definitions, execution, status and extracted data.
//   - /v1/reports for stored summaries across jobs.
package api
