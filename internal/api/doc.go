// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /v1/crawls admits a keyword crawl for an origin.
//   - GET /v1/origins/{origin_id}/position and POST .../cancel for queue control.
//   - GET /v1/jobs/{job_id} and /v1/jobs/{job_id}/result (json, records or csv).
//   - GET /v1/runs, /v1/runs/{job_id} and /v1/runs/{job_id}/targets for run
//     history via the ProgressRepository interface, when one is configured.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
