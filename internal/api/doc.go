// Package api hosts the HTTP trigger surface for operators and schedulers.
// Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to start a scrape, POST /v1/cleanup to start a cleanup.
//   - GET /v1/runs for active runs and GET /v1/runs/{run_id} for one run.
//   - POST /v1/runs/{run_id}/terminate to stop a run with a reason.
package api
