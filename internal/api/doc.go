// Package api exposes the archive over HTTP. Notable routes:
//   - GET /healthz, /readyz for health checks and GET /metrics for Prometheus.
//   - POST/GET /v1/captures to submit and list; GET /v1/captures/{id} for detail.
//   - GET /v1/captures/{id}/events streams progress as server-sent events.
//   - /v1/schedules, /v1/settings, /v1/dashboard, /v1/export and /v1/integrity/verify
//     for operator workflows.
package api
