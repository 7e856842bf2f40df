// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/identities and the reinstate/remove actions on one identity.
//   - GET /v1/locks and DELETE /v1/locks/{channel} for stuck channel locks.
//   - GET /v1/channels/missing for targets no identity has joined yet.
//   - POST /v1/cycles to start a crawl cycle now; GET /v1/cycles/last for its report.
package api
