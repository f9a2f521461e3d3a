// Package api serves the optional status listener:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for a JSON snapshot of the current crawl and speech queue.
package api
