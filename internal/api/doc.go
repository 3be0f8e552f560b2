// Package api hosts the HTTP server, middleware, and REST handlers of the
// scrape gateway. Notable routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST and GET /api/scraper/gateway to route a scrape and read cluster stats.
//   - POST /api/scraper/gateway/nodes/{id}/reset and PUT /api/scraper/gateway/config
//     for operators.
//   - GET /api/failover for escalation state and history.
//   - POST /api/enrich to extract signals from listing pages.
package api
