// Package metrics exposes Prometheus collectors for the scrape gateway.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gatewayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_attempts_total",
			Help: "Forwarding attempts, labeled by node and outcome.",
		},
		[]string{"node", "outcome"},
	)

	gatewayBansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_node_bans_total",
			Help: "Number of times a node was banned after a 403.",
		},
		[]string{"node"},
	)

	gatewayCircuitOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_node_circuit_open_total",
			Help: "Number of times a node was marked unhealthy.",
		},
		[]string{"node"},
	)

	gatewayRoutesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_route_requests_total",
			Help: "Routed requests, labeled by result.",
		},
		[]string{"result"},
	)

	gatewayNodesAvailable = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_nodes_available",
			Help: "Nodes available for selection at the last stats snapshot.",
		},
	)

	failoverEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_escalations_total",
			Help: "Failover escalation attempts, labeled by strategy and result.",
		},
		[]string{"strategy", "result"},
	)

	failoverRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "failover_rejections_total",
			Help: "403 signals that did not escalate, labeled by reason.",
		},
		[]string{"reason"},
	)

	workerCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_cycles_total",
			Help: "Alert worker cycles, labeled by result.",
		},
		[]string{"result"},
	)

	credentialRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_refresh_total",
			Help: "Credential regenerations, labeled by result.",
		},
		[]string{"result"},
	)

	credentialStoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credentials_store_writes_total",
			Help: "Credential persistence attempts, labeled by store and result.",
		},
		[]string{"store", "result"},
	)

	enrichFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_fetches_total",
			Help: "Enrichment page fetches, labeled by site and status.",
		},
		[]string{"site", "status"},
	)

	enrichRateLimitRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrich_rate_limit_retries_total",
			Help: "Retries scheduled after a 429, labeled by site.",
		},
		[]string{"site"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAttempt counts one forwarding attempt against a node.
func ObserveAttempt(node, outcome string) {
	gatewayAttemptsTotal.WithLabelValues(node, outcome).Inc()
}

// ObserveBan counts a node ban.
func ObserveBan(node string) {
	gatewayBansTotal.WithLabelValues(node).Inc()
}

// ObserveCircuitOpen counts a node being taken out of rotation.
func ObserveCircuitOpen(node string) {
	gatewayCircuitOpenTotal.WithLabelValues(node).Inc()
}

// ObserveRoute counts a routed request by result.
func ObserveRoute(result string) {
	gatewayRoutesTotal.WithLabelValues(result).Inc()
}

// SetAvailableNodes records the current number of selectable nodes.
func SetAvailableNodes(n int) {
	gatewayNodesAvailable.Set(float64(n))
}

// ObserveEscalation counts a failover strategy attempt.
func ObserveEscalation(strategy string, ok bool) {
	failoverEscalationsTotal.WithLabelValues(strategy, resultLabel(ok)).Inc()
}

// ObserveFailoverRejection counts a 403 signal that did not escalate.
func ObserveFailoverRejection(reason string) {
	failoverRejectionsTotal.WithLabelValues(reason).Inc()
}

// ObserveCycle counts a worker cycle.
func ObserveCycle(result string) {
	workerCyclesTotal.WithLabelValues(result).Inc()
}

// ObserveCredentialRefresh counts a credential regeneration.
func ObserveCredentialRefresh(ok bool) {
	credentialRefreshesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// ObserveStoreWrite counts a credential persistence attempt.
func ObserveStoreWrite(store string, ok bool) {
	credentialStoreWritesTotal.WithLabelValues(store, resultLabel(ok)).Inc()
}

// ObserveFetch counts an enrichment page fetch.
func ObserveFetch(site string, status int) {
	enrichFetchesTotal.WithLabelValues(SanitizeSite(site), strconv.Itoa(status)).Inc()
}

// ObserveRateLimitRetry counts a retry scheduled after a 429.
func ObserveRateLimitRetry(site string) {
	enrichRateLimitRetriesTotal.WithLabelValues(SanitizeSite(site)).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
