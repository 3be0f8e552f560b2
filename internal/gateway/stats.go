package gateway

import (
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/metrics"
)

// NodeStats is the per-node part of a cluster snapshot.
type NodeStats struct {
	ID           string     `json:"id"`
	Region       string     `json:"region"`
	Endpoint     string     `json:"endpoint"`
	RequestCount int64      `json:"requestCount"`
	SuccessCount int64      `json:"successCount"`
	ErrorCount   int64      `json:"errorCount"`
	SuccessRate  float64    `json:"successRate"`
	Banned       bool       `json:"isBanned"`
	BannedUntil  *time.Time `json:"bannedUntil,omitempty"`
	Healthy      bool       `json:"isHealthy"`
	LastUsed     *time.Time `json:"lastUsed,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
}

// ClusterStats is a read-only snapshot of the registry.
type ClusterStats struct {
	Total     int         `json:"total"`
	Available int         `json:"available"`
	Banned    int         `json:"banned"`
	Unhealthy int         `json:"unhealthy"`
	Settings  Settings    `json:"settings"`
	Nodes     []NodeStats `json:"nodes"`
}

// ClusterStats snapshots every node. It does not lift expired bans; a node
// whose ban has lapsed counts as available but keeps its banned flag until it
// is next considered for selection.
func (r *Registry) ClusterStats() ClusterStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	stats := ClusterStats{
		Total:    len(r.nodes),
		Settings: r.settings,
		Nodes:    make([]NodeStats, 0, len(r.nodes)),
	}
	for _, n := range r.nodes {
		if IsAvailable(n, now) {
			stats.Available++
		}
		if n.Banned && now.Before(n.BannedUntil) {
			stats.Banned++
		}
		if !n.Healthy {
			stats.Unhealthy++
		}
		ns := NodeStats{
			ID:           n.ID,
			Region:       n.Region,
			Endpoint:     n.Endpoint,
			RequestCount: n.RequestCount,
			SuccessCount: n.SuccessCount,
			ErrorCount:   n.ErrorCount,
			SuccessRate:  SuccessRate(n.SuccessCount, n.RequestCount),
			Banned:       n.Banned,
			Healthy:      n.Healthy,
			LastError:    n.LastError,
		}
		if n.Banned {
			until := n.BannedUntil
			ns.BannedUntil = &until
		}
		if !n.LastUsed.IsZero() {
			used := n.LastUsed
			ns.LastUsed = &used
		}
		stats.Nodes = append(stats.Nodes, ns)
	}
	metrics.SetAvailableNodes(stats.Available)
	return stats
}

// SuccessRate is success/requests as a percentage, 0 when there were no
// requests.
func SuccessRate(success, requests int64) float64 {
	if requests == 0 {
		return 0
	}
	return float64(success) / float64(requests) * 100
}

// ClusterStats returns a snapshot of the node pool.
func (r *Router) ClusterStats() ClusterStats {
	return r.registry.ClusterStats()
}
