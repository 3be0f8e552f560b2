// Package gateway routes scrape requests across a pool of scraper nodes,
// banning nodes that report 403 and opening a circuit on nodes that keep
// failing at the network level.
package gateway

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNodeNotFound is returned when an operation names an unknown node id.
var ErrNodeNotFound = errors.New("node not found")

// Node is one scraper node and its health bookkeeping. Counters are
// monotonic; only ResetNode clears the ban and circuit flags.
type Node struct {
	ID           string    `json:"id"`
	Region       string    `json:"region"`
	Endpoint     string    `json:"endpoint"`
	Healthy      bool      `json:"isHealthy"`
	Banned       bool      `json:"isBanned"`
	BannedUntil  time.Time `json:"bannedUntil,omitzero"`
	LastUsed     time.Time `json:"lastUsed,omitzero"`
	RequestCount int64     `json:"requestCount"`
	SuccessCount int64     `json:"successCount"`
	ErrorCount   int64     `json:"errorCount"`
	LastError    string    `json:"lastError,omitempty"`
}

// NodeSpec is the static description a Node is created from.
type NodeSpec struct {
	ID       string `mapstructure:"id"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// IsAvailable reports whether n may be selected at now. It never mutates n.
func IsAvailable(n *Node, now time.Time) bool {
	if !n.Healthy {
		return false
	}
	return !n.Banned || !now.Before(n.BannedUntil)
}

// ClearExpiredBan lifts a ban whose deadline has passed and reports whether
// it did so.
func (n *Node) ClearExpiredBan(now time.Time) bool {
	if !n.Banned || now.Before(n.BannedUntil) {
		return false
	}
	n.Banned = false
	n.BannedUntil = time.Time{}
	return true
}

func (n *Node) ban(now time.Time, d time.Duration) {
	n.Banned = true
	n.BannedUntil = now.Add(d)
}

func (n *Node) reset() {
	n.Banned = false
	n.BannedUntil = time.Time{}
	n.Healthy = true
	n.LastError = ""
}

// NodesFromRegions expands a region list into node specs using template, in
// which "{region}" is replaced by the region tag. Ids are node-1, node-2, ...
func NodesFromRegions(regions []string, template string) ([]NodeSpec, error) {
	if len(regions) == 0 {
		return nil, nil
	}
	if !strings.Contains(template, "{region}") {
		return nil, fmt.Errorf("endpoint template %q has no {region} placeholder", template)
	}
	specs := make([]NodeSpec, 0, len(regions))
	for i, region := range regions {
		region = strings.TrimSpace(region)
		if region == "" {
			continue
		}
		specs = append(specs, NodeSpec{
			ID:       fmt.Sprintf("node-%d", i+1),
			Region:   region,
			Endpoint: strings.ReplaceAll(template, "{region}", region),
		})
	}
	return specs, nil
}
