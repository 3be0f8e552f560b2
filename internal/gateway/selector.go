package gateway

import "time"

// SelectNode picks the next node according to the configured strategy and
// returns a copy of it. Expired bans are lifted here and nowhere else. The
// second return value is false only when no node is available.
func (r *Registry) SelectNode() (Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	available := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		n.ClearExpiredBan(now)
		if IsAvailable(n, now) {
			available = append(available, n)
		}
	}
	if len(available) == 0 {
		return Node{}, false
	}

	var picked *Node
	switch r.settings.Strategy {
	case Random:
		picked = available[r.intn(len(available))]
	case LeastUsed:
		picked = leastUsed(available)
	case HealthBased:
		picked = healthiest(available)
	default:
		picked = r.nextRoundRobin(available, now)
	}
	return *picked, true
}

// nextRoundRobin advances the cursor past unavailable nodes. After a full
// pass without a hit it falls back to the first available node.
func (r *Registry) nextRoundRobin(available []*Node, now time.Time) *Node {
	for range r.nodes {
		n := r.nodes[r.cursor]
		r.cursor = (r.cursor + 1) % len(r.nodes)
		if IsAvailable(n, now) {
			return n
		}
	}
	return available[0]
}

func leastUsed(nodes []*Node) *Node {
	best := nodes[0]
	for _, n := range nodes[1:] {
		if n.RequestCount < best.RequestCount {
			best = n
		}
	}
	return best
}

func healthiest(nodes []*Node) *Node {
	best, bestScore := nodes[0], successRatio(nodes[0])
	for _, n := range nodes[1:] {
		if score := successRatio(n); score > bestScore {
			best, bestScore = n, score
		}
	}
	return best
}

func successRatio(n *Node) float64 {
	return float64(n.SuccessCount) / float64(max(n.RequestCount, 1))
}
