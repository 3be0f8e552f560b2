package gateway

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}


// Registry owns the node list, the round-robin cursor and the gateway
// settings. Every read and mutation happens under mu.
type Registry struct {
	mu       sync.Mutex
	nodes    []*Node
	byID     map[string]*Node
	cursor   int
	settings Settings
	clock    Clock
	intn     func(n int) int
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the time source.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRandom overrides the random source used by the random strategy. intn
// must return a value in [0, n).
func WithRandom(intn func(n int) int) RegistryOption {
	return func(r *Registry) {
		if intn != nil {
			r.intn = intn
		}
	}
}

// NewRegistry builds a registry with every node healthy and unbanned.
func NewRegistry(specs []NodeSpec, settings Settings, opts ...RegistryOption) (*Registry, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway settings: %w", err)
	}
	r := &Registry{
		byID:     make(map[string]*Node, len(specs)),
		settings: settings,
		clock:    system.New(),
		intn:     rand.IntN,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, spec := range specs {
		if spec.ID == "" || spec.Endpoint == "" {
			return nil, fmt.Errorf("node %q: id and endpoint are required", spec.ID)
		}
		if _, dup := r.byID[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", spec.ID)
		}
		n := &Node{ID: spec.ID, Region: spec.Region, Endpoint: spec.Endpoint, Healthy: true}
		r.nodes = append(r.nodes, n)
		r.byID[n.ID] = n
	}
	return r, nil
}

// Settings returns the current settings.
func (r *Registry) Settings() Settings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings replaces the settings after validating them.
func (r *Registry) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
	return nil
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}

// Nodes returns copies of every node in list order.
func (r *Registry) Nodes() []Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Node, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = *n
	}
	return out
}

// Node returns a copy of the node with the given id.
func (r *Registry) Node(id string) (Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *n, nil
}

// ResetNode clears ban and circuit state on a node. It is the only way to
// bring an unhealthy node back into rotation.
func (r *Registry) ResetNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	n.reset()
	return nil
}

// beginAttempt counts a request against the node before it is sent.
func (r *Registry) beginAttempt(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok {
		n.RequestCount++
		n.LastUsed = r.clock.Now()
	}
}

func (r *Registry) recordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok {
		n.SuccessCount++
	}
}

// recordFailure counts a non-ban failure.
func (r *Registry) recordFailure(id, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.byID[id]; ok {
		n.ErrorCount++
		n.LastError = msg
	}
}

// recordForbidden counts the failure and bans the node for the configured
// ban duration. It returns the ban deadline.
func (r *Registry) recordForbidden(id, msg string) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return time.Time{}
	}
	n.ErrorCount++
	n.LastError = msg
	n.ban(r.clock.Now(), r.settings.BanDuration)
	return n.BannedUntil
}

// circuitErrorThreshold is the error count a node must exceed before a
// network failure can take it out of rotation.
const circuitErrorThreshold = 5

// recordNetworkError counts a transport failure and reports whether the
// circuit was opened by it.
func (r *Registry) recordNetworkError(id, msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.byID[id]
	if !ok {
		return false
	}
	n.ErrorCount++
	n.LastError = msg
	if n.Healthy && n.ErrorCount > circuitErrorThreshold && n.ErrorCount > n.SuccessCount {
		n.Healthy = false
		return true
	}
	return false
}
