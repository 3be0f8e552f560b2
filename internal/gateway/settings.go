package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Strategy selects how the next node is picked.
type Strategy string

const (
	// RoundRobin walks the node list with a persistent cursor.
	RoundRobin Strategy = "round-robin"
	// Random picks uniformly among available nodes.
	Random Strategy = "random"
	// LeastUsed picks the available node with the fewest requests.
	LeastUsed Strategy = "least-used"
	// HealthBased picks the available node with the best success ratio.
	HealthBased Strategy = "health-based"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case RoundRobin, Random, LeastUsed, HealthBased:
		return st, nil
	default:
		return "", fmt.Errorf("unknown rotation strategy %q", s)
	}
}

// Settings are the tunables of the gateway. They change only through
// Registry.UpdateSettings.
type Settings struct {
	Strategy      Strategy      `json:"rotationStrategy"`
	BanDuration   time.Duration `json:"banDuration"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retryAttempts"`
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Strategy:      RoundRobin,
		BanDuration:   5 * time.Minute,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
	}
}

// Validate checks invariants on the settings.
func (s Settings) Validate() error {
	var errs []error
	if _, err := ParseStrategy(string(s.Strategy)); err != nil {
		errs = append(errs, err)
	}
	if s.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry attempts must be >= 1, got %d", s.RetryAttempts))
	}
	if s.BanDuration <= 0 {
		errs = append(errs, errors.New("ban duration must be positive"))
	}
	if s.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	return errors.Join(errs...)
}

// MarshalJSON renders durations as Go duration strings.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Strategy      Strategy `json:"rotationStrategy"`
		BanDuration   string   `json:"banDuration"`
		Timeout       string   `json:"timeout"`
		RetryAttempts int      `json:"retryAttempts"`
	}{s.Strategy, s.BanDuration.String(), s.Timeout.String(), s.RetryAttempts})
}
