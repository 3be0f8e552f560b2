package failover

import "time"

// historyLimit bounds the transition history; the oldest entry is dropped.
const historyLimit = 50

// Unit identifies the execution unit currently serving traffic.
type Unit struct {
	App     string `json:"app"`
	Region  string `json:"region"`
	Machine string `json:"machine,omitempty"`
}

// Transition records one successful escalation.
type Transition struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Strategy  Strategy  `json:"strategy"`
	From      Unit      `json:"from"`
	To        Unit      `json:"to"`
}

// State is a snapshot of the manager.
type State struct {
	Current        Unit         `json:"current"`
	LastFailover   time.Time    `json:"lastFailover,omitzero"`
	Consecutive403 int          `json:"consecutive403"`
	History        []Transition `json:"history"`
}

// Strategy names an escalation step.
type Strategy string

const (
	StrategyRestart Strategy = "restart"
	StrategyRegion  Strategy = "region"
	StrategyApp     Strategy = "app"
)

// OutcomeKind classifies what Handle403Failover did.
type OutcomeKind string

const (
	// OutcomeCooldown means a recent escalation blocks another one.
	OutcomeCooldown OutcomeKind = "cooldown"
	// OutcomeAccumulating means the 403 was counted but the threshold is not met.
	OutcomeAccumulating OutcomeKind = "accumulating"
	// OutcomeEscalated means one strategy succeeded.
	OutcomeEscalated OutcomeKind = "escalated"
	// OutcomeExhausted means every strategy failed.
	OutcomeExhausted OutcomeKind = "exhausted"
)

// Outcome is the result of one Handle403Failover call.
type Outcome struct {
	Kind           OutcomeKind
	Consecutive403 int
	RetryIn        time.Duration
	Transition     *Transition
	Err            error
}

// Succeeded reports whether the call moved the scraper to a new unit.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeEscalated
}

// nextAfter returns the element following current in list, wrapping around.
// A current value not in list yields the first element.
func nextAfter(list []string, current string) string {
	if len(list) == 0 {
		return ""
	}
	for i, v := range list {
		if v == current {
			return list[(i+1)%len(list)]
		}
	}
	return list[0]
}
