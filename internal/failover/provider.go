// Package failover escalates persistent 403s by moving the scraper to a new
// execution unit: restart the machine, then change region, then change app.
package failover

import "context"

// Machine is a compute unit hosting the scraper.
type Machine struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Region string `json:"region"`
	State  string `json:"state"`
}

// Provider manages machines on the hosting platform.
type Provider interface {
	RestartMachine(ctx context.Context, app, machineID string) error
	ListMachines(ctx context.Context, app string) ([]Machine, error)
	MoveMachine(ctx context.Context, app, machineID, region string) (Machine, error)
	CreateMachine(ctx context.Context, app, region string) (Machine, error)
	StartMachine(ctx context.Context, app, machineID string) error
}

// Publisher emits transition events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TransitionTopic is the topic successful escalations are published on.
const TransitionTopic = "failover.transition"
