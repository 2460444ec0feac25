package vm

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// AgentConfig is the validated configuration both collaborators are built
// from. It is produced once per process and must be treated as read-only.
type AgentConfig struct {
	Logger          zerolog.Logger
	MachineID       string
	ServiceEndpoint *url.URL
	// UpdateAgent is set by Wiring before the VM agent is constructed.
	UpdateAgent UpdateAgent

	Provisioning Provisioning
	Identity     Identity
}

// WithUpdateAgent returns a copy of c carrying agent.
func (c AgentConfig) WithUpdateAgent(agent UpdateAgent) AgentConfig {
	c.UpdateAgent = agent
	return c
}

// VMUpdate is the state of one VM as handed to the update agent.
type VMUpdate struct {
	UUID       string
	State      map[string]any
	ObservedAt time.Time
}

// UpdateAgent forwards VM state to the inventory service.
type UpdateAgent interface {
	// Queue hands an update over for delivery, blocking until it is
	// accepted or ctx is done.
	Queue(ctx context.Context, update VMUpdate) error
	// Run delivers queued updates until ctx is done.
	Run(ctx context.Context) error
}

// VmAgent watches local VMs and feeds their state to its UpdateAgent.
type VmAgent interface {
	Run(ctx context.Context) error
}

type (
	UpdateAgentFactory func(AgentConfig) (UpdateAgent, error)
	VmAgentFactory     func(AgentConfig) (VmAgent, error)
)
