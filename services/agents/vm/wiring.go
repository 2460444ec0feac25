package vm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Wiring builds the collaborators from a validated AgentConfig and hands
// control to the VM agent. A Wiring starts at most once.
type Wiring struct {
	NewUpdateAgent UpdateAgentFactory
	NewVmAgent     VmAgentFactory
	// OnStart runs after both collaborators are constructed, just before
	// the VM agent takes over.
	OnStart func()

	started atomic.Bool
}

// Start constructs the UpdateAgent, gives it to the VmAgent through its
// config, and runs the VmAgent until ctx is done or it fails.
func (w *Wiring) Start(ctx context.Context, cfg AgentConfig) error {
	if w.NewUpdateAgent == nil || w.NewVmAgent == nil {
		return errors.New("wiring requires both collaborator constructors")
	}
	switch {
	case cfg.MachineID == "":
		return fmt.Errorf("wiring requires a ready config: %w", ErrMissingIdentity)
	case cfg.ServiceEndpoint == nil:
		return fmt.Errorf("wiring requires a ready config: %w", ErrMissingEndpoint)
	}
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyWired
	}

	updates, err := w.NewUpdateAgent(cfg)
	if err != nil {
		return fmt.Errorf("construct update agent: %w", err)
	}

	agent, err := w.NewVmAgent(cfg.WithUpdateAgent(updates))
	if err != nil {
		return fmt.Errorf("construct vm agent: %w", err)
	}

	cfg.Logger.Info().
		Str("machine_id", cfg.MachineID).
		Str("endpoint", cfg.ServiceEndpoint.String()).
		Msg("starting vm agent")

	if w.OnStart != nil {
		w.OnStart()
	}

	return RecoverRun(cfg.Logger, "vm-agent", func() error {
		return agent.Run(ctx)
	})
}

// RecoverRun calls fn and turns a panic into a *PanicError after logging it
// with its stack. Collaborators use it for every goroutine they start so
// that an unexpected failure ends the process instead of leaving it half
// running.
func RecoverRun(logger zerolog.Logger, component string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			logger.Error().
				Str("component", component).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(stack)).
				Msg("uncaught error")
			err = &PanicError{Component: component, Value: r, Stack: stack}
		}
	}()
	return fn()
}
