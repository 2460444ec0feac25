package vm

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"vmagent/pkg/hostexec"
)

const (
	exitOK      = 0
	exitFailure = 1
)

// App is a single run of the agent process: initialize, then hand over to
// the collaborators.
type App struct {
	Settings Settings
	Logger   zerolog.Logger
	Runner   hostexec.Runner
	Wiring   *Wiring
}

// Configure runs the initialization pipeline. Failures are logged at fatal
// level before being returned; the caller is expected to exit.
func (a *App) Configure(ctx context.Context) (AgentConfig, error) {
	orch, err := NewOrchestrator(
		&ProvisioningLoader{Runner: a.Runner, Shell: a.Settings.Shell, Script: a.Settings.ConfigScript},
		&IdentityLoader{Runner: a.Runner, Path: a.Settings.Sysinfo},
		a.Settings.EndpointOverride,
		a.Logger,
	)
	if err != nil {
		return AgentConfig{}, err
	}

	cfg, err := orch.Run(ctx)
	if err != nil {
		a.logFatal(err)
		return AgentConfig{}, err
	}

	a.Logger.Info().
		Str("machine_id", cfg.MachineID).
		Str("endpoint", cfg.ServiceEndpoint.String()).
		Bool("endpoint_override", a.Settings.EndpointOverride != "").
		Msg("configuration loaded")
	return cfg, nil
}

// Run configures the agent and blocks in the collaborators until ctx is
// done or they fail.
func (a *App) Run(ctx context.Context) error {
	if a.Wiring == nil {
		return errors.New("app requires wiring")
	}

	cfg, err := a.Configure(ctx)
	if err != nil {
		return err
	}

	err = a.Wiring.Start(ctx, cfg)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		a.Logger.Info().Msg("vm agent stopped")
		return nil
	default:
		a.Logger.Error().Err(err).Msg("vm agent failed")
		return err
	}
}

func (a *App) logFatal(err error) {
	event := a.Logger.WithLevel(zerolog.FatalLevel).Err(err)

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		event = event.Str("stage", string(stageErr.Stage))
	}
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		event = event.
			Str("cmd", toolErr.Cmd).
			Int("exit_code", toolErr.ExitCode).
			Str("stderr", toolErr.Stderr)
	}

	event.Msg(summary(err))
}

// ExitCode maps an App result onto the process exit status. Every
// initialization failure shares one status.
func ExitCode(err error) int {
	var stageErr *StageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &stageErr):
		return exitFailure
	case errors.Is(err, context.Canceled):
		return exitOK
	default:
		return exitFailure
	}
}
