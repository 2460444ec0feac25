package vm

import (
	"context"
	"errors"

	"vmagent/pkg/hostexec"
)

// ProvisioningLoader reads fleet configuration from the node's config
// script, run as `<Shell> <Script> -json`.
type ProvisioningLoader struct {
	Runner hostexec.Runner
	Shell  string
	Script string
}

// Load makes a single invocation of the config script. Retries, if any,
// are the Runner's business.
func (l *ProvisioningLoader) Load(ctx context.Context) (Provisioning, error) {
	out, err := l.Runner.Run(ctx, l.Shell, l.Script, "-json")
	if err != nil {
		return Provisioning{}, newToolError(StageConfig, err)
	}

	values, err := decodeObject(out)
	if err != nil {
		return Provisioning{}, &ParseError{Stage: StageConfig, Err: err}
	}
	return Provisioning{facts{values: values}}, nil
}

// IdentityLoader reads machine facts from sysinfo, run without arguments.
type IdentityLoader struct {
	Runner hostexec.Runner
	Path   string
}

func (l *IdentityLoader) Load(ctx context.Context) (Identity, error) {
	out, err := l.Runner.Run(ctx, l.Path)
	if err != nil {
		return Identity{}, newToolError(StageIdentity, err)
	}

	values, err := decodeObject(out)
	if err != nil {
		return Identity{}, &ParseError{Stage: StageIdentity, Err: err}
	}
	return Identity{facts{values: values}}, nil
}

func newToolError(stage Stage, err error) *ToolError {
	toolErr := &ToolError{Stage: stage, ExitCode: -1, Err: err}
	var exitErr *hostexec.ExitError
	if errors.As(err, &exitErr) {
		toolErr.Cmd = exitErr.Cmd
		toolErr.ExitCode = exitErr.ExitCode
		toolErr.Stderr = exitErr.Stderr
		toolErr.Err = exitErr.Err
	}
	return toolErr
}
