package vm

import (
	"errors"
	"fmt"
)

// Stage names a step of agent initialization.
type Stage string

const (
	StageConfig   Stage = "config"
	StageIdentity Stage = "identity"
	StageValidate Stage = "validate"
)

var (
	// ErrConfigParse matches a ParseError raised while reading provisioning output.
	ErrConfigParse = errors.New("malformed provisioning output")
	// ErrIdentityParse matches a ParseError raised while reading sysinfo output.
	ErrIdentityParse = errors.New("malformed sysinfo output")

	ErrMissingIdentity = errors.New(`sysinfo output has no "UUID"`)
	ErrMissingEndpoint = errors.New("VMAPI endpoint is required")

	ErrAlreadyRun   = errors.New("initialization already ran")
	ErrAlreadyWired = errors.New("collaborators already wired")
)

// ToolError reports an external tool that exited nonzero, timed out, or
// could not be started.
type ToolError struct {
	Stage    Stage
	Cmd      string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ToolError) Error() string {
	msg := fmt.Sprintf("%s tool failed: %v", e.Stage, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ToolError) Unwrap() error { return e.Err }

// ParseError reports tool output that is not a single JSON object.
type ParseError struct {
	Stage Stage
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse %s output: %v", e.Stage, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool {
	switch target {
	case ErrConfigParse:
		return e.Stage == StageConfig
	case ErrIdentityParse:
		return e.Stage == StageIdentity
	}
	return false
}

// StageError ties an initialization failure to the stage it happened in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PanicError is returned when a collaborator run loop panics.
type PanicError struct {
	Component string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Component, e.Value)
}

// summary is the operator-facing line logged with a fatal failure.
func summary(err error) string {
	var toolErr *ToolError
	switch {
	case errors.As(err, &toolErr) && toolErr.Stage == StageConfig:
		return "could not load config"
	case errors.As(err, &toolErr) && toolErr.Stage == StageIdentity:
		return "could not load sysinfo"
	case errors.Is(err, ErrConfigParse):
		return "could not parse config"
	case errors.Is(err, ErrIdentityParse):
		return "could not parse sysinfo"
	case errors.Is(err, ErrMissingIdentity):
		return `could not find "UUID" in sysinfo output`
	case errors.Is(err, ErrMissingEndpoint):
		return "VMAPI endpoint is required"
	default:
		return "failed to initialize vm-agent configuration"
	}
}
