package vm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

const endpointScheme = "http"

// State is a step of the initialization state machine.
type State int

const (
	StateIdle State = iota
	StateLoadingConfig
	StateLoadingIdentity
	StateValidating
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoadingConfig:
		return "loading-config"
	case StateLoadingIdentity:
		return "loading-identity"
	case StateValidating:
		return "validating"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Orchestrator runs agent initialization: provisioning, then identity,
// then validation. The loaded drafts live only on the Orchestrator and
// are never visible to collaborators until Run returns a complete
// AgentConfig.
type Orchestrator struct {
	provisioning     *ProvisioningLoader
	identity         *IdentityLoader
	endpointOverride string
	logger           zerolog.Logger

	state             State
	draftProvisioning Provisioning
	draftIdentity     Identity
}

// NewOrchestrator builds an Orchestrator. endpointOverride takes precedence
// over the provisioning domain whenever it is non-blank. logger is handed
// on to collaborators through AgentConfig.
func NewOrchestrator(provisioning *ProvisioningLoader, identity *IdentityLoader, endpointOverride string, logger zerolog.Logger) (*Orchestrator, error) {
	if provisioning == nil {
		return nil, errors.New("provisioning loader is required")
	}
	if identity == nil {
		return nil, errors.New("identity loader is required")
	}

	return &Orchestrator{
		provisioning:     provisioning,
		identity:         identity,
		endpointOverride: endpointOverride,
		logger:           logger,
	}, nil
}

// State reports where the state machine currently is. It is not safe to
// call concurrently with Run.
func (o *Orchestrator) State() State {
	return o.state
}

// Run drives the state machine to Ready. Any failure leaves it Failed and
// is returned as a *StageError. Run may only be called once.
func (o *Orchestrator) Run(ctx context.Context) (AgentConfig, error) {
	if o.state != StateIdle {
		return AgentConfig{}, ErrAlreadyRun
	}

	o.transition(StateLoadingConfig)
	provisioning, err := o.provisioning.Load(ctx)
	if err != nil {
		return o.fail(StageConfig, err)
	}
	o.draftProvisioning = provisioning

	o.transition(StateLoadingIdentity)
	identity, err := o.identity.Load(ctx)
	if err != nil {
		return o.fail(StageIdentity, err)
	}
	o.draftIdentity = identity

	o.transition(StateValidating)
	cfg, err := o.validate()
	if err != nil {
		return o.fail(StageValidate, err)
	}

	o.transition(StateReady)
	return cfg, nil
}

func (o *Orchestrator) validate() (AgentConfig, error) {
	machineID, ok := o.draftIdentity.MachineID()
	if !ok {
		return AgentConfig{}, ErrMissingIdentity
	}

	endpoint, err := ResolveEndpoint(o.endpointOverride, o.draftProvisioning)
	if err != nil {
		return AgentConfig{}, err
	}

	return AgentConfig{
		Logger:          o.logger,
		MachineID:       machineID,
		ServiceEndpoint: endpoint,
		Provisioning:    o.draftProvisioning,
		Identity:        o.draftIdentity,
	}, nil
}

func (o *Orchestrator) transition(next State) {
	o.logger.Debug().Stringer("from", o.state).Stringer("to", next).Msg("init state change")
	o.state = next
}

func (o *Orchestrator) fail(stage Stage, err error) (AgentConfig, error) {
	o.transition(StateFailed)
	o.draftProvisioning = Provisioning{}
	o.draftIdentity = Identity{}
	return AgentConfig{}, &StageError{Stage: stage, Err: err}
}

// ResolveEndpoint picks the inventory service URL: a non-blank override
// wins, otherwise it is http://<vmapi_domain>.
func ResolveEndpoint(override string, provisioning Provisioning) (*url.URL, error) {
	raw := strings.TrimSpace(override)
	source := "VMAPI_URL"
	if raw == "" {
		domain, ok := provisioning.VMAPIDomain()
		if !ok {
			return nil, fmt.Errorf("%w: VMAPI_URL unset and no %q in provisioning data", ErrMissingEndpoint, vmapiDomainKey)
		}
		raw = endpointScheme + "://" + domain
		source = vmapiDomainKey
	}

	endpoint, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingEndpoint, source, err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("%w: %s %q is not an absolute URL", ErrMissingEndpoint, source, raw)
	}
	return endpoint, nil
}
