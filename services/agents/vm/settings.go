package vm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Settings is the agent's environment configuration. Everything the agent
// learns about the fleet comes from the provisioning script; these only
// tune how the agent runs.
type Settings struct {
	LogLevel         string `env:"LOG_LEVEL,default=info"`
	EndpointOverride string `env:"VMAPI_URL"`

	Shell        string        `env:"VMAGENT_SHELL,default=/bin/bash"`
	ConfigScript string        `env:"VMAGENT_CONFIG_SCRIPT,default=/lib/sdc/config.sh"`
	Sysinfo      string        `env:"VMAGENT_SYSINFO,default=/usr/bin/sysinfo"`
	ToolTimeout  time.Duration `env:"VMAGENT_TOOL_TIMEOUT,default=30s"`
	ToolRetries  uint64        `env:"VMAGENT_TOOL_RETRIES,default=0"`
	ToolBackoff  time.Duration `env:"VMAGENT_TOOL_BACKOFF,default=1s"`

	VMAdm        string        `env:"VMAGENT_VMADM,default=/usr/sbin/vmadm"`
	SyncInterval time.Duration `env:"VMAGENT_SYNC_INTERVAL,default=60s"`

	HTTPAddr     string `env:"VMAGENT_HTTP_ADDR"`
	APIToken     string `env:"VMAGENT_API_TOKEN"`
	NATSURL      string `env:"NATS_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// LoadSettings reads Settings through lookuper, or the process environment
// when lookuper is nil.
func LoadSettings(ctx context.Context, lookuper envconfig.Lookuper) (Settings, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	var s Settings
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &s,
		Lookuper: lookuper,
	}); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the agent cannot run with.
func (s Settings) Validate() error {
	switch {
	case s.Shell == "":
		return errors.New("VMAGENT_SHELL must not be empty")
	case s.ConfigScript == "":
		return errors.New("VMAGENT_CONFIG_SCRIPT must not be empty")
	case s.Sysinfo == "":
		return errors.New("VMAGENT_SYSINFO must not be empty")
	case s.ToolTimeout < 0:
		return fmt.Errorf("VMAGENT_TOOL_TIMEOUT must not be negative: %s", s.ToolTimeout)
	case s.ToolBackoff < 0:
		return fmt.Errorf("VMAGENT_TOOL_BACKOFF must not be negative: %s", s.ToolBackoff)
	case s.SyncInterval <= 0:
		return fmt.Errorf("VMAGENT_SYNC_INTERVAL must be positive: %s", s.SyncInterval)
	}
	return nil
}
