package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"vmagent/pkg/bus"
	"vmagent/pkg/health"
	"vmagent/pkg/hostexec"
	"vmagent/pkg/telemetry"
	"vmagent/services/agents/vm"
	"vmagent/services/updates"
	"vmagent/services/vmwatch"
)

const serviceName = "vm-agent"

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Failures the agent already logged only set the exit code; anything
	// returned from Execute happened before a logger existed.
	exitCode := 0
	if err := newRootCommand(&exitCode).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return exitCode
}

func newRootCommand(exitCode *int) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Report the VMs on this compute node to VMAPI",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := runAgent(cmd.Context(), envFile)
			*exitCode = code
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional dotenv file loaded before reading the environment")
	cmd.AddCommand(newConfigCommand(&envFile, exitCode))
	return cmd
}

func newConfigCommand(envFile *string, exitCode *int) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Load the node configuration and print it without starting the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "json" && output != "yaml" {
				return fmt.Errorf("unsupported output %q", output)
			}

			settings, logger, err := bootstrap(cmd.Context(), *envFile, os.Stderr)
			if err != nil {
				return err
			}

			app := &vm.App{
				Settings: settings,
				Logger:   logger,
				Runner:   newRunner(settings, logger),
			}
			cfg, err := app.Configure(cmd.Context())
			if err != nil {
				*exitCode = vm.ExitCode(err)
				return nil
			}
			return printConfig(cmd.OutOrStdout(), cfg, output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func bootstrap(ctx context.Context, envFile string, out io.Writer) (vm.Settings, zerolog.Logger, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return vm.Settings{}, zerolog.Nop(), fmt.Errorf("load env file: %w", err)
		}
	}

	settings, err := vm.LoadSettings(ctx, nil)
	if err != nil {
		return vm.Settings{}, zerolog.Nop(), err
	}

	level, err := telemetry.ParseLevel(settings.LogLevel)
	if err != nil {
		return vm.Settings{}, zerolog.Nop(), err
	}
	return settings, telemetry.NewLogger(serviceName, level, out), nil
}

func newRunner(settings vm.Settings, logger zerolog.Logger) *hostexec.Exec {
	return &hostexec.Exec{
		Timeout: settings.ToolTimeout,
		Retries: settings.ToolRetries,
		Backoff: settings.ToolBackoff,
		Logger:  logger,
	}
}

// Optional infrastructure (tracing export, the health listener and the NATS
// mirror) never stops the agent: a failure there is logged and the agent
// runs without it.
func runAgent(ctx context.Context, envFile string) (int, error) {
	settings, logger, err := bootstrap(ctx, envFile, os.Stdout)
	if err != nil {
		return 1, err
	}

	shutdownTracing, err := telemetry.Init(ctx, serviceName, settings.OTLPEndpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown otel")
		}
	}()

	readiness := &health.Readiness{}
	if settings.HTTPAddr != "" {
		var handler http.Handler = health.Router(readiness)
		if settings.OTLPEndpoint != "" {
			handler = telemetry.Middleware(serviceName)(handler)
		}
		go func() {
			if err := health.Serve(ctx, settings.HTTPAddr, handler, logger); err != nil {
				logger.Warn().Err(err).Msg("health server disabled")
			}
		}()
	}

	var mirror *bus.Bus
	defer func() { mirror.Close() }()

	runner := newRunner(settings, logger)
	app := &vm.App{
		Settings: settings,
		Logger:   logger,
		Runner:   runner,
		Wiring: &vm.Wiring{
			NewUpdateAgent: func(cfg vm.AgentConfig) (vm.UpdateAgent, error) {
				opts := updates.Options{Token: settings.APIToken}
				if settings.NATSURL != "" {
					b, err := bus.New(settings.NATSURL, serviceName, cfg.Logger)
					if err != nil {
						cfg.Logger.Warn().Err(err).Msg("nats mirror disabled")
					} else {
						mirror = b
						opts.Publisher = b
					}
				}
				return updates.New(cfg, opts)
			},
			NewVmAgent: func(cfg vm.AgentConfig) (vm.VmAgent, error) {
				return vmwatch.New(cfg, vmwatch.Options{
					Runner:   runner,
					VMAdm:    settings.VMAdm,
					Interval: settings.SyncInterval,
				})
			},
			OnStart: readiness.MarkReady,
		},
	}

	return vm.ExitCode(app.Run(ctx)), nil
}

type configView struct {
	MachineID       string         `json:"machine_id" yaml:"machine_id"`
	ServiceEndpoint string         `json:"service_endpoint" yaml:"service_endpoint"`
	Provisioning    map[string]any `json:"provisioning" yaml:"provisioning"`
	Identity        map[string]any `json:"identity" yaml:"identity"`
}

func printConfig(w io.Writer, cfg vm.AgentConfig, output string) error {
	view := configView{
		MachineID:       cfg.MachineID,
		ServiceEndpoint: cfg.ServiceEndpoint.String(),
		Provisioning:    cfg.Provisioning.Map(),
		Identity:        cfg.Identity.Map(),
	}

	if output == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(view); err != nil {
			return err
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
