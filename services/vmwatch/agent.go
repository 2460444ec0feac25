// Package vmwatch samples the VMs on this node and hands their state to the
// update agent. Every sample is a full sync; working out what changed is
// left to the inventory service.
package vmwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"vmagent/pkg/hostexec"
	"vmagent/services/agents/vm"
)

const defaultInterval = time.Minute

var (
	vmsObserved = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vmagent_vms_observed",
		Help: "VMs reported by the most recent sample.",
	})
	sampleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vmagent_sample_failures_total",
		Help: "Samples that could not list the node's VMs.",
	})
)

// Options tune an Agent.
type Options struct {
	Runner   hostexec.Runner
	VMAdm    string
	Interval time.Duration
}

// Agent is the VM watcher. It owns the run loop of the update agent it was
// configured with.
type Agent struct {
	updates  vm.UpdateAgent
	runner   hostexec.Runner
	vmadm    string
	interval time.Duration
	logger   zerolog.Logger
}

var _ vm.VmAgent = (*Agent)(nil)

// New builds an Agent from cfg. cfg.UpdateAgent must already be set.
func New(cfg vm.AgentConfig, opts Options) (*Agent, error) {
	if cfg.UpdateAgent == nil {
		return nil, errors.New("update agent is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if strings.TrimSpace(opts.VMAdm) == "" {
		return nil, errors.New("vmadm path is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Agent{
		updates:  cfg.UpdateAgent,
		runner:   opts.Runner,
		vmadm:    opts.VMAdm,
		interval: interval,
		logger:   cfg.Logger.With().Str("component", "vm-watch").Logger(),
	}, nil
}

// Run starts the update agent and the sampling loop and returns when either
// stops.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return vm.RecoverRun(a.logger, "update-agent", func() error {
			return a.updates.Run(ctx)
		})
	})
	g.Go(func() error {
		return vm.RecoverRun(a.logger, "vm-watch", func() error {
			return a.watch(ctx)
		})
	})

	return g.Wait()
}

func (a *Agent) watch(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		if err := a.sample(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sampleFailures.Inc()
			a.logger.Warn().Err(err).Msg("vm sample failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sample lists every VM once and queues each for delivery.
func (a *Agent) sample(ctx context.Context) error {
	out, err := a.runner.Run(ctx, a.vmadm, "lookup", "-j")
	if err != nil {
		return fmt.Errorf("list vms: %w", err)
	}

	var docs []map[string]any
	if err := json.Unmarshal(out, &docs); err != nil {
		return fmt.Errorf("parse vm list: %w", err)
	}

	observed := time.Now().UTC()
	queued := 0
	for _, doc := range docs {
		id, _ := doc["uuid"].(string)
		if strings.TrimSpace(id) == "" {
			a.logger.Debug().Msg("skipping vm without uuid")
			continue
		}
		if err := a.updates.Queue(ctx, vm.VMUpdate{UUID: id, State: doc, ObservedAt: observed}); err != nil {
			return fmt.Errorf("queue vm %s: %w", id, err)
		}
		queued++
	}

	vmsObserved.Set(float64(queued))
	a.logger.Debug().Int("vms", queued).Msg("vm sample queued")
	return nil
}
