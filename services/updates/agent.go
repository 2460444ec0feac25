// Package updates delivers VM state reported by the local watcher to the
// inventory service.
package updates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"vmagent/pkg/telemetry"
	"vmagent/services/agents/vm"
)

const (
	// UpdatedSubject is where deliveries are mirrored when a publisher is set.
	UpdatedSubject = "vmagent.vms.updated"

	defaultQueueSize    = 256
	defaultRetryBackoff = 500 * time.Millisecond
	maxDeliveryRetries  = 3
	requestTimeout      = 10 * time.Second
)

var deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vmagent_update_deliveries_total",
	Help: "VM state deliveries to the inventory service, by result.",
}, []string{"result"})

// Publisher is the optional mirror for delivered updates.
type Publisher interface {
	Publish(ctx context.Context, subj, msgID string, v any) error
}

// Options tune an Agent. The zero value is usable.
type Options struct {
	Client       *http.Client
	Token        string
	Publisher    Publisher
	QueueSize    int
	RetryBackoff time.Duration
}

// Agent queues VM updates and posts them one at a time.
type Agent struct {
	endpoint  *url.URL
	machineID string
	logger    zerolog.Logger
	client    *http.Client
	token     string
	publisher Publisher
	backoff   time.Duration
	queue     chan vm.VMUpdate
}

var _ vm.UpdateAgent = (*Agent)(nil)

// New builds an Agent that reports as cfg.MachineID to cfg.ServiceEndpoint.
func New(cfg vm.AgentConfig, opts Options) (*Agent, error) {
	if cfg.ServiceEndpoint == nil {
		return nil, errors.New("service endpoint is required")
	}
	if strings.TrimSpace(cfg.MachineID) == "" {
		return nil, errors.New("machine id is required")
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Transport: telemetry.Transport(nil)}
	}
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	return &Agent{
		endpoint:  cfg.ServiceEndpoint,
		machineID: cfg.MachineID,
		logger:    cfg.Logger.With().Str("component", "update-agent").Logger(),
		client:    client,
		token:     strings.TrimSpace(opts.Token),
		publisher: opts.Publisher,
		backoff:   backoff,
		queue:     make(chan vm.VMUpdate, size),
	}, nil
}

// Queue blocks until the update is accepted or ctx is done.
func (a *Agent) Queue(ctx context.Context, update vm.VMUpdate) error {
	if strings.TrimSpace(update.UUID) == "" {
		return errors.New("update is missing a vm uuid")
	}
	select {
	case a.queue <- update:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers queued updates until ctx is done. A failed delivery is
// logged and counted; it does not stop the loop.
func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update := <-a.queue:
			if err := a.deliver(ctx, update); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				deliveries.WithLabelValues("failed").Inc()
				a.logger.Error().Err(err).Str("vm_uuid", update.UUID).Msg("update delivery failed")
				continue
			}
			deliveries.WithLabelValues("delivered").Inc()
		}
	}
}

type delivery struct {
	ID         uuid.UUID      `json:"id"`
	ServerUUID string         `json:"server_uuid"`
	VMUUID     string         `json:"vm_uuid"`
	ObservedAt time.Time      `json:"observed_at"`
	VM         map[string]any `json:"vm"`
}

func (a *Agent) deliver(ctx context.Context, update vm.VMUpdate) error {
	observed := update.ObservedAt
	if observed.IsZero() {
		observed = time.Now().UTC()
	}
	payload := delivery{
		ID:         uuid.New(),
		ServerUUID: a.machineID,
		VMUUID:     update.UUID,
		ObservedAt: observed,
		VM:         update.State,
	}

	body, err := encodeBody(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	target := a.endpoint.JoinPath("vms", update.UUID)
	query := target.Query()
	query.Set("server_uuid", a.machineID)
	target.RawQuery = query.Encode()

	backoff := retry.WithMaxRetries(maxDeliveryRetries, retry.NewExponential(a.backoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return a.post(ctx, target.String(), body)
	})
	if err != nil {
		return err
	}

	a.logger.Debug().Str("vm_uuid", update.UUID).Str("delivery_id", payload.ID.String()).Msg("update delivered")

	if a.publisher != nil {
		if err := a.publisher.Publish(ctx, UpdatedSubject, payload.ID.String(), payload); err != nil {
			a.logger.Warn().Err(err).Str("vm_uuid", update.UUID).Msg("mirror publish failed")
		}
	}
	return nil
}

func (a *Agent) post(ctx context.Context, target string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return retry.RetryableError(fmt.Errorf("post update: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		statusErr := fmt.Errorf("post update unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.RetryableError(statusErr)
		}
		return statusErr
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain response body: %w", err)
	}
	return nil
}

func encodeBody(v any) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
