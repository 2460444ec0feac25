// Package bus mirrors agent events onto NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bus is a JetStream publisher. A nil *Bus rejects every publish.
type Bus struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger zerolog.Logger
}

// New connects to url. An unreachable server does not fail New: the
// connection keeps retrying in the background and reports disconnects through
// logger. opts are applied after those defaults.
func New(url, clientName string, logger zerolog.Logger, opts ...nats.Option) (*Bus, error) {
	base := []nats.Option{
		nats.Name(clientName),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("nats reconnected")
		}),
	}

	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Bus{conn: nc, js: js, logger: logger}, nil
}

// Close drains and shuts down the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.logger.Debug().Err(err).Msg("nats drain failed")
		b.conn.Close()
	}
}

// Publish encodes v as JSON and publishes it to subj. msgID, when set, lets
// JetStream drop duplicates of a redelivered event.
func (b *Bus) Publish(ctx context.Context, subj, msgID string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if msgID != "" {
		opts = append(opts, nats.MsgId(msgID))
	}
	_, err = b.js.Publish(subj, data, opts...)
	return err
}
