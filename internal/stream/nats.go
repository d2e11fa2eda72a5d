package stream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned when publishing on a closed NATS connection.
var ErrNotConnected = errors.New("nats not connected")

// NATSPublisher publishes op messages on lro.<scope_type>.<scope_id>.<op_id>.
type NATSPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// NewNATSPublisher connects to url. The connection reconnects forever.
func NewNATSPublisher(url string, log zerolog.Logger) (*NATSPublisher, error) {
	log = log.With().Str("component", "nats_publisher").Logger()
	opts := []nats.Option{
		nats.Name("fleethub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return &NATSPublisher{nc: nc, log: log}, nil
}

// Publish implements ops.Publisher.
func (p *NATSPublisher) Publish(_ context.Context, subject string, msg *ops.Message) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.nc.Publish(subject, data)
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() {
	if p.nc == nil {
		return
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Debug().Err(err).Msg("nats drain")
	}
	p.nc.Close()
}
