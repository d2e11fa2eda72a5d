// Package autostart starts self-hosts that were provisioned while their
// connector was away. A freshly provisioned self-host is created off with
// metadata.self_host.auto_start_pending set; the first poll of its
// connector consumes the flag and queues exactly one start.
package autostart

import (
	"context"
	"errors"
	"time"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/lifecycle"
	"github.com/markus-barta/fleethub/internal/metrics"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
)

// Store is the subset of the store used by the coordinator.
type Store interface {
	FindConnectorHosts(ctx context.Context, c *store.Connector) ([]*store.Host, error)
	ClaimAutoStart(ctx context.Context, id string, at time.Time) (bool, error)
	RestoreAutoStart(ctx context.Context, id string) error
}

// Enqueuer queues commands for connectors.
type Enqueuer interface {
	Enqueue(ctx context.Context, actor auth.Actor, connectorID string, action store.Action, payload any) (*store.Command, error)
}

// Coordinator runs the auto-start check on every connector poll.
type Coordinator struct {
	log   zerolog.Logger
	store Store
	queue Enqueuer
	now   func() time.Time
}

// New creates a coordinator.
func New(log zerolog.Logger, st Store, q Enqueuer) *Coordinator {
	return &Coordinator{
		log:   log.With().Str("component", "autostart").Logger(),
		store: st,
		queue: q,
		now:   time.Now,
	}
}

// SetClock overrides the time source (tests).
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// OnPoll queues a start for every host of the polling connector that is
// off with auto-start pending. It never fails the poll: problems are
// logged and the flag is put back so a later poll retries.
// Returns the queued commands.
func (c *Coordinator) OnPoll(ctx context.Context, id *auth.Identity) []*store.Command {
	conn := &store.Connector{ID: id.ConnectorID, AccountID: id.AccountID, HostID: id.HostID}
	hosts, err := c.store.FindConnectorHosts(ctx, conn)
	if err != nil {
		c.log.Warn().Err(errors.Join(ops.ErrTransient, err)).Str("connector", id.ConnectorID).Msg("auto-start lookup failed")
		return nil
	}

	var queued []*store.Command
	for _, h := range hosts {
		if !h.IsSelfHost() || h.Status != store.HostOff {
			continue
		}
		if sh := h.Metadata.SelfHost; sh == nil || !sh.AutoStartPending {
			continue
		}
		if cmd := c.start(ctx, id, h); cmd != nil {
			queued = append(queued, cmd)
		}
	}
	return queued
}

func (c *Coordinator) start(ctx context.Context, id *auth.Identity, h *store.Host) *store.Command {
	log := c.log.With().Str("host", h.ID).Str("connector", id.ConnectorID).Logger()

	claimed, err := c.store.ClaimAutoStart(ctx, h.ID, c.now())
	if err != nil {
		log.Warn().Err(errors.Join(ops.ErrTransient, err)).Msg("auto-start claim failed")
		return nil
	}
	if !claimed {
		// Another poll got there first.
		return nil
	}

	actor := auth.Actor{AccountID: id.AccountID}
	cmd, err := c.queue.Enqueue(ctx, actor, id.ConnectorID, store.ActionStart, lifecycle.CommandPayload{HostID: h.ID})
	if err != nil {
		log.Warn().Err(errors.Join(ops.ErrTransient, err)).Msg("auto-start enqueue failed, flag restored")
		if rerr := c.store.RestoreAutoStart(ctx, h.ID); rerr != nil {
			log.Error().Err(rerr).Msg("failed to restore auto-start flag")
		}
		return nil
	}

	metrics.AutoStarts.Inc()
	log.Info().Str("command", cmd.ID).Msg("auto-start queued")
	return cmd
}
