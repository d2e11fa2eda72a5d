package connector

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Runner polls the hub and hands each command to a Handler.
type Runner struct {
	client   *Client
	handler  Handler
	log      zerolog.Logger
	interval time.Duration
	backoff  time.Duration
}

// NewRunner creates a poll loop.
func NewRunner(client *Client, handler Handler, interval time.Duration, log zerolog.Logger) *Runner {
	return &Runner{
		client:   client,
		handler:  handler,
		log:      log.With().Str("component", "connector").Logger(),
		interval: interval,
		backoff:  initialBackoff,
	}
}

// Run polls until ctx is cancelled. It returns ErrUnauthorized when the
// credential was revoked, since polling cannot recover from that.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info().Dur("interval", r.interval).Msg("connector started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if err := r.Drain(ctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				r.log.Error().Err(err).Msg("credential rejected, stopping")
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Dur("backoff", r.backoff).Msg("poll failed, retrying")
			r.waitBackoff(ctx)
			continue
		}
		r.backoff = initialBackoff

		select {
		case <-ctx.Done():
			r.log.Info().Msg("connector stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Drain handles queued commands until the hub has none left.
func (r *Runner) Drain(ctx context.Context) error {
	for {
		cmd, err := r.client.Next(ctx)
		if err != nil {
			return err
		}
		if cmd == nil {
			return nil
		}
		if err := r.handle(ctx, cmd); err != nil {
			return err
		}
	}
}

func (r *Runner) handle(ctx context.Context, cmd *Command) error {
	log := r.log.With().Str("command", cmd.ID).Str("action", cmd.Action).Logger()
	log.Info().Msg("executing command")

	start := time.Now()
	result, err := r.handler.Handle(ctx, cmd)
	ack := Ack{ID: cmd.ID, Status: "ok", Result: result}
	if err != nil {
		ack.Status = "error"
		ack.Error = err.Error()
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("command failed")
	} else {
		log.Info().Dur("duration", time.Since(start)).Msg("command completed")
	}

	// A lost ack leaves the command leased until the hub reclaims it.
	return r.client.Ack(ctx, ack)
}

func (r *Runner) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(r.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	r.backoff *= 2
	if r.backoff > maxBackoff {
		r.backoff = maxBackoff
	}
}
