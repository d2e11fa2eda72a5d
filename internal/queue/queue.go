// Package queue implements the durable per-connector command queue.
//
// Commands move pending → sent → done|error. A poll leases the oldest
// pending command; a lease that is not acknowledged within the lease TTL is
// returned to pending so a restarted connector gets it again.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/metrics"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
)

// ErrConnectorNotFound is returned when enqueueing for an unknown or revoked
// connector. It matches ops.ErrNotFound.
var ErrConnectorNotFound = fmt.Errorf("connector %w", ops.ErrNotFound)

// AckStatusOK is the ack status that completes a command successfully.
const AckStatusOK = "ok"

// Store is the subset of the store used by the queue.
type Store interface {
	GetConnector(ctx context.Context, id string) (*store.Connector, error)
	TouchConnector(ctx context.Context, c *store.Connector, at time.Time) error
	InsertCommand(ctx context.Context, c *store.Command) error
	LeaseNextCommand(ctx context.Context, connectorID string, now time.Time) (*store.Command, error)
	CompleteCommand(ctx context.Context, connectorID, commandID string, state store.CommandState, result []byte, errMsg string, now time.Time) (*store.Command, error)
	ReclaimExpiredLeases(ctx context.Context, connectorID string, cutoff, now time.Time) (int64, error)
}

// AckHook applies the effects of a completed command.
type AckHook func(ctx context.Context, cmd *store.Command)

// Queue delivers commands to connectors.
type Queue struct {
	log      zerolog.Logger
	store    Store
	leaseTTL time.Duration
	now      func() time.Time
	hooks    []AckHook
}

// New creates a queue. leaseTTL is how long a sent command may stay
// unacknowledged before it is delivered again.
func New(log zerolog.Logger, st Store, leaseTTL time.Duration) *Queue {
	return &Queue{
		log:      log.With().Str("component", "command_queue").Logger(),
		store:    st,
		leaseTTL: leaseTTL,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// OnAck registers a hook run after every ack that changed a command.
// Hooks must be registered before the queue is used.
func (q *Queue) OnAck(h AckHook) {
	q.hooks = append(q.hooks, h)
}

// Enqueue inserts a pending command for a connector the actor manages.
func (q *Queue) Enqueue(ctx context.Context, actor auth.Actor, connectorID string, action store.Action, payload any) (*store.Command, error) {
	c, err := q.store.GetConnector(ctx, connectorID)
	if errors.Is(err, ops.ErrNotFound) || (err == nil && c.Revoked) {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, connectorID)
	}
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(c.AccountID) {
		return nil, ops.ErrNotAuthorized
	}
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ops.ErrInvalidAction, action)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	cmd := &store.Command{
		ID:          uuid.New().String(),
		ConnectorID: connectorID,
		Action:      action,
		Payload:     data,
		RequestedBy: actor.AccountID,
		CreatedAt:   q.now(),
	}
	if err := q.store.InsertCommand(ctx, cmd); err != nil {
		return nil, err
	}
	metrics.CommandsEnqueued.WithLabelValues(string(action)).Inc()

	q.log.Info().Str("command", cmd.ID).Str("connector", connectorID).
		Str("action", string(action)).Str("by", actor.AccountID).Msg("command queued")
	return cmd, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON: %w", ops.ErrInvalidRequest)
		}
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// PollNext records the poll as a heartbeat, reclaims this connector's
// expired leases and leases the oldest pending command. Returns nil when
// there is nothing to do.
func (q *Queue) PollNext(ctx context.Context, id *auth.Identity) (*store.Command, error) {
	now := q.now()
	conn := &store.Connector{ID: id.ConnectorID, AccountID: id.AccountID, HostID: id.HostID}
	if err := q.store.TouchConnector(ctx, conn, now); err != nil {
		q.log.Warn().Err(err).Str("connector", id.ConnectorID).Msg("failed to record poll")
	}

	if q.leaseTTL > 0 {
		n, err := q.store.ReclaimExpiredLeases(ctx, id.ConnectorID, now.Add(-q.leaseTTL), now)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			metrics.CommandsReclaimed.Add(float64(n))
			q.log.Warn().Int64("count", n).Str("connector", id.ConnectorID).Msg("reclaimed expired leases")
		}
	}

	cmd, err := q.store.LeaseNextCommand(ctx, id.ConnectorID, now)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		metrics.ConnectorPolls.WithLabelValues("empty").Inc()
		return nil, nil
	}
	metrics.ConnectorPolls.WithLabelValues("command").Inc()
	metrics.CommandsLeased.Inc()
	q.log.Debug().Str("command", cmd.ID).Str("action", string(cmd.Action)).
		Int("attempt", cmd.Attempts).Msg("command leased")
	return cmd, nil
}

// Ack completes a leased command, including one whose lease already
// expired. Acks for foreign, unleased or finished commands change nothing
// and return (nil, nil).
func (q *Queue) Ack(ctx context.Context, id *auth.Identity, commandID, status string, result json.RawMessage, errMsg string) (*store.Command, error) {
	state := store.CommandDone
	if status != AckStatusOK {
		state = store.CommandError
		if errMsg == "" {
			errMsg = "connector reported status " + status
		}
	} else {
		errMsg = ""
	}
	if len(result) > 0 && !json.Valid(result) {
		return nil, fmt.Errorf("result is not valid JSON: %w", ops.ErrInvalidRequest)
	}

	cmd, err := q.store.CompleteCommand(ctx, id.ConnectorID, commandID, state, result, errMsg, q.now())
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		q.log.Debug().Str("command", commandID).Str("connector", id.ConnectorID).Msg("ack ignored")
		return nil, nil
	}
	metrics.CommandsAcked.WithLabelValues(string(state)).Inc()

	ev := q.log.Info()
	if state == store.CommandError {
		ev = q.log.Warn().Str("error", errMsg)
	}
	ev.Str("command", cmd.ID).Str("action", string(cmd.Action)).Str("state", string(state)).Msg("command acknowledged")

	for _, h := range q.hooks {
		h(ctx, cmd)
	}
	return cmd, nil
}

// ReclaimExpired returns every expired lease to pending.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	if q.leaseTTL <= 0 {
		return 0, nil
	}
	now := q.now()
	n, err := q.store.ReclaimExpiredLeases(ctx, "", now.Add(-q.leaseTTL), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.CommandsReclaimed.Add(float64(n))
	}
	return n, nil
}

// RunReclaimer reclaims expired leases every interval until ctx is done.
func (q *Queue) RunReclaimer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	q.log.Info().Dur("interval", interval).Dur("lease_ttl", q.leaseTTL).Msg("starting lease reclaim loop")

	for {
		select {
		case <-ctx.Done():
			q.log.Info().Msg("lease reclaim loop stopped")
			return
		case <-ticker.C:
			n, err := q.ReclaimExpired(ctx)
			if err != nil {
				q.log.Error().Err(err).Msg("lease reclaim failed")
				continue
			}
			if n > 0 {
				q.log.Warn().Int64("count", n).Msg("reclaimed expired leases")
			}
		}
	}
}
