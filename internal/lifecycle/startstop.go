package lifecycle

import (
	"context"
	"fmt"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
)

// StartOptions controls Start.
type StartOptions struct {
	Wait bool `json:"wait"`
}

// StopOptions controls Stop.
type StopOptions struct {
	SkipBackups bool `json:"skip_backups"`
	Wait        bool `json:"wait"`
}

// Start starts a host, or a project together with its host.
func (e *Engine) Start(ctx context.Context, actor auth.Actor, t Target, opts StartOptions) (*ops.Op, error) {
	r, err := e.resolve(ctx, actor, t)
	if err != nil {
		return nil, err
	}
	if r.host == nil {
		return nil, fmt.Errorf("project %s is not assigned to a host: %w", t.ID, ops.ErrInvalidRequest)
	}

	kind := ops.KindHostStart
	if t.Type == ops.ScopeProject {
		kind = ops.KindProjectStart
	}
	op, err := e.tracker.Create(ctx, kind, t.Type, t.ID, actor.AccountID, routing(r.host), opts)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, op, opts.Wait, func(ctx context.Context) (*ops.Outcome, error) {
		return e.startHost(ctx, actor, op, r)
	})
}

func (e *Engine) startHost(ctx context.Context, actor auth.Actor, op *ops.Op, r *resolved) (*ops.Outcome, error) {
	h := r.host
	// A running host only needs its project started.
	alreadyUp := h.Status == store.HostRunning

	if h.IsSelfHost() {
		payload := CommandPayload{OpID: op.ID, HostID: h.ID}
		if r.project != nil {
			payload.ProjectID = r.project.ID
		}
		if !alreadyUp {
			if err := e.claimStatus(ctx, h, store.HostStarting, startable...); err != nil {
				return nil, err
			}
		}
		cmd, err := e.enqueueFor(ctx, actor, h, store.ActionStart, payload)
		if err != nil {
			if !alreadyUp {
				if _, rerr := e.store.SetHostStatus(ctx, h.ID, h.Status, store.HostStarting); rerr != nil {
					e.log.Warn().Err(rerr).Str("host", h.ID).Msg("failed to restore host status")
				}
			}
			return nil, err
		}
		return &ops.Outcome{
			Pending: true,
			Message: "start queued for connector",
			Result:  map[string]string{"command_id": cmd.ID},
		}, nil
	}

	if !alreadyUp {
		if err := e.claimStatus(ctx, h, store.HostStarting, startable...); err != nil {
			return nil, err
		}
		if err := e.driver.Start(ctx, h); err != nil {
			_, _ = e.store.SetHostStatus(ctx, h.ID, store.HostError, store.HostStarting)
			return nil, fmt.Errorf("start host %s: %w", h.ID, err)
		}
		ok, err := e.store.SetHostStatus(ctx, h.ID, store.HostRunning, store.HostStarting)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("host %s changed status during start: %w", h.ID, ops.ErrConflict)
		}
		if err := e.store.TouchHost(ctx, h.ID, e.now()); err != nil {
			return nil, err
		}
	}
	if r.project != nil {
		if err := e.workspaces.StartProject(ctx, r.project, h); err != nil {
			return nil, fmt.Errorf("start project %s: %w", r.project.ID, err)
		}
	}
	return &ops.Outcome{Progress: ops.Single(), Message: "started"}, nil
}

// Legal predecessors of the host status transitions.
var (
	startable   = []store.HostStatus{store.HostOff, store.HostError}
	booting     = []store.HostStatus{store.HostStarting, store.HostRestarting}
	runningLike = []store.HostStatus{store.HostRunning, store.HostStarting, store.HostRestarting, store.HostError}
)

// claimStatus moves h to status if it is currently in one of from, and
// fails with ErrConflict otherwise.
func (e *Engine) claimStatus(ctx context.Context, h *store.Host, status store.HostStatus, from ...store.HostStatus) error {
	ok, err := e.store.SetHostStatus(ctx, h.ID, status, from...)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("host %s is %s, cannot move to %s: %w", h.ID, h.Status, status, ops.ErrConflict)
	}
	return nil
}

// Stop stops a host or a single project. It never runs backups itself;
// SkipBackups is passed through to whoever does the stopping.
func (e *Engine) Stop(ctx context.Context, actor auth.Actor, t Target, opts StopOptions) (*ops.Op, error) {
	r, err := e.resolve(ctx, actor, t)
	if err != nil {
		return nil, err
	}

	kind := ops.KindHostStop
	route := routing(r.host)
	if t.Type == ops.ScopeProject {
		kind = ops.KindProjectStop
		route = ops.RoutingHub
	}
	op, err := e.tracker.Create(ctx, kind, t.Type, t.ID, actor.AccountID, route, opts)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, op, opts.Wait, func(ctx context.Context) (*ops.Outcome, error) {
		if r.project != nil {
			if err := e.workspaces.StopProject(ctx, r.project, opts.SkipBackups); err != nil {
				return nil, fmt.Errorf("stop project %s: %w", r.project.ID, err)
			}
			return &ops.Outcome{Progress: ops.Single(), Message: "stopped"}, nil
		}
		return e.stopHost(ctx, actor, op, r.host, opts.SkipBackups)
	})
}

func (e *Engine) stopHost(ctx context.Context, actor auth.Actor, op *ops.Op, h *store.Host, skipBackups bool) (*ops.Outcome, error) {
	if h.IsSelfHost() {
		cmd, err := e.enqueueFor(ctx, actor, h, store.ActionStop, CommandPayload{
			OpID: op.ID, HostID: h.ID, SkipBackups: skipBackups,
		})
		if err != nil {
			return nil, err
		}
		return &ops.Outcome{
			Pending: true,
			Message: "stop queued for connector",
			Result:  map[string]string{"command_id": cmd.ID},
		}, nil
	}

	if err := e.driver.Stop(ctx, h, skipBackups); err != nil {
		return nil, fmt.Errorf("stop host %s: %w", h.ID, err)
	}
	if _, err := e.store.SetHostStatus(ctx, h.ID, store.HostOff, runningLike...); err != nil {
		return nil, err
	}
	return &ops.Outcome{Progress: ops.Single(), Message: "stopped"}, nil
}
