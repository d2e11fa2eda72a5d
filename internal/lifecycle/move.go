package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
)

// MoveOptions controls Move.
type MoveOptions struct {
	DestHostID   string `json:"dest_host_id,omitempty"`
	AllowOffline bool   `json:"allow_offline"`
	Wait         bool   `json:"wait"`
}

// Move relocates a project to another host. Unless AllowOffline is set, a
// move off an unreachable host whose latest edit is not covered by a backup
// is refused with a ValidationError before any work starts; the op is
// failed with the same code.
func (e *Engine) Move(ctx context.Context, actor auth.Actor, projectID string, opts MoveOptions) (*ops.Op, error) {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(p.Owner) {
		return nil, ops.ErrNotAuthorized
	}

	var dest *store.Host
	if opts.DestHostID != "" {
		if dest, err = e.liveHost(ctx, opts.DestHostID); err != nil {
			return nil, err
		}
		if !actor.CanManage(dest.Owner) {
			return nil, ops.ErrNotAuthorized
		}
		if err := e.checkDestination(p, dest); err != nil {
			return nil, err
		}
	}

	op, err := e.tracker.Create(ctx, ops.KindProjectMove, ops.ScopeProject, p.ID, actor.AccountID, ops.RoutingHub, opts)
	if err != nil {
		return nil, err
	}

	if opts.AllowOffline {
		if verr := e.CheckOfflineMove(ctx, p); verr != nil {
			e.store.LogEvent(ctx, "audit", "warn", actor.AccountID, p.HostID, "move",
				"offline move confirmed for project "+p.ID, map[string]any{"project_id": p.ID, "op_id": op.ID})
		}
	} else if verr := e.CheckOfflineMove(ctx, p); verr != nil {
		e.runner.Fail(ctx, op, verr)
		return op, verr
	}

	if dest == nil {
		targets, err := e.store.ListReachableHosts(ctx, e.now(), e.cfg.LivenessTTL, p.HostID)
		if err != nil {
			e.runner.Fail(ctx, op, err)
			return op, err
		}
		targets = placements(p, targets)
		if len(targets) == 0 {
			err := fmt.Errorf("no reachable host to move project %s to: %w", p.ID, ops.ErrInvalidRequest)
			e.runner.Fail(ctx, op, err)
			return op, err
		}
		dest = targets[0]
	}

	from := p.HostID
	return e.execute(ctx, op, opts.Wait, func(ctx context.Context) (*ops.Outcome, error) {
		if err := e.moveProject(ctx, p, dest.ID); err != nil {
			return nil, err
		}
		return &ops.Outcome{
			Progress: ops.Single(),
			Message:  "moved",
			Result:   map[string]string{"from_host_id": from, "to_host_id": dest.ID},
		}, nil
	})
}

// checkDestination rejects an explicit destination that is the current
// host, is not reachable, or belongs to someone other than the project owner.
func (e *Engine) checkDestination(p *store.Project, dest *store.Host) error {
	switch {
	case dest.ID == p.HostID:
		return fmt.Errorf("project %s is already on host %s: %w", p.ID, dest.ID, ops.ErrInvalidRequest)
	case !dest.Reachable(e.now(), e.cfg.LivenessTTL):
		return fmt.Errorf("destination host %s is not reachable: %w", dest.ID, ops.ErrInvalidRequest)
	case dest.Owner != p.Owner:
		return fmt.Errorf("destination host %s is not owned by the project owner: %w", dest.ID, ops.ErrNotAuthorized)
	}
	return nil
}

// placements returns the hosts among targets that may receive p: only
// hosts of the project owner ever hold its workspace data.
func placements(p *store.Project, targets []*store.Host) []*store.Host {
	var out []*store.Host
	for _, h := range targets {
		if h.Owner == p.Owner {
			out = append(out, h)
		}
	}
	return out
}

// CheckOfflineMove returns a ValidationError when moving p would abandon
// edits that only exist on an unreachable host.
func (e *Engine) CheckOfflineMove(ctx context.Context, p *store.Project) error {
	if p.HostID == "" {
		return nil
	}
	h, err := e.store.GetHost(ctx, p.HostID)
	if err != nil && !errors.Is(err, ops.ErrNotFound) {
		return err
	}
	if h != nil && h.Reachable(e.now(), e.cfg.LivenessTTL) {
		return nil
	}
	if !p.AtRisk() {
		return nil
	}

	backup := "never"
	if p.LastBackup != nil {
		backup = p.LastBackup.UTC().Format(time.RFC3339)
	}
	return &ops.ValidationError{
		Code: ops.CodeMoveOfflineConfirmationRequired,
		Message: fmt.Sprintf("host %s is offline and project %s was last edited %s, after its last backup (%s); confirm to move anyway",
			p.HostID, p.ID, p.LastEdited.UTC().Format(time.RFC3339), backup),
	}
}

// moveProject relocates data and then flips the assignment, conditional on
// the project still being where the mover found it.
func (e *Engine) moveProject(ctx context.Context, p *store.Project, toHostID string) error {
	if p.HostID == toHostID {
		return nil
	}
	if err := e.workspaces.MoveProject(ctx, p, p.HostID, toHostID); err != nil {
		return fmt.Errorf("move project %s: %w", p.ID, err)
	}
	ok, err := e.store.AssignProject(ctx, p.ID, p.HostID, toHostID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("project %s changed host during move: %w", p.ID, ops.ErrConflict)
	}
	return nil
}
