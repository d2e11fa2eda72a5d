package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
)

// DeprovisionOptions controls Deprovision.
type DeprovisionOptions struct {
	SkipBackups bool `json:"skip_backups"`
	Wait        bool `json:"wait"`
}

// DeprovisionResult reports what Deprovision decided before the work ran.
type DeprovisionResult struct {
	Op             *ops.Op `json:"-"`
	BackupsSkipped bool    `json:"backups_skipped"`
	AtRiskProjects int     `json:"at_risk_projects"`
}

// Deprovision tears a host down and soft-deletes it. A host that is off
// cannot be backed up: backups are skipped and the projects edited since
// their last backup are counted and reported.
func (e *Engine) Deprovision(ctx context.Context, actor auth.Actor, hostID string, opts DeprovisionOptions) (*DeprovisionResult, error) {
	h, err := e.liveHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(h.Owner) {
		return nil, ops.ErrNotAuthorized
	}

	res := &DeprovisionResult{BackupsSkipped: opts.SkipBackups}
	if !h.Status.RunningLike() {
		res.BackupsSkipped = true
		if res.AtRiskProjects, err = e.store.CountAtRiskProjects(ctx, h.ID); err != nil {
			return nil, err
		}
	}

	input := map[string]any{
		"skip_backups":     opts.SkipBackups,
		"backups_skipped":  res.BackupsSkipped,
		"at_risk_projects": res.AtRiskProjects,
		"wait":             opts.Wait,
	}
	op, err := e.tracker.Create(ctx, ops.KindHostDeprovision, ops.ScopeHost, h.ID, actor.AccountID, routing(h), input)
	if err != nil {
		return nil, err
	}

	e.store.LogEvent(ctx, "audit", "warn", actor.AccountID, h.ID, "deprovision",
		"deprovision requested for host "+h.Name, map[string]any{
			"op_id":            op.ID,
			"backups_skipped":  res.BackupsSkipped,
			"at_risk_projects": res.AtRiskProjects,
		})

	res.Op, err = e.execute(ctx, op, opts.Wait, func(ctx context.Context) (*ops.Outcome, error) {
		return e.deprovision(ctx, actor, op, h, res)
	})
	return res, err
}

func (e *Engine) deprovision(ctx context.Context, actor auth.Actor, op *ops.Op, h *store.Host, res *DeprovisionResult) (*ops.Outcome, error) {
	if !res.BackupsSkipped {
		if err := e.backups.BackupHost(ctx, h); err != nil {
			return nil, fmt.Errorf("backup before deprovision of %s: %w", h.ID, err)
		}
	}

	if h.IsSelfHost() {
		cmd, err := e.enqueueFor(ctx, actor, h, store.ActionDelete, CommandPayload{OpID: op.ID, HostID: h.ID})
		switch {
		case err == nil:
			return &ops.Outcome{
				Pending: true,
				Message: "delete queued for connector",
				Result:  map[string]any{"command_id": cmd.ID, "backups_skipped": res.BackupsSkipped, "at_risk_projects": res.AtRiskProjects},
			}, nil
		case errors.Is(err, ops.ErrNotFound):
			// Nobody left to tell; the record can go.
			e.log.Warn().Str("host", h.ID).Msg("no connector for self-host, deleting record only")
		default:
			return nil, err
		}
	} else if err := e.driver.Deprovision(ctx, h); err != nil {
		return nil, fmt.Errorf("deprovision host %s: %w", h.ID, err)
	}

	if err := e.store.SoftDeleteHost(ctx, h.ID, e.now()); err != nil {
		return nil, err
	}
	return &ops.Outcome{
		Progress: ops.Single(),
		Message:  "deprovisioned",
		Result:   res,
	}, nil
}
