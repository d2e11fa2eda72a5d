package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"golang.org/x/sync/errgroup"
)

// DrainOptions controls Drain.
type DrainOptions struct {
	Force    bool `json:"force"`
	Parallel int  `json:"parallel,omitempty"`
	Wait     bool `json:"wait"`
}

// Drain empties a host. Force unassigns every project in one update without
// moving data; otherwise projects are moved round robin to the other
// reachable hosts of their owner with at most Parallel moves in flight.
func (e *Engine) Drain(ctx context.Context, actor auth.Actor, hostID string, opts DrainOptions) (*ops.Op, error) {
	h, err := e.liveHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(h.Owner) {
		return nil, ops.ErrNotAuthorized
	}
	if opts.Parallel <= 0 {
		opts.Parallel = e.cfg.DrainParallel
	}

	op, err := e.tracker.Create(ctx, ops.KindHostDrain, ops.ScopeHost, h.ID, actor.AccountID, ops.RoutingHub, opts)
	if err != nil {
		return nil, err
	}

	return e.execute(ctx, op, opts.Wait, func(ctx context.Context) (*ops.Outcome, error) {
		if opts.Force {
			return e.forceDrain(ctx, actor, h)
		}
		return e.drain(ctx, op, h, opts.Parallel)
	})
}

func (e *Engine) forceDrain(ctx context.Context, actor auth.Actor, h *store.Host) (*ops.Outcome, error) {
	n, err := e.store.ClearHostAssignments(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	e.store.LogEvent(ctx, "audit", "warn", actor.AccountID, h.ID, "drain",
		fmt.Sprintf("force drain unassigned %d projects without moving data", n),
		map[string]any{"force": true, "unassigned": n})
	e.log.Warn().Str("host", h.ID).Int64("unassigned", n).Str("actor", actor.AccountID).Msg("force drain")

	return &ops.Outcome{
		Progress: &ops.ProgressSummary{Done: int(n), Total: int(n), Phase: "unassigned"},
		Result:   map[string]any{"unassigned": n},
		Message:  "force drained",
	}, nil
}

func (e *Engine) drain(ctx context.Context, op *ops.Op, h *store.Host, parallel int) (*ops.Outcome, error) {
	projects, err := e.store.ListProjectsOnHost(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	progress := &ops.ProgressSummary{Total: len(projects), Phase: "moving"}
	if len(projects) == 0 {
		progress.Phase = "done"
		return &ops.Outcome{Progress: progress, Message: "nothing to drain"}, nil
	}

	targets, err := e.store.ListReachableHosts(ctx, e.now(), e.cfg.LivenessTTL, h.ID)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return &ops.Outcome{Progress: progress}, fmt.Errorf("no reachable host to drain %s to: %w", h.ID, ops.ErrInvalidRequest)
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	record := func(projectID string, moveErr error) {
		mu.Lock()
		defer mu.Unlock()
		if moveErr != nil {
			progress.Failed++
			failed = append(failed, projectID)
			e.log.Warn().Err(moveErr).Str("host", h.ID).Str("project", projectID).Msg("drain move failed")
		} else {
			progress.Done++
		}
		snapshot := *progress
		if _, err := e.tracker.Transition(ctx, op.ID, ops.StatusRunning, ops.Update{Progress: &snapshot}); err != nil {
			e.log.Debug().Err(err).Str("op", op.ID).Msg("drain progress not recorded")
		}
	}

	// Moves never cancel each other: one failed project must not strand
	// the rest on a host being drained.
	var g errgroup.Group
	g.SetLimit(parallel)
	for i, p := range projects {
		eligible := placements(p, targets)
		g.Go(func() error {
			var moveErr error
			if len(eligible) == 0 {
				moveErr = fmt.Errorf("no reachable host of %s to move project %s to: %w", p.Owner, p.ID, ops.ErrInvalidRequest)
			} else if verr := e.CheckOfflineMove(ctx, p); verr != nil {
				moveErr = verr
			} else {
				moveErr = e.moveProject(ctx, p, eligible[i%len(eligible)].ID)
			}
			record(p.ID, moveErr)
			return nil
		})
	}
	_ = g.Wait()

	progress.Phase = "done"
	out := &ops.Outcome{
		Progress: progress,
		Result:   map[string]any{"moved": progress.Done, "failed": failed},
	}
	if progress.Failed > 0 {
		return out, fmt.Errorf("drain %s: %d of %d moves failed", h.ID, progress.Failed, progress.Total)
	}
	out.Message = "drained"
	return out, nil
}
