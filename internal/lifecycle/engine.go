// Package lifecycle implements the guarded host and project actions:
// start, stop, drain, deprovision and move.
//
// Each action:
// - Checks the actor owns the target (or is admin)
// - Creates an op and runs the work through ops.Runner
// - Runs inline on direct hosts through the cloud driver
// - Queues a command for self-hosts; the op then completes on ack
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
)

// ═══════════════════════════════════════════════════════════════════════════
// COLLABORATORS
// ═══════════════════════════════════════════════════════════════════════════

// CloudDriver operates direct (non self-hosted) hosts.
type CloudDriver interface {
	Start(ctx context.Context, h *store.Host) error
	Stop(ctx context.Context, h *store.Host, skipBackups bool) error
	Deprovision(ctx context.Context, h *store.Host) error
}

// Workspaces starts, stops and relocates project data.
type Workspaces interface {
	StartProject(ctx context.Context, p *store.Project, h *store.Host) error
	StopProject(ctx context.Context, p *store.Project, skipBackups bool) error
	MoveProject(ctx context.Context, p *store.Project, fromHostID, toHostID string) error
}

// Backups snapshots every project on a host.
type Backups interface {
	BackupHost(ctx context.Context, h *store.Host) error
}

// NopDriver accepts every call.
type NopDriver struct{}

func (NopDriver) Start(context.Context, *store.Host) error { return nil }
func (NopDriver) Stop(context.Context, *store.Host, bool) error { return nil }
func (NopDriver) Deprovision(context.Context, *store.Host) error { return nil }

// NopWorkspaces accepts every call.
type NopWorkspaces struct{}

func (NopWorkspaces) StartProject(context.Context, *store.Project, *store.Host) error { return nil }
func (NopWorkspaces) StopProject(context.Context, *store.Project, bool) error { return nil }
func (NopWorkspaces) MoveProject(context.Context, *store.Project, string, string) error { return nil }

// NopBackups accepts every call.
type NopBackups struct{}

func (NopBackups) BackupHost(context.Context, *store.Host) error { return nil }

// ═══════════════════════════════════════════════════════════════════════════
// ENGINE
// ═══════════════════════════════════════════════════════════════════════════

// Store is the subset of the store used by the engine.
type Store interface {
	GetHost(ctx context.Context, id string) (*store.Host, error)
	GetProject(ctx context.Context, id string) (*store.Project, error)
	ListProjectsOnHost(ctx context.Context, hostID string) ([]*store.Project, error)
	ListReachableHosts(ctx context.Context, now time.Time, ttl time.Duration, exclude ...string) ([]*store.Host, error)
	SetHostStatus(ctx context.Context, id string, status store.HostStatus, from ...store.HostStatus) (bool, error)
	TouchHost(ctx context.Context, id string, at time.Time) error
	SoftDeleteHost(ctx context.Context, id string, at time.Time) error
	AssignProject(ctx context.Context, projectID, fromHost, toHost string) (bool, error)
	ClearHostAssignments(ctx context.Context, hostID string) (int64, error)
	CountAtRiskProjects(ctx context.Context, hostID string) (int, error)
	ConnectorForHost(ctx context.Context, h *store.Host) (*store.Connector, error)
	LogEvent(ctx context.Context, category, level, actor, hostID, action, message string, details map[string]any)
}

// Enqueuer queues commands for connectors.
type Enqueuer interface {
	Enqueue(ctx context.Context, actor auth.Actor, connectorID string, action store.Action, payload any) (*store.Command, error)
}

// Config tunes the engine.
type Config struct {
	LivenessTTL   time.Duration
	DrainParallel int
}

// DefaultDrainParallel bounds concurrent moves when a drain does not ask.
const DefaultDrainParallel = 10

// Engine runs lifecycle actions.
type Engine struct {
	log     zerolog.Logger
	store   Store
	queue   Enqueuer
	tracker *ops.Tracker
	runner  *ops.Runner
	cfg     Config
	now     func() time.Time

	driver     CloudDriver
	workspaces Workspaces
	backups    Backups
}

// NewEngine creates an engine with no-op collaborators.
func NewEngine(log zerolog.Logger, st Store, q Enqueuer, tracker *ops.Tracker, runner *ops.Runner, cfg Config) *Engine {
	if cfg.LivenessTTL <= 0 {
		cfg.LivenessTTL = 2 * time.Minute
	}
	if cfg.DrainParallel <= 0 {
		cfg.DrainParallel = DefaultDrainParallel
	}
	return &Engine{
		log:        log.With().Str("component", "lifecycle").Logger(),
		store:      st,
		queue:      q,
		tracker:    tracker,
		runner:     runner,
		cfg:        cfg,
		now:        time.Now,
		driver:     NopDriver{},
		workspaces: NopWorkspaces{},
		backups:    NopBackups{},
	}
}

// SetDriver sets the cloud driver for direct hosts.
func (e *Engine) SetDriver(d CloudDriver) { e.driver = d }

// SetWorkspaces sets the workspace collaborator.
func (e *Engine) SetWorkspaces(w Workspaces) { e.workspaces = w }

// SetBackups sets the backup collaborator.
func (e *Engine) SetBackups(b Backups) { e.backups = b }

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Target names what a start or stop acts on.
type Target struct {
	Type ops.ScopeType
	ID   string
}

// HostTarget targets a host.
func HostTarget(id string) Target { return Target{Type: ops.ScopeHost, ID: id} }

// ProjectTarget targets a project.
func ProjectTarget(id string) Target { return Target{Type: ops.ScopeProject, ID: id} }

// CommandPayload is the payload of every command the engine queues.
type CommandPayload struct {
	OpID        string `json:"op_id,omitempty"`
	HostID      string `json:"host_id"`
	ProjectID   string `json:"project_id,omitempty"`
	SkipBackups bool   `json:"skip_backups,omitempty"`
}

// resolved is a target after lookup and ownership checks.
type resolved struct {
	host    *store.Host
	project *store.Project
}

func (e *Engine) liveHost(ctx context.Context, id string) (*store.Host, error) {
	h, err := e.store.GetHost(ctx, id)
	if err != nil {
		return nil, err
	}
	if h.Deleted != nil {
		return nil, fmt.Errorf("host %s: %w", id, ops.ErrNotFound)
	}
	return h, nil
}

func (e *Engine) resolve(ctx context.Context, actor auth.Actor, t Target) (*resolved, error) {
	switch t.Type {
	case ops.ScopeHost:
		h, err := e.liveHost(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !actor.CanManage(h.Owner) {
			return nil, ops.ErrNotAuthorized
		}
		return &resolved{host: h}, nil

	case ops.ScopeProject:
		p, err := e.store.GetProject(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if !actor.CanManage(p.Owner) {
			return nil, ops.ErrNotAuthorized
		}
		r := &resolved{project: p}
		if p.HostID != "" {
			h, err := e.liveHost(ctx, p.HostID)
			if err != nil {
				return nil, fmt.Errorf("project %s: %w", p.ID, err)
			}
			r.host = h
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown target type %q: %w", t.Type, ops.ErrInvalidRequest)
}

func routing(h *store.Host) string {
	if h != nil && h.IsSelfHost() {
		return ops.RoutingConnector
	}
	return ops.RoutingHub
}

// execute runs task for op and, when waiting, returns the op as finished.
func (e *Engine) execute(ctx context.Context, op *ops.Op, wait bool, task ops.Task) (*ops.Op, error) {
	err := e.runner.Execute(ctx, op, wait, task)
	if !wait {
		return op, err
	}
	if cur, gerr := e.tracker.Get(ctx, op.ID); gerr == nil {
		op = cur
	}
	return op, err
}

// enqueueFor queues a command for the connector managing a self-host.
func (e *Engine) enqueueFor(ctx context.Context, actor auth.Actor, h *store.Host, action store.Action, payload CommandPayload) (*store.Command, error) {
	conn, err := e.store.ConnectorForHost(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("no connector paired with host %s: %w", h.ID, err)
	}
	return e.queue.Enqueue(ctx, actor, conn.ID, action, payload)
}
