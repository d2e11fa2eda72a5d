package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/fleethub/internal/metrics"
	"github.com/rs/zerolog"
)

// Store is the interface for persisting op state.
// This abstracts the State Store dependency.
type Store interface {
	CreateOp(ctx context.Context, op *Op) error
	// UpdateOp writes status, result, error and progress, but only while the
	// stored op is not terminal. Returns false if nothing was updated.
	UpdateOp(ctx context.Context, op *Op) (bool, error)
	GetOp(ctx context.Context, opID string) (*Op, error)
	ListOps(ctx context.Context, scopeType ScopeType, scopeID string, limit int) ([]*Op, error)
}

// Publisher delivers op messages to interested subscribers.
type Publisher interface {
	Publish(ctx context.Context, subject string, msg *Message) error
}

// Update carries the optional fields of a transition.
type Update struct {
	Result   any
	Err      error
	Progress *ProgressSummary
	Message  string // human-readable progress message
}

// Tracker creates and transitions ops and publishes every change.
type Tracker struct {
	log   zerolog.Logger
	store Store
	pub   Publisher
	now   func() time.Time
}

// NewTracker creates a tracker. pub may be nil.
func NewTracker(log zerolog.Logger, store Store, pub Publisher) *Tracker {
	return &Tracker{
		log:   log.With().Str("component", "lro_tracker").Logger(),
		store: store,
		pub:   pub,
		now:   time.Now,
	}
}

// SetClock overrides the time source (tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Create persists a new op in queued status and publishes its summary.
func (t *Tracker) Create(ctx context.Context, kind Kind, scopeType ScopeType, scopeID, createdBy, routing string, input any) (*Op, error) {
	now := t.now()
	op := &Op{
		ID:        uuid.New().String(),
		Kind:      kind,
		ScopeType: scopeType,
		ScopeID:   scopeID,
		CreatedBy: createdBy,
		Routing:   routing,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("encode op input: %w", err)
		}
		op.Input = data
	}

	if err := t.store.CreateOp(ctx, op); err != nil {
		return nil, fmt.Errorf("create op: %w", err)
	}
	metrics.OpTransitions.WithLabelValues(string(kind), string(StatusQueued)).Inc()

	t.log.Debug().Str("op", op.ID).Str("kind", string(kind)).
		Str("scope", string(scopeType)+"/"+scopeID).Msg("op created")
	t.publish(ctx, op, nil)
	return op, nil
}

// Transition moves an op to status. Finished ops are never transitioned
// again: the stored op is returned together with ErrTerminal.
func (t *Tracker) Transition(ctx context.Context, opID string, status Status, u Update) (*Op, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown op status %q", status)
	}

	op, err := t.store.GetOp(ctx, opID)
	if err != nil {
		return nil, fmt.Errorf("op %s: %w", opID, err)
	}
	if op.Status.IsTerminal() {
		return op, ErrTerminal
	}

	op.Status = status
	op.UpdatedAt = t.now()
	if u.Result != nil {
		data, err := json.Marshal(u.Result)
		if err != nil {
			return nil, fmt.Errorf("encode op result: %w", err)
		}
		op.Result = data
	}
	if u.Err != nil {
		op.Error = u.Err.Error()
		op.ErrorCode = CodeOf(u.Err)
	}
	if u.Progress != nil {
		op.Progress = u.Progress
	}

	updated, err := t.store.UpdateOp(ctx, op)
	if err != nil {
		return nil, fmt.Errorf("update op: %w", err)
	}
	if !updated {
		// Lost against a concurrent terminal transition.
		current, gerr := t.store.GetOp(ctx, opID)
		if gerr != nil {
			return nil, fmt.Errorf("op %s: %w", opID, gerr)
		}
		return current, ErrTerminal
	}
	metrics.OpTransitions.WithLabelValues(string(op.Kind), string(status)).Inc()

	var event *ProgressEvent
	if status == StatusRunning || status.IsTerminal() {
		event = t.progressEvent(op, u)
	}
	t.publish(ctx, op, event)
	return op, nil
}

// Get returns an op by ID.
func (t *Tracker) Get(ctx context.Context, opID string) (*Op, error) {
	return t.store.GetOp(ctx, opID)
}

// List returns the most recent ops for a scope.
func (t *Tracker) List(ctx context.Context, scopeType ScopeType, scopeID string, limit int) ([]*Op, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return t.store.ListOps(ctx, scopeType, scopeID, limit)
}

func (t *Tracker) progressEvent(op *Op, u Update) *ProgressEvent {
	ev := &ProgressEvent{
		OpID:    op.ID,
		Phase:   string(op.Status),
		Message: u.Message,
		At:      op.UpdatedAt,
	}
	if op.Status.IsTerminal() {
		ev.Progress = 1
	}
	if ev.Message == "" && u.Err != nil {
		ev.Message = u.Err.Error()
	}
	if p := op.Progress; p != nil && p.Total > 0 && !op.Status.IsTerminal() {
		ev.Progress = float64(p.Done+p.Failed) / float64(p.Total)
	}
	return ev
}

// publish sends the summary and, when given, the progress event.
// Failures are logged and counted; they never reach the caller.
func (t *Tracker) publish(ctx context.Context, op *Op, event *ProgressEvent) {
	if t.pub == nil {
		return
	}
	subject := StreamName(op.ScopeType, op.ScopeID, op.ID)

	msgs := []*Message{{Type: MessageSummary, Op: op}}
	if event != nil {
		msgs = append(msgs, &Message{Type: MessageProgress, Op: op, Event: event})
	}
	for _, msg := range msgs {
		if err := t.pub.Publish(ctx, subject, msg); err != nil {
			metrics.PublishFailures.Inc()
			t.log.Warn().Err(errors.Join(ErrTransient, err)).
				Str("op", op.ID).Str("subject", subject).Str("type", msg.Type).
				Msg("failed to publish op message")
		}
	}
}
