package ops

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with the same conditional update rule as
// the SQLite store.
type memStore struct {
	mu  sync.Mutex
	ops map[string]Op
}

func newMemStore() *memStore {
	return &memStore{ops: map[string]Op{}}
}

func (m *memStore) CreateOp(_ context.Context, op *Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op.ID] = *op
	return nil
}

func (m *memStore) UpdateOp(_ context.Context, op *Op) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.ops[op.ID]
	if !ok || cur.Status.IsTerminal() {
		return false, nil
	}
	m.ops[op.ID] = *op
	return true, nil
}

func (m *memStore) GetOp(_ context.Context, id string) (*Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &op, nil
}

func (m *memStore) ListOps(_ context.Context, scopeType ScopeType, scopeID string, limit int) ([]*Op, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Op
	for _, op := range m.ops {
		if op.ScopeType == scopeType && op.ScopeID == scopeID && len(out) < limit {
			op := op
			out = append(out, &op)
		}
	}
	return out, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	msgs     []*Message
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, msg *Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	// Copy the op so later transitions do not rewrite history.
	op := *msg.Op
	p.subjects = append(p.subjects, subject)
	p.msgs = append(p.msgs, &Message{Type: msg.Type, Op: &op, Event: msg.Event})
	return nil
}

func (p *recordingPublisher) statuses() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Status
	for _, m := range p.msgs {
		if m.Type == MessageSummary {
			out = append(out, m.Op.Status)
		}
	}
	return out
}

func newTestTracker() (*Tracker, *memStore, *recordingPublisher) {
	st := newMemStore()
	pub := &recordingPublisher{}
	tr := NewTracker(zerolog.Nop(), st, pub)
	tr.SetClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) })
	return tr, st, pub
}

func TestTrackerCreate(t *testing.T) {
	tr, _, pub := newTestTracker()
	ctx := context.Background()

	op, err := tr.Create(ctx, KindHostStart, ScopeHost, "h1", "acct", RoutingHub, map[string]any{"wait": true})
	require.NoError(t, err)

	assert.NotEmpty(t, op.ID)
	assert.Equal(t, StatusQueued, op.Status)
	assert.JSONEq(t, `{"wait":true}`, string(op.Input))

	h := op.Handle()
	assert.Equal(t, "lro", h.Service)
	assert.Equal(t, "lro.host.h1."+op.ID, h.StreamName)
	assert.Equal(t, []string{h.StreamName}, pub.subjects)
}

func TestTrackerTerminalIsFinal(t *testing.T) {
	tr, st, pub := newTestTracker()
	ctx := context.Background()

	op, err := tr.Create(ctx, KindHostStop, ScopeHost, "h1", "acct", RoutingHub, nil)
	require.NoError(t, err)

	_, err = tr.Transition(ctx, op.ID, StatusRunning, Update{})
	require.NoError(t, err)
	_, err = tr.Transition(ctx, op.ID, StatusSucceeded, Update{Progress: Single(), Result: map[string]string{"ok": "yes"}})
	require.NoError(t, err)

	got, err := tr.Transition(ctx, op.ID, StatusFailed, Update{Err: errors.New("late")})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StatusSucceeded, got.Status)

	stored, err := st.GetOp(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, stored.Status)
	assert.Empty(t, stored.Error)
	assert.Equal(t, Single(), stored.Progress)

	assert.Equal(t, []Status{StatusQueued, StatusRunning, StatusSucceeded}, pub.statuses())
}

func TestTrackerErrorCode(t *testing.T) {
	tr, _, _ := newTestTracker()
	ctx := context.Background()

	op, err := tr.Create(ctx, KindProjectMove, ScopeProject, "p1", "acct", RoutingHub, nil)
	require.NoError(t, err)

	verr := &ValidationError{Code: CodeMoveOfflineConfirmationRequired, Message: "host is offline"}
	got, err := tr.Transition(ctx, op.ID, StatusFailed, Update{Err: verr})
	require.NoError(t, err)
	assert.Equal(t, CodeMoveOfflineConfirmationRequired, got.ErrorCode)
	assert.Contains(t, got.Error, "host is offline")
}

func TestTrackerPublishFailureSwallowed(t *testing.T) {
	tr, _, pub := newTestTracker()
	pub.err = errors.New("broker down")
	ctx := context.Background()

	op, err := tr.Create(ctx, KindHostStart, ScopeHost, "h1", "acct", RoutingHub, nil)
	require.NoError(t, err)
	_, err = tr.Transition(ctx, op.ID, StatusSucceeded, Update{})
	require.NoError(t, err)
}

func TestTrackerProgressEvent(t *testing.T) {
	tr, _, pub := newTestTracker()
	ctx := context.Background()

	op, err := tr.Create(ctx, KindHostDrain, ScopeHost, "h1", "acct", RoutingHub, nil)
	require.NoError(t, err)
	_, err = tr.Transition(ctx, op.ID, StatusRunning, Update{Progress: &ProgressSummary{Done: 1, Failed: 1, Total: 4}})
	require.NoError(t, err)

	var events []*ProgressEvent
	for _, m := range pub.msgs {
		if m.Type == MessageProgress {
			events = append(events, m.Event)
		}
	}
	require.Len(t, events, 1)
	assert.InDelta(t, 0.5, events[0].Progress, 0.0001)

	data, err := json.Marshal(pub.msgs[len(pub.msgs)-2].Op)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"progress_summary":{"done":1,"total":4,"failed":1}`)
}

func TestTrackerUnknownOp(t *testing.T) {
	tr, _, _ := newTestTracker()
	_, err := tr.Transition(context.Background(), "nope", StatusRunning, Update{})
	assert.ErrorIs(t, err, ErrNotFound)
}
