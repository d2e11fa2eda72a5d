package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st    *store.Store
	q     *Queue
	clock time.Time
	id    *auth.Identity
	owner auth.Actor
}

func (f *fixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	st := store.New(zerolog.Nop(), db)
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	f := &fixture{st: st, clock: t0}
	for _, c := range []struct{ id, account string }{{"conn-1", "acct"}, {"conn-2", "acct"}, {"revoked", "acct"}} {
		require.NoError(t, st.CreatePairingToken(ctx, &store.PairingToken{
			TokenHash: c.id, ConnectorID: c.id, AccountID: c.account, HostID: "h", Expires: t0.Add(time.Hour),
		}))
		_, err := st.RedeemPairingToken(ctx, c.id, t0, &store.Connector{CredentialHash: "x"})
		require.NoError(t, err)
	}
	require.NoError(t, st.RevokeConnector(ctx, "revoked"))

	f.q = New(zerolog.Nop(), st, 5*time.Minute)
	f.q.SetClock(func() time.Time { return f.clock })
	f.id = &auth.Identity{ConnectorID: "conn-1", AccountID: "acct", HostID: "h"}
	f.owner = auth.Actor{AccountID: "acct"}
	return f
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.q.Enqueue(ctx, f.owner, "missing", store.ActionStart, nil)
	assert.ErrorIs(t, err, ErrConnectorNotFound)
	assert.ErrorIs(t, err, ops.ErrNotFound)

	_, err = f.q.Enqueue(ctx, f.owner, "revoked", store.ActionStart, nil)
	assert.ErrorIs(t, err, ops.ErrNotFound)

	_, err = f.q.Enqueue(ctx, auth.Actor{AccountID: "other"}, "conn-1", store.ActionStart, nil)
	assert.ErrorIs(t, err, ops.ErrNotAuthorized)

	_, err = f.q.Enqueue(ctx, f.owner, "conn-1", store.Action("reboot"), nil)
	assert.ErrorIs(t, err, ops.ErrInvalidAction)

	_, err = f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionStart, json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ops.ErrInvalidRequest)

	cmd, err := f.q.Enqueue(ctx, auth.Actor{AccountID: "root", Admin: true}, "conn-1", store.ActionResize, map[string]int{"cpu": 4})
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, cmd.State)
	assert.Equal(t, "root", cmd.RequestedBy)
	assert.JSONEq(t, `{"cpu":4}`, string(cmd.Payload))
}

func TestCommandLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var acked []*store.Command
	f.q.OnAck(func(_ context.Context, cmd *store.Command) { acked = append(acked, cmd) })

	first, err := f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionStart, nil)
	require.NoError(t, err)
	second, err := f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionStop, nil)
	require.NoError(t, err)

	got, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, store.CommandSent, got.State)

	// Another connector cannot see or ack it.
	other := &auth.Identity{ConnectorID: "conn-2", AccountID: "acct"}
	none, err := f.q.PollNext(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, none)
	res, err := f.q.Ack(ctx, other, first.ID, AckStatusOK, nil, "")
	require.NoError(t, err)
	assert.Nil(t, res)

	res, err = f.q.Ack(ctx, f.id, first.ID, AckStatusOK, json.RawMessage(`{"uptime":1}`), "ignored")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, store.CommandDone, res.State)
	assert.Empty(t, res.Error)

	// Acks are idempotent: a terminal command never changes again.
	res, err = f.q.Ack(ctx, f.id, first.ID, "failed", nil, "late failure")
	require.NoError(t, err)
	assert.Nil(t, res)
	stored, err := f.st.GetCommand(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandDone, stored.State)

	// Pending commands cannot be acked.
	res, err = f.q.Ack(ctx, f.id, second.ID, AckStatusOK, nil, "")
	require.NoError(t, err)
	assert.Nil(t, res)

	got, err = f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, got)
	res, err = f.q.Ack(ctx, f.id, got.ID, "error", nil, "")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, store.CommandError, res.State)
	assert.Equal(t, "connector reported status error", res.Error)

	require.Len(t, acked, 2)
	assert.Equal(t, first.ID, acked[0].ID)
	assert.Equal(t, second.ID, acked[1].ID)
}

func TestPollExclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const commands, pollers = 10, 5
	for i := 0; i < commands; i++ {
		_, err := f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionStatus, nil)
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]int{}
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cmd, err := f.q.PollNext(ctx, f.id)
				if !assert.NoError(t, err) || cmd == nil {
					return
				}
				mu.Lock()
				seen[cmd.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, commands)
	for id, n := range seen {
		assert.Equal(t, 1, n, "command %s delivered %d times", id, n)
	}
}

func TestLeaseReclaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionStart, nil)
	require.NoError(t, err)

	got, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, got)

	// Within the lease nothing is redelivered.
	f.advance(4 * time.Minute)
	again, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	assert.Nil(t, again)

	f.advance(2 * time.Minute)
	again, err = f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, cmd.ID, again.ID)
	assert.Equal(t, 2, again.Attempts)

	// The background reclaimer covers connectors that stopped polling.
	f.advance(6 * time.Minute)
	n, err := f.q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	stored, err := f.st.GetCommand(ctx, cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandPending, stored.State)
}

func TestAckAfterLeaseExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var acked []string
	f.q.OnAck(func(_ context.Context, c *store.Command) { acked = append(acked, c.ID) })

	cmd, err := f.q.Enqueue(ctx, f.owner, "conn-1", store.ActionDelete, nil)
	require.NoError(t, err)
	got, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, got)

	// The hook outlives the lease and the reclaimer runs first.
	f.advance(6 * time.Minute)
	n, err := f.q.ReclaimExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	done, err := f.q.Ack(ctx, f.id, cmd.ID, AckStatusOK, nil, "")
	require.NoError(t, err)
	require.NotNil(t, done, "late ack is applied")
	assert.Equal(t, store.CommandDone, done.State)
	assert.Equal(t, []string{cmd.ID}, acked)

	again, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	assert.Nil(t, again, "not redelivered after the late ack")
}

func TestPollRefreshesLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.CreateHost(ctx, &store.Host{
		ID: "h", Name: "h", Owner: "acct", Status: store.HostRunning,
		Metadata: store.HostMetadata{Machine: store.Machine{Cloud: store.CloudSelfHost}},
	}))

	_, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)

	h, err := f.st.GetHost(ctx, "h")
	require.NoError(t, err)
	assert.True(t, h.Reachable(t0, time.Minute))

	c, err := f.st.GetConnector(ctx, "conn-1")
	require.NoError(t, err)
	require.NotNil(t, c.LastPoll)
	assert.True(t, c.LastPoll.Equal(t0))
}
