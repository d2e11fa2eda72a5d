package autostart

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/fleethub/internal/auth"
	"github.com/markus-barta/fleethub/internal/queue"
	"github.com/markus-barta/fleethub/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	st *store.Store
	q  *queue.Queue
	id *auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(filepath.Join(t.TempDir(), "autostart.db"))
	require.NoError(t, err)
	st := store.New(zerolog.Nop(), db)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(zerolog.Nop(), st, time.Minute)
	q.SetClock(func() time.Time { return t0 })

	require.NoError(t, st.CreatePairingToken(ctx, &store.PairingToken{
		TokenHash: "tok", ConnectorID: "conn-1", AccountID: "acct", HostID: "h", Expires: t0.Add(time.Hour),
	}))
	_, err = st.RedeemPairingToken(ctx, "tok", t0, &store.Connector{CredentialHash: "x"})
	require.NoError(t, err)

	return &fixture{st: st, q: q, id: &auth.Identity{ConnectorID: "conn-1", AccountID: "acct", HostID: "h"}}
}

func (f *fixture) pendingHost(t *testing.T, id string, status store.HostStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.st.CreateHost(ctx, &store.Host{
		ID:     id,
		Name:   id,
		Owner:  "acct",
		Region: "conn-1",
		Status: status,
		Metadata: store.HostMetadata{
			Machine:   store.Machine{Cloud: store.CloudSelfHost},
			SelfHost:  &store.SelfHost{Mode: "local"},
			Bootstrap: []byte(`{"script":"install.sh"}`),
		},
	}))
	require.NoError(t, f.st.MarkAutoStart(ctx, id, t0))
}

func TestOnPollQueuesStartOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingHost(t, "h", store.HostOff)

	c := New(zerolog.Nop(), f.st, f.q)
	c.SetClock(func() time.Time { return t0.Add(time.Second) })

	const pollers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		queued []*store.Command
	)
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmds := c.OnPoll(ctx, f.id)
			mu.Lock()
			queued = append(queued, cmds...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, queued, 1, "exactly one poll queues the start")
	assert.Equal(t, store.ActionStart, queued[0].Action)
	assert.JSONEq(t, `{"host_id":"h"}`, string(queued[0].Payload))

	h, err := f.st.GetHost(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, store.HostStarting, h.Status)
	assert.False(t, h.Metadata.SelfHost.AutoStartPending)
	assert.Empty(t, h.Metadata.Bootstrap)

	cmd, err := f.q.PollNext(ctx, f.id)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, queued[0].ID, cmd.ID)

	assert.Empty(t, c.OnPoll(ctx, f.id), "flag consumed")
}

func TestOnPollIgnoresHostsNotOff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingHost(t, "h", store.HostRunning)

	c := New(zerolog.Nop(), f.st, f.q)
	assert.Empty(t, c.OnPoll(ctx, f.id))

	h, _ := f.st.GetHost(ctx, "h")
	assert.True(t, h.Metadata.SelfHost.AutoStartPending, "flag kept for later")
}

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, auth.Actor, string, store.Action, any) (*store.Command, error) {
	return nil, errors.New("database is locked")
}

func TestOnPollRestoresFlagWhenEnqueueFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.pendingHost(t, "h", store.HostOff)

	c := New(zerolog.Nop(), f.st, failingQueue{})
	assert.Empty(t, c.OnPoll(ctx, f.id))

	h, err := f.st.GetHost(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, store.HostOff, h.Status)
	assert.True(t, h.Metadata.SelfHost.AutoStartPending)

	ok := New(zerolog.Nop(), f.st, f.q)
	assert.Len(t, ok.OnPoll(ctx, f.id), 1, "a later poll retries")
}
