package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queue(t *testing.T, s *Store, connectorID string, n int, at time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		c := &Command{
			ID:          fmt.Sprintf("%s-cmd-%d", connectorID, i),
			ConnectorID: connectorID,
			Action:      ActionStart,
			Payload:     []byte(`{"host_id":"h"}`),
			CreatedAt:   at,
		}
		require.NoError(t, s.InsertCommand(context.Background(), c))
		ids = append(ids, c.ID)
	}
	return ids
}

func TestLeaseNextCommandOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Same millisecond: insertion order decides.
	ids := queue(t, s, "c1", 3, t0)
	queue(t, s, "c2", 1, t0.Add(-time.Hour))

	for _, want := range ids {
		cmd, err := s.LeaseNextCommand(ctx, "c1", t0)
		require.NoError(t, err)
		require.NotNil(t, cmd)
		assert.Equal(t, want, cmd.ID)
		assert.Equal(t, CommandSent, cmd.State)
		assert.Equal(t, 1, cmd.Attempts)
		assert.JSONEq(t, `{"host_id":"h"}`, string(cmd.Payload))
	}

	cmd, err := s.LeaseNextCommand(ctx, "c1", t0)
	require.NoError(t, err)
	assert.Nil(t, cmd, "queue should be drained")
}

func TestLeaseNextCommandExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	const commands, pollers = 20, 8
	queue(t, s, "c1", commands, t0)

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
				cmd, err := s.LeaseNextCommand(ctx, "c1", t0)
				if err != nil {
					t.Errorf("lease: %v", err)
					return
				}
				if cmd == nil {
					return
				}
				mu.Lock()
				seen[cmd.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, commands)
	for id, n := range seen {
		assert.Equal(t, 1, n, "command %s leased %d times", id, n)
	}
}

func TestCompleteCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := queue(t, s, "c1", 2, t0)

	// Pending commands cannot be completed.
	cmd, err := s.CompleteCommand(ctx, "c1", ids[0], CommandDone, nil, "", t0)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	_, err = s.LeaseNextCommand(ctx, "c1", t0)
	require.NoError(t, err)

	// Foreign connector.
	cmd, err = s.CompleteCommand(ctx, "c2", ids[0], CommandDone, nil, "", t0)
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = s.CompleteCommand(ctx, "c1", ids[0], CommandError, []byte(`{"exit":1}`), "boom", t0.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, CommandError, cmd.State)
	assert.Equal(t, "boom", cmd.Error)
	assert.JSONEq(t, `{"exit":1}`, string(cmd.Result))

	// Second ack is a no-op.
	cmd, err = s.CompleteCommand(ctx, "c1", ids[0], CommandDone, nil, "", t0.Add(2*time.Second))
	require.NoError(t, err)
	assert.Nil(t, cmd)

	stored, err := s.GetCommand(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, CommandError, stored.State)

	_, err = s.CompleteCommand(ctx, "c1", ids[1], CommandSent, nil, "", t0)
	assert.Error(t, err)

	_, err = s.GetCommand(ctx, "missing")
	assert.True(t, errors.Is(err, ops.ErrNotFound))
}

func TestReclaimExpiredLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := queue(t, s, "c1", 1, t0)
	queue(t, s, "c2", 1, t0)

	_, err := s.LeaseNextCommand(ctx, "c1", t0)
	require.NoError(t, err)
	_, err = s.LeaseNextCommand(ctx, "c2", t0)
	require.NoError(t, err)

	n, err := s.ReclaimExpiredLeases(ctx, "c1", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n, "lease at cutoff is still valid")

	n, err = s.ReclaimExpiredLeases(ctx, "c1", t0.Add(time.Millisecond), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	cmd, err := s.LeaseNextCommand(ctx, "c1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, ids[0], cmd.ID)
	assert.Equal(t, 2, cmd.Attempts)

	n, err = s.ReclaimExpiredLeases(ctx, "", t0.Add(time.Millisecond), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only c2's lease is still expired")
}

func TestCompleteReclaimedCommand(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := queue(t, s, "c1", 1, t0)

	_, err := s.LeaseNextCommand(ctx, "c1", t0)
	require.NoError(t, err)
	n, err := s.ReclaimExpiredLeases(ctx, "c1", t0.Add(time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	// Another connector still cannot complete it.
	cmd, err := s.CompleteCommand(ctx, "c2", ids[0], CommandDone, nil, "", t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, cmd)

	cmd, err = s.CompleteCommand(ctx, "c1", ids[0], CommandDone, nil, "", t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, CommandDone, cmd.State)
	assert.Equal(t, 1, cmd.Attempts)

	again, err := s.LeaseNextCommand(ctx, "c1", t0.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, again, "completed command is not redelivered")
}

func TestRedeemPairingTokenOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePairingToken(ctx, &PairingToken{
		TokenHash:   "hash",
		ConnectorID: "conn-1",
		AccountID:   "acct",
		HostID:      "h",
		Expires:     t0.Add(15 * time.Minute),
	}))

	const callers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
		invalid int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.RedeemPairingToken(ctx, "hash", t0, &Connector{CredentialHash: "x", Name: fmt.Sprint(i)})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ops.ErrInvalidToken):
				invalid++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	assert.Equal(t, callers-1, invalid)

	c, err := s.GetConnector(ctx, "conn-1")
	require.NoError(t, err)
	assert.Equal(t, "acct", c.AccountID)
	assert.Equal(t, "h", c.HostID)
	assert.False(t, c.Revoked)
}

func TestRedeemPairingTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreatePairingToken(ctx, &PairingToken{
		TokenHash: "hash", ConnectorID: "conn-1", AccountID: "acct", HostID: "h",
		Expires: t0,
	}))

	_, err := s.RedeemPairingToken(ctx, "hash", t0, &Connector{CredentialHash: "x"})
	assert.ErrorIs(t, err, ops.ErrInvalidToken)

	_, err = s.GetConnector(ctx, "conn-1")
	assert.ErrorIs(t, err, ops.ErrNotFound)
}

func TestTouchConnectorRefreshesHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateHost(t, s, selfHost("h", "acct", "conn-1"))
	mustCreateHost(t, s, selfHost("other", "acct", "conn-2"))

	c := &Connector{ID: "conn-1", AccountID: "acct"}
	require.NoError(t, s.TouchConnector(ctx, c, t0))

	h, err := s.GetHost(ctx, "h")
	require.NoError(t, err)
	assert.True(t, h.LastSeen.Equal(t0))

	other, err := s.GetHost(ctx, "other")
	require.NoError(t, err)
	assert.True(t, other.LastSeen.IsZero())
}
