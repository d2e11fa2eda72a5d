package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "fleethub.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s := New(zerolog.Nop(), db)
	s.SetClock(func() time.Time { return t0 })
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreateHost(t *testing.T, s *Store, h *Host) *Host {
	t.Helper()
	if err := s.CreateHost(context.Background(), h); err != nil {
		t.Fatalf("create host %s: %v", h.ID, err)
	}
	return h
}

func selfHost(id, owner, region string) *Host {
	return &Host{
		ID:     id,
		Name:   id,
		Owner:  owner,
		Region: region,
		Metadata: HostMetadata{
			Machine:  Machine{Cloud: CloudSelfHost},
			SelfHost: &SelfHost{Mode: "local"},
		},
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// HOSTS
// ═══════════════════════════════════════════════════════════════════════════

func TestHostRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateHost(t, s, selfHost("h1", "acct", "conn-1"))

	h, err := s.GetHost(ctx, "h1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !h.IsSelfHost() {
		t.Error("expected self-host")
	}
	if h.Status != HostOff {
		t.Errorf("expected default status off, got %s", h.Status)
	}
	if h.Metadata.Owner != "acct" {
		t.Errorf("expected metadata owner to default to acct, got %q", h.Metadata.Owner)
	}

	if _, err := s.GetHost(ctx, "missing"); !errors.Is(err, ops.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReachable(t *testing.T) {
	ttl := 2 * time.Minute
	tests := []struct {
		name   string
		status HostStatus
		seen   time.Duration
		delete bool
		want   bool
	}{
		{"running fresh", HostRunning, -30 * time.Second, false, true},
		{"running at ttl", HostRunning, -ttl, false, true},
		{"running stale", HostRunning, -ttl - time.Second, false, false},
		{"error fresh", HostError, -time.Second, false, true},
		{"off fresh", HostOff, -time.Second, false, false},
		{"deleted", HostRunning, -time.Second, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &Host{Status: tt.status, LastSeen: t0.Add(tt.seen)}
			if tt.delete {
				d := t0
				h.Deleted = &d
			}
			if got := h.Reachable(t0, ttl); got != tt.want {
				t.Errorf("Reachable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestListReachableHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ttl := 2 * time.Minute

	mustCreateHost(t, s, &Host{ID: "a", Name: "a", Owner: "o", Status: HostRunning, LastSeen: t0.Add(-time.Minute)})
	mustCreateHost(t, s, &Host{ID: "b", Name: "b", Owner: "o", Status: HostRunning, LastSeen: t0.Add(-time.Hour)})
	mustCreateHost(t, s, &Host{ID: "c", Name: "c", Owner: "o", Status: HostOff, LastSeen: t0})
	mustCreateHost(t, s, &Host{ID: "d", Name: "d", Owner: "o", Status: HostStarting, LastSeen: t0})

	hosts, err := s.ListReachableHosts(ctx, t0, ttl, "d")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(hosts) != 1 || hosts[0].ID != "a" {
		t.Fatalf("expected only host a, got %v", hostIDs(hosts))
	}
}

func TestSetHostStatusConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateHost(t, s, &Host{ID: "h", Name: "h", Owner: "o", Status: HostRunning})

	ok, err := s.SetHostStatus(ctx, "h", HostStarting, HostOff)
	if err != nil || ok {
		t.Fatalf("expected no update from running, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetHostStatus(ctx, "h", HostOff, HostRunning, HostError)
	if err != nil || !ok {
		t.Fatalf("expected update, got ok=%v err=%v", ok, err)
	}
	h, _ := s.GetHost(ctx, "h")
	if h.Status != HostOff {
		t.Errorf("expected off, got %s", h.Status)
	}
}

func TestSoftDeleteHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mustCreateHost(t, s, &Host{ID: "h", Name: "h", Owner: "o", Status: HostRunning})

	if err := s.SoftDeleteHost(ctx, "h", t0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SoftDeleteHost(ctx, "h", t0.Add(time.Hour)); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	h, err := s.GetHost(ctx, "h")
	if err != nil {
		t.Fatalf("get deleted host: %v", err)
	}
	if h.Deleted == nil || !h.Deleted.Equal(t0) {
		t.Errorf("expected deleted at %v, got %v", t0, h.Deleted)
	}
	if err := s.SoftDeleteHost(ctx, "nope", t0); !errors.Is(err, ops.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAutoStartClaimedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := selfHost("h", "acct", "conn")
	h.Metadata.Bootstrap = []byte(`{"script":"install"}`)
	mustCreateHost(t, s, h)

	if err := s.MarkAutoStart(ctx, "h", t0); err != nil {
		t.Fatalf("mark: %v", err)
	}
	h, _ = s.GetHost(ctx, "h")
	if h.Metadata.SelfHost == nil || !h.Metadata.SelfHost.AutoStartPending {
		t.Fatalf("expected flag set, got %+v", h.Metadata.SelfHost)
	}

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimAutoStart(ctx, "h", t0.Add(time.Second))
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}
	h, _ = s.GetHost(ctx, "h")
	if h.Status != HostStarting {
		t.Errorf("expected starting, got %s", h.Status)
	}
	sh := h.Metadata.SelfHost
	if sh.AutoStartPending {
		t.Error("expected flag cleared")
	}
	if sh.AutoStartQueuedAt == nil || !sh.AutoStartQueuedAt.Equal(t0.Add(time.Second)) {
		t.Errorf("expected queued_at stamped, got %v", sh.AutoStartQueuedAt)
	}
	if sh.Mode != "local" {
		t.Errorf("expected unrelated metadata kept, got mode %q", sh.Mode)
	}
	if len(h.Metadata.Bootstrap) != 0 {
		t.Errorf("expected bootstrap dropped, got %s", h.Metadata.Bootstrap)
	}

	if err := s.RestoreAutoStart(ctx, "h"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	h, _ = s.GetHost(ctx, "h")
	if h.Status != HostOff || !h.Metadata.SelfHost.AutoStartPending {
		t.Errorf("expected flag restored on an off host, got %s %+v", h.Status, h.Metadata.SelfHost)
	}
}

func TestAutoStartSkipsRunningHost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	h := selfHost("h", "acct", "conn")
	h.Status = HostRunning
	mustCreateHost(t, s, h)
	if err := s.MarkAutoStart(ctx, "h", t0); err != nil {
		t.Fatal(err)
	}
	ok, err := s.ClaimAutoStart(ctx, "h", t0)
	if err != nil || ok {
		t.Fatalf("expected no claim on a running host, got ok=%v err=%v", ok, err)
	}
}

func TestFindConnectorHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustCreateHost(t, s, selfHost("bound", "acct", ""))
	mustCreateHost(t, s, selfHost("by-region", "acct", "conn-1"))
	mustCreateHost(t, s, selfHost("other-owner", "someone", "conn-1"))
	gone := mustCreateHost(t, s, selfHost("gone", "acct", "conn-1"))
	if err := s.SoftDeleteHost(ctx, gone.ID, t0); err != nil {
		t.Fatal(err)
	}

	hosts, err := s.FindConnectorHosts(ctx, &Connector{ID: "conn-1", AccountID: "acct", HostID: "bound"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	got := hostIDs(hosts)
	if len(got) != 2 || got[0] != "bound" || got[1] != "by-region" {
		t.Errorf("expected [bound by-region], got %v", got)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// PROJECTS
// ═══════════════════════════════════════════════════════════════════════════

func TestAssignProjectConditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateProject(ctx, &Project{ID: "p", Owner: "o", HostID: "h1"}); err != nil {
		t.Fatal(err)
	}

	ok, err := s.AssignProject(ctx, "p", "h2", "h3")
	if err != nil || ok {
		t.Fatalf("expected stale move to lose, got ok=%v err=%v", ok, err)
	}
	ok, err = s.AssignProject(ctx, "p", "h1", "h3")
	if err != nil || !ok {
		t.Fatalf("expected move to apply, got ok=%v err=%v", ok, err)
	}
	p, _ := s.GetProject(ctx, "p")
	if p.HostID != "h3" {
		t.Errorf("expected host h3, got %q", p.HostID)
	}
}

func TestCountAtRiskProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	edited := t0.Add(-time.Hour)
	older := edited.Add(-time.Minute)
	newer := edited.Add(time.Minute)

	for _, p := range []*Project{
		{ID: "never-edited", Owner: "o", HostID: "h"},
		{ID: "backed-up", Owner: "o", HostID: "h", LastEdited: &edited, LastBackup: &newer},
		{ID: "stale-backup", Owner: "o", HostID: "h", LastEdited: &edited, LastBackup: &older},
		{ID: "same-instant", Owner: "o", HostID: "h", LastEdited: &edited, LastBackup: &edited},
		{ID: "no-backup", Owner: "o", HostID: "h", LastEdited: &edited},
		{ID: "elsewhere", Owner: "o", HostID: "x", LastEdited: &edited},
	} {
		if err := s.CreateProject(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CountAtRiskProjects(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 at-risk projects, got %d", n)
	}

	cleared, err := s.ClearHostAssignments(ctx, "h")
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 5 {
		t.Errorf("expected 5 cleared, got %d", cleared)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// OPS
// ═══════════════════════════════════════════════════════════════════════════

func TestUpdateOpOnlyWhileActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	op := &ops.Op{
		ID: "op1", Kind: ops.KindHostStart, ScopeType: ops.ScopeHost, ScopeID: "h",
		Status: ops.StatusQueued, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := s.CreateOp(ctx, op); err != nil {
		t.Fatal(err)
	}

	op.Status = ops.StatusSucceeded
	op.Progress = ops.Single()
	ok, err := s.UpdateOp(ctx, op)
	if err != nil || !ok {
		t.Fatalf("expected update, got ok=%v err=%v", ok, err)
	}

	op.Status = ops.StatusRunning
	ok, err = s.UpdateOp(ctx, op)
	if err != nil || ok {
		t.Fatalf("expected terminal op to stay put, got ok=%v err=%v", ok, err)
	}

	got, err := s.GetOp(ctx, "op1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != ops.StatusSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if got.Progress == nil || got.Progress.Done != 1 || got.Progress.Total != 1 {
		t.Errorf("expected single progress, got %+v", got.Progress)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SESSIONS, EVENTS, RETENTION
// ═══════════════════════════════════════════════════════════════════════════

func TestSessionExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateSession(ctx, &Session{ID: "sid", AccountID: "acct", Admin: true, ExpiresAt: t0.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	sess, err := s.GetSession(ctx, "sid", t0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !sess.Admin || sess.AccountID != "acct" {
		t.Errorf("unexpected session %+v", sess)
	}
	if _, err := s.GetSession(ctx, "sid", t0.Add(2*time.Hour)); !errors.Is(err, ops.ErrNotFound) {
		t.Errorf("expected expired session to be not found, got %v", err)
	}
}

func TestRunCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.SetClock(func() time.Time { return t0.Add(-10 * 24 * time.Hour) })
	s.LogEvent(ctx, "audit", "info", "acct", "h", "drain", "old", nil)
	s.SetClock(func() time.Time { return t0 })
	s.LogEvent(ctx, "audit", "info", "acct", "h", "drain", "new", map[string]any{"force": true})

	s.RunCleanup(ctx, DefaultRetention())

	events, err := s.RecentEvents(ctx, "h", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Message != "new" {
		t.Fatalf("expected only the new event, got %d events", len(events))
	}
	if events[0].Details["force"] != true {
		t.Errorf("expected details to round-trip, got %v", events[0].Details)
	}
}

func hostIDs(hosts []*Host) []string {
	ids := make([]string, 0, len(hosts))
	for _, h := range hosts {
		ids = append(ids, h.ID)
	}
	return ids
}
