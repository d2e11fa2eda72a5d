package connector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHub serves the connector endpoints from an in-memory queue.
type fakeHub struct {
	mu      sync.Mutex
	queue   []Command
	acks    []Ack
	revoked bool
}

func (h *fakeHub) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/connector/pair", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["pairing_token"] != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid or expired token","code":"INVALID_TOKEN"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(Credential{BearerCredential: "c1.secret", ConnectorID: "c1", HostID: "h1"})
	})
	mux.HandleFunc("GET /api/connector/next", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.revoked || r.Header.Get("Authorization") != "Bearer c1.secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		if len(h.queue) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		cmd := h.queue[0]
		h.queue = h.queue[1:]
		_ = json.NewEncoder(w).Encode(cmd)
	})
	mux.HandleFunc("POST /api/connector/ack", func(w http.ResponseWriter, r *http.Request) {
		var ack Ack
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ack))
		h.mu.Lock()
		h.acks = append(h.acks, ack)
		h.mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	return mux
}

func (h *fakeHub) ackList() []Ack {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Ack(nil), h.acks...)
}

func TestClientPair(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub.handler(t))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "")
	cred, err := c.Pair(context.Background(), "good", "box")
	require.NoError(t, err)
	assert.Equal(t, "c1.secret", cred.BearerCredential)
	assert.Equal(t, "h1", cred.HostID)

	_, err = c.Pair(context.Background(), "bad", "box")
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, err.Error(), "invalid or expired token")
}

func TestRunnerDrainAcksEveryCommand(t *testing.T) {
	hub := &fakeHub{queue: []Command{
		{ID: "a", Action: "start", Payload: json.RawMessage(`{"host_id":"h1"}`)},
		{ID: "b", Action: "stop", Payload: json.RawMessage(`{"host_id":"h1"}`)},
	}}
	srv := httptest.NewServer(hub.handler(t))
	defer srv.Close()

	handler := HandlerFunc(func(_ context.Context, cmd *Command) (json.RawMessage, error) {
		if cmd.Action == "stop" {
			return nil, errors.New("systemctl failed")
		}
		return json.RawMessage(`{"pid":42}`), nil
	})
	r := NewRunner(NewClient(srv.URL, "c1.secret"), handler, time.Second, zerolog.Nop())
	require.NoError(t, r.Drain(context.Background()))

	acks := hub.ackList()
	require.Len(t, acks, 2)
	assert.Equal(t, Ack{ID: "a", Status: "ok", Result: json.RawMessage(`{"pid":42}`)}, acks[0])
	assert.Equal(t, "b", acks[1].ID)
	assert.Equal(t, "error", acks[1].Status)
	assert.Equal(t, "systemctl failed", acks[1].Error)
}

func TestRunnerStopsWhenRevoked(t *testing.T) {
	hub := &fakeHub{revoked: true}
	srv := httptest.NewServer(hub.handler(t))
	defer srv.Close()

	r := NewRunner(NewClient(srv.URL, "c1.secret"), HandlerFunc(func(context.Context, *Command) (json.RawMessage, error) {
		return nil, nil
	}), time.Second, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRunnerReturnsOnCancel(t *testing.T) {
	hub := &fakeHub{}
	srv := httptest.NewServer(hub.handler(t))
	defer srv.Close()

	r := NewRunner(NewClient(srv.URL, "c1.secret"), HandlerFunc(func(context.Context, *Command) (json.RawMessage, error) {
		return nil, nil
	}), time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func writeHook(t *testing.T, dir, name, script string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+script), 0o755))
}

func TestScriptHandler(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	writeHook(t, dir, "start", `read payload; echo "{\"got\":$payload}"`)
	writeHook(t, dir, "stop", "echo 'unit not found' >&2\nexit 3\n")
	writeHook(t, dir, "resize", "echo resized\n")
	writeHook(t, dir, "delete", "exec sleep 5\n")

	h := &ScriptHandler{Dir: dir, Timeout: 5 * time.Second}
	ctx := context.Background()

	res, err := h.Handle(ctx, &Command{ID: "1", Action: "start", Payload: json.RawMessage(`{"host_id":"h1"}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"got":{"host_id":"h1"}}`, string(res))

	_, err = h.Handle(ctx, &Command{ID: "2", Action: "stop"})
	require.Error(t, err)
	assert.Equal(t, "hook stop exited with code 3: unit not found", err.Error())

	res, err = h.Handle(ctx, &Command{ID: "3", Action: "resize"})
	require.NoError(t, err)
	assert.Nil(t, res)

	_, err = h.Handle(ctx, &Command{ID: "4", Action: "create"})
	assert.ErrorIs(t, err, ErrNoHook)

	res, err = h.Handle(ctx, &Command{ID: "5", Action: "status"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"alive"}`, string(res))

	_, err = h.Handle(ctx, &Command{ID: "6", Action: "../etc/passwd"})
	assert.Error(t, err)

	short := &ScriptHandler{Dir: dir, Timeout: 100 * time.Millisecond}
	_, err = short.Handle(ctx, &Command{ID: "7", Action: "delete"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.yaml")

	st, err := LoadState(path)
	require.NoError(t, err)
	assert.False(t, st.Paired())

	st = &State{
		HubURL:      "https://hub.example",
		ConnectorID: "c1",
		Credential:  "c1.secret",
		HostID:      "h1",
		PairedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadState(path)
	require.NoError(t, err)
	assert.True(t, loaded.Paired())
	assert.Equal(t, st, loaded)

	require.NoError(t, os.WriteFile(path, []byte("hub_url: [unterminated"), 0o600))
	_, err = LoadState(path)
	assert.Error(t, err)
}
