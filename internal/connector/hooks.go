package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Handler executes one command and returns its result.
type Handler interface {
	Handle(ctx context.Context, cmd *Command) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd *Command) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, cmd *Command) (json.RawMessage, error) {
	return f(ctx, cmd)
}

// ErrNoHook is returned when no executable exists for an action.
var ErrNoHook = errors.New("no hook for action")

var validAction = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// maxOutput bounds how much hook stderr ends up in an error message.
const maxOutput = 2048

// ScriptHandler runs <dir>/<action> with the command payload on stdin.
// A hook that prints JSON on stdout reports it as the command result.
type ScriptHandler struct {
	Dir     string
	Timeout time.Duration
}

// Handle runs the hook for cmd.Action.
func (h *ScriptHandler) Handle(ctx context.Context, cmd *Command) (json.RawMessage, error) {
	if !validAction.MatchString(cmd.Action) {
		return nil, fmt.Errorf("invalid action %q", cmd.Action)
	}
	path := filepath.Join(h.Dir, cmd.Action)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
		if cmd.Action == "status" {
			return json.RawMessage(`{"status":"alive"}`), nil
		}
		return nil, fmt.Errorf("%w %s", ErrNoHook, cmd.Action)
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	c := exec.CommandContext(ctx, path)
	c.Stdin = bytes.NewReader(cmd.Payload)
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.Env = append(os.Environ(),
		"FLEETHUB_COMMAND_ID="+cmd.ID,
		"FLEETHUB_ACTION="+cmd.Action,
	)
	c.WaitDelay = time.Second

	if err := c.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("hook %s timed out after %s", cmd.Action, h.Timeout)
		}
		msg := tail(strings.TrimSpace(stderr.String()), maxOutput)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if msg == "" {
				return nil, fmt.Errorf("hook %s exited with code %d", cmd.Action, exitErr.ExitCode())
			}
			return nil, fmt.Errorf("hook %s exited with code %d: %s", cmd.Action, exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("run hook %s: %w", cmd.Action, err)
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) > 0 && json.Valid(out) {
		return json.RawMessage(out), nil
	}
	return nil, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
