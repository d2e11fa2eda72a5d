package lifecycle

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/markus-barta/fleethub/internal/ops"
	"github.com/markus-barta/fleethub/internal/store"
)

// HandleAck applies a completed command to the host registry and to the op
// named in its payload. Registered as a queue ack hook.
func (e *Engine) HandleAck(ctx context.Context, cmd *store.Command) {
	var p CommandPayload
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &p); err != nil {
			e.log.Warn().Err(err).Str("command", cmd.ID).Msg("ack payload is not a lifecycle payload")
			return
		}
	}

	ok := cmd.State == store.CommandDone
	log := e.log.With().Str("command", cmd.ID).Str("action", string(cmd.Action)).Str("host", p.HostID).Logger()

	var effectErr error
	if p.HostID != "" {
		effectErr = e.applyHostEffect(ctx, cmd, p, ok)
		if effectErr != nil {
			log.Error().Err(effectErr).Msg("failed to apply command result")
		}
	}

	if p.OpID == "" {
		return
	}

	u := ops.Update{Result: map[string]any{"command_id": cmd.ID, "result": cmd.Result}}
	status := ops.StatusSucceeded
	switch {
	case !ok:
		status = ops.StatusFailed
		u.Err = errors.New(cmd.Error)
		u.Progress = &ops.ProgressSummary{Done: 0, Total: 1, Failed: 1}
	case effectErr != nil:
		status = ops.StatusFailed
		u.Err = effectErr
		u.Progress = &ops.ProgressSummary{Done: 0, Total: 1, Failed: 1}
	default:
		u.Progress = ops.Single()
		u.Message = "connector reported " + string(cmd.Action) + " done"
	}

	if _, err := e.tracker.Transition(ctx, p.OpID, status, u); err != nil {
		if errors.Is(err, ops.ErrTerminal) {
			log.Debug().Str("op", p.OpID).Msg("op already finished")
			return
		}
		log.Error().Err(err).Str("op", p.OpID).Msg("failed to complete op from ack")
	}
}

func (e *Engine) applyHostEffect(ctx context.Context, cmd *store.Command, p CommandPayload, ok bool) error {
	switch cmd.Action {
	case store.ActionStart:
		if !ok {
			_, err := e.store.SetHostStatus(ctx, p.HostID, store.HostError, booting...)
			return err
		}
		// A start ack that arrives after the host moved on, for example a
		// stop that landed first, leaves the status alone.
		applied, err := e.store.SetHostStatus(ctx, p.HostID, store.HostRunning, booting...)
		if err != nil {
			return err
		}
		if applied {
			if err := e.store.TouchHost(ctx, p.HostID, e.now()); err != nil {
				return err
			}
		}
		if p.ProjectID == "" {
			return nil
		}
		h, err := e.store.GetHost(ctx, p.HostID)
		if err != nil {
			return err
		}
		if h.Status != store.HostRunning {
			e.log.Debug().Str("host", h.ID).Str("status", string(h.Status)).Msg("stale start ack, project not started")
			return nil
		}
		proj, err := e.store.GetProject(ctx, p.ProjectID)
		if err != nil {
			return err
		}
		return e.workspaces.StartProject(ctx, proj, h)

	case store.ActionStop:
		status := store.HostOff
		if !ok {
			status = store.HostError
		}
		_, err := e.store.SetHostStatus(ctx, p.HostID, status, runningLike...)
		return err

	case store.ActionDelete:
		if !ok {
			return nil
		}
		return e.store.SoftDeleteHost(ctx, p.HostID, e.now())
	}
	return nil
}
