package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// finishTimeout bounds the final transition written after a task returns.
const finishTimeout = 10 * time.Second

// Outcome is what a successful task reports back.
type Outcome struct {
	Result   any
	Progress *ProgressSummary
	Message  string

	// Pending leaves the op running. Something else (a command ack)
	// is responsible for finishing it.
	Pending bool
}

// Task is the work behind an op. A failing task may still return an
// Outcome so partial progress is recorded.
type Task func(ctx context.Context) (*Outcome, error)

// Runner executes op tasks inline or as supervised background tasks.
// Every task outcome, including panics, is written to the op.
type Runner struct {
	log     zerolog.Logger
	tracker *Tracker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a runner bound to tracker.
func NewRunner(log zerolog.Logger, tracker *Tracker) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:     log.With().Str("component", "op_runner").Logger(),
		tracker: tracker,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Execute transitions op to running and runs task. With wait the task runs
// on the caller's goroutine and its error is returned after the op has been
// updated. Without wait the task is detached and only the op records how it
// ended.
func (r *Runner) Execute(ctx context.Context, op *Op, wait bool, task Task) error {
	if _, err := r.tracker.Transition(ctx, op.ID, StatusRunning, Update{Message: "started"}); err != nil {
		return fmt.Errorf("start op: %w", err)
	}

	if wait {
		return r.run(ctx, op, task)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.run(r.ctx, op, task)
	}()
	return nil
}

// Fail records err on an op that never reached its task (guard rejections).
func (r *Runner) Fail(ctx context.Context, op *Op, err error) {
	r.finish(ctx, op, nil, err)
}

func (r *Runner) run(ctx context.Context, op *Op, task Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s task panicked: %v", op.Kind, p)
			r.log.Error().Str("op", op.ID).Interface("panic", p).Msg("op task panicked")
			r.finish(ctx, op, nil, err)
		}
	}()

	out, err := task(ctx)
	r.finish(ctx, op, out, err)
	return err
}

func (r *Runner) finish(ctx context.Context, op *Op, out *Outcome, taskErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var u Update
	if out != nil {
		u = Update{Result: out.Result, Progress: out.Progress, Message: out.Message}
	}

	status := StatusSucceeded
	switch {
	case taskErr != nil:
		status = StatusFailed
		u.Err = taskErr
	case out != nil && out.Pending:
		r.log.Debug().Str("op", op.ID).Msg("op left running until completion is reported")
		if out.Result == nil && out.Progress == nil && out.Message == "" {
			return
		}
		status = StatusRunning
	}

	if _, err := r.tracker.Transition(fctx, op.ID, status, u); err != nil {
		if errors.Is(err, ErrTerminal) {
			r.log.Debug().Str("op", op.ID).Msg("op already finished")
			return
		}
		r.log.Error().Err(err).Str("op", op.ID).Str("status", string(status)).Msg("failed to record op outcome")
		return
	}
	if status == StatusRunning {
		return
	}

	ev := r.log.Info()
	if taskErr != nil {
		ev = r.log.Warn().Err(taskErr)
	}
	ev.Str("op", op.ID).Str("kind", string(op.Kind)).Str("status", string(status)).Msg("op finished")
}

// Wait blocks until all detached tasks have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown cancels detached tasks and waits for them, bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
