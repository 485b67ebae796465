package controller

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ivis-project/taskd/internal/ipc"
	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/model"
)

// handleEvent persists what the worker reported, then republishes the
// event. Store errors are logged, the event loop must go on.
func (c *Controller) handleEvent(ctx context.Context, e ipc.Event) {
	if err := c.persist(ctx, e); err != nil {
		level := slog.LevelError
		if errors.Is(err, model.ErrNotFound) {
			// deleted while the worker was busy
			level = slog.LevelDebug
		}
		slog.Log(ctx, level, "persisting worker event", "name", e.Name, "error", err)
	}
	c.publish(ctx, e)
}

func (c *Controller) persist(ctx context.Context, e ipc.Event) error {
	switch e.Name {
	case ipc.EventBuildFinished:
		var b ipc.BuildFinished
		if err := e.Decode(&b); err != nil {
			return err
		}
		ctx = log.ContextAttrs(ctx, log.TaskAttr(b.TaskID))
		var out *model.BuildOutput
		if b.Output != "" || !b.Success() {
			out = &model.BuildOutput{Output: b.Output}
		}
		state := model.BuildFinished
		if !b.Success() {
			state = model.BuildFailed
			out.Errors = []string{b.Error}
			slog.WarnContext(ctx, "build failed", "step", b.Step, "error", b.Error)
		} else {
			slog.InfoContext(ctx, "build finished", "reinstalled", b.Reinstalled)
		}
		return c.store.SetBuildState(ctx, b.TaskID, state, out)

	case ipc.EventRunStarted:
		var r ipc.RunStarted
		if err := e.Decode(&r); err != nil {
			return err
		}
		return c.store.SetRunStatus(ctx, r.RunID, model.RunRunning, "")

	case ipc.EventRunOutput:
		var r ipc.RunOutput
		if err := e.Decode(&r); err != nil {
			return err
		}
		return c.store.AppendRunOutput(ctx, r.RunID, r.Text)

	case ipc.EventRunSuccess:
		var r ipc.RunSuccess
		if err := e.Decode(&r); err != nil {
			return err
		}
		slog.InfoContext(ctx, "run succeeded", log.JobAttr(r.JobID), log.RunAttr(r.RunID))
		return c.store.SetRunStatus(ctx, r.RunID, model.RunSuccess, "")

	case ipc.EventRunFailure:
		var r ipc.RunFailure
		if err := e.Decode(&r); err != nil {
			return err
		}
		slog.InfoContext(ctx, "run failed", log.JobAttr(r.JobID), log.RunAttr(r.RunID), "exit_code", r.ExitCode)
		return c.store.SetRunStatus(ctx, r.RunID, model.RunFailed, "\n"+r.Error)

	case ipc.EventJobTriggered:
		var j ipc.JobTriggered
		if err := e.Decode(&j); err != nil {
			return err
		}
		// RunJob writes to the worker, do not block the event loop on it
		c.wg.Go(func() {
			ctx := log.ContextAttrs(ctx, log.JobAttr(j.JobID))
			runID, err := c.RunJob(ctx, j.JobID)
			if err != nil {
				slog.WarnContext(ctx, "triggered run not started", "signal_set", j.SignalSetCID, "error", err)
				return
			}
			slog.InfoContext(ctx, "triggered run started", "signal_set", j.SignalSetCID, log.RunAttr(runID))
		})
		return nil

	case ipc.EventTaskDeleted:
		var t ipc.TaskDeleted
		if err := e.Decode(&t); err != nil {
			return err
		}
		if t.Error != "" {
			slog.WarnContext(ctx, "task environment not removed", log.TaskAttr(t.TaskID), "error", t.Error)
		}
		return nil

	case ipc.EventRunRequest, ipc.EventJobDeleted:
		return nil

	default:
		slog.WarnContext(ctx, "unknown worker event", "name", e.Name)
		return nil
	}
}
