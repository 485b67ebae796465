// Package worker executes controller commands. It runs as a separate
// process reading commands from stdin and writing events to stdout, see
// package ipc for the wire format.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/ivis-project/taskd/internal/builder"
	"github.com/ivis-project/taskd/internal/executor"
	"github.com/ivis-project/taskd/internal/ipc"
	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/registry"
)

// Matcher decides which jobs run when a signal set changes.
type Matcher interface {
	MatchJobs(ctx context.Context, signalSetCID string) ([]int64, error)
}

type MatcherFunc func(ctx context.Context, signalSetCID string) ([]int64, error)

func (f MatcherFunc) MatchJobs(ctx context.Context, signalSetCID string) ([]int64, error) {
	return f(ctx, signalSetCID)
}

// StateStore keeps the state a job persists between its runs.
type StateStore interface {
	JobState(ctx context.Context, jobID int64) (json.RawMessage, error)
	SaveJobState(ctx context.Context, jobID int64, state json.RawMessage) error
}

type Config struct {
	Builder  *builder.Builder
	Registry *registry.Registry
	Matcher  Matcher
	// States may be nil, state requests fail then.
	States StateStore
	// Elasticsearch is passed to every run.
	Elasticsearch model.Elasticsearch
	// Env is added to the environment of every run.
	Env []string
}

type Worker struct {
	builder  *builder.Builder
	registry *registry.Registry
	executor *executor.Executor
	matcher  Matcher
	states   StateStore
	es       model.Elasticsearch
	out      *ipc.Writer
}

func New(cfg Config) *Worker {
	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	return &Worker{
		builder:  cfg.Builder,
		registry: reg,
		executor: executor.New(reg, cfg.Env...),
		matcher:  cfg.Matcher,
		states:   cfg.States,
		es:       cfg.Elasticsearch,
	}
}

// Do announces the worker on out and handles commands read from in until
// in is closed. Every command is handled concurrently. When in is closed
// live runs are interrupted and Do returns after all handlers finished.
// Do must not be called more than once.
func (w *Worker) Do(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.out = ipc.NewWriter(out)
	if err := w.out.WriteEvent(ipc.Started()); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var readErr error
	r := ipc.NewReader(in)
	for {
		cmd, err := r.ReadCommand()
		if errors.Is(err, ipc.ErrMalformed) {
			slog.WarnContext(ctx, "ignoring command", "error", err)
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		wg.Go(func() {
			w.handle(ctx, cmd)
		})
	}

	slog.InfoContext(ctx, "command stream closed, stopping", "live_runs", w.registry.Len())
	w.registry.StopAll()
	cancel()
	wg.Wait()
	return readErr
}

func (w *Worker) handle(ctx context.Context, cmd ipc.Command) {
	slog.DebugContext(ctx, "handling command", "kind", cmd.Kind())
	switch c := cmd.(type) {
	case ipc.Build:
		ctx = log.ContextAttrs(ctx, log.TaskAttr(c.TaskID))
		w.build(ctx, builder.Request{TaskID: c.TaskID, Code: c.Code, Dir: c.Dir})
	case ipc.Init:
		ctx = log.ContextAttrs(ctx, log.TaskAttr(c.TaskID))
		w.build(ctx, builder.Request{TaskID: c.TaskID, Subtype: c.Subtype, Code: c.Code, Dir: c.Dir, Reinstall: true})
	case ipc.Run:
		w.run(log.ContextAttrs(ctx, log.JobAttr(c.JobID), log.RunAttr(c.RunID)), c)
	case ipc.Stop:
		found, err := w.registry.SignalStop(c.RunID)
		switch {
		case err != nil:
			slog.WarnContext(ctx, "stopping run", log.RunAttr(c.RunID), "error", err)
		case !found:
			slog.DebugContext(ctx, "run to stop is not running", log.RunAttr(c.RunID))
		}
	case ipc.SignalTrigger:
		w.trigger(ctx, c.SignalSetCID)
	case ipc.DeleteTask:
		ev := ipc.TaskDeleted{TaskID: c.TaskID}
		if err := w.builder.Remove(c.Dir); err != nil {
			slog.ErrorContext(ctx, "removing task environment", log.TaskAttr(c.TaskID), "error", err)
			ev.Error = err.Error()
		}
		w.emit(ctx, ipc.EventTaskDeleted, ev)
	case ipc.DeleteJob:
		stopped := w.registry.StopJob(c.JobID)
		w.emit(ctx, ipc.EventJobDeleted, ipc.JobDeleted{JobID: c.JobID, Stopped: stopped})
	}
}

func (w *Worker) build(ctx context.Context, req builder.Request) {
	ev := ipc.BuildFinished{TaskID: req.TaskID}
	res, err := w.builder.Build(ctx, req)
	if err != nil {
		slog.ErrorContext(ctx, "build failed", "error", err)
		ev.Error = err.Error()
		var buildErr *builder.BuildError
		if errors.As(err, &buildErr) {
			ev.Step = buildErr.Step
			ev.Output = buildErr.Output
		}
	} else {
		ev.Reinstalled = res.Reinstalled
		ev.Output = res.Output
	}
	w.emit(ctx, ipc.EventBuildFinished, ev)
}

func (w *Worker) trigger(ctx context.Context, cid string) {
	if w.matcher == nil {
		return
	}
	jobs, err := w.matcher.MatchJobs(ctx, cid)
	if err != nil {
		slog.ErrorContext(ctx, "matching jobs", "signal_set", cid, "error", err)
		return
	}
	for _, jobID := range jobs {
		w.emit(ctx, ipc.EventJobTriggered, ipc.JobTriggered{JobID: jobID, SignalSetCID: cid})
	}
}

func (w *Worker) emit(ctx context.Context, name ipc.EventName, data any) {
	e, err := ipc.NewEvent(name, data)
	if err == nil {
		err = w.out.WriteEvent(e)
	}
	if err != nil {
		slog.ErrorContext(ctx, "emitting event", "event", name, "error", err)
	}
}
