// Package controller owns the worker process. It turns API calls into
// worker commands, persists the events the worker reports and republishes
// them to subscribers.
//
// taskd serve drives the controller on its own: it builds new tasks, runs
// cron jobs and forwards trigger notifications. Rebuilds, on demand runs,
// stops and deletes are for programs embedding the controller, an API
// layer for example, which call BuildTask, RunJob, StopRun, DeleteTask
// and DeleteJob directly.
package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ivis-project/taskd/internal/executor"
	"github.com/ivis-project/taskd/internal/ipc"
	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/store"
)

var (
	ErrTaskNotRunnable = errors.New("task is not built")
	ErrBuildInProgress = errors.New("task build in progress")
	ErrWorkerExited    = errors.New("worker exited")
)

const subscriberBuffer = 64

type Config struct {
	// TasksDir holds one environment per task, named by the task id.
	TasksDir string
	// RetentionDays of finished runs, 0 disables the retention sweep.
	RetentionDays     int
	RetentionInterval time.Duration
	// SyncInterval is how often new tasks and job schedules are picked up
	// from the store.
	SyncInterval time.Duration
	Worker       Command
	// Stderr receives worker log lines, they are logged when nil.
	Stderr StderrFunc
}

type Controller struct {
	cfg   Config
	store *store.Store

	ready  chan struct{}
	exited chan struct{}

	mx     sync.Mutex
	worker *workerProcess
	closed bool

	subsMx sync.Mutex
	subs   map[chan ipc.Event]struct{}

	scheduler *scheduler
	wg        sync.WaitGroup
}

func New(cfg Config, s *store.Store) (*Controller, error) {
	if cfg.Worker.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker binary: %w", err)
		}
		cfg.Worker.Path = exe
		cfg.Worker.Args = []string{"_worker"}
	}
	if cfg.Stderr == nil {
		cfg.Stderr = forwardStderr
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = time.Hour
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = time.Minute
	}

	c := &Controller{
		cfg:    cfg,
		store:  s,
		ready:  make(chan struct{}),
		exited: make(chan struct{}),
		subs:   make(map[chan ipc.Event]struct{}),
	}
	c.scheduler = newScheduler(c.runScheduled)
	return c, nil
}

// TaskDir is where the environment of a task lives.
func (c *Controller) TaskDir(taskID int64) string {
	return filepath.Join(c.cfg.TasksDir, strconv.FormatInt(taskID, 10))
}

// Do starts the worker and processes its events until ctx is cancelled.
// On cancellation the worker is asked to stop, remaining events are still
// persisted and Do returns nil. When the worker exits on its own Do
// returns ErrWorkerExited. Do must not be called more than once.
func (c *Controller) Do(ctx context.Context) error {
	defer close(c.exited)
	defer c.closeSubscribers()

	worker, err := startWorker(ctx, c.cfg.Worker, c.cfg.Stderr)
	if err != nil {
		return err
	}
	first, err := worker.events.ReadEvent()
	if err != nil || first.Kind != ipc.KindStarted {
		_ = worker.closeStdin()
		err = errors.Join(err, worker.wait())
		if err == nil {
			err = fmt.Errorf("unexpected %q message", first.Kind)
		}
		return fmt.Errorf("%w: no start announcement: %w", ErrWorkerExited, err)
	}
	c.mx.Lock()
	c.worker = worker
	c.mx.Unlock()
	close(c.ready)
	slog.InfoContext(ctx, "worker ready", "pid", worker.cmd.Process.Pid)

	events := make(chan ipc.Event)
	readErr := make(chan error, 1)
	go func() {
		defer close(events)
		readErr <- c.readEvents(ctx, worker, events)
	}()

	stopRetention := func() {}
	stop := func() {
		stopRetention()
		c.scheduler.shutdown(ctx)
	}
	if err := c.scheduler.start(ctx, c.cfg.SyncInterval, c.syncStore); err != nil {
		slog.ErrorContext(ctx, "periodic jobs disabled", "error", err)
	}
	c.syncStore(ctx)
	stopRetention = c.startRetention(ctx)

	for {
		select {
		case <-ctx.Done():
			stop()
			slog.InfoContext(ctx, "stopping worker")
			c.closeWorker()
			// the worker reports the end of interrupted runs, persist them
			drainCtx := context.WithoutCancel(ctx)
			for e := range events {
				c.handleEvent(drainCtx, e)
			}
			c.wg.Wait()
			if err := worker.wait(); err != nil {
				slog.WarnContext(ctx, "worker finished", "error", err)
			}
			return nil
		case e, ok := <-events:
			if ok {
				c.handleEvent(ctx, e)
				continue
			}
			stop()
			c.closeWorker()
			c.wg.Wait()
			err := errors.Join(<-readErr, worker.wait())
			if err != nil {
				return fmt.Errorf("%w: %w", ErrWorkerExited, err)
			}
			return ErrWorkerExited
		}
	}
}

func (c *Controller) readEvents(ctx context.Context, worker *workerProcess, events chan<- ipc.Event) error {
	for {
		e, err := worker.events.ReadEvent()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ipc.ErrMalformed):
			slog.WarnContext(ctx, "ignoring malformed worker event", "error", err)
			continue
		case err != nil:
			return fmt.Errorf("reading worker events: %w", err)
		}
		events <- e
	}
}

func (c *Controller) closeWorker() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.worker.closeStdin()
}

// send writes a command to the worker. It waits until the worker announced
// itself and fails with ErrWorkerExited once the worker is gone.
func (c *Controller) send(ctx context.Context, cmd ipc.Command) error {
	select {
	case <-c.ready:
	case <-c.exited:
		return ErrWorkerExited
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return ErrWorkerExited
	}
	if err := c.worker.cmds.WriteCommand(cmd); err != nil {
		return fmt.Errorf("%w: sending %s: %w", ErrWorkerExited, cmd.Kind(), err)
	}
	slog.DebugContext(ctx, "command sent", "kind", cmd.Kind())
	return nil
}

// BuildTask builds the environment of a task. An initialized environment
// only gets new code, anything else is provisioned from scratch. The
// result arrives later as a build-finished event.
func (c *Controller) BuildTask(ctx context.Context, taskID int64) error {
	ctx = log.ContextAttrs(ctx, log.TaskAttr(taskID))
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.BuildState.Transitional() {
		return fmt.Errorf("task %d: %w", taskID, ErrBuildInProgress)
	}

	dir := c.TaskDir(taskID)
	var cmd ipc.Command = ipc.Init{TaskID: taskID, Subtype: task.Subtype, Code: task.Code, Dir: dir}
	to := model.BuildInitializing
	if (task.BuildState == model.BuildFinished || task.BuildState == model.BuildFailed) && hasEnvironment(dir) {
		cmd = ipc.Build{TaskID: taskID, Code: task.Code, Dir: dir}
		to = model.BuildProcessing
	}

	ok, err := c.store.ResetBuildState(ctx, taskID, []model.BuildState{task.BuildState}, to)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %d: %w", taskID, ErrBuildInProgress)
	}

	if err := c.send(ctx, cmd); err != nil {
		out := &model.BuildOutput{Errors: []string{err.Error()}}
		if serr := c.store.SetBuildState(context.WithoutCancel(ctx), taskID, model.BuildFailed, out); serr != nil {
			slog.ErrorContext(ctx, "marking build failed", "error", serr)
		}
		return err
	}
	slog.InfoContext(ctx, "build requested", "kind", cmd.Kind(), "from", task.BuildState)
	return nil
}

func hasEnvironment(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, executor.Interpreter))
	return err == nil
}

// RunJob starts a new run of a job and returns its id. The task of the job
// must be built.
func (c *Controller) RunJob(ctx context.Context, jobID int64) (int64, error) {
	ctx = log.ContextAttrs(ctx, log.JobAttr(jobID))
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	task, err := c.store.GetTask(ctx, job.TaskID)
	if err != nil {
		return 0, err
	}
	if !task.BuildState.Runnable() {
		return 0, fmt.Errorf("task %d is %s: %w", task.ID, task.BuildState, ErrTaskNotRunnable)
	}

	runID, err := c.store.CreateRun(ctx, jobID)
	if err != nil {
		return 0, err
	}
	ctx = log.ContextAttrs(ctx, log.RunAttr(runID))
	// the worker may report run-started before send returns
	if err := c.store.SetRunStatus(ctx, runID, model.RunInitialization, ""); err != nil {
		return runID, err
	}

	err = c.send(ctx, ipc.Run{
		JobID:  jobID,
		RunID:  runID,
		Dir:    c.TaskDir(task.ID),
		Params: job.Params,
		State:  job.State,
	})
	if err != nil {
		if serr := c.store.SetRunStatus(context.WithoutCancel(ctx), runID, model.RunFailed, "\n"+err.Error()); serr != nil {
			slog.ErrorContext(ctx, "marking run failed", "error", serr)
		}
		return runID, err
	}
	slog.InfoContext(ctx, "run dispatched")
	return runID, nil
}

// StopRun asks a run to stop. Stopping a finished run is a no-op.
func (c *Controller) StopRun(ctx context.Context, runID int64) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return c.send(ctx, ipc.Stop{JobID: run.JobID, RunID: runID})
}

// DeleteTask stops the runs of the task jobs, then removes the task with
// its jobs and environment.
func (c *Controller) DeleteTask(ctx context.Context, taskID int64) error {
	ctx = log.ContextAttrs(ctx, log.TaskAttr(taskID))
	jobs, err := c.store.ListTaskJobs(ctx, taskID)
	if err != nil {
		return err
	}
	var errs []error
	for _, jobID := range jobs {
		errs = append(errs, c.send(ctx, ipc.DeleteJob{JobID: jobID}))
	}
	if err := c.store.DeleteTask(ctx, taskID); err != nil {
		return errors.Join(append(errs, err)...)
	}
	errs = append(errs, c.send(ctx, ipc.DeleteTask{TaskID: taskID, Dir: c.TaskDir(taskID)}))
	for _, jobID := range jobs {
		c.scheduler.remove(ctx, jobID)
	}
	return errors.Join(errs...)
}

// DeleteJob removes the job and stops its live runs.
func (c *Controller) DeleteJob(ctx context.Context, jobID int64) error {
	ctx = log.ContextAttrs(ctx, log.JobAttr(jobID))
	if err := c.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	c.scheduler.remove(ctx, jobID)
	return c.send(ctx, ipc.DeleteJob{JobID: jobID})
}

// SignalSetChanged lets the worker run every job triggered by the signal
// set.
func (c *Controller) SignalSetChanged(ctx context.Context, signalSetCID string) error {
	return c.send(ctx, ipc.SignalTrigger{SignalSetCID: signalSetCID})
}

// Subscribe returns a channel of worker events, it is closed when ctx is
// done or the controller stops. A subscriber which does not keep up loses
// events.
func (c *Controller) Subscribe(ctx context.Context) <-chan ipc.Event {
	ch := make(chan ipc.Event, subscriberBuffer)
	c.subsMx.Lock()
	select {
	case <-c.exited:
		c.subsMx.Unlock()
		close(ch)
		return ch
	default:
	}
	c.subs[ch] = struct{}{}
	c.subsMx.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.exited:
		}
		c.unsubscribe(ch)
	}()
	return ch
}

func (c *Controller) unsubscribe(ch chan ipc.Event) {
	c.subsMx.Lock()
	defer c.subsMx.Unlock()
	if _, ok := c.subs[ch]; ok {
		delete(c.subs, ch)
		close(ch)
	}
}

func (c *Controller) closeSubscribers() {
	c.subsMx.Lock()
	defer c.subsMx.Unlock()
	for ch := range c.subs {
		delete(c.subs, ch)
		close(ch)
	}
}

func (c *Controller) publish(ctx context.Context, e ipc.Event) {
	c.subsMx.Lock()
	defer c.subsMx.Unlock()
	for ch := range c.subs {
		select {
		case ch <- e:
		default:
			slog.DebugContext(ctx, "subscriber is full: dropping event", "name", e.Name)
		}
	}
}
