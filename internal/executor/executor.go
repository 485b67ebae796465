// Package executor runs a built task as a child process.
//
// A task talks to the orchestrator over four streams:
//
//	stdin     orchestrator -> task  one JSON line with the run input, then one JSON line per reply
//	stdout    task -> orchestrator  free form log text, forwarded as output events
//	stderr    task -> orchestrator  accumulated, reported only when the run fails
//	requests  task -> orchestrator  newline delimited JSON requests on an extra pipe,
//	                                its descriptor number is in $TASKD_REQUEST_FD
//
// Requests are synchronous: the task writes one request and reads the reply
// from stdin before it sends the next one. Each execution emits zero or more
// events and then exactly one Outcome.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ivis-project/taskd/internal/registry"

	"golang.org/x/sys/unix"
)

const (
	// EntryFile and Interpreter are relative to the task environment.
	EntryFile   = "job.py"
	Interpreter = ".venv/bin/python"

	RequestFDEnv = "TASKD_REQUEST_FD"

	eventBuffer = 64

	// drainIdle is how long the output of an exited task is still read
	// without any progress. Children of the task may keep the pipes open.
	drainIdle = time.Second
)

var ErrStoppedBeforeStart = errors.New("run stopped before its process started")

type EventKind string

const (
	EventOutput  EventKind = "output"
	EventRequest EventKind = "request"
)

type Event struct {
	Kind    EventKind
	Text    string          // EventOutput
	Request json.RawMessage // EventRequest
	Reply   json.RawMessage // EventRequest, the reply written back to the task
}

// RequestHandler resolves a request sent by a running task. The returned
// value is marshaled to JSON and written to the task's stdin. An error is
// sent back as {"error": "..."}.
type RequestHandler func(ctx context.Context, request json.RawMessage) (any, error)

type Spec struct {
	RunID int64
	JobID int64
	Dir   string   // task environment
	Input any      // marshaled as the first stdin line
	Env   []string // extra environment variables
}

// Outcome is the terminal result of an execution. Err is nil on success,
// otherwise it is a *RunError.
type Outcome struct {
	RunID    int64
	Started  time.Time
	Stopped  time.Time
	ExitCode int
	Err      error
}

func (o Outcome) Success() bool {
	return o.Err == nil
}

// RunError describes a failed execution: a spawn error or a process which
// did not exit with 0.
type RunError struct {
	ExitCode int    // -1 when the process did not exit normally
	Signal   string // set when the process was terminated by a signal
	Stderr   string // accumulated stderr and stream errors
	Err      error  // spawn or wait error
}

func (e *RunError) Error() string {
	var msg string
	switch {
	case e.Signal != "":
		msg = "run terminated by signal " + e.Signal
	case e.ExitCode >= 0:
		msg = fmt.Sprintf("run exited with code %d", e.ExitCode)
	case e.Err != nil:
		msg = "run failed: " + e.Err.Error()
	default:
		msg = "run failed"
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Executor starts task processes and keeps them in a registry while they
// are alive.
type Executor struct {
	registry *registry.Registry
	env      []string
}

// New returns an executor registering live runs in reg. env is added to
// the environment of every task process.
func New(reg *registry.Registry, env ...string) *Executor {
	return &Executor{registry: reg, env: env}
}

// Execution is a started run. Events must be drained until the channel is
// closed, the task process blocks otherwise.
type Execution struct {
	runID   int64
	events  chan Event
	done    chan struct{}
	outcome Outcome
}

func (x *Execution) RunID() int64 {
	return x.runID
}

func (x *Execution) Events() <-chan Event {
	return x.events
}

// Done is closed once the outcome is known.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the execution ends and returns its outcome.
func (x *Execution) Wait() Outcome {
	<-x.done
	return x.outcome
}

func (x *Execution) finish(o Outcome) {
	close(x.events)
	x.outcome = o
	close(x.done)
}

func (x *Execution) emit(e Event) {
	x.events <- e
}

// Start spawns the task in spec.Dir. It never fails: spawn errors are
// reported as the Outcome of the returned execution. Cancelling ctx
// interrupts the task, the outcome is still reported after it exits.
func (e *Executor) Start(ctx context.Context, spec Spec, handler RequestHandler) *Execution {
	x := &Execution{
		runID:  spec.RunID,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	started := time.Now().UTC()
	fail := func(err error) *Execution {
		x.finish(Outcome{
			RunID:    spec.RunID,
			Started:  started,
			Stopped:  time.Now().UTC(),
			ExitCode: -1,
			Err:      &RunError{ExitCode: -1, Err: err},
		})
		return x
	}

	input, err := json.Marshal(spec.Input)
	if err != nil {
		return fail(fmt.Errorf("encoding run input: %w", err))
	}

	h := &handle{}
	if err := e.registry.Register(spec.RunID, spec.JobID, h); err != nil {
		return fail(err)
	}

	p, err := e.spawn(spec, h)
	if err != nil {
		e.registry.Unregister(spec.RunID)
		return fail(err)
	}
	slog.DebugContext(ctx, "task process started", "pid", p.cmd.Process.Pid, "dir", spec.Dir)

	go func() {
		stop := context.AfterFunc(ctx, func() {
			if err := h.Interrupt(); err != nil {
				slog.WarnContext(ctx, "interrupting task", "error", err)
			}
		})
		outcome := x.supervise(ctx, p, append(input, '\n'), handler)
		stop()
		e.registry.Unregister(spec.RunID)
		outcome.RunID = spec.RunID
		outcome.Started = started
		x.finish(outcome)
	}()
	return x
}

func (e *Executor) spawn(spec Spec, h *handle) (*process, error) {
	dir, err := filepath.Abs(spec.Dir)
	if err != nil {
		return nil, err
	}

	// no CommandContext: cancellation is a SIGINT to the process group
	// and the task decides when to exit
	cmd := exec.Command(filepath.Join(dir, Interpreter), EntryFile)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// the read ends stay here, the write ends are handed to the task
	var rs, ws [3]*os.File
	for i := range rs {
		if rs[i], ws[i], err = os.Pipe(); err != nil {
			closeFiles(rs[:i]...)
			closeFiles(ws[:i]...)
			return nil, fmt.Errorf("creating pipe: %w", err)
		}
	}
	p := &process{cmd: cmd, stdout: rs[0], stderr: rs[1], requests: rs[2]}
	if p.stdin, err = cmd.StdinPipe(); err != nil {
		closeFiles(rs[:]...)
		closeFiles(ws[:]...)
		return nil, err
	}
	cmd.Stdout = ws[0]
	cmd.Stderr = ws[1]
	cmd.ExtraFiles = []*os.File{ws[2]}

	cmd.Env = append([]string{
		"PATH=" + os.Getenv("PATH"),
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		fmt.Sprintf("%s=%d", RequestFDEnv, 2+len(cmd.ExtraFiles)),
	}, e.env...)
	cmd.Env = append(cmd.Env, spec.Env...)

	err = h.start(cmd)
	// the child owns its copies of the write ends now
	closeFiles(ws[:]...)
	if err != nil {
		closeFiles(rs[:]...)
		return nil, err
	}
	return p, nil
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// handle is what the registry interrupts. A stop which arrives before the
// process exists prevents it from being started at all.
type handle struct {
	mx      sync.Mutex
	process *os.Process
	stopped bool
}

func (h *handle) start(cmd *exec.Cmd) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.stopped {
		return ErrStoppedBeforeStart
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	h.process = cmd.Process
	return nil
}

// Interrupt sends SIGINT to the process group of the task, its children
// are stopped as well.
func (h *handle) Interrupt() error {
	h.mx.Lock()
	defer h.mx.Unlock()
	if h.process == nil {
		h.stopped = true
		return nil
	}
	err := unix.Kill(-h.process.Pid, unix.SIGINT)
	if errors.Is(err, unix.ESRCH) {
		// the whole group is gone already
		return nil
	}
	return err
}

func exitOutcome(state *os.ProcessState, waitErr error, stderr string) Outcome {
	o := Outcome{Stopped: time.Now().UTC(), ExitCode: -1}
	if state != nil {
		o.ExitCode = state.ExitCode()
	}
	if waitErr == nil && o.ExitCode == 0 {
		return o
	}

	runErr := &RunError{ExitCode: o.ExitCode, Stderr: stderr}
	var exitErr *exec.ExitError
	if !errors.As(waitErr, &exitErr) {
		runErr.Err = waitErr
	}
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			runErr.Signal = ws.Signal().String()
		}
	}
	o.Err = runErr
	return o
}
