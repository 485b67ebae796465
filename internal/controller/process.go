package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"github.com/ivis-project/taskd/internal/ipc"
)

// StderrFunc receives the stderr of the worker line by line.
type StderrFunc func(ctx context.Context, line string)

// Command describes how to start the worker process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// workerProcess is a started worker. Commands go to its stdin, events are
// read from its stdout.
type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cmds   *ipc.Writer
	events *ipc.Reader

	stderrDone chan struct{}
	waitOnce   sync.Once
	waitErr    error
}

func startWorker(ctx context.Context, proto Command, stderrFunc StderrFunc) (*workerProcess, error) {
	// the worker must outlive ctx to finish its runs, it stops when its
	// stdin is closed
	cmd := exec.Command(proto.Path, proto.Args...)
	cmd.Env = proto.Env
	// keep terminal signals away from the worker and the tasks
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	w := &workerProcess{
		cmd:        cmd,
		stdin:      stdin,
		cmds:       ipc.NewWriter(stdin),
		events:     ipc.NewReader(stdout),
		stderrDone: make(chan struct{}),
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	slog.DebugContext(ctx, "worker started", "path", proto.Path, "pid", cmd.Process.Pid)

	go func() {
		defer close(w.stderrDone)
		processStderr(ctx, stderr, stderrFunc)
	}()
	return w, nil
}

func processStderr(ctx context.Context, stderr io.Reader, stderrFunc StderrFunc) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if stderrFunc != nil {
			stderrFunc(ctx, scanner.Text())
		}
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing worker stderr", "error", err)
		_, _ = io.Copy(io.Discard, stderr)
	}
}

// forwardStderr logs a worker log line inside the controller log. The
// worker logs JSON records, they are embedded as they are.
func forwardStderr(ctx context.Context, line string) {
	if json.Valid([]byte(line)) {
		slog.InfoContext(ctx, "worker", "record", json.RawMessage(line))
		return
	}
	slog.InfoContext(ctx, "worker", "line", line)
}

// closeStdin tells the worker to stop once its runs are finished.
func (w *workerProcess) closeStdin() error {
	return w.stdin.Close()
}

// wait reaps the worker. It must be called after its stdout was read to
// the end.
func (w *workerProcess) wait() error {
	w.waitOnce.Do(func() {
		<-w.stderrDone
		w.waitErr = w.cmd.Wait()
	})
	return w.waitErr
}
