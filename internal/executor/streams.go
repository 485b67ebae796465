package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const maxLine = 4 << 20

type process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   *os.File
	stderr   *os.File
	requests *os.File
	errlog   errorLog
	progress atomic.Int64 // bytes read from stdout and stderr
}

// errorLog accumulates stderr and stream errors of one run.
type errorLog struct {
	mx sync.Mutex
	sb strings.Builder
}

func (l *errorLog) Write(p []byte) (int, error) {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.sb.Write(p)
}

func (l *errorLog) String() string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.sb.String()
}

type progressReader struct {
	r io.Reader
	n *atomic.Int64
}

func (r progressReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	r.n.Add(int64(n))
	return n, err
}

// supervise pumps the streams while it waits for the task to exit. The
// exit of the task ends the run, even when its children still hold the
// pipes: the request pipe is closed at once, nobody is left to read the
// replies, stdout and stderr are read until they are idle for drainIdle.
func (x *Execution) supervise(ctx context.Context, p *process, input []byte, handler RequestHandler) Outcome {
	var wg sync.WaitGroup
	wg.Go(func() {
		x.pumpOutput(ctx, progressReader{p.stdout, &p.progress}, &p.errlog)
	})
	wg.Go(func() {
		_, err := io.Copy(&p.errlog, progressReader{p.stderr, &p.progress})
		if err != nil && !errors.Is(err, os.ErrClosed) {
			x.streamError(ctx, &p.errlog, "stderr", err)
		}
	})
	wg.Go(func() {
		x.serveRequests(ctx, p, input, handler, &p.errlog)
	})

	err := p.cmd.Wait()
	_ = p.requests.Close()

	readers := make(chan struct{})
	go func() {
		wg.Wait()
		close(readers)
	}()
	p.drain(ctx, readers)
	_ = p.stdout.Close()
	_ = p.stderr.Close()

	o := exitOutcome(p.cmd.ProcessState, err, p.errlog.String())
	slog.DebugContext(ctx, "task process finished", "exit_code", o.ExitCode)
	return o
}

// drain waits until readers is closed. Once stdout and stderr made no
// progress for drainIdle they are closed, which ends the readers.
func (p *process) drain(ctx context.Context, readers <-chan struct{}) {
	ticker := time.NewTicker(drainIdle)
	defer ticker.Stop()
	last := p.progress.Load()
	for {
		select {
		case <-readers:
			return
		case <-ticker.C:
			now := p.progress.Load()
			if now != last {
				last = now
				continue
			}
			slog.DebugContext(ctx, "children of the task keep its output open, closing it")
			_ = p.stdout.Close()
			_ = p.stderr.Close()
			<-readers
			return
		}
	}
}

func (x *Execution) pumpOutput(ctx context.Context, r io.Reader, errlog *errorLog) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		x.emit(Event{Kind: EventOutput, Text: scanner.Text() + "\n"})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		x.streamError(ctx, errlog, "stdout", err)
		// keep the pipe drained, the task must not block on a full pipe
		_, _ = io.Copy(io.Discard, r)
	}
}

// serveRequests writes the run input, then answers requests one at a time
// until the task closes its end of the request pipe.
func (x *Execution) serveRequests(ctx context.Context, p *process, input []byte, handler RequestHandler, errlog *errorLog) {
	defer func() {
		_ = p.stdin.Close()
		_ = p.requests.Close()
	}()

	stdinOpen := true
	write := func(line []byte) {
		if !stdinOpen {
			return
		}
		if _, err := p.stdin.Write(line); err != nil {
			stdinOpen = false
			if errors.Is(err, unix.EPIPE) || errors.Is(err, os.ErrClosed) {
				slog.DebugContext(ctx, "task closed its stdin", "error", err)
				return
			}
			x.streamError(ctx, errlog, "stdin", err)
		}
	}
	write(input)

	scanner := bufio.NewScanner(p.requests)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var reply []byte
		if !json.Valid(line) {
			x.streamError(ctx, errlog, "requests", fmt.Errorf("malformed request %q", line))
			reply = errorReply(errors.New("malformed request"))
		} else {
			request := json.RawMessage(append([]byte(nil), line...))
			reply = resolve(ctx, handler, request)
			x.emit(Event{Kind: EventRequest, Request: request, Reply: reply})
		}
		write(append(reply, '\n'))
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		x.streamError(ctx, errlog, "requests", err)
		_, _ = io.Copy(io.Discard, p.requests)
	}
}

func resolve(ctx context.Context, handler RequestHandler, request json.RawMessage) []byte {
	if handler == nil {
		return errorReply(errors.New("requests are not supported"))
	}
	v, err := handler(ctx, request)
	if err != nil {
		return errorReply(err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errorReply(fmt.Errorf("encoding reply: %w", err))
	}
	return b
}

func errorReply(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

// streamError records a transport problem. It is not fatal for the run, it
// goes to the error log and is shown in the run output.
func (x *Execution) streamError(ctx context.Context, errlog *errorLog, stream string, err error) {
	msg := fmt.Sprintf("%s: %v\n", stream, err)
	slog.WarnContext(ctx, "task stream error", "stream", stream, "error", err)
	_, _ = errlog.Write([]byte(msg))
	x.emit(Event{Kind: EventOutput, Text: msg})
}
