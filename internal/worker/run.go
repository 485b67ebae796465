package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ivis-project/taskd/internal/executor"
	"github.com/ivis-project/taskd/internal/ipc"
	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/registry"

	"github.com/tidwall/gjson"
)

// RunInput is the first line a task reads from its stdin.
type RunInput struct {
	Params json.RawMessage     `json:"params"`
	State  json.RawMessage     `json:"state"`
	ES     model.Elasticsearch `json:"es"`
	JobID  int64               `json:"jobId"`
	RunID  int64               `json:"runId"`
}

func (w *Worker) run(ctx context.Context, c ipc.Run) {
	input := RunInput{
		Params: c.Params,
		State:  c.State,
		ES:     w.es,
		JobID:  c.JobID,
		RunID:  c.RunID,
	}
	if len(input.Params) == 0 {
		input.Params = json.RawMessage(`{}`)
	}
	if len(input.State) == 0 {
		input.State = json.RawMessage(`null`)
	}

	x := w.executor.Start(ctx, executor.Spec{
		RunID: c.RunID,
		JobID: c.JobID,
		Dir:   c.Dir,
		Input: input,
	}, w.requestHandler(c.JobID))
	select {
	case <-x.Done():
		// the events of the run id belong to the live instance
		if err := x.Wait().Err; errors.Is(err, registry.ErrAlreadyRunning) {
			slog.WarnContext(ctx, "run is live already, ignoring the duplicate", "error", err)
			return
		}
	default:
	}
	w.emit(ctx, ipc.EventRunStarted, ipc.RunStarted{JobID: c.JobID, RunID: c.RunID})

	for e := range x.Events() {
		switch e.Kind {
		case executor.EventOutput:
			w.emit(ctx, ipc.EventRunOutput, ipc.RunOutput{JobID: c.JobID, RunID: c.RunID, Text: e.Text})
		case executor.EventRequest:
			w.emit(ctx, ipc.EventRunRequest, ipc.RunRequest{JobID: c.JobID, RunID: c.RunID, Request: e.Request, Reply: e.Reply})
		}
	}

	outcome := x.Wait()
	if outcome.Success() {
		slog.InfoContext(ctx, "run succeeded", "elapsed", outcome.Stopped.Sub(outcome.Started))
		w.emit(ctx, ipc.EventRunSuccess, ipc.RunSuccess{JobID: c.JobID, RunID: c.RunID})
		return
	}
	slog.InfoContext(ctx, "run failed", "exit_code", outcome.ExitCode, "error", outcome.Err)
	w.emit(ctx, ipc.EventRunFailure, ipc.RunFailure{
		JobID:    c.JobID,
		RunID:    c.RunID,
		ExitCode: outcome.ExitCode,
		Error:    outcome.Err.Error(),
	})
}

// Request types a task can send. A request is a JSON object with a "type"
// field, or just the type as a JSON string.
const (
	RequestPing       = "ping"
	RequestStoreState = "store_state"
	RequestReadState  = "read_state"
)

var errNoStates = errors.New("job state is not available")

func (w *Worker) requestHandler(jobID int64) executor.RequestHandler {
	return func(ctx context.Context, request json.RawMessage) (any, error) {
		req := gjson.ParseBytes(request)
		typ := req.Get("type").String()
		if req.Type == gjson.String {
			typ = req.Str
		}

		switch typ {
		case RequestPing:
			return "pong", nil
		case RequestStoreState:
			if w.states == nil {
				return nil, errNoStates
			}
			state := req.Get("state")
			if !state.Exists() {
				return nil, errors.New("store_state: missing state")
			}
			if err := w.states.SaveJobState(ctx, jobID, json.RawMessage(state.Raw)); err != nil {
				return nil, err
			}
			return map[string]bool{"stored": true}, nil
		case RequestReadState:
			if w.states == nil {
				return nil, errNoStates
			}
			state, err := w.states.JobState(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if state == nil {
				state = json.RawMessage(`null`)
			}
			return map[string]json.RawMessage{"state": state}, nil
		default:
			return nil, fmt.Errorf("unknown request type %q", typ)
		}
	}
}
