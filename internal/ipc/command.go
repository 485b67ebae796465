// Package ipc is the wire format between the controller and its worker
// process. Every message is one JSON line. Commands flow to the worker's
// stdin as {"kind": ..., "payload": ...}, events flow back on its stdout as
// {"kind": "started"} or {"kind": "event", "name": ..., "data": ...}.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks a message which could not be decoded. The stream
	// itself is still usable.
	ErrMalformed      = errors.New("malformed message")
	ErrUnknownCommand = errors.New("unknown command")
)

type Kind string

const (
	KindBuild         Kind = "BUILD"
	KindInit          Kind = "INIT"
	KindRun           Kind = "RUN"
	KindStop          Kind = "STOP"
	KindSignalTrigger Kind = "SIGNAL_TRIGGER"
	KindDeleteTask    Kind = "DELETE_TASK"
	KindDeleteJob     Kind = "DELETE_JOB"
)

// Command is implemented by the command types of this package only.
type Command interface {
	Kind() Kind
	command()
}

// Build replaces the entry file of an initialized task environment.
type Build struct {
	TaskID int64  `json:"taskId"`
	Code   string `json:"code"`
	Dir    string `json:"destDir"`
}

// Init provisions a task environment from scratch.
type Init struct {
	TaskID  int64  `json:"taskId"`
	Subtype string `json:"subtype,omitempty"`
	Code    string `json:"code"`
	Dir     string `json:"destDir"`
}

type Run struct {
	JobID  int64           `json:"jobId"`
	RunID  int64           `json:"runId"`
	Dir    string          `json:"taskDir"`
	Params json.RawMessage `json:"params,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

type Stop struct {
	JobID int64 `json:"jobId"`
	RunID int64 `json:"runId"`
}

// SignalTrigger announces a change of a signal set.
type SignalTrigger struct {
	SignalSetCID string `json:"signalSetCid"`
}

type DeleteTask struct {
	TaskID int64  `json:"taskId"`
	Dir    string `json:"destDir"`
}

type DeleteJob struct {
	JobID int64 `json:"jobId"`
}

func (Build) Kind() Kind         { return KindBuild }
func (Init) Kind() Kind          { return KindInit }
func (Run) Kind() Kind           { return KindRun }
func (Stop) Kind() Kind          { return KindStop }
func (SignalTrigger) Kind() Kind { return KindSignalTrigger }
func (DeleteTask) Kind() Kind    { return KindDeleteTask }
func (DeleteJob) Kind() Kind     { return KindDeleteJob }

func (Build) command()         {}
func (Init) command()          {}
func (Run) command()           {}
func (Stop) command()          {}
func (SignalTrigger) command() {}
func (DeleteTask) command()    {}
func (DeleteJob) command()     {}

type commandEnvelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalCommand encodes c with its envelope.
func MarshalCommand(c Command) ([]byte, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", c.Kind(), err)
	}
	return json.Marshal(commandEnvelope{Kind: c.Kind(), Payload: payload})
}

// UnmarshalCommand decodes one envelope. Unknown kinds fail with
// ErrUnknownCommand.
func UnmarshalCommand(b []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding command: %w", ErrMalformed, err)
	}
	switch env.Kind {
	case KindBuild:
		return decodePayload[Build](env)
	case KindInit:
		return decodePayload[Init](env)
	case KindRun:
		return decodePayload[Run](env)
	case KindStop:
		return decodePayload[Stop](env)
	case KindSignalTrigger:
		return decodePayload[SignalTrigger](env)
	case KindDeleteTask:
		return decodePayload[DeleteTask](env)
	case KindDeleteJob:
		return decodePayload[DeleteJob](env)
	default:
		return nil, fmt.Errorf("%w: %w %q", ErrMalformed, ErrUnknownCommand, env.Kind)
	}
}

func decodePayload[C Command](env commandEnvelope) (Command, error) {
	var c C
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: command %s: missing payload", ErrMalformed, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, &c); err != nil {
		return nil, fmt.Errorf("%w: decoding %s payload: %w", ErrMalformed, env.Kind, err)
	}
	return c, nil
}
