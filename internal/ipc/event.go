package ipc

import (
	"encoding/json"
	"fmt"
)

const (
	KindStarted = "started"
	KindEvent   = "event"
)

type EventName string

const (
	EventBuildFinished EventName = "build-finished"
	EventRunStarted    EventName = "run-started"
	EventRunOutput     EventName = "run-output"
	EventRunRequest    EventName = "run-request"
	EventRunSuccess    EventName = "run-success"
	EventRunFailure    EventName = "run-failure"
	EventJobTriggered  EventName = "job-triggered"
	EventTaskDeleted   EventName = "task-deleted"
	EventJobDeleted    EventName = "job-deleted"
)

// Event is a message from the worker. Data holds one of the payload types
// below, selected by Name.
type Event struct {
	Kind string          `json:"kind"`
	Name EventName       `json:"name,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Started is the first message of every worker.
func Started() Event {
	return Event{Kind: KindStarted}
}

// NewEvent wraps data into an event called name.
func NewEvent(name EventName, data any) (Event, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encoding %s data: %w", name, err)
	}
	return Event{Kind: KindEvent, Name: name, Data: b}, nil
}

// Decode unmarshals the data of e into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s data: %w", e.Name, err)
	}
	return nil
}

type BuildFinished struct {
	TaskID      int64  `json:"taskId"`
	Reinstalled bool   `json:"reinstalled"`
	Output      string `json:"output"`
	// Error is empty when the build succeeded.
	Error string `json:"error,omitempty"`
	Step  string `json:"step,omitempty"`
}

func (b BuildFinished) Success() bool {
	return b.Error == ""
}

type RunStarted struct {
	JobID int64 `json:"jobId"`
	RunID int64 `json:"runId"`
}

type RunOutput struct {
	JobID int64  `json:"jobId"`
	RunID int64  `json:"runId"`
	Text  string `json:"text"`
}

type RunRequest struct {
	JobID   int64           `json:"jobId"`
	RunID   int64           `json:"runId"`
	Request json.RawMessage `json:"request"`
	Reply   json.RawMessage `json:"reply"`
}

type RunSuccess struct {
	JobID int64 `json:"jobId"`
	RunID int64 `json:"runId"`
}

type RunFailure struct {
	JobID    int64  `json:"jobId"`
	RunID    int64  `json:"runId"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error"`
}

type JobTriggered struct {
	JobID        int64  `json:"jobId"`
	SignalSetCID string `json:"signalSetCid"`
}

type TaskDeleted struct {
	TaskID int64  `json:"taskId"`
	Error  string `json:"error,omitempty"`
}

type JobDeleted struct {
	JobID   int64   `json:"jobId"`
	Stopped []int64 `json:"stopped,omitempty"`
}
