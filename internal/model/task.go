package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// BuildState is the lifecycle state of a task environment.
type BuildState string

const (
	BuildUninitialized BuildState = "UNINITIALIZED"
	BuildInitializing  BuildState = "INITIALIZING"
	BuildProcessing    BuildState = "PROCESSING"
	BuildFinished      BuildState = "FINISHED"
	BuildFailed        BuildState = "FAILED"
)

// Transitional reports states which only exist while a builder is working.
func (s BuildState) Transitional() bool {
	return s == BuildInitializing || s == BuildProcessing
}

// Runnable is true only for a fully built environment.
func (s BuildState) Runnable() bool {
	return s == BuildFinished
}

// RunStatus is the status of a single job run.
type RunStatus string

const (
	RunScheduled      RunStatus = "SCHEDULED"
	RunInitialization RunStatus = "INITIALIZATION"
	RunRunning        RunStatus = "RUNNING"
	RunSuccess        RunStatus = "SUCCESS"
	RunFailed         RunStatus = "FAILED"
)

// NonTerminalRunStatuses lists every status a run can be stuck in after a crash.
var NonTerminalRunStatuses = []RunStatus{RunScheduled, RunInitialization, RunRunning}

func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

func (s RunStatus) rank() int {
	switch s {
	case RunScheduled:
		return 0
	case RunInitialization:
		return 1
	case RunRunning:
		return 2
	case RunSuccess, RunFailed:
		return 3
	default:
		return -1
	}
}

// CheckRunTransition returns ErrInvalidTransition unless to is strictly later
// on the SCHEDULED -> INITIALIZATION -> RUNNING -> SUCCESS|FAILED path.
// FAILED is reachable from every non-terminal status.
func CheckRunTransition(from, to RunStatus) error {
	fr, tr := from.rank(), to.rank()
	if fr < 0 || tr < 0 || from.Terminal() || tr <= fr {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	if to == RunSuccess && from != RunRunning {
		return fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// BuildOutput is stored in tasks.build_output.
type BuildOutput struct {
	Output string   `json:"output,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

type Task struct {
	ID          int64
	Name        string
	Code        string
	Subtype     string
	BuildState  BuildState
	BuildOutput *BuildOutput
	Builtin     bool
	UpdatedAt   time.Time
}

type Job struct {
	ID       int64
	Name     string
	TaskID   int64
	Params   json.RawMessage
	State    json.RawMessage
	Schedule string // cron expression, empty when the job is not periodic
	Enabled  bool
	Triggers []string
}

type Run struct {
	ID         int64
	JobID      int64
	Status     RunStatus
	Output     string
	StartedAt  *time.Time
	FinishedAt *time.Time
}
