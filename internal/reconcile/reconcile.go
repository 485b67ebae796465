// Package reconcile repairs persisted state left behind by a controller
// that stopped unexpectedly. It must run before any new work is dispatched.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/parallel"
)

// CancelledOutput is appended to the output of runs failed by Reconcile.
const CancelledOutput = "\ncancelled upon start\n"

const concurrency = 8

type Store interface {
	ListRuns(ctx context.Context, statuses ...model.RunStatus) ([]model.Run, error)
	SetRunStatus(ctx context.Context, id int64, to model.RunStatus, output string) error
	ListTasks(ctx context.Context, states ...model.BuildState) ([]model.Task, error)
	ResetBuildState(ctx context.Context, id int64, from []model.BuildState, to model.BuildState) (bool, error)
	UpsertBuiltinTask(ctx context.Context, name, subtype, code string) (int64, bool, error)
}

type Report struct {
	RunsFailed       int
	TasksReset       int
	BuiltinsUpserted int
	Errors           int
}

func (r Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("runs_failed", r.RunsFailed),
		slog.Int("tasks_reset", r.TasksReset),
		slog.Int("builtins_upserted", r.BuiltinsUpserted),
		slog.Int("errors", r.Errors),
	)
}

// Reconcile fails every run which was not finished, resets tasks stuck in
// a build and registers the builtin tasks. Rows are handled independently,
// a row which can't be fixed is logged and counted. The returned error is
// only about listing the rows.
func Reconcile(ctx context.Context, s Store, builtins []Builtin) (Report, error) {
	var report Report

	runs, err := s.ListRuns(ctx, model.NonTerminalRunStatuses...)
	if err != nil {
		return report, fmt.Errorf("listing unfinished runs: %w", err)
	}
	failRun := func(ctx context.Context, r model.Run) (struct{}, error) {
		return struct{}{}, s.SetRunStatus(ctx, r.ID, model.RunFailed, CancelledOutput)
	}
	for res := range parallel.Map(ctx, concurrency, slices.Values(runs), failRun) {
		if res.Err != nil {
			slog.ErrorContext(ctx, "failing unfinished run", log.RunAttr(res.In.ID), "status", res.In.Status, "error", res.Err)
			report.Errors++
			continue
		}
		report.RunsFailed++
	}

	tasks, err := s.ListTasks(ctx, model.BuildProcessing, model.BuildInitializing)
	if err != nil {
		return report, fmt.Errorf("listing unfinished builds: %w", err)
	}
	resetTask := func(ctx context.Context, t model.Task) (bool, error) {
		to := model.BuildFailed
		if t.BuildState == model.BuildInitializing {
			to = model.BuildUninitialized
		}
		return s.ResetBuildState(ctx, t.ID, []model.BuildState{t.BuildState}, to)
	}
	for res := range parallel.Map(ctx, concurrency, slices.Values(tasks), resetTask) {
		switch {
		case res.Err != nil:
			slog.ErrorContext(ctx, "resetting unfinished build", log.TaskAttr(res.In.ID), "state", res.In.BuildState, "error", res.Err)
			report.Errors++
		case res.Out:
			report.TasksReset++
		}
	}

	for _, b := range builtins {
		id, changed, err := s.UpsertBuiltinTask(ctx, b.Name, b.Subtype, b.Code)
		if err != nil {
			slog.ErrorContext(ctx, "registering builtin task", "name", b.Name, "error", err)
			report.Errors++
			continue
		}
		if changed {
			slog.InfoContext(ctx, "builtin task registered", "name", b.Name, log.TaskAttr(id))
			report.BuiltinsUpserted++
		}
	}

	if err := ctx.Err(); err != nil {
		return report, errors.Join(errors.New("reconciliation interrupted"), err)
	}
	return report, nil
}
