package reconcile_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/reconcile"
	"github.com/ivis-project/taskd/internal/store"

	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.Context(), filepath.Join(t.TempDir(), "taskd.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestBuiltins(t *testing.T) {
	t.Parallel()
	builtins, err := reconcile.Builtins()
	require.NoError(t, err)
	require.NotEmpty(t, builtins)
	require.Equal(t, "aggregation", builtins[0].Name)
	require.Equal(t, "numpy", builtins[0].Subtype)
	require.True(t, strings.Contains(builtins[0].Code, "store_state"))
}

func TestReconcile(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()

	taskID, err := s.CreateTask(ctx, "task", "", "print(1)")
	require.NoError(t, err)
	jobID, err := s.CreateJob(ctx, model.Job{Name: "job", TaskID: taskID})
	require.NoError(t, err)

	run := func(path ...model.RunStatus) int64 {
		t.Helper()
		id, err := s.CreateRun(ctx, jobID)
		require.NoError(t, err)
		for _, st := range path {
			require.NoError(t, s.SetRunStatus(ctx, id, st, ""))
		}
		return id
	}
	scheduled := run()
	initializing := run(model.RunInitialization)
	running := run(model.RunInitialization, model.RunRunning)
	require.NoError(t, s.AppendRunOutput(ctx, running, "halfway"))
	finished := run(model.RunRunning, model.RunSuccess)

	processing, err := s.CreateTask(ctx, "processing", "", "")
	require.NoError(t, err)
	require.NoError(t, s.SetBuildState(ctx, processing, model.BuildProcessing, nil))
	initTask, err := s.CreateTask(ctx, "initializing", "", "")
	require.NoError(t, err)
	require.NoError(t, s.SetBuildState(ctx, initTask, model.BuildInitializing, nil))

	builtins, err := reconcile.Builtins()
	require.NoError(t, err)

	report, err := reconcile.Reconcile(ctx, s, builtins)
	require.NoError(t, err)
	require.Equal(t, reconcile.Report{
		RunsFailed:       3,
		TasksReset:       2,
		BuiltinsUpserted: len(builtins),
	}, report)

	for _, id := range []int64{scheduled, initializing, running} {
		r, err := s.GetRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, model.RunFailed, r.Status)
		require.Contains(t, r.Output, "cancelled upon start")
		require.NotNil(t, r.FinishedAt)
	}
	r, err := s.GetRun(ctx, running)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(r.Output, "halfway"))

	r, err = s.GetRun(ctx, finished)
	require.NoError(t, err)
	require.Equal(t, model.RunSuccess, r.Status)
	require.NotContains(t, r.Output, "cancelled")

	left, err := s.ListRuns(ctx, model.NonTerminalRunStatuses...)
	require.NoError(t, err)
	require.Empty(t, left)

	task, err := s.GetTask(ctx, processing)
	require.NoError(t, err)
	require.Equal(t, model.BuildFailed, task.BuildState)
	task, err = s.GetTask(ctx, initTask)
	require.NoError(t, err)
	require.Equal(t, model.BuildUninitialized, task.BuildState)

	t.Run("second pass changes nothing", func(t *testing.T) {
		report, err := reconcile.Reconcile(ctx, s, builtins)
		require.NoError(t, err)
		require.Equal(t, reconcile.Report{}, report)
	})
}

type flakyStore struct {
	*store.Store
	failRun int64
}

func (f flakyStore) SetRunStatus(ctx context.Context, id int64, to model.RunStatus, output string) error {
	if id == f.failRun {
		return errors.New("database is locked")
	}
	return f.Store.SetRunStatus(ctx, id, to, output)
}

func TestReconcileRowErrors(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()

	taskID, err := s.CreateTask(ctx, "task", "", "")
	require.NoError(t, err)
	jobID, err := s.CreateJob(ctx, model.Job{Name: "job", TaskID: taskID})
	require.NoError(t, err)
	var ids []int64
	for range 3 {
		id, err := s.CreateRun(ctx, jobID)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	report, err := reconcile.Reconcile(ctx, flakyStore{Store: s, failRun: ids[1]}, nil)
	require.NoError(t, err)
	require.Equal(t, reconcile.Report{RunsFailed: 2, Errors: 1}, report)

	left, err := s.ListRuns(ctx, model.NonTerminalRunStatuses...)
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, ids[1], left[0].ID)
}
