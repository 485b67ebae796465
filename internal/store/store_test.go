package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/ivis-project/taskd/internal/model"
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

func seedJob(t *testing.T, s *store.Store, triggers ...string) (taskID, jobID int64) {
	t.Helper()
	ctx := t.Context()
	taskID, err := s.CreateTask(ctx, "task", "numpy", "print(1)")
	require.NoError(t, err)
	jobID, err = s.CreateJob(ctx, model.Job{
		Name:     "job",
		TaskID:   taskID,
		Params:   json.RawMessage(`{"sigSet":"temperature"}`),
		Enabled:  true,
		Triggers: triggers,
	})
	require.NoError(t, err)
	return taskID, jobID
}

func TestOpenTwice(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "taskd.db")
	s, err := store.Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// migrations are not applied again
	s, err = store.Open(t.Context(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestTasks(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()

	id, err := s.CreateTask(ctx, "aggregate", "", "print(1)")
	require.NoError(t, err)

	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.BuildUninitialized, task.BuildState)
	require.Empty(t, task.Subtype)
	require.Nil(t, task.BuildOutput)

	out := &model.BuildOutput{Output: "pip failed", Errors: []string{"exit status 1"}}
	require.NoError(t, s.SetBuildState(ctx, id, model.BuildFailed, out))
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.BuildFailed, task.BuildState)
	require.Equal(t, out, task.BuildOutput)

	ok, err := s.ResetBuildState(ctx, id, []model.BuildState{model.BuildProcessing}, model.BuildFailed)
	require.NoError(t, err)
	require.False(t, ok)

	failed, err := s.ListTasks(ctx, model.BuildFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, s.DeleteTask(ctx, id))
	_, err = s.GetTask(ctx, id)
	require.ErrorIs(t, err, model.ErrNotFound)
	require.ErrorIs(t, s.DeleteTask(ctx, id), model.ErrNotFound)
}

func TestUpsertBuiltinTask(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()

	id, changed, err := s.UpsertBuiltinTask(ctx, "aggregation", "", "v1")
	require.NoError(t, err)
	require.True(t, changed)

	require.NoError(t, s.SetBuildState(ctx, id, model.BuildFinished, nil))

	again, changed, err := s.UpsertBuiltinTask(ctx, "aggregation", "", "v1")
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, id, again)
	task, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.BuildFinished, task.BuildState)
	require.True(t, task.Builtin)

	again, changed, err = s.UpsertBuiltinTask(ctx, "aggregation", "", "v2")
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, id, again)
	task, err = s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "v2", task.Code)
	require.Equal(t, model.BuildUninitialized, task.BuildState)
}

func TestJobs(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()
	taskID, jobID := seedJob(t, s, "temperature", "humidity")
	_, other := seedJob(t, s, "humidity")

	job, err := s.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, taskID, job.TaskID)
	require.JSONEq(t, `{"sigSet":"temperature"}`, string(job.Params))
	require.Equal(t, []string{"humidity", "temperature"}, job.Triggers)
	require.Nil(t, job.State)

	ids, err := s.MatchJobs(ctx, "humidity")
	require.NoError(t, err)
	require.Equal(t, []int64{jobID, other}, ids)
	ids, err = s.MatchJobs(ctx, "pressure")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.SaveJobState(ctx, jobID, json.RawMessage(`{"last":3}`)))
	state, err := s.JobState(ctx, jobID)
	require.NoError(t, err)
	require.JSONEq(t, `{"last":3}`, string(state))
	require.Error(t, s.SaveJobState(ctx, jobID, json.RawMessage(`{`)))

	_, err = s.CreateJob(ctx, model.Job{Name: "bad", TaskID: taskID, Schedule: "61 * * * *"})
	require.Error(t, err)

	_, err = s.CreateJob(ctx, model.Job{Name: "periodic", TaskID: taskID, Schedule: "@hourly", Enabled: true})
	require.NoError(t, err)
	scheduled, err := s.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 1)
	require.Equal(t, "@hourly", scheduled[0].Schedule)

	jobs, err := s.ListTaskJobs(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, jobID, jobs[0])

	// deleting a task cascades to its jobs
	require.NoError(t, s.DeleteTask(ctx, taskID))
	_, err = s.GetJob(ctx, jobID)
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestRunTransitions(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()
	_, jobID := seedJob(t, s)

	runID, err := s.CreateRun(ctx, jobID)
	require.NoError(t, err)

	require.NoError(t, s.SetRunStatus(ctx, runID, model.RunInitialization, ""))
	require.NoError(t, s.SetRunStatus(ctx, runID, model.RunRunning, ""))
	require.NoError(t, s.AppendRunOutput(ctx, runID, "line 1\n"))
	require.NoError(t, s.AppendRunOutput(ctx, runID, "line 2\n"))

	err = s.SetRunStatus(ctx, runID, model.RunScheduled, "")
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	require.NoError(t, s.SetRunStatus(ctx, runID, model.RunSuccess, ""))
	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, model.RunSuccess, run.Status)
	require.Equal(t, "line 1\nline 2\n", run.Output)
	require.NotNil(t, run.StartedAt)
	require.NotNil(t, run.FinishedAt)

	require.ErrorIs(t, s.SetRunStatus(ctx, runID, model.RunFailed, "late"), model.ErrInvalidTransition)
	require.ErrorIs(t, s.AppendRunOutput(ctx, runID, "late"), model.ErrInvalidTransition)
	require.ErrorIs(t, s.AppendRunOutput(ctx, 4242, "late"), model.ErrNotFound)

	active, err := s.ListRuns(ctx, model.NonTerminalRunStatuses...)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestDeleteFinishedRuns(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := t.Context()
	_, jobID := seedJob(t, s)

	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	finishAt := func(at time.Time, status model.RunStatus) int64 {
		t.Helper()
		s.WithClock(func() time.Time { return at })
		id, err := s.CreateRun(ctx, jobID)
		require.NoError(t, err)
		require.NoError(t, s.SetRunStatus(ctx, id, model.RunRunning, ""))
		require.NoError(t, s.SetRunStatus(ctx, id, status, ""))
		return id
	}

	old := finishAt(now.AddDate(0, 0, -31), model.RunSuccess)
	oldFailed := finishAt(now.AddDate(0, 0, -40), model.RunFailed)
	recent := finishAt(now.AddDate(0, 0, -29), model.RunSuccess)

	s.WithClock(func() time.Time { return now })
	running, err := s.CreateRun(ctx, jobID)
	require.NoError(t, err)

	n, err := s.DeleteFinishedRuns(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	for _, id := range []int64{old, oldFailed} {
		_, err := s.GetRun(ctx, id)
		require.ErrorIs(t, err, model.ErrNotFound)
	}
	for _, id := range []int64{recent, running} {
		_, err := s.GetRun(ctx, id)
		require.NoError(t, err)
	}
}

func TestCanceledContext(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := s.CreateTask(ctx, "x", "", "")
	require.Error(t, err)
}
