package taskd_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ivis-project/taskd/internal/executor/executortest"
	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/reconcile"
	"github.com/ivis-project/taskd/internal/store"

	"github.com/stretchr/testify/require"
)

var (
	taskdPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("taskd-ci") {
		slog.Warn("integration tests skipped: run go build -race -cover -covermode=atomic -o taskd-ci ./cmd/taskd/ first")
		os.Exit(0)
	}

	var err error
	taskdPath, err = filepath.Abs("taskd-ci")
	if err != nil {
		slog.Error("can't get abspath for taskd-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for taskd-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for taskd-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

const jobScript = `
read input
echo "hello $input"
`

func TestTaskd(t *testing.T) {
	dir := tmpDir(t)
	python := executortest.FakePython(t, dir)

	configPath := filepath.Join(dir, "taskd.yaml")
	creat(t, configPath, []byte(`
version: 0
database: taskd.db
tasks_dir: tasks
python: `+python+`
trigger_dir: triggers
elasticsearch:
    host: es.example
    port: 9200
`))
	creat(t, filepath.Join(dir, "job.py"), []byte(jobScript))

	taskID := mustID(t, taskd(t, configPath, "task", "add", "--name", "echo", "--file", filepath.Join(dir, "job.py")))
	jobID := mustID(t, taskd(t, configPath, "job", "add",
		"--name", "on temperature",
		"--task", strconv.FormatInt(taskID, 10),
		"--params", `{"sigSet":"temperature"}`,
		"--trigger", "temperature",
	))

	// a run left behind by a crashed controller
	s, err := store.Open(t.Context(), filepath.Join(dir, "taskd.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
	})
	stale, err := s.CreateRun(t.Context(), jobID)
	require.NoError(t, err)
	require.NoError(t, s.SetRunStatus(t.Context(), stale, model.RunRunning, ""))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stderr bytes.Buffer
	serve := exec.CommandContext(ctx, taskdPath, "serve", "--config", configPath)
	serve.Stderr = &stderr
	require.NoError(t, serve.Start())
	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("%s", stderr.String())
		}
	})

	t.Run("stale run failed", func(t *testing.T) {
		require.Eventually(t, func() bool {
			run, err := s.GetRun(t.Context(), stale)
			return err == nil && run.Status == model.RunFailed
		}, 20*time.Second, 50*time.Millisecond)
		run, err := s.GetRun(t.Context(), stale)
		require.NoError(t, err)
		require.Equal(t, strings.TrimSpace(reconcile.CancelledOutput), strings.TrimSpace(run.Output))
	})

	t.Run("tasks built", func(t *testing.T) {
		builtins, err := reconcile.Builtins()
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			tasks, err := s.ListTasks(t.Context(), model.BuildFinished)
			return err == nil && len(tasks) == 1+len(builtins)
		}, 20*time.Second, 50*time.Millisecond)
		out := taskd(t, configPath, "task", "list")
		require.Contains(t, out, "echo")
		require.Contains(t, out, string(model.BuildFinished))
	})

	t.Run("trigger", func(t *testing.T) {
		taskd(t, configPath, "trigger", "temperature")
		var run model.Run
		require.Eventually(t, func() bool {
			runs, err := s.ListRuns(t.Context(), model.RunSuccess)
			if err != nil || len(runs) != 1 {
				return false
			}
			run = runs[0]
			return true
		}, 20*time.Second, 50*time.Millisecond)
		require.Equal(t, jobID, run.JobID)
		require.Contains(t, run.Output, `hello {"params":{"sigSet":"temperature"},"state":null,"es":{"host":"es.example","port":9200}`)
	})

	require.NoError(t, serve.Process.Signal(os.Interrupt))
	require.NoError(t, serve.Wait())

	runs, err := s.ListRuns(t.Context(), model.NonTerminalRunStatuses...)
	require.NoError(t, err)
	require.Empty(t, runs)
}

func taskd(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(t.Context(), taskdPath, append([]string{"--config", configPath}, args...)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	return stdout.String()
}

func mustID(t *testing.T, out string) int64 {
	t.Helper()
	id, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	require.NoError(t, err)
	return id
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
