// Package executortest builds fake task environments for tests. The
// interpreter is a shell wrapper, so job.py holds shell code.
package executortest

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/ivis-project/taskd/internal/executor"

	"github.com/stretchr/testify/require"
)

// Shell returns the path of sh or skips the test.
func Shell(t testing.TB) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

// WriteEnv creates a task environment in dir running script.
func WriteEnv(t testing.TB, dir, script string) {
	t.Helper()
	sh := Shell(t)
	bin := filepath.Join(dir, filepath.Dir(executor.Interpreter))
	require.NoError(t, os.MkdirAll(bin, 0o755))
	wrapper := "#!" + sh + "\nexec " + sh + " \"$@\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, executor.Interpreter), []byte(wrapper), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, executor.EntryFile), []byte(script), 0o644))
}

const fakePython = `
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
	mkdir -p "$3/bin" || exit 1
	cp "$0" "$3/bin/python" || exit 1
	echo "created virtual environment $3"
	exit 0
fi
if [ "$1" = "-m" ] && [ "$2" = "pip" ]; then
	shift 3
	echo "installing $*"
	for p in "$@"; do
		if [ "$p" = "broken" ]; then
			echo "ERROR: No matching distribution found for broken" >&2
			exit 1
		fi
	done
	echo "$*" > "$(dirname "$0")/../installed"
	exit 0
fi
`

// FakePython writes an interpreter into dir and returns its path. It
// understands "-m venv" and "-m pip install", installing a package named
// broken fails. The virtual environments it creates run job.py with sh.
func FakePython(t testing.TB, dir string) string {
	t.Helper()
	sh := Shell(t)
	path := filepath.Join(dir, "python3")
	script := "#!" + sh + "\n" + fakePython + "exec " + sh + " \"$@\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// Drain collects all events of x and returns them with the outcome.
func Drain(x *executor.Execution) ([]executor.Event, executor.Outcome) {
	var events []executor.Event
	for e := range x.Events() {
		events = append(events, e)
	}
	return events, x.Wait()
}

// Output joins the text of all output events.
func Output(events []executor.Event) string {
	var out string
	for _, e := range events {
		if e.Kind == executor.EventOutput {
			out += e.Text
		}
	}
	return out
}
