package walk_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/ivis-project/taskd/internal/walk"

	"github.com/stretchr/testify/require"
)

func TestTree(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".venv", "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "job.py"), []byte("print(1)"), 0o644))
	require.NoError(t, os.Symlink("/usr/bin/python3", filepath.Join(root, ".venv", "bin", "python")))

	var paths []string
	modes := map[string]bool{}
	for entry, err := range walk.Tree(t.Context(), os.DirFS(root)) {
		require.NoError(t, err)
		paths = append(paths, entry.Path)
		modes[entry.Path] = entry.IsSymlink()
	}
	require.Equal(t, []string{".venv", ".venv/bin", ".venv/bin/python", "job.py"}, paths)
	require.True(t, modes[".venv/bin/python"])
	require.False(t, modes["job.py"])
}

func TestTreeStops(t *testing.T) {
	t.Parallel()
	root := fstest.MapFS{
		"a/1": {Data: []byte("1")},
		"a/2": {Data: []byte("2")},
		"b/3": {Data: []byte("3")},
	}

	t.Run("break", func(t *testing.T) {
		n := 0
		for range walk.Tree(t.Context(), root) {
			n++
			if n == 2 {
				break
			}
		}
		require.Equal(t, 2, n)
	})
	t.Run("canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		n := 0
		for range walk.Tree(ctx, root) {
			n++
		}
		require.Zero(t, n)
	})
	t.Run("missing root", func(t *testing.T) {
		var errs int
		for _, err := range walk.Tree(t.Context(), os.DirFS(filepath.Join(t.TempDir(), "nope"))) {
			require.Error(t, err)
			errs++
		}
		require.Equal(t, 1, errs)
	})
}
