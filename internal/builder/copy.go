package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ivis-project/taskd/internal/executor"
	"github.com/ivis-project/taskd/internal/walk"
)

// stageCopy creates the generation to as a copy of from without its entry
// file. Regular files are hard linked when possible, nothing in a published
// generation is modified in place.
func stageCopy(ctx context.Context, from, to string) error {
	if err := os.Mkdir(to, 0o755); err != nil {
		return err
	}
	for entry, err := range walk.Tree(ctx, os.DirFS(from)) {
		if err != nil {
			return fmt.Errorf("walking %s: %w", from, err)
		}
		if entry.Path == executor.EntryFile {
			continue
		}
		src := filepath.Join(from, filepath.FromSlash(entry.Path))
		dst := filepath.Join(to, filepath.FromSlash(entry.Path))
		switch {
		case entry.IsDir():
			err = os.Mkdir(dst, entry.Mode.Perm())
		case entry.IsSymlink():
			var target string
			target, err = os.Readlink(src)
			if err == nil {
				err = os.Symlink(target, dst)
			}
		default:
			if err = os.Link(src, dst); err != nil {
				err = copyFile(src, dst, entry.Mode.Perm())
			}
		}
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
