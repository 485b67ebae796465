// Package walk iterates over directory trees.
package walk

import (
	"context"
	"io/fs"
	"iter"
)

// Entry is a directory, regular file or symlink found by Tree.
type Entry struct {
	// Path is slash separated and relative to the walked root.
	Path string
	Mode fs.FileMode
}

func (e Entry) IsDir() bool {
	return e.Mode.IsDir()
}

func (e Entry) IsSymlink() bool {
	return e.Mode&fs.ModeSymlink != 0
}

// Tree recursively walks root and yields every entry below it, parents
// before their children. The root itself is not yielded. Symlinks are
// yielded, never followed. Other file types like sockets or devices are
// skipped. An error does not stop the walk, it is yielded with the path it
// happened on. Canceled context ends the walk.
func Tree(ctx context.Context, root fs.FS) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if path == "." && err == nil {
				return nil
			}
			entry := Entry{Path: path}
			if err == nil {
				var info fs.FileInfo
				info, err = d.Info()
				if err == nil {
					entry.Mode = info.Mode()
					if !entry.IsDir() && !entry.IsSymlink() && !entry.Mode.IsRegular() {
						return nil
					}
				}
			}
			if !yield(entry, err) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}
