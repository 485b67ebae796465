package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// DirSource watches a drop directory. A file named <cid>.inserted or
// <cid>.reindexed is a notification about signal set cid, the file is
// removed once the notification was delivered. Other files are ignored,
// writers should create the file under another name and rename it.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (d *DirSource) Notifications(ctx context.Context) (<-chan Notification, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(d.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", d.dir, err)
	}

	ch := make(chan Notification)
	go func() {
		defer close(ch)
		defer func() {
			_ = watcher.Close()
		}()

		// files dropped before the watch started
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			slog.ErrorContext(ctx, "reading trigger dir", "dir", d.dir, "error", err)
		}
		for _, e := range entries {
			if !d.deliver(ctx, ch, e.Name()) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !d.deliver(ctx, ch, filepath.Base(ev.Name)) {
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.WarnContext(ctx, "watching trigger dir", "dir", d.dir, "error", err)
			}
		}
	}()
	return ch, nil
}

// deliver sends the notification encoded in name. It returns false once
// ctx is done.
func (d *DirSource) deliver(ctx context.Context, ch chan<- Notification, name string) bool {
	n, ok := ParseName(name)
	if !ok {
		return true
	}
	// whoever removes the file delivers it, this drops the duplicate
	// events of one file
	err := os.Remove(filepath.Join(d.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	if err != nil {
		slog.WarnContext(ctx, "removing trigger file", "name", name, "error", err)
		return true
	}
	select {
	case ch <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// ParseName decodes a drop file name.
func ParseName(name string) (Notification, bool) {
	if strings.HasPrefix(name, ".") {
		return Notification{}, false
	}
	for _, kind := range []Kind{RecordsInserted, SignalSetReindexed} {
		cid, found := strings.CutSuffix(name, "."+string(kind))
		if found && cid != "" {
			return Notification{Kind: kind, SignalSetCID: cid}, true
		}
	}
	return Notification{}, false
}

// Drop writes a notification file into dir for a DirSource to pick up.
// The file appears under its final name at once.
func Drop(dir string, n Notification) error {
	name := n.SignalSetCID + "." + string(n.Kind)
	if _, ok := ParseName(name); !ok || strings.ContainsRune(n.SignalSetCID, filepath.Separator) {
		return fmt.Errorf("invalid notification %s for signal set %q", n.Kind, n.SignalSetCID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".drop-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("dropping %s: %w", name, err)
	}
	return nil
}
