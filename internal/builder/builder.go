// Package builder provisions the on-disk environment of a task: the entry
// file and a python virtual environment with the task's dependencies.
//
// The environment directory is a symlink to a generation directory
//
//	<tasks>/<id> -> .gen/<id>-<uuid>
//	<tasks>/.gen/<id>-<uuid>/job.py
//	<tasks>/.gen/<id>-<uuid>/.venv/bin/python
//
// A build always works on a fresh generation and publishes it by renaming a
// new symlink over the old one, so a failed or interrupted build never
// leaves a half provisioned environment behind.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ivis-project/taskd/internal/executor"
	"github.com/ivis-project/taskd/internal/model"

	"github.com/google/uuid"
)

const GenerationsDir = ".gen"

type Config struct {
	// Python creates the virtual environments.
	Python string
	// PipIndex replaces the default package index when set.
	PipIndex string
	// SupportPackage is installed into every environment, a package name,
	// a path or an URL pip understands.
	SupportPackage string
}

type Request struct {
	TaskID    int64
	Subtype   string
	Code      string
	Dir       string
	Reinstall bool
}

type Result struct {
	Dir        string
	Generation string
	// Reinstalled is true when the virtual environment was created from
	// scratch, either on request or because there was none to reuse.
	Reinstalled bool
	// Output is the combined output of the provisioning commands.
	Output string
}

// BuildError is returned for every failed build.
type BuildError struct {
	Step   string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build step %s: %v", e.Step, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

type Builder struct {
	cfg   Config
	mx    sync.Mutex
	locks map[string]*dirLock
}

// dirLock serializes builds of one environment. It is dropped from
// Builder.locks once nobody holds or waits for it.
type dirLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config) *Builder {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &Builder{cfg: cfg, locks: make(map[string]*dirLock)}
}

func (b *Builder) lock(dir string) func() {
	b.mx.Lock()
	l, ok := b.locks[dir]
	if !ok {
		l = &dirLock{}
		b.locks[dir] = l
	}
	l.refs++
	b.mx.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		b.mx.Lock()
		defer b.mx.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(b.locks, dir)
		}
	}
}

// Build provisions the environment of a task in req.Dir. With Reinstall
// the virtual environment is created and the dependencies installed,
// otherwise the current environment is reused and only the entry file is
// replaced. A rebuild without a current environment does the full install.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	unlock := b.lock(req.Dir)
	defer unlock()

	genRoot := filepath.Join(filepath.Dir(req.Dir), GenerationsDir)
	if err := os.MkdirAll(genRoot, 0o755); err != nil {
		return Result{}, &BuildError{Step: "stage", Err: err}
	}

	current, err := currentGeneration(req.Dir)
	if err != nil {
		// not a generation link, publish replaces it
		slog.WarnContext(ctx, "task environment is not a generation link", "dir", req.Dir, "error", err)
		current = ""
	}
	reinstall := req.Reinstall || current == "" || !usable(current)

	staging := filepath.Join(genRoot, fmt.Sprintf("%d-%s", req.TaskID, uuid.NewString()))
	published := false
	defer func() {
		if !published {
			if err := os.RemoveAll(staging); err != nil {
				slog.WarnContext(ctx, "removing staging generation", "path", staging, "error", err)
			}
		}
	}()

	res := Result{Dir: req.Dir, Generation: staging, Reinstalled: reinstall}
	if reinstall {
		res.Output, err = b.provision(ctx, staging, req)
	} else {
		err = stageCopy(ctx, current, staging)
		if err != nil {
			err = &BuildError{Step: "stage", Err: err}
		}
	}
	if err != nil {
		return Result{}, err
	}

	if err := os.WriteFile(filepath.Join(staging, executor.EntryFile), []byte(req.Code), 0o644); err != nil {
		return Result{}, &BuildError{Step: "stage", Err: err}
	}

	if err := publish(req.Dir, staging); err != nil {
		return Result{}, &BuildError{Step: "publish", Err: err}
	}
	published = true

	// runs started from the previous generation may still use it, Prune
	// removes it once nothing can
	slog.InfoContext(ctx, "task environment published",
		"dir", req.Dir,
		"generation", filepath.Base(staging),
		"reinstalled", reinstall,
	)
	return res, nil
}

func (b *Builder) provision(ctx context.Context, staging string, req Request) (string, error) {
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", &BuildError{Step: "stage", Err: err}
	}

	var output strings.Builder
	out, err := b.run(ctx, "venv", staging, b.cfg.Python, "-m", "venv", ".venv")
	output.WriteString(out)
	if err != nil {
		return "", err
	}

	args := []string{"-m", "pip", "install", "--disable-pip-version-check", "--no-input"}
	if b.cfg.PipIndex != "" {
		args = append(args, "--index-url", b.cfg.PipIndex)
	}
	args = append(args, model.Dependencies(req.Subtype)...)
	if b.cfg.SupportPackage != "" {
		args = append(args, b.cfg.SupportPackage)
	}
	out, err = b.run(ctx, "install", staging, filepath.Join(staging, executor.Interpreter), args...)
	output.WriteString(out)
	if err != nil {
		return "", err
	}
	return output.String(), nil
}

func (b *Builder) run(ctx context.Context, step, dir, path string, args ...string) (string, error) {
	slog.DebugContext(ctx, "running build step", "step", step, "path", path, "args", args)
	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), &BuildError{Step: step, Output: buf.String(), Err: err}
	}
	return buf.String(), nil
}

// Remove deletes the environment in dir. Missing environments are not an
// error.
func (b *Builder) Remove(dir string) error {
	unlock := b.lock(dir)
	defer unlock()

	current, err := currentGeneration(dir)
	if err != nil {
		// not a symlink, remove whatever is there
		return os.RemoveAll(dir)
	}
	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if current != "" {
		return os.RemoveAll(current)
	}
	return nil
}

// Prune deletes the generations in tasksDir no environment points to:
// leftovers of interrupted builds and generations replaced by a rebuild.
// It must not run concurrently with Build or with a run.
func Prune(tasksDir string) ([]string, error) {
	genRoot := filepath.Join(tasksDir, GenerationsDir)
	gens, err := os.ReadDir(genRoot)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool)
	entries, err := os.ReadDir(tasksDir)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		gen, err := currentGeneration(filepath.Join(tasksDir, e.Name()))
		if err == nil && gen != "" {
			live[filepath.Base(gen)] = true
		}
	}

	var pruned []string
	var errs []error
	for _, g := range gens {
		if live[g.Name()] {
			continue
		}
		path := filepath.Join(genRoot, g.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned = append(pruned, path)
	}
	return pruned, errors.Join(errs...)
}

// currentGeneration returns the generation dir points to, or "" when dir
// does not exist. A dir which is not a symlink is an error.
func currentGeneration(dir string) (string, error) {
	target, err := os.Readlink(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "", nil
	case err != nil:
		return "", err
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(dir), target)
	}
	return target, nil
}

func usable(gen string) bool {
	info, err := os.Stat(filepath.Join(gen, executor.Interpreter))
	return err == nil && !info.IsDir()
}

func publish(dir, gen string) error {
	rel, err := filepath.Rel(filepath.Dir(dir), gen)
	if err != nil {
		return err
	}
	if info, err := os.Lstat(dir); err == nil && info.Mode()&fs.ModeSymlink == 0 {
		// a plain directory can't be replaced atomically
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	tmp := dir + ".tmp-" + uuid.NewString()
	if err := os.Symlink(rel, tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
