package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/ivis-project/taskd/internal/builder"
	"github.com/ivis-project/taskd/internal/controller"
	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/reconcile"
	"github.com/ivis-project/taskd/internal/store"
	"github.com/ivis-project/taskd/internal/trigger"
	"github.com/ivis-project/taskd/internal/worker"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve reconciles the database, starts the worker and runs jobs",
	RunE:  doServe,
}

var workerCmd = &cobra.Command{
	Use:    "_worker",
	Short:  "internal command",
	RunE:   doWorker,
	Hidden: true,
}

func cmdContext(cmd *cobra.Command) context.Context {
	attrs := slog.Group("taskd",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	)
	return log.ContextAttrs(cmd.Context(), attrs)
}

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmdContext(cmd), unix.SIGINT, unix.SIGTERM)
	defer stop()

	s, err := store.Open(ctx, config.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = s.Close()
	}()

	if err := os.MkdirAll(config.TasksDir, 0o755); err != nil {
		return fmt.Errorf("creating tasks dir: %w", err)
	}
	pruned, err := builder.Prune(config.TasksDir)
	if err != nil {
		slog.WarnContext(ctx, "pruning unpublished environments", "error", err)
	}
	if len(pruned) > 0 {
		slog.InfoContext(ctx, "pruned unpublished environments", "paths", pruned)
	}

	builtins, err := reconcile.Builtins()
	if err != nil {
		return fmt.Errorf("loading builtin tasks: %w", err)
	}
	report, err := reconcile.Reconcile(ctx, s, builtins)
	if err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}
	slog.InfoContext(ctx, "reconciled", "report", report)

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating worker binary: %w", err)
	}
	args := []string{"--config", configPath, "--db", config.Database}
	if config.Verbose {
		args = append(args, "--verbose")
	}
	ctrl, err := controller.New(controller.Config{
		TasksDir:      config.TasksDir,
		RetentionDays: config.RetentionDays,
		Worker: controller.Command{
			Path: exe,
			Args: append(args, workerCmd.Name()),
			Env:  os.Environ(),
		},
	}, s)
	if err != nil {
		return err
	}

	var sources []trigger.Source
	if config.TriggerDir != "" {
		sources = append(sources, trigger.NewDirSource(config.TriggerDir))
	}

	g, ctx := errgroup.WithContext(ctx)
	events := ctrl.Subscribe(ctx)
	g.Go(func() error {
		return ctrl.Do(ctx)
	})
	g.Go(func() error {
		for e := range events {
			slog.DebugContext(ctx, "worker event", "name", e.Name, "data", e.Data)
		}
		return nil
	})
	if len(sources) > 0 {
		g.Go(func() error {
			return trigger.NewCoordinator(ctrl, sources...).Do(ctx)
		})
	}
	return g.Wait()
}

func doWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmdContext(cmd)

	// the controller stops the worker by closing stdin, a terminal ^C
	// must not kill it before the runs are interrupted
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for sig := range sigs {
			slog.DebugContext(ctx, "ignoring signal", "signal", sig)
		}
	}()

	s, err := store.Open(ctx, config.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		_ = s.Close()
	}()

	w := worker.New(worker.Config{
		Builder: builder.New(builder.Config{
			Python:         config.Python,
			PipIndex:       config.PipIndex,
			SupportPackage: config.SupportPackage,
		}),
		Matcher:       s,
		States:        s,
		Elasticsearch: config.Elasticsearch,
	})
	return w.Do(ctx, os.Stdin, os.Stdout)
}
