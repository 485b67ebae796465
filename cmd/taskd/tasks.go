package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/ivis-project/taskd/internal/model"
	"github.com/ivis-project/taskd/internal/store"
	"github.com/ivis-project/taskd/internal/trigger"

	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "manage tasks, a running serve builds new tasks automatically",
}

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "manage jobs",
}

var (
	flagTaskName    string
	flagTaskSubtype string
	flagTaskFile    string

	flagJobName     string
	flagJobTask     int64
	flagJobParams   string
	flagJobSchedule string
	flagJobTriggers []string
	flagJobDisabled bool

	flagReindexed bool
)

func init() {
	f := taskAddCmd.Flags()
	f.StringVar(&flagTaskName, "name", "", "task name")
	f.StringVar(&flagTaskSubtype, "subtype", "", "dependency set: numpy, pandas or energy_plus")
	f.StringVar(&flagTaskFile, "file", "-", "file with the task code, - reads stdin")
	_ = taskAddCmd.MarkFlagRequired("name")

	f = jobAddCmd.Flags()
	f.StringVar(&flagJobName, "name", "", "job name")
	f.Int64Var(&flagJobTask, "task", 0, "id of the task the job runs")
	f.StringVar(&flagJobParams, "params", "{}", "JSON object passed to every run")
	f.StringVar(&flagJobSchedule, "schedule", "", "cron expression for periodic runs")
	f.StringArrayVar(&flagJobTriggers, "trigger", nil, "signal set which triggers the job when it changes, repeatable")
	f.BoolVar(&flagJobDisabled, "disabled", false, "create the job disabled")
	_ = jobAddCmd.MarkFlagRequired("name")
	_ = jobAddCmd.MarkFlagRequired("task")

	triggerCmd.Flags().BoolVar(&flagReindexed, "reindexed", false, "the signal set was reindexed, not appended to")
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "add a task and print its id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmdContext(cmd)
		var r io.Reader = cmd.InOrStdin()
		if flagTaskFile != "-" {
			f, err := os.Open(flagTaskFile)
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()
			r = f
		}
		code, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("reading task code: %w", err)
		}

		s, err := store.Open(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			_ = s.Close()
		}()
		id, err := s.CreateTask(ctx, flagTaskName, flagTaskSubtype, string(code))
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
		return err
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "list tasks with their build state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmdContext(cmd)
		s, err := store.Open(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			_ = s.Close()
		}()
		tasks, err := s.ListTasks(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tSUBTYPE\tSTATE\tBUILTIN")
		for _, t := range tasks {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", t.ID, t.Name, t.Subtype, t.BuildState, t.Builtin)
		}
		return w.Flush()
	},
}

var jobAddCmd = &cobra.Command{
	Use:   "add",
	Short: "add a job and print its id",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmdContext(cmd)
		if !json.Valid([]byte(flagJobParams)) {
			return errors.New("--params is not valid JSON")
		}
		s, err := store.Open(ctx, config.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			_ = s.Close()
		}()
		if _, err := s.GetTask(ctx, flagJobTask); err != nil {
			return err
		}
		id, err := s.CreateJob(ctx, model.Job{
			Name:     flagJobName,
			TaskID:   flagJobTask,
			Params:   json.RawMessage(flagJobParams),
			Schedule: flagJobSchedule,
			Enabled:  !flagJobDisabled,
			Triggers: flagJobTriggers,
		})
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), id)
		return err
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <signal-set-cid>",
	Short: "announce a changed signal set to a running serve",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.TriggerDir == "" {
			return errors.New("trigger_dir is not configured")
		}
		n := trigger.Notification{Kind: trigger.RecordsInserted, SignalSetCID: args[0]}
		if flagReindexed {
			n.Kind = trigger.SignalSetReindexed
		}
		return trigger.Drop(config.TriggerDir, n)
	},
}
