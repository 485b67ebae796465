package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/ivis-project/taskd/internal/log"
	"github.com/ivis-project/taskd/internal/model"
)

type scheduled struct {
	id       uuid.UUID
	schedule string
}

// scheduler runs jobs with a cron schedule. The set of scheduled jobs is
// kept in sync with the store by sync.
type scheduler struct {
	s   gocron.Scheduler
	run func(ctx context.Context, jobID int64)

	mx   sync.Mutex
	jobs map[int64]scheduled
}

func newScheduler(run func(ctx context.Context, jobID int64)) *scheduler {
	return &scheduler{
		run:  run,
		jobs: make(map[int64]scheduled),
	}
}

// start launches the scheduler together with a periodic call of syncFunc.
func (s *scheduler) start(ctx context.Context, every time.Duration, syncFunc func(context.Context)) error {
	gs, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = gs.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() { syncFunc(ctx) }),
		gocron.WithName("sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = gs.Shutdown()
		return fmt.Errorf("initializing gocron sync job: %w", err)
	}
	s.mx.Lock()
	s.s = gs
	s.mx.Unlock()
	gs.Start()
	return nil
}

func (s *scheduler) shutdown(ctx context.Context) {
	s.mx.Lock()
	gs := s.s
	s.mx.Unlock()
	if gs == nil {
		return
	}
	err := gs.Shutdown()
	if err != nil && !errors.Is(err, gocron.ErrStopSchedulerTimedOut) {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
}

// sync schedules new jobs, reschedules changed ones and drops jobs which
// are not in jobs anymore.
func (s *scheduler) sync(ctx context.Context, jobs []model.Job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.s == nil {
		return
	}

	seen := make(map[int64]struct{}, len(jobs))
	for _, j := range jobs {
		seen[j.ID] = struct{}{}
		cur, ok := s.jobs[j.ID]
		if ok && cur.schedule == j.Schedule {
			continue
		}
		if ok {
			s.removeLocked(ctx, j.ID)
		}
		if err := s.addLocked(ctx, j); err != nil {
			slog.WarnContext(ctx, "job not scheduled", log.JobAttr(j.ID), "schedule", j.Schedule, "error", err)
		}
	}
	for id := range s.jobs {
		if _, ok := seen[id]; !ok {
			s.removeLocked(ctx, id)
		}
	}
}

func (s *scheduler) addLocked(ctx context.Context, j model.Job) error {
	if _, err := model.ParseSchedule(j.Schedule); err != nil {
		return fmt.Errorf("parsing schedule: %w", err)
	}
	jobID := j.ID
	job, err := s.s.NewJob(
		gocron.CronJob(j.Schedule, false),
		gocron.NewTask(func() { s.run(ctx, jobID) }),
		gocron.WithName("job-"+strconv.FormatInt(jobID, 10)),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("initializing gocron job: %w", err)
	}
	s.jobs[jobID] = scheduled{id: job.ID(), schedule: j.Schedule}
	slog.DebugContext(ctx, "job scheduled", log.JobAttr(jobID), "schedule", j.Schedule)
	return nil
}

func (s *scheduler) remove(ctx context.Context, jobID int64) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.removeLocked(ctx, jobID)
}

func (s *scheduler) removeLocked(ctx context.Context, jobID int64) {
	cur, ok := s.jobs[jobID]
	if !ok {
		return
	}
	delete(s.jobs, jobID)
	if s.s == nil {
		return
	}
	if err := s.s.RemoveJob(cur.id); err != nil && !errors.Is(err, gocron.ErrJobNotFound) {
		slog.WarnContext(ctx, "removing scheduled job", log.JobAttr(jobID), "error", err)
	}
}

// scheduledJobs returns ids of the jobs currently scheduled.
func (s *scheduler) scheduledJobs() []int64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	ids := make([]int64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// syncStore provisions tasks nobody built yet and refreshes job schedules.
// Tasks and jobs added directly to the store are picked up this way.
func (c *Controller) syncStore(ctx context.Context) {
	tasks, err := c.store.ListTasks(ctx, model.BuildUninitialized)
	if err != nil {
		slog.ErrorContext(ctx, "listing uninitialized tasks", "error", err)
	}
	for _, t := range tasks {
		err := c.BuildTask(ctx, t.ID)
		if err != nil && !errors.Is(err, ErrBuildInProgress) {
			slog.ErrorContext(ctx, "initializing task", log.TaskAttr(t.ID), "error", err)
		}
	}

	jobs, err := c.store.ListScheduledJobs(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "listing scheduled jobs", "error", err)
		return
	}
	c.scheduler.sync(ctx, jobs)
}

func (c *Controller) runScheduled(ctx context.Context, jobID int64) {
	runID, err := c.RunJob(ctx, jobID)
	if err != nil {
		slog.WarnContext(ctx, "scheduled run not started", log.JobAttr(jobID), "error", err)
		return
	}
	slog.DebugContext(ctx, "scheduled run started", log.JobAttr(jobID), log.RunAttr(runID))
}
