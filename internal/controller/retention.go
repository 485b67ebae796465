package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// retention deletes old finished runs. The timer is armed again after
// every pass, so passes never overlap.
type retention struct {
	c        *Controller
	interval time.Duration

	mx      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    sync.WaitGroup
}

// startRetention runs the first sweep right away and returns a function
// which stops further sweeps and waits for a running one.
func (c *Controller) startRetention(ctx context.Context) func() {
	if c.cfg.RetentionDays <= 0 {
		slog.DebugContext(ctx, "retention disabled")
		return func() {}
	}
	r := &retention{c: c, interval: c.cfg.RetentionInterval}
	r.arm(ctx, 0)
	return r.stop
}

func (r *retention) arm(ctx context.Context, after time.Duration) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.stopped {
		return
	}
	r.done.Add(1)
	r.timer = time.AfterFunc(after, func() {
		defer r.done.Done()
		r.c.sweep(ctx)
		r.arm(ctx, r.interval)
	})
}

func (r *retention) stop() {
	r.mx.Lock()
	r.stopped = true
	if r.timer != nil && r.timer.Stop() {
		r.done.Done()
	}
	r.mx.Unlock()
	r.done.Wait()
}

// sweep deletes terminal runs which finished more than RetentionDays ago.
func (c *Controller) sweep(ctx context.Context) {
	cutoff := c.store.Now().AddDate(0, 0, -c.cfg.RetentionDays)
	n, err := c.store.DeleteFinishedRuns(ctx, cutoff)
	if err != nil {
		slog.ErrorContext(ctx, "retention sweep failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "retention sweep", "deleted", n, "cutoff", cutoff)
}
