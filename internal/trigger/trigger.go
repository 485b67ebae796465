// Package trigger turns signal set change notifications into job triggers.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

type Kind string

const (
	RecordsInserted    Kind = "inserted"
	SignalSetReindexed Kind = "reindexed"
)

type Notification struct {
	Kind         Kind
	SignalSetCID string
}

// Source delivers notifications until ctx is done, then closes the channel.
type Source interface {
	Notifications(ctx context.Context) (<-chan Notification, error)
}

// Target is told about every changed signal set. The controller is the
// production implementation.
type Target interface {
	SignalSetChanged(ctx context.Context, signalSetCID string) error
}

// Coordinator forwards notifications of all its sources to a target.
type Coordinator struct {
	target  Target
	sources []Source
}

func NewCoordinator(target Target, sources ...Source) *Coordinator {
	return &Coordinator{target: target, sources: sources}
}

// Do forwards notifications until ctx is done. Every notification results
// in one SignalSetChanged call, a failed call is logged and forgotten.
func (c *Coordinator) Do(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		ch, err := src.Notifications(gctx)
		if err != nil {
			return fmt.Errorf("subscribing to notifications: %w", err)
		}
		g.Go(func() error {
			for n := range ch {
				slog.DebugContext(gctx, "signal set changed", "signal_set", n.SignalSetCID, "kind", n.Kind)
				if err := c.target.SignalSetChanged(gctx, n.SignalSetCID); err != nil {
					slog.ErrorContext(gctx, "triggering jobs", "signal_set", n.SignalSetCID, "error", err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
