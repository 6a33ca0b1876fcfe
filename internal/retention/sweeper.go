// Package retention prunes very old pipeline events on a schedule. The
// ledger is append-only for subscribers; only this sweeper deletes rows.
package retention

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// EventPruner deletes ledger rows older than a cutoff.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Sweeper runs the retention job on a cron schedule.
type Sweeper struct {
	pruner    EventPruner
	retention time.Duration
	cron      *cron.Cron
}

// NewSweeper builds a sweeper that keeps events younger than retention.
func NewSweeper(pruner EventPruner, retention time.Duration) *Sweeper {
	return &Sweeper{pruner: pruner, retention: retention, cron: cron.New()}
}

// Start schedules the sweep. The spec string uses standard cron syntax.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		s.sweep(ctx)
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	n, err := s.pruner.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		log.Printf("event retention sweep: %v", err)
		return
	}
	if n > 0 {
		log.Printf("event retention sweep removed %d rows older than %s", n, cutoff.Format(time.RFC3339))
	}
}
