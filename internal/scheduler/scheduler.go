// Package scheduler drives components at fixed intervals with fail-fast
// supervision: one fatal worker stops every timer and worker.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type entry struct {
	worker   *Worker
	interval time.Duration
}

type Scheduler struct {
	logger  *logrus.Entry
	entries []entry
	now     func() time.Time
}

func New(logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{logger: logger.WithField("component", "scheduler"), now: time.Now}
}

// Add registers a worker triggered every interval. It must be called before
// Run.
func (s *Scheduler) Add(w *Worker, interval time.Duration) {
	s.entries = append(s.entries, entry{worker: w, interval: interval})
}

// Run blocks until ctx is cancelled, returning nil, or until a worker fails
// fatally, returning its error after every other timer and worker stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, e := range s.entries {
		if e.interval <= 0 {
			return fmt.Errorf("worker %s: interval must be > 0", e.worker.Name())
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range s.entries {
		g.Go(func() error {
			return e.worker.Run(gctx)
		})
		g.Go(func() error {
			return s.runTimer(gctx, e)
		})
	}
	err := g.Wait()
	if err != nil {
		s.logger.WithError(err).Error("scheduler stopped by fatal worker failure")
		return err
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runTimer(ctx context.Context, e entry) error {
	first := time.NewTimer(alignDelay(s.now(), e.interval))
	defer first.Stop()
	s.logger.WithFields(logrus.Fields{
		"worker":   e.worker.Name(),
		"interval": e.interval.String(),
	}).Debug("timer armed")

	select {
	case <-ctx.Done():
		return nil
	case at := <-first.C:
		e.worker.Trigger(at)
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case at := <-ticker.C:
			e.worker.Trigger(at)
		}
	}
}

// alignDelay is the wait until the next multiple of interval since the epoch.
func alignDelay(now time.Time, interval time.Duration) time.Duration {
	return interval - time.Duration(now.UnixNano()%int64(interval))
}
