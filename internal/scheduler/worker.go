package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chouette-agent/internal/telemetry"
)

// Handler processes one trigger. Returning an error wrapped with Fatal stops
// the whole scheduler; any other error only fails this tick.
type Handler func(ctx context.Context) error

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as unrecoverable for the component that returned it.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Worker runs one component's ticks strictly one after another. Triggers that
// arrive while a tick is running are queued, never dropped.
type Worker struct {
	name        string
	handle      Handler
	maxFailures int
	logger      *logrus.Entry
	metrics     *telemetry.Metrics

	mu       sync.Mutex
	mailbox  []time.Time
	notify   chan struct{}
	failures int
}

// NewWorker builds a worker. maxFailures > 0 turns more than that many
// consecutive failed ticks into a fatal error.
func NewWorker(name string, h Handler, maxFailures int, logger *logrus.Entry, metrics *telemetry.Metrics) *Worker {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Worker{
		name:        name,
		handle:      h,
		maxFailures: maxFailures,
		logger:      logger.WithField("worker", name),
		metrics:     metrics,
		notify:      make(chan struct{}, 1),
	}
}

func (w *Worker) Name() string { return w.name }

// Trigger queues one tick.
func (w *Worker) Trigger(at time.Time) {
	w.mu.Lock()
	w.mailbox = append(w.mailbox, at)
	w.mu.Unlock()
	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// Pending reports queued triggers not yet started.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.mailbox)
}

func (w *Worker) next() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.mailbox) == 0 {
		return time.Time{}, false
	}
	at := w.mailbox[0]
	w.mailbox[0] = time.Time{}
	w.mailbox = w.mailbox[1:]
	return at, true
}

// Run processes the mailbox until ctx is done or a tick fails fatally.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.notify:
		}
		for {
			if ctx.Err() != nil {
				return nil
			}
			at, ok := w.next()
			if !ok {
				break
			}
			if err := w.tick(ctx, at); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context, at time.Time) error {
	started := time.Now()
	err := w.safeHandle(ctx)
	took := time.Since(started)
	w.metrics.ObserveTick(w.name, took, err)

	if err == nil {
		w.failures = 0
		return nil
	}
	if IsFatal(err) {
		w.logger.WithError(err).Error("worker failed fatally")
		return fmt.Errorf("worker %s: %w", w.name, err)
	}
	if ctx.Err() != nil {
		return nil
	}
	w.failures++
	w.logger.WithError(err).WithFields(logrus.Fields{
		"consecutive_failures": w.failures,
		"lag":                  started.Sub(at).String(),
	}).Error("tick failed")
	if w.maxFailures > 0 && w.failures > w.maxFailures {
		return fmt.Errorf("worker %s: %w", w.name, Fatal(fmt.Errorf("%d consecutive failed ticks, last: %w", w.failures, err)))
	}
	return nil
}

func (w *Worker) safeHandle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("stack", string(debug.Stack())).Error("tick panicked")
			err = Fatal(fmt.Errorf("panic: %v", r))
		}
	}()
	return w.handle(ctx)
}
