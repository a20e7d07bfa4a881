package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerBackend stops hammering an unreachable backend. While open, Send
// fails fast with ErrCircuitOpen and the batch stays queued.
type BreakerBackend struct {
	next Backend
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerBackend(next Backend, failures int, openFor time.Duration, logger *logrus.Entry) *BreakerBackend {
	if failures <= 0 {
		failures = 5
	}
	if openFor <= 0 {
		openFor = time.Minute
	}
	log := logger.WithField("breaker", next.Name())
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Warn("backend breaker state changed")
		},
	})
	return &BreakerBackend{next: next, cb: cb}
}

func (b *BreakerBackend) Name() string { return b.next.Name() }

func (b *BreakerBackend) Send(ctx context.Context, p Payload) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.next.Send(ctx, p)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (b *BreakerBackend) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerBackend) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}
