package agent

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chouette-agent/internal/storage"
)

func (a *Agent) run(ctx context.Context) error {
	if err := a.queue.Ping(ctx); err != nil {
		a.logger.WithError(err).Warn("initial redis ping failed, ticks will retry")
		a.health.SetRedisConnected(false)
	} else {
		a.health.SetRedisConnected(true)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runProbeListener(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *Agent) runHealthLoop(ctx context.Context) error {
	interval := a.cfg.HealthInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			a.checkHealth(ctx)
		}
	}
}

func (a *Agent) checkHealth(ctx context.Context) {
	if err := a.queue.Ping(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		if a.health.redisConnected.Load() {
			a.logger.WithError(err).Warn("redis health check failed")
		}
		a.health.SetRedisConnected(false)
		return
	}
	if !a.health.redisConnected.Load() {
		a.logger.Info("redis connection recovered")
	}
	a.health.SetRedisConnected(true)

	for _, c := range []storage.Category{storage.Raw, storage.DispatchReady, storage.Logs} {
		n, err := a.queue.Count(ctx, c)
		if err != nil {
			continue
		}
		a.metrics.SetQueueDepth(string(c), n)
	}
	a.logger.WithField("snapshot", a.health.Snapshot()).Debug("agent health")
}

func (a *Agent) shutdown(ctx context.Context) {
	if err := a.backend.Close(ctx); err != nil {
		a.logger.WithError(err).Warn("metrics backend close failed")
	}
	a.health.SetBackendConnected(false)
	if a.logsBackend != nil {
		if err := a.logsBackend.Close(ctx); err != nil {
			a.logger.WithError(err).Warn("logs backend close failed")
		}
	}
	for _, p := range a.plugins {
		if err := closePlugin(p); err != nil {
			a.logger.WithError(err).WithField("plugin", p.Name()).Warn("collector plugin close failed")
		}
	}
	if err := a.redis.Close(); err != nil {
		a.logger.WithError(err).Warn("redis close failed")
	}
	a.health.SetRedisConnected(false)
	a.logger.WithFields(logrus.Fields{"snapshot": a.health.Snapshot()}).Debug("agent shut down")
}
