package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chouette-agent/internal/model"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/telemetry"
)

// NodeCollector asks every plugin for a snapshot in parallel and enqueues the
// merged samples into the raw category, exactly like a client library would.
type NodeCollector struct {
	plugins []Plugin
	queue   storage.Queue
	host    string
	timeout time.Duration
	logger  *logrus.Entry
	metrics *telemetry.Metrics
	now     func() time.Time
}

func NewNodeCollector(plugins []Plugin, queue storage.Queue, host string, timeout time.Duration, logger *logrus.Entry, metrics *telemetry.Metrics) *NodeCollector {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &NodeCollector{
		plugins: plugins,
		queue:   queue,
		host:    host,
		timeout: timeout,
		logger:  logger.WithField("component", "collector"),
		metrics: metrics,
		now:     time.Now,
	}
}

// Collect returns the merged snapshot of every plugin that answered in time.
func (c *NodeCollector) Collect(ctx context.Context) []model.RawSample {
	results := make([][]model.RawSample, len(c.plugins))
	var g errgroup.Group
	for i, p := range c.plugins {
		g.Go(func() error {
			samples, err := c.call(ctx, p)
			if err != nil {
				c.metrics.IncPluginFailure(p.Name())
				c.logger.WithError(err).WithField("plugin", p.Name()).Warn("plugin failed, skipping its samples")
				return nil
			}
			results[i] = samples
			return nil
		})
	}
	_ = g.Wait()

	now := c.now().Unix()
	var merged []model.RawSample
	for _, samples := range results {
		for _, s := range samples {
			if s.Timestamp == 0 {
				s.Timestamp = now
			}
			if s.Host == "" {
				s.Host = c.host
			}
			merged = append(merged, s)
		}
	}
	return merged
}

type snapshot struct {
	samples []model.RawSample
	err     error
}

// call runs one plugin under the per-plugin timeout. A plugin ignoring its
// context is abandoned when the timeout fires.
func (c *NodeCollector) call(ctx context.Context, p Plugin) ([]model.RawSample, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	done := make(chan snapshot, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- snapshot{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		samples, err := p.CollectSnapshot(ctx)
		done <- snapshot{samples: samples, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("plugin %s: %w", p.Name(), ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p.Name(), res.err)
		}
		return res.samples, nil
	}
}

// Tick collects one snapshot and enqueues it. Only a queue failure fails the
// tick.
func (c *NodeCollector) Tick(ctx context.Context) (int, error) {
	samples := c.Collect(ctx)
	if len(samples) == 0 {
		return 0, nil
	}
	payloads := make([][]byte, 0, len(samples))
	for _, s := range samples {
		b, err := model.EncodeRaw(s)
		if err != nil {
			c.logger.WithError(err).WithField("metric", s.Name).Warn("drop unencodable sample")
			continue
		}
		payloads = append(payloads, b)
	}
	if _, err := c.queue.Enqueue(ctx, storage.Raw, payloads...); err != nil {
		return 0, fmt.Errorf("enqueue %d collected samples: %w", len(payloads), err)
	}
	c.logger.WithField("samples", len(payloads)).Debug("node snapshot enqueued")
	return len(payloads), nil
}

// Run adapts Tick to the worker handler signature.
func (c *NodeCollector) Run(ctx context.Context) error {
	_, err := c.Tick(ctx)
	return err
}
