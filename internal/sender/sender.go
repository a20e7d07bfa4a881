// Package sender delivers queued batches to the backend: dispatch-ready
// points to the series API and client logs to the logs intake.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chouette-agent/internal/selfmetric"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/stream"
	"chouette-agent/internal/telemetry"
)

type Config struct {
	// Category defaults to storage.DispatchReady.
	Category   storage.Category
	BulkSize   int
	TTL        time.Duration
	GlobalTags []string
	Host       string
	// SendTimeout bounds one delivery attempt. Zero leaves it to the
	// backend client.
	SendTimeout time.Duration
	// Format defaults to a SeriesFormat built from GlobalTags and Host.
	Format Format
	// SelfMetrics names the self metrics this sender emits. An empty name
	// is not emitted; the zero value means the series names.
	SelfMetrics SelfMetricNames
}

type SelfMetricNames struct {
	Queued, Purged, Number, Bytes string
}

// LogsConfig is the sender setup for the client logs category.
func LogsConfig(bulkSize int, ttl time.Duration, globalTags []string, host string) Config {
	return Config{
		Category:   storage.Logs,
		BulkSize:   bulkSize,
		TTL:        ttl,
		GlobalTags: globalTags,
		Host:       host,
		Format:     LogsFormat{GlobalTags: globalTags, Host: host},
		SelfMetrics: SelfMetricNames{
			Number: selfmetric.DispatchedLogsNumber,
			Bytes:  selfmetric.DispatchedLogsBytes,
		},
	}
}

type Sender struct {
	cfg     Config
	queue   storage.Queue
	backend stream.Backend
	self    *selfmetric.Emitter
	log     *logrus.Entry
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(cfg Config, queue storage.Queue, backend stream.Backend, self *selfmetric.Emitter, log *logrus.Entry, metrics *telemetry.Metrics) *Sender {
	if cfg.Category == "" {
		cfg.Category = storage.DispatchReady
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = 10000
	}
	if cfg.Format == nil {
		cfg.Format = SeriesFormat{GlobalTags: cfg.GlobalTags, Host: cfg.Host}
	}
	if cfg.SelfMetrics == (SelfMetricNames{}) {
		cfg.SelfMetrics = SelfMetricNames{
			Queued: selfmetric.QueuedMetrics,
			Purged: selfmetric.PurgedMetrics,
			Number: selfmetric.DispatchedNumber,
			Bytes:  selfmetric.DispatchedBytes,
		}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sender{
		cfg:     cfg,
		queue:   queue,
		backend: backend,
		self:    self,
		log:     log.WithFields(logrus.Fields{"component": "sender", "category": string(cfg.Category)}),
		metrics: metrics,
		now:     time.Now,
	}
}

// Result summarises one tick.
type Result struct {
	Purged  int64
	Queued  int64
	Garbage int
	// Points counts delivered records: series points or log entries.
	Points int
	Bytes  int
}

// Tick purges expired records and delivers at most one batch. The batch is
// deleted only after the backend confirmed it; on any failure it is left for
// the next tick.
func (s *Sender) Tick(ctx context.Context) (Result, error) {
	var (
		res      Result
		category = s.cfg.Category
	)

	if s.cfg.TTL > 0 {
		purged, err := s.queue.Purge(ctx, category, s.now().Add(-s.cfg.TTL))
		if err != nil {
			return res, fmt.Errorf("purge %s: %w", category, err)
		}
		res.Purged = purged
		if purged > 0 {
			s.metrics.AddPurged(string(category), purged)
			s.log.WithField("purged", purged).Warn("dropped records older than ttl")
			s.emit(ctx, s.self.Count, s.cfg.SelfMetrics.Purged, float64(purged))
		}
	}

	queued, err := s.queue.Count(ctx, category)
	if err != nil {
		return res, fmt.Errorf("count %s: %w", category, err)
	}
	res.Queued = queued
	s.metrics.SetQueueDepth(string(category), queued)
	s.emit(ctx, s.self.Gauge, s.cfg.SelfMetrics.Queued, float64(queued))

	records, err := s.queue.PeekBatch(ctx, category, s.cfg.BulkSize)
	if err != nil {
		return res, fmt.Errorf("peek %s: %w", category, err)
	}
	if len(records) == 0 {
		return res, nil
	}

	payload, ids, garbage, err := s.cfg.Format.Build(records)
	if err != nil {
		return res, err
	}
	if len(garbage) > 0 {
		if err := s.queue.Delete(ctx, category, garbage...); err != nil {
			return res, fmt.Errorf("delete %d undecodable records: %w", len(garbage), err)
		}
		res.Garbage = len(garbage)
		s.log.WithField("records", len(garbage)).Warn("discarded undecodable records")
	}
	if len(ids) == 0 {
		return res, nil
	}

	sendCtx := ctx
	if s.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, s.cfg.SendTimeout)
		defer cancel()
	}
	if err := s.backend.Send(sendCtx, payload); err != nil {
		s.log.WithError(err).WithField("points", len(ids)).Warn("delivery failed, batch kept for retry")
		return res, fmt.Errorf("deliver %d points via %s: %w", len(ids), s.backend.Name(), err)
	}

	if err := s.queue.Delete(ctx, category, ids...); err != nil {
		s.log.WithError(err).WithField("points", len(ids)).
			Warn("batch delivered but not deleted, it will be sent again")
		return res, fmt.Errorf("delete %d delivered records: %w", len(ids), err)
	}
	res.Points = len(ids)
	res.Bytes = len(payload.Body)
	s.metrics.AddDispatched(string(category), res.Points, res.Bytes)
	s.emit(ctx, s.self.Count, s.cfg.SelfMetrics.Number, float64(res.Points))
	s.emit(ctx, s.self.Count, s.cfg.SelfMetrics.Bytes, float64(res.Bytes))

	s.log.WithFields(logrus.Fields{
		"points": res.Points,
		"bytes":  res.Bytes,
		"queued": res.Queued,
	}).Info("batch delivered")
	return res, nil
}

// Run adapts Tick to the worker handler signature.
func (s *Sender) Run(ctx context.Context) error {
	_, err := s.Tick(ctx)
	return err
}

func (s *Sender) emit(ctx context.Context, fn func(context.Context, string, float64, ...string) error, name string, value float64) {
	if name == "" {
		return
	}
	if err := fn(ctx, name, value); err != nil {
		s.log.WithError(err).WithField("metric", name).Warn("self metric not recorded")
	}
}
