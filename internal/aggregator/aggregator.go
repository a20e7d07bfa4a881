// Package aggregator folds raw samples into dispatch-ready points.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"chouette-agent/internal/model"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/telemetry"
	"chouette-agent/internal/wrapper"
)

type Config struct {
	Interval time.Duration
	BulkSize int
	TTL      time.Duration
}

type Aggregator struct {
	cfg     Config
	queue   storage.Queue
	wrapper wrapper.Wrapper
	log     *logrus.Entry
	metrics *telemetry.Metrics
	now     func() time.Time
}

func New(cfg Config, queue storage.Queue, w wrapper.Wrapper, log *logrus.Entry, metrics *telemetry.Metrics) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.BulkSize <= 0 {
		cfg.BulkSize = 10000
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Aggregator{
		cfg:     cfg,
		queue:   queue,
		wrapper: w,
		log:     log.WithField("component", "aggregator"),
		metrics: metrics,
		now:     time.Now,
	}
}

type bucketKey struct {
	name   string
	kind   model.Kind
	tags   string
	host   string
	window int64
}

type bucket struct {
	key     bucketKey
	ids     []string
	samples []model.RawSample
}

// Result summarises one tick.
type Result struct {
	Purged   int64
	Consumed int
	Garbage  int
	Pending  int
	Points   int
}

// Tick consumes every elapsed bucket currently in the raw queue. Raw records
// are deleted only after their points were enqueued.
func (a *Aggregator) Tick(ctx context.Context) (Result, error) {
	var res Result
	now := a.now()

	if a.cfg.TTL > 0 {
		purged, err := a.queue.Purge(ctx, storage.Raw, now.Add(-a.cfg.TTL))
		if err != nil {
			return res, fmt.Errorf("purge raw: %w", err)
		}
		res.Purged = purged
		a.metrics.AddPurged(string(storage.Raw), purged)
		if purged > 0 {
			a.log.WithField("purged", purged).Warn("dropped raw records older than ttl")
		}
	}

	records, err := a.queue.PeekBatch(ctx, storage.Raw, a.cfg.BulkSize)
	if err != nil {
		return res, fmt.Errorf("peek raw: %w", err)
	}
	if len(records) == 0 {
		return res, nil
	}

	buckets, garbage := a.group(records)
	res.Garbage = len(garbage)
	consumed := append([]string(nil), garbage...)
	cut, holdCut := cutWindow(buckets, len(records) >= a.cfg.BulkSize)

	payloads := make([][]byte, 0, len(buckets))
	for _, b := range buckets {
		if now.Unix() < (b.key.window+1)*a.intervalSeconds() || (holdCut && b.key.window == cut) {
			res.Pending += len(b.ids)
			continue
		}
		for _, p := range a.wrapper.Wrap(b.samples) {
			raw, err := model.EncodeDispatch(p)
			if err != nil {
				a.log.WithError(err).WithField("metric", p.Name).Error("drop unencodable point")
				continue
			}
			payloads = append(payloads, raw)
		}
		consumed = append(consumed, b.ids...)
	}

	if len(payloads) > 0 {
		if _, err := a.queue.Enqueue(ctx, storage.DispatchReady, payloads...); err != nil {
			return res, fmt.Errorf("enqueue %d points: %w", len(payloads), err)
		}
	}
	res.Points = len(payloads)

	if err := a.queue.Delete(ctx, storage.Raw, consumed...); err != nil {
		a.log.WithError(err).WithField("records", len(consumed)).
			Warn("points enqueued but raw records not deleted, they will be aggregated again")
		return res, fmt.Errorf("delete %d raw records: %w", len(consumed), err)
	}
	res.Consumed = len(consumed) - len(garbage)
	a.metrics.AddAggregated(res.Consumed, res.Points)

	if res.Garbage > 0 {
		a.log.WithField("records", res.Garbage).Warn("discarded undecodable raw records")
	}
	a.log.WithFields(logrus.Fields{
		"consumed": res.Consumed,
		"points":   res.Points,
		"pending":  res.Pending,
	}).Debug("aggregation tick done")
	return res, nil
}

// Run adapts Tick to the worker handler signature.
func (a *Aggregator) Run(ctx context.Context) error {
	_, err := a.Tick(ctx)
	return err
}

func (a *Aggregator) group(records []storage.Record) ([]*bucket, []string) {
	var (
		ordered []*bucket
		garbage []string
		index   = make(map[bucketKey]*bucket)
		step    = a.intervalSeconds()
	)
	for _, rec := range records {
		s, err := model.DecodeRaw(rec.Payload)
		if err != nil {
			garbage = append(garbage, rec.ID)
			continue
		}
		key := bucketKey{
			name:   s.Name,
			kind:   s.Kind,
			tags:   strings.Join(s.Tags, "\x00"),
			host:   s.Host,
			window: floorDiv(s.Timestamp, step),
		}
		b, ok := index[key]
		if !ok {
			b = &bucket{key: key}
			index[key] = b
			ordered = append(ordered, b)
		}
		b.ids = append(b.ids, rec.ID)
		b.samples = append(b.samples, s)
	}
	return ordered, garbage
}

// cutWindow reports the newest window of a full batch, whose buckets may
// continue past the batch limit. It is held back only when older windows are
// present, so a single-window backlog still drains.
func cutWindow(buckets []*bucket, full bool) (int64, bool) {
	if !full || len(buckets) == 0 {
		return 0, false
	}
	newest := buckets[0].key.window
	mixed := false
	for _, b := range buckets[1:] {
		if b.key.window != newest {
			mixed = true
		}
		if b.key.window > newest {
			newest = b.key.window
		}
	}
	return newest, mixed
}

func (a *Aggregator) intervalSeconds() int64 {
	s := int64(a.cfg.Interval / time.Second)
	if s <= 0 {
		return 1
	}
	return s
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
