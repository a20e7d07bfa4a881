// Package selfmetric records the agent's own pipeline metrics as raw samples
// so they travel to the backend like any client metric.
package selfmetric

import (
	"context"
	"fmt"
	"time"

	"chouette-agent/internal/model"
	"chouette-agent/internal/storage"
)

const (
	QueuedMetrics    = "chouette.queued.metrics"
	PurgedMetrics    = "chouette.purged.metrics"
	DispatchedNumber = "chouette.dispatched.metrics.number"
	DispatchedBytes  = "chouette.dispatched.metrics.bytes"

	DispatchedLogsNumber = "chouette.dispatched.logs.number"
	DispatchedLogsBytes  = "chouette.dispatched.logs.bytes"
)

type Emitter struct {
	queue   storage.Queue
	host    string
	enabled bool
	now     func() time.Time
}

// NewEmitter returns an emitter writing into the raw category. A disabled
// emitter silently discards everything.
func NewEmitter(queue storage.Queue, host string, enabled bool) *Emitter {
	return &Emitter{queue: queue, host: host, enabled: enabled, now: time.Now}
}

func (e *Emitter) Enabled() bool {
	return e != nil && e.enabled
}

func (e *Emitter) Count(ctx context.Context, name string, value float64, tags ...string) error {
	return e.emit(ctx, model.KindCount, name, value, tags)
}

func (e *Emitter) Gauge(ctx context.Context, name string, value float64, tags ...string) error {
	return e.emit(ctx, model.KindGauge, name, value, tags)
}

func (e *Emitter) emit(ctx context.Context, kind model.Kind, name string, value float64, tags []string) error {
	if !e.Enabled() {
		return nil
	}
	payload, err := model.EncodeRaw(model.RawSample{
		Name:      name,
		Kind:      kind,
		Value:     value,
		Timestamp: e.now().Unix(),
		Tags:      model.NormalizeTags(tags),
		Host:      e.host,
	})
	if err != nil {
		return fmt.Errorf("encode self metric %s: %w", name, err)
	}
	if _, err := e.queue.Enqueue(ctx, storage.Raw, payload); err != nil {
		return fmt.Errorf("emit self metric %s: %w", name, err)
	}
	return nil
}
