package wrapper

import (
	"chouette-agent/internal/model"
)

const MinimalName = "minimal"

// Minimal sums counts and reduces every other kind to an average plus the
// number of samples it was computed from.
type Minimal struct {
	opts Options
}

func newMinimal(opts Options) (Wrapper, error) {
	return &Minimal{opts: opts}, nil
}

func (w *Minimal) Name() string { return MinimalName }

func (w *Minimal) Wrap(bucket []model.RawSample) []model.DispatchPoint {
	if len(bucket) == 0 {
		return nil
	}
	head := bucket[0]
	ts := latest(bucket)
	interval := w.opts.intervalSeconds()
	vals := values(bucket)

	if head.Kind == model.KindCount {
		p := point(head, head.Name, model.PointCount, ts, sum(vals))
		p.Interval = interval
		return []model.DispatchPoint{p}
	}

	avg := point(head, head.Name, model.PointGauge, ts, sum(vals)/float64(len(vals)))
	count := point(head, head.Name+".count", model.PointCount, ts, float64(len(vals)))
	count.Interval = interval
	return []model.DispatchPoint{avg, count}
}
