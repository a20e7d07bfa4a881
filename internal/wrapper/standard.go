package wrapper

import (
	"chouette-agent/internal/model"
)

const StandardName = "standard"

// Standard follows the Datadog agent semantics: counts are summed, gauges
// keep the last value, rates are normalised per second and histograms are
// expanded into aggregate and percentile series.
type Standard struct {
	opts Options
}

func newStandard(opts Options) (Wrapper, error) {
	if err := validateHistogramOptions(opts.Aggregates, opts.Percentiles); err != nil {
		return nil, err
	}
	return &Standard{opts: opts}, nil
}

func (w *Standard) Name() string { return StandardName }

func (w *Standard) Wrap(bucket []model.RawSample) []model.DispatchPoint {
	if len(bucket) == 0 {
		return nil
	}
	head := bucket[0]
	ts := earliest(bucket)
	interval := w.opts.intervalSeconds()

	switch head.Kind {
	case model.KindCount:
		p := point(head, head.Name, model.PointCount, ts, sum(values(bucket)))
		p.Interval = interval
		return []model.DispatchPoint{p}
	case model.KindRate:
		p := point(head, head.Name, model.PointRate, ts, sum(values(bucket))/float64(interval))
		p.Interval = interval
		return []model.DispatchPoint{p}
	case model.KindSet:
		distinct := make(map[float64]struct{}, len(bucket))
		for _, s := range bucket {
			distinct[s.Value] = struct{}{}
		}
		return []model.DispatchPoint{point(head, head.Name, model.PointGauge, ts, float64(len(distinct)))}
	case model.KindHistogram, model.KindTimer:
		return w.histogram(head, ts, interval, values(bucket))
	default:
		return []model.DispatchPoint{w.gauge(head, ts, bucket)}
	}
}

func (w *Standard) gauge(head model.RawSample, ts int64, bucket []model.RawSample) model.DispatchPoint {
	last := bucket[0]
	for _, s := range bucket[1:] {
		if s.Timestamp >= last.Timestamp {
			last = s
		}
	}
	return point(head, head.Name, model.PointGauge, ts, last.Value)
}

func (w *Standard) histogram(head model.RawSample, ts, interval int64, vals []float64) []model.DispatchPoint {
	sorted := sortedCopy(vals)
	n := len(sorted)
	out := make([]model.DispatchPoint, 0, len(w.opts.Aggregates)+len(w.opts.Percentiles))

	for _, agg := range w.opts.Aggregates {
		name := head.Name + "." + agg
		switch agg {
		case "max":
			out = append(out, point(head, name, model.PointGauge, ts, sorted[n-1]))
		case "min":
			out = append(out, point(head, name, model.PointGauge, ts, sorted[0]))
		case "sum":
			out = append(out, point(head, name, model.PointGauge, ts, sum(sorted)))
		case "avg":
			out = append(out, point(head, name, model.PointGauge, ts, sum(sorted)/float64(n)))
		case "median":
			out = append(out, point(head, name, model.PointGauge, ts, rankValue(sorted, 0.5)))
		case "count":
			p := point(head, name, model.PointCount, ts, float64(n))
			p.Interval = interval
			out = append(out, p)
		}
	}
	for _, pct := range w.opts.Percentiles {
		name := head.Name + "." + percentileSuffix(pct)
		out = append(out, point(head, name, model.PointGauge, ts, rankValue(sorted, pct)))
	}
	return out
}
