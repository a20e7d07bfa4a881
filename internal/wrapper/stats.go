package wrapper

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"chouette-agent/internal/model"
)

var knownAggregates = map[string]struct{}{
	"max": {}, "min": {}, "sum": {}, "avg": {}, "median": {}, "count": {},
}

func validateHistogramOptions(aggregates []string, percentiles []float64) error {
	for _, agg := range aggregates {
		if _, ok := knownAggregates[agg]; !ok {
			return fmt.Errorf("unknown histogram aggregate %q", agg)
		}
	}
	for _, p := range percentiles {
		if !(p > 0 && p < 1) {
			return fmt.Errorf("histogram percentile %v out of range (0,1)", p)
		}
	}
	return nil
}

// rankValue returns the element at rank ceil(p*n) of the sorted slice,
// 1-indexed and clamped to [1, n].
func rankValue(sorted []float64, p float64) float64 {
	n := len(sorted)
	rank := int(math.Ceil(p*float64(n) - 1e-9))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func percentileSuffix(p float64) string {
	pct := math.Round(p*100*1e6) / 1e6
	return "p" + strconv.FormatFloat(pct, 'f', -1, 64)
}

func values(bucket []model.RawSample) []float64 {
	out := make([]float64, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s.Value)
	}
	return out
}

func sum(vals []float64) float64 {
	var total float64
	for _, v := range vals {
		total += v
	}
	return total
}

func sortedCopy(vals []float64) []float64 {
	out := append([]float64(nil), vals...)
	sort.Float64s(out)
	return out
}

func earliest(bucket []model.RawSample) int64 {
	ts := bucket[0].Timestamp
	for _, s := range bucket[1:] {
		if s.Timestamp < ts {
			ts = s.Timestamp
		}
	}
	return ts
}

func latest(bucket []model.RawSample) int64 {
	ts := bucket[0].Timestamp
	for _, s := range bucket[1:] {
		if s.Timestamp > ts {
			ts = s.Timestamp
		}
	}
	return ts
}

// point builds a dispatch point carrying the bucket's identity.
func point(head model.RawSample, name string, typ model.PointType, ts int64, value float64) model.DispatchPoint {
	return model.DispatchPoint{
		Name:   name,
		Type:   typ,
		Points: []model.Point{{Timestamp: ts, Value: value}},
		Tags:   model.NormalizeTags(head.Tags),
		Host:   head.Host,
	}
}
