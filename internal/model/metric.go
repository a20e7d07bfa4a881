package model

import "strings"

// Kind is the raw metric kind written by client libraries.
type Kind string

const (
	KindCount     Kind = "count"
	KindGauge     Kind = "gauge"
	KindRate      Kind = "rate"
	KindSet       Kind = "set"
	KindHistogram Kind = "histogram"
	KindTimer     Kind = "timer"
)

// ParseKind normalizes a wire kind. Unknown kinds are kept as-is so that
// wrappers can apply their own fallback.
func ParseKind(raw string) Kind {
	return Kind(strings.ToLower(strings.TrimSpace(raw)))
}

// PointType is the backend metric type of a dispatch point.
type PointType string

const (
	PointCount PointType = "count"
	PointGauge PointType = "gauge"
	PointRate  PointType = "rate"
)
