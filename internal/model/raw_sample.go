package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

var ErrInvalidSample = errors.New("invalid raw sample")

// RawSample is one unaggregated observation.
type RawSample struct {
	Name      string
	Kind      Kind
	Value     float64
	Timestamp int64
	Tags      []string
	Host      string
}

// Tags accepts both the list form ["k:v"] and the object form {"k": "v"}
// used by older client libraries.
type Tags []string

func (t *Tags) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*t = nil
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decode tag object: %w", err)
		}
		out := make([]string, 0, len(m))
		for k, v := range m {
			out = append(out, fmt.Sprintf("%s:%v", k, v))
		}
		*t = out
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("decode tag list: %w", err)
	}
	*t = list
	return nil
}

type rawWire struct {
	Metric    string  `json:"metric"`
	Type      string  `json:"type"`
	Value     float64 `json:"value"`
	Timestamp float64 `json:"timestamp"`
	Tags      Tags    `json:"tags,omitempty"`
	Host      string  `json:"host,omitempty"`
}

// EncodeRaw serializes a sample in the raw wire format shared with the client
// libraries.
func EncodeRaw(s RawSample) ([]byte, error) {
	return json.Marshal(rawWire{
		Metric:    s.Name,
		Type:      string(s.Kind),
		Value:     s.Value,
		Timestamp: float64(s.Timestamp),
		Tags:      Tags(s.Tags),
		Host:      s.Host,
	})
}

func DecodeRaw(data []byte) (RawSample, error) {
	var w rawWire
	if err := json.Unmarshal(data, &w); err != nil {
		return RawSample{}, fmt.Errorf("%w: %v", ErrInvalidSample, err)
	}
	if strings.TrimSpace(w.Metric) == "" {
		return RawSample{}, fmt.Errorf("%w: empty metric name", ErrInvalidSample)
	}
	if math.IsNaN(w.Value) || math.IsInf(w.Value, 0) {
		return RawSample{}, fmt.Errorf("%w: non-finite value", ErrInvalidSample)
	}
	return RawSample{
		Name:      w.Metric,
		Kind:      ParseKind(w.Type),
		Value:     w.Value,
		Timestamp: int64(w.Timestamp),
		Tags:      NormalizeTags(w.Tags),
		Host:      w.Host,
	}, nil
}

// NormalizeTags returns a sorted copy without duplicates or empty entries.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
