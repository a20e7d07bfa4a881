package model

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Point is a single (timestamp, value) pair. On the backend wire it is a
// two-element array.
type Point struct {
	Timestamp int64   `msgpack:"t"`
	Value     float64 `msgpack:"v"`
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{float64(p.Timestamp), p.Value})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode point: %w", err)
	}
	p.Timestamp = int64(pair[0])
	p.Value = pair[1]
	return nil
}

// DispatchPoint is one backend-ready aggregated metric.
type DispatchPoint struct {
	Name     string    `json:"metric" msgpack:"metric"`
	Type     PointType `json:"type" msgpack:"type"`
	Points   []Point   `json:"points" msgpack:"points"`
	Tags     []string  `json:"tags" msgpack:"tags"`
	Host     string    `json:"host,omitempty" msgpack:"host,omitempty"`
	Interval int64     `json:"interval,omitempty" msgpack:"interval,omitempty"`
}

// EncodeDispatch serializes a point for the dispatch-ready queue.
func EncodeDispatch(p DispatchPoint) ([]byte, error) {
	b, err := msgpack.Marshal(&p)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch point %q: %w", p.Name, err)
	}
	return b, nil
}

func DecodeDispatch(data []byte) (DispatchPoint, error) {
	var p DispatchPoint
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return DispatchPoint{}, fmt.Errorf("decode dispatch point: %w", err)
	}
	if p.Name == "" || len(p.Points) == 0 {
		return DispatchPoint{}, fmt.Errorf("decode dispatch point: empty metric")
	}
	return p, nil
}
