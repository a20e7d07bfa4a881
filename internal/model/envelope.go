package model

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SeriesFrame is the transport-agnostic payload delivered to the backend.
type SeriesFrame struct {
	Series []DispatchPoint `json:"series"`
}

// EncodeSeries renders a frame as the backend's JSON body.
func EncodeSeries(f SeriesFrame) ([]byte, error) {
	return json.Marshal(f)
}
