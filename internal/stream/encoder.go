package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"

	"chouette-agent/internal/model"
)

var (
	// ErrRejected marks a batch the backend answered with a non-success
	// status. The batch stays queued.
	ErrRejected = errors.New("backend rejected batch")
	// ErrCircuitOpen is returned without contacting the backend while the
	// breaker is open.
	ErrCircuitOpen = errors.New("backend circuit open")
)

// Backend delivers one batch. A nil error means the backend confirmed the
// whole batch.
type Backend interface {
	Name() string
	Send(ctx context.Context, p Payload) error
	Close(ctx context.Context) error
}

// Payload is one batch ready for delivery: the frame itself plus its
// deflated JSON body. Log batches carry no frame; PointCount is then the
// number of entries.
type Payload struct {
	Frame      model.SeriesFrame
	Body       []byte
	RawSize    int
	PointCount int
}

// Encode serializes a frame as {"series": [...]} and deflates it with zlib.
func Encode(frame model.SeriesFrame) (Payload, error) {
	raw, err := model.EncodeSeries(frame)
	if err != nil {
		return Payload{}, fmt.Errorf("encode series: %w", err)
	}
	body, err := deflate(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("deflate series: %w", err)
	}
	return Payload{
		Frame:      frame,
		Body:       body,
		RawSize:    len(raw),
		PointCount: len(frame.Series),
	}, nil
}

// EncodeLogs serializes log entries as a JSON array and deflates it.
func EncodeLogs(entries []model.LogEntry) (Payload, error) {
	raw, err := json.Marshal(entries)
	if err != nil {
		return Payload{}, fmt.Errorf("encode logs: %w", err)
	}
	body, err := deflate(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("deflate logs: %w", err)
	}
	return Payload{Body: body, RawSize: len(raw), PointCount: len(entries)}, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Inflate reverses the body compression.
func Inflate(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return out, nil
}
