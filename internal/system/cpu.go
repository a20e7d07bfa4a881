package system

import (
	"context"
	"fmt"

	"chouette-agent/internal/model"
)

func cpuSamples(ctx context.Context, src Source) ([]model.RawSample, error) {
	pct, err := src.CPUPercent(ctx)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	return []model.RawSample{gauge("Chouette.host.cpu.percentage", pct)}, nil
}

// loadSamples reports the one minute load average.
func loadSamples(ctx context.Context, src Source) ([]model.RawSample, error) {
	avg, err := src.LoadAvg(ctx)
	if err != nil {
		return nil, fmt.Errorf("load average: %w", err)
	}
	return []model.RawSample{gauge("Chouette.host.la", avg.Load1, "period:1m")}, nil
}
