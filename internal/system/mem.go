package system

import (
	"context"
	"fmt"

	"chouette-agent/internal/model"
)

func memorySamples(ctx context.Context, src Source) ([]model.RawSample, error) {
	vm, err := src.VirtualMemory(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	return []model.RawSample{
		gauge("Chouette.host.memory.used", float64(vm.Used)),
		gauge("Chouette.host.memory.available", float64(vm.Available)),
	}, nil
}
