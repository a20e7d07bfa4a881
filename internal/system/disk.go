package system

import (
	"context"
	"fmt"

	"chouette-agent/internal/model"
)

// filesystemSamples reports usage once per device; the same device mounted at
// several places (bind mounts, containers) is counted once.
func filesystemSamples(ctx context.Context, src Source) ([]model.RawSample, error) {
	parts, err := src.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("disk partitions: %w", err)
	}
	seen := make(map[string]struct{}, len(parts))
	var out []model.RawSample
	for _, p := range parts {
		if _, ok := seen[p.Device]; ok {
			continue
		}
		usage, err := src.Usage(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		seen[p.Device] = struct{}{}
		tag := "device:" + p.Device
		out = append(out,
			gauge("Chouette.host.fs.used", float64(usage.Used), tag),
			gauge("Chouette.host.fs.free", float64(usage.Free), tag),
		)
	}
	return out, nil
}
