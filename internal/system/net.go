package system

import (
	"context"
	"fmt"

	"chouette-agent/internal/model"
)

func networkSamples(ctx context.Context, src Source) ([]model.RawSample, error) {
	counters, err := src.NetIOCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("net io counters: %w", err)
	}
	var out []model.RawSample
	for _, c := range counters {
		if c.Name == "lo" {
			continue
		}
		tag := "iface:" + c.Name
		out = append(out,
			gauge("Chouette.host.network.bytes.sent", float64(c.BytesSent), tag),
			gauge("Chouette.host.network.bytes.recv", float64(c.BytesRecv), tag),
		)
	}
	return out, nil
}
