// Package system reports host statistics through gopsutil.
package system

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"chouette-agent/internal/collector"
	"chouette-agent/internal/model"
)

const PluginName = "host"

type reader func(ctx context.Context, src Source) ([]model.RawSample, error)

var readers = map[string]reader{
	"cpu":     cpuSamples,
	"fs":      filesystemSamples,
	"la":      loadSamples,
	"ram":     memorySamples,
	"network": networkSamples,
}

// HostPlugin collects the selected groups of host metrics. A failing group is
// skipped; the snapshot fails only when every group failed.
type HostPlugin struct {
	src    Source
	groups []string
}

func NewHostPlugin(src Source, groups []string) (*HostPlugin, error) {
	if src == nil {
		src = gopsutilSource{}
	}
	if len(groups) == 0 {
		groups = []string{"cpu", "fs", "la", "ram"}
	}
	selected := make([]string, 0, len(groups))
	for _, g := range groups {
		g = strings.ToLower(strings.TrimSpace(g))
		if _, ok := readers[g]; !ok {
			return nil, fmt.Errorf("unknown host metric group %q (available: %s)", g, strings.Join(groupNames(), ", "))
		}
		selected = append(selected, g)
	}
	return &HostPlugin{src: src, groups: selected}, nil
}

func Factory(d collector.Deps) (collector.Plugin, error) {
	return NewHostPlugin(nil, d.Config.HostCollectorMetrics)
}

func (p *HostPlugin) Name() string { return PluginName }

func (p *HostPlugin) CollectSnapshot(ctx context.Context) ([]model.RawSample, error) {
	var (
		out  []model.RawSample
		errs []error
	)
	for _, g := range p.groups {
		samples, err := readers[g](ctx, p.src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, samples...)
	}
	if len(errs) == len(p.groups) {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func gauge(name string, value float64, tags ...string) model.RawSample {
	return model.RawSample{Name: name, Kind: model.KindGauge, Value: value, Tags: tags}
}

func groupNames() []string {
	out := make([]string, 0, len(readers))
	for k := range readers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
