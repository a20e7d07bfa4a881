package system

import (
	"context"
	"errors"
	"testing"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chouette-agent/internal/collector"
	"chouette-agent/internal/config"
	"chouette-agent/internal/model"
)

type fakeSource struct {
	cpuErr error
}

func (f fakeSource) CPUPercent(context.Context) (float64, error) { return 12.5, f.cpuErr }
func (fakeSource) LoadAvg(context.Context) (*load.AvgStat, error) {
	return &load.AvgStat{Load1: 0.7, Load5: 0.5, Load15: 0.2}, nil
}
func (fakeSource) Partitions(context.Context) ([]disk.PartitionStat, error) {
	return []disk.PartitionStat{
		{Device: "/dev/sda1", Mountpoint: "/"},
		{Device: "/dev/sda1", Mountpoint: "/var/lib/docker"},
		{Device: "/dev/sdb1", Mountpoint: "/data"},
		{Device: "/dev/gone", Mountpoint: "/gone"},
	}, nil
}
func (fakeSource) Usage(_ context.Context, mp string) (*disk.UsageStat, error) {
	if mp == "/gone" {
		return nil, errors.New("no such mount")
	}
	return &disk.UsageStat{Used: 100, Free: 900}, nil
}
func (fakeSource) VirtualMemory(context.Context) (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{Used: 2048, Available: 4096}, nil
}
func (fakeSource) NetIOCounters(context.Context) ([]net.IOCountersStat, error) {
	return []net.IOCountersStat{
		{Name: "lo", BytesSent: 1, BytesRecv: 1},
		{Name: "eth0", BytesSent: 10, BytesRecv: 20},
	}, nil
}

func index(samples []model.RawSample) map[string][]model.RawSample {
	out := map[string][]model.RawSample{}
	for _, s := range samples {
		out[s.Name] = append(out[s.Name], s)
	}
	return out
}

func TestHostPlugin_AllGroups(t *testing.T) {
	p, err := NewHostPlugin(fakeSource{}, []string{"cpu", "fs", "la", "ram", "network"})
	require.NoError(t, err)

	samples, err := p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	got := index(samples)

	assert.Equal(t, 12.5, got["Chouette.host.cpu.percentage"][0].Value)
	assert.Equal(t, 0.7, got["Chouette.host.la"][0].Value)
	assert.Equal(t, []string{"period:1m"}, got["Chouette.host.la"][0].Tags)
	assert.Len(t, got["Chouette.host.fs.used"], 2)
	assert.Equal(t, 2048.0, got["Chouette.host.memory.used"][0].Value)
	assert.Equal(t, 4096.0, got["Chouette.host.memory.available"][0].Value)
	require.Len(t, got["Chouette.host.network.bytes.recv"], 1)
	assert.Equal(t, []string{"iface:eth0"}, got["Chouette.host.network.bytes.recv"][0].Tags)
	for _, s := range samples {
		assert.Equal(t, model.KindGauge, s.Kind)
	}
}

func TestHostPlugin_PartialFailure(t *testing.T) {
	p, err := NewHostPlugin(fakeSource{cpuErr: errors.New("no /proc")}, []string{"cpu", "ram"})
	require.NoError(t, err)
	samples, err := p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	p, err = NewHostPlugin(fakeSource{cpuErr: errors.New("no /proc")}, []string{"cpu"})
	require.NoError(t, err)
	_, err = p.CollectSnapshot(context.Background())
	assert.ErrorContains(t, err, "no /proc")
}

func TestHostPlugin_UnknownGroup(t *testing.T) {
	_, err := NewHostPlugin(fakeSource{}, []string{"cpu", "gpu"})
	assert.ErrorContains(t, err, "gpu")
}

func TestFactory_UsesConfiguredGroups(t *testing.T) {
	p, err := Factory(collector.Deps{Config: config.Config{HostCollectorMetrics: []string{"ram"}}})
	require.NoError(t, err)
	assert.Equal(t, PluginName, p.Name())
	assert.Equal(t, []string{"ram"}, p.(*HostPlugin).groups)
}
