// Package libvirt reports per-domain statistics of a local hypervisor.
package libvirt

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"

	"chouette-agent/internal/collector"
	"chouette-agent/internal/model"
)

const PluginName = "libvirt"

const (
	fieldState          = "state.state"
	fieldCPUTime        = "cpu.time"
	fieldBalloonCurrent = "balloon.current"
	fieldBalloonMaximum = "balloon.maximum"
	fieldVCPUCurrent    = "vcpu.current"
	suffixRdBytes       = ".rd.bytes"
	suffixWrBytes       = ".wr.bytes"
	suffixRxBytes       = ".rx.bytes"
	suffixTxBytes       = ".tx.bytes"
)

// StatsClient is the part of the libvirt RPC client the plugin uses.
type StatsClient interface {
	ConnectListAllDomains(NeedResults int32, Flags golibvirt.ConnectListAllDomainsFlags) ([]golibvirt.Domain, uint32, error)
	ConnectGetAllDomainStats(Doms []golibvirt.Domain, Stats uint32, Flags golibvirt.ConnectGetAllDomainStatsFlags) ([]golibvirt.DomainStatsRecord, error)
}

type Connector interface {
	Stats(ctx context.Context) (StatsClient, error)
	Invalidate()
}

type cpuSample struct {
	cpuNs uint64
	at    time.Time
}

// DomainPlugin turns libvirt bulk domain stats into samples tagged with the
// domain name.
type DomainPlugin struct {
	conn  Connector
	cores float64
	now   func() time.Time

	mu   sync.Mutex
	prev map[string]cpuSample
}

func NewDomainPlugin(conn Connector) *DomainPlugin {
	return &DomainPlugin{
		conn:  conn,
		cores: float64(runtime.NumCPU()),
		now:   time.Now,
		prev:  map[string]cpuSample{},
	}
}

func Factory(d collector.Deps) (collector.Plugin, error) {
	return NewDomainPlugin(NewConnManager(d.Config.LibvirtURI, 5*time.Second, time.Second, d.Logger)), nil
}

func (p *DomainPlugin) Name() string { return PluginName }

// Close releases the hypervisor connection when the connector owns one.
func (p *DomainPlugin) Close() error {
	if c, ok := p.conn.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (p *DomainPlugin) CollectSnapshot(ctx context.Context) ([]model.RawSample, error) {
	client, err := p.conn.Stats(ctx)
	if err != nil {
		return nil, err
	}

	doms, _, err := client.ConnectListAllDomains(0, 0)
	if err != nil {
		p.conn.Invalidate()
		return nil, fmt.Errorf("ConnectListAllDomains: %w", err)
	}
	if len(doms) == 0 {
		return nil, nil
	}

	statsMask := uint32(golibvirt.DomainStatsCPUTotal | golibvirt.DomainStatsBalloon | golibvirt.DomainStatsInterface | golibvirt.DomainStatsBlock | golibvirt.DomainStatsState | golibvirt.DomainStatsVCPU)
	records, err := client.ConnectGetAllDomainStats(doms, statsMask, 0)
	if err != nil {
		p.conn.Invalidate()
		return nil, fmt.Errorf("ConnectGetAllDomainStats: %w", err)
	}

	now := p.now()
	out := make([]model.RawSample, 0, len(records)*8)
	for _, rec := range records {
		fields := map[string]uint64{}
		for _, param := range rec.Params {
			fields[param.Field] = asUint64(param.Value.I)
		}
		tags := []string{
			"domain:" + rec.Dom.Name,
			"state:" + domainStateString(fields[fieldState]),
		}
		diskRead, diskWrite := sumBySuffix(fields, suffixRdBytes, suffixWrBytes)
		netRx, netTx := sumBySuffix(fields, suffixRxBytes, suffixTxBytes)

		out = append(out,
			gauge("Chouette.libvirt.domain.cpu.percentage", p.cpuPercent(uuidToString(rec.Dom.UUID), fields[fieldCPUTime], now), tags),
			gauge("Chouette.libvirt.domain.vcpus", float64(fields[fieldVCPUCurrent]), tags),
			gauge("Chouette.libvirt.domain.memory.used", float64(fields[fieldBalloonCurrent]*1024), tags),
			gauge("Chouette.libvirt.domain.memory.total", float64(fields[fieldBalloonMaximum]*1024), tags),
			gauge("Chouette.libvirt.domain.disk.read.bytes", float64(diskRead), tags),
			gauge("Chouette.libvirt.domain.disk.write.bytes", float64(diskWrite), tags),
			gauge("Chouette.libvirt.domain.network.rx.bytes", float64(netRx), tags),
			gauge("Chouette.libvirt.domain.network.tx.bytes", float64(netTx), tags),
		)
	}
	return out, nil
}

// cpuPercent is the share of host CPU the domain used since the previous
// snapshot. The first snapshot of a domain reports 0.
func (p *DomainPlugin) cpuPercent(id string, cpuNs uint64, at time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.prev[id]
	p.prev[id] = cpuSample{cpuNs: cpuNs, at: at}
	if !ok || cpuNs <= prev.cpuNs {
		return 0
	}
	dt := at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return 0
	}
	usage := (float64(cpuNs-prev.cpuNs) / float64(time.Second) / dt) * (100.0 / p.cores)
	if usage > 100 {
		return 100
	}
	return usage
}

func gauge(name string, value float64, tags []string) model.RawSample {
	return model.RawSample{Name: name, Kind: model.KindGauge, Value: value, Tags: append([]string(nil), tags...)}
}

func sumBySuffix(fields map[string]uint64, readSuffix, writeSuffix string) (uint64, uint64) {
	var read, write uint64
	for k, v := range fields {
		switch {
		case strings.HasSuffix(k, readSuffix):
			read += v
		case strings.HasSuffix(k, writeSuffix):
			write += v
		}
	}
	return read, write
}

func asUint64(v any) uint64 {
	switch t := v.(type) {
	case uint64:
		return t
	case uint32:
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int32:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	default:
		return 0
	}
}

func uuidToString(u golibvirt.UUID) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func domainStateString(v uint64) string {
	switch v {
	case 0:
		return "nostate"
	case 1:
		return "running"
	case 2:
		return "blocked"
	case 3:
		return "paused"
	case 4:
		return "shutdown"
	case 5:
		return "shutoff"
	case 6:
		return "crashed"
	case 7:
		return "pmsuspended"
	default:
		return "unknown"
	}
}
