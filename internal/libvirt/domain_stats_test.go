package libvirt

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chouette-agent/internal/collector"
	"chouette-agent/internal/config"
	"chouette-agent/internal/model"
)

type fakeClient struct {
	domains []golibvirt.Domain
	records []golibvirt.DomainStatsRecord
	listErr error
}

func (f *fakeClient) ConnectListAllDomains(int32, golibvirt.ConnectListAllDomainsFlags) ([]golibvirt.Domain, uint32, error) {
	return f.domains, uint32(len(f.domains)), f.listErr
}

func (f *fakeClient) ConnectGetAllDomainStats([]golibvirt.Domain, uint32, golibvirt.ConnectGetAllDomainStatsFlags) ([]golibvirt.DomainStatsRecord, error) {
	return f.records, nil
}

type fakeConnector struct {
	client      StatsClient
	err         error
	invalidated int
}

func (f *fakeConnector) Stats(context.Context) (StatsClient, error) { return f.client, f.err }
func (f *fakeConnector) Invalidate()                                { f.invalidated++ }

func param(field string, v any) golibvirt.TypedParam {
	return golibvirt.TypedParam{Field: field, Value: golibvirt.TypedParamValue{I: v}}
}

func record(name string, cpuNs uint64) golibvirt.DomainStatsRecord {
	dom := golibvirt.Domain{Name: name, UUID: golibvirt.UUID{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 1, 2, 3, 4, 5, 6, 7, 8}}
	return golibvirt.DomainStatsRecord{
		Dom: dom,
		Params: []golibvirt.TypedParam{
			param("state.state", int32(1)),
			param("cpu.time", cpuNs),
			param("balloon.current", uint64(1024)),
			param("balloon.maximum", uint64(2048)),
			param("vcpu.current", uint32(2)),
			param("block.0.rd.bytes", uint64(100)),
			param("block.1.rd.bytes", uint64(50)),
			param("block.0.wr.bytes", uint64(10)),
			param("net.0.rx.bytes", uint64(7)),
			param("net.0.tx.bytes", uint64(3)),
		},
	}
}

func byName(samples []model.RawSample) map[string]model.RawSample {
	out := map[string]model.RawSample{}
	for _, s := range samples {
		out[s.Name] = s
	}
	return out
}

func TestDomainPlugin_MapsStats(t *testing.T) {
	client := &fakeClient{
		domains: []golibvirt.Domain{{Name: "web"}},
		records: []golibvirt.DomainStatsRecord{record("web", 1_000_000_000)},
	}
	p := NewDomainPlugin(&fakeConnector{client: client})
	p.cores = 2
	start := time.Unix(1_700_000_000, 0)
	p.now = func() time.Time { return start }

	samples, err := p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	got := byName(samples)
	require.Len(t, got, 8)

	assert.Equal(t, []string{"domain:web", "state:running"}, got["Chouette.libvirt.domain.vcpus"].Tags)
	assert.Equal(t, 2.0, got["Chouette.libvirt.domain.vcpus"].Value)
	assert.Equal(t, 1024.0*1024, got["Chouette.libvirt.domain.memory.used"].Value)
	assert.Equal(t, 2048.0*1024, got["Chouette.libvirt.domain.memory.total"].Value)
	assert.Equal(t, 150.0, got["Chouette.libvirt.domain.disk.read.bytes"].Value)
	assert.Equal(t, 10.0, got["Chouette.libvirt.domain.disk.write.bytes"].Value)
	assert.Equal(t, 7.0, got["Chouette.libvirt.domain.network.rx.bytes"].Value)
	assert.Equal(t, 3.0, got["Chouette.libvirt.domain.network.tx.bytes"].Value)
	assert.Zero(t, got["Chouette.libvirt.domain.cpu.percentage"].Value)

	client.records = []golibvirt.DomainStatsRecord{record("web", 2_000_000_000)}
	p.now = func() time.Time { return start.Add(time.Second) }
	samples, err = p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 50.0, byName(samples)["Chouette.libvirt.domain.cpu.percentage"].Value, 1e-9)
}

func TestDomainPlugin_NoDomains(t *testing.T) {
	p := NewDomainPlugin(&fakeConnector{client: &fakeClient{}})
	samples, err := p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestDomainPlugin_RPCFailureInvalidates(t *testing.T) {
	conn := &fakeConnector{client: &fakeClient{listErr: errors.New("connection reset")}}
	p := NewDomainPlugin(conn)
	_, err := p.CollectSnapshot(context.Background())
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, 1, conn.invalidated)
}

func TestDomainPlugin_ConnectFailure(t *testing.T) {
	p := NewDomainPlugin(&fakeConnector{err: errors.New("no socket")})
	_, err := p.CollectSnapshot(context.Background())
	assert.ErrorContains(t, err, "no socket")
}

func TestParseURI(t *testing.T) {
	uri, err := parseURI("")
	require.NoError(t, err)
	assert.Equal(t, "qemu", uri.Scheme)

	uri, err = parseURI("qemu+tcp://hv-1/system")
	require.NoError(t, err)
	assert.Equal(t, "hv-1", uri.Host)

	uri, err = parseURI("hv-1")
	require.NoError(t, err)
	assert.Equal(t, string(golibvirt.QEMUSystem), uri.String())
}

type fakeSession struct {
	fakeClient
	disconnects int
}

func (f *fakeSession) Disconnect() error {
	f.disconnects++
	return nil
}

func TestConnManager_BacksOffAfterFailedDial(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewConnManager("qemu:///system", 10*time.Second, 0, logrus.NewEntry(logger))
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }

	sess := &fakeSession{}
	dials := 0
	var dialErr error = errors.New("no such file")
	m.dial = func(*url.URL) (session, error) {
		dials++
		if dialErr != nil {
			return nil, dialErr
		}
		return sess, nil
	}

	_, err := m.Stats(context.Background())
	assert.ErrorContains(t, err, "no such file")
	_, err = m.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, dials)

	now = now.Add(10 * time.Second)
	dialErr = nil
	c, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Same(t, sess, c)
	_, err = m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dials)

	m.Invalidate()
	assert.Equal(t, 1, sess.disconnects)
	_, err = m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, dials)
	assert.NoError(t, m.Close())
	assert.Equal(t, 2, sess.disconnects)
	assert.NoError(t, m.Close())
}

func TestDomainPlugin_CloseReleasesConnection(t *testing.T) {
	logger, _ := test.NewNullLogger()
	m := NewConnManager("", 0, 0, logrus.NewEntry(logger))
	sess := &fakeSession{}
	m.dial = func(*url.URL) (session, error) { return sess, nil }
	p := NewDomainPlugin(m)
	_, err := p.CollectSnapshot(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.Equal(t, 1, sess.disconnects)
}

func TestFactory(t *testing.T) {
	logger, _ := test.NewNullLogger()
	p, err := Factory(collector.Deps{Config: config.Config{LibvirtURI: "qemu:///system"}, Logger: logrus.NewEntry(logger)})
	require.NoError(t, err)
	assert.Equal(t, PluginName, p.Name())
}

func TestUUIDToString(t *testing.T) {
	u := golibvirt.UUID{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 1, 2, 3, 4, 5, 6, 7, 8}
	assert.Equal(t, "12345678-9abc-def0-0102-030405060708", uuidToString(u))
}
