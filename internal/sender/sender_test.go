package sender

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chouette-agent/internal/model"
	"chouette-agent/internal/selfmetric"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/stream"
)

type recordingBackend struct {
	mu     sync.Mutex
	err    error
	frames []model.SeriesFrame
	bodies [][]byte
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) Send(_ context.Context, p stream.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, p.Frame)
	b.bodies = append(b.bodies, p.Body)
	return b.err
}

func (b *recordingBackend) Close(context.Context) error { return nil }

func (b *recordingBackend) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = err
}

type fixture struct {
	queue *storage.RedisQueue
	ctx   context.Context
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return fixture{queue: storage.NewRedisQueue(rdb, "test"), ctx: context.Background()}
}

func (f fixture) newSender(cfg Config, backend stream.Backend, selfMetrics bool) *Sender {
	logger, _ := test.NewNullLogger()
	self := selfmetric.NewEmitter(f.queue, "edge-1", selfMetrics)
	return New(cfg, f.queue, backend, self, logrus.NewEntry(logger), nil)
}

func (f fixture) enqueuePoints(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		b, err := model.EncodeDispatch(model.DispatchPoint{
			Name:   name,
			Type:   model.PointGauge,
			Points: []model.Point{{Timestamp: 1_700_000_000, Value: 1}},
			Tags:   []string{"env:prod"},
		})
		require.NoError(t, err)
		_, err = f.queue.Enqueue(f.ctx, storage.DispatchReady, b)
		require.NoError(t, err)
	}
}

func (f fixture) count(t *testing.T, c storage.Category) int64 {
	t.Helper()
	n, err := f.queue.Count(f.ctx, c)
	require.NoError(t, err)
	return n
}

func TestTick_DeliversAndDeletes(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(Config{BulkSize: 100, GlobalTags: []string{"region:eu"}, Host: "edge-1"}, backend, false)
	f.enqueuePoints(t, "a", "b")

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Points)
	assert.Equal(t, int64(2), res.Queued)
	assert.Positive(t, res.Bytes)
	assert.Zero(t, f.count(t, storage.DispatchReady))

	require.Len(t, backend.frames, 1)
	for _, p := range backend.frames[0].Series {
		assert.Equal(t, []string{"env:prod", "region:eu"}, p.Tags)
		assert.Equal(t, "edge-1", p.Host)
	}

	res, err = s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Points)
	assert.Len(t, backend.frames, 1)
}

func TestTick_FailureKeepsBatch(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{err: errors.New("connection reset")}
	s := f.newSender(Config{BulkSize: 100}, backend, false)
	f.enqueuePoints(t, "a", "b", "c")

	_, err := s.Tick(f.ctx)
	require.Error(t, err)
	assert.Equal(t, int64(3), f.count(t, storage.DispatchReady))

	_, err = s.Tick(f.ctx)
	require.Error(t, err)
	require.Len(t, backend.frames, 2)
	assert.Equal(t, backend.frames[0], backend.frames[1])

	backend.fail(nil)
	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Points)
	assert.Zero(t, f.count(t, storage.DispatchReady))
}

func TestTick_BulkSizeCapsBatch(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(Config{BulkSize: 2}, backend, false)
	f.enqueuePoints(t, "a", "b", "c")

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Points)
	assert.Len(t, backend.frames[0].Series, 2)
	assert.Equal(t, int64(1), f.count(t, storage.DispatchReady))
}

func TestTick_DeletesGarbage(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(Config{BulkSize: 100}, backend, false)
	_, err := f.queue.Enqueue(f.ctx, storage.DispatchReady, []byte("\xc1garbage"))
	require.NoError(t, err)

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Garbage)
	assert.Empty(t, backend.frames)
	assert.Zero(t, f.count(t, storage.DispatchReady))
}

func TestTick_PurgesExpiredAndEmitsSelfMetrics(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(Config{BulkSize: 100, TTL: time.Hour}, backend, true)
	f.enqueuePoints(t, "old")
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Purged)
	assert.Empty(t, backend.frames)

	names := rawNames(t, f)
	assert.Contains(t, names, selfmetric.PurgedMetrics)
	assert.Contains(t, names, selfmetric.QueuedMetrics)
}

func TestTick_DispatchSelfMetrics(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(Config{BulkSize: 100}, backend, true)
	f.enqueuePoints(t, "a")

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)

	got := map[string]float64{}
	recs, err := f.queue.PeekBatch(f.ctx, storage.Raw, 100)
	require.NoError(t, err)
	for _, r := range recs {
		sample, err := model.DecodeRaw(r.Payload)
		require.NoError(t, err)
		got[sample.Name] = sample.Value
	}
	assert.Equal(t, 1.0, got[selfmetric.DispatchedNumber])
	assert.Equal(t, float64(res.Bytes), got[selfmetric.DispatchedBytes])
	assert.Equal(t, 1.0, got[selfmetric.QueuedMetrics])
	assert.NotContains(t, got, selfmetric.PurgedMetrics)
}

func TestTick_SelfMetricsDisabled(t *testing.T) {
	f := newFixture(t)
	s := f.newSender(Config{BulkSize: 100}, &recordingBackend{}, false)
	f.enqueuePoints(t, "a")

	_, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, f.count(t, storage.Raw))
}

func TestTick_OverHTTPBackend(t *testing.T) {
	f := newFixture(t)
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		body, _ := io.ReadAll(r.Body)
		if _, err := stream.Inflate(body); err != nil || r.URL.Query().Get("api_key") != "k" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if hits == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	backend := stream.NewHTTPClient(srv.URL, "k", time.Second, nil, logrus.NewEntry(logger))
	s := f.newSender(Config{BulkSize: 100, SendTimeout: time.Second}, backend, false)
	f.enqueuePoints(t, "a")

	_, err := s.Tick(f.ctx)
	assert.ErrorIs(t, err, stream.ErrRejected)
	assert.Equal(t, int64(1), f.count(t, storage.DispatchReady))

	_, err = s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, f.count(t, storage.DispatchReady))
}

func rawNames(t *testing.T, f fixture) []string {
	t.Helper()
	recs, err := f.queue.PeekBatch(f.ctx, storage.Raw, 100)
	require.NoError(t, err)
	var out []string
	for _, r := range recs {
		s, err := model.DecodeRaw(r.Payload)
		require.NoError(t, err)
		out = append(out, s.Name)
	}
	return out
}

func TestLogsTick_EnrichesAndDelivers(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(LogsConfig(500, time.Hour, []string{"env:prod", "site:a"}, "edge-1"), backend, true)
	for _, entry := range []string{
		`{"message":"boot","ddtags":["svc:api"],"host":"client"}`,
		`{"message":"ready"}`,
		`not json`,
	} {
		_, err := f.queue.Enqueue(f.ctx, storage.Logs, []byte(entry))
		require.NoError(t, err)
	}

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Points)
	assert.Equal(t, 1, res.Garbage)
	assert.Zero(t, f.count(t, storage.Logs))

	require.Len(t, backend.bodies, 1)
	raw, err := stream.Inflate(backend.bodies[0])
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"message":"boot","ddtags":"svc:api,env:prod,site:a","host":"edge-1"},
		{"message":"ready","ddtags":"env:prod,site:a","host":"edge-1"}
	]`, string(raw))

	names := rawNames(t, f)
	assert.Contains(t, names, selfmetric.DispatchedLogsNumber)
	assert.Contains(t, names, selfmetric.DispatchedLogsBytes)
	assert.NotContains(t, names, selfmetric.QueuedMetrics)
	assert.NotContains(t, names, selfmetric.DispatchedNumber)
}

func TestLogsTick_LeavesMetricsAlone(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(LogsConfig(500, time.Hour, nil, ""), backend, false)
	f.enqueuePoints(t, "a")

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Points)
	assert.Empty(t, backend.bodies)
	assert.Equal(t, int64(1), f.count(t, storage.DispatchReady))
}

func TestLogsTick_PurgesOlderThanTTL(t *testing.T) {
	f := newFixture(t)
	backend := &recordingBackend{}
	s := f.newSender(LogsConfig(500, 18*time.Hour, nil, ""), backend, false)
	_, err := f.queue.Enqueue(f.ctx, storage.Logs, []byte(`{"message":"stale"}`))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(19 * time.Hour) }

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Purged)
	assert.Empty(t, backend.bodies)
}

func TestLogsTick_OverHTTPLogsIntake(t *testing.T) {
	f := newFixture(t)
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	backend := stream.NewHTTPLogsClient(srv.URL, "k", time.Second, nil, logrus.NewEntry(logger))
	s := f.newSender(LogsConfig(500, time.Hour, nil, "edge-1"), backend, false)
	_, err := f.queue.Enqueue(f.ctx, storage.Logs, []byte(`{"message":"x"}`))
	require.NoError(t, err)

	res, err := s.Tick(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Points)
	assert.Equal(t, "/v1/input", path)
}
