package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"chouette-agent/internal/aggregator"
	"chouette-agent/internal/collector"
	"chouette-agent/internal/config"
	"chouette-agent/internal/libvirt"
	"chouette-agent/internal/scheduler"
	"chouette-agent/internal/selfmetric"
	"chouette-agent/internal/sender"
	"chouette-agent/internal/storage"
	"chouette-agent/internal/stream"
	"chouette-agent/internal/system"
	"chouette-agent/internal/telemetry"
	"chouette-agent/internal/wrapper"
)

type Agent struct {
	cfg         config.Config
	logger      *logrus.Entry
	redis       redis.UniversalClient
	queue       *storage.RedisQueue
	backend     stream.Backend
	logsBackend stream.Backend // nil when log forwarding is off
	plugins     []collector.Plugin
	scheduler   *scheduler.Scheduler
	metrics     *telemetry.Metrics
	health      *HealthStatus
}

// NewRegistry returns the plugin registry with every built-in plugin.
func NewRegistry() *collector.Registry {
	r := collector.NewRegistry()
	r.Register(system.PluginName, system.Factory)
	r.Register(libvirt.PluginName, libvirt.Factory)
	r.Register(collector.DramatiqPluginName, collector.DramatiqFactory)
	return r
}

func New(cfg config.Config, logger *logrus.Logger) (*Agent, error) {
	return newAgent(cfg, logger, nil)
}

func newAgent(cfg config.Config, logger *logrus.Logger, rdb redis.UniversalClient) (*Agent, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("host", cfg.Host)

	w, err := wrapper.New(cfg.MetricsWrapper, wrapper.Options{
		AggregateInterval: cfg.AggregateInterval,
		Aggregates:        cfg.HistogramAggregates,
		Percentiles:       cfg.HistogramPercentiles,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics wrapper: %w", err)
	}

	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	backend, err := stream.NewBackendFromConfig(cfg, tlsCfg, log)
	if err != nil {
		return nil, fmt.Errorf("metrics backend: %w", err)
	}

	if rdb == nil {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			DB:       cfg.RedisDB,
			Password: cfg.RedisPassword,
		})
	}
	queue := storage.NewRedisQueue(rdb, cfg.QueuePrefix)
	metrics := telemetry.New()
	health := NewHealthStatus()
	wrapped := &healthBackend{next: backend, health: health}
	self := selfmetric.NewEmitter(queue, cfg.Host, cfg.SendSelfMetrics)

	plugins, err := NewRegistry().Build(cfg.CollectorPlugins, collector.Deps{
		Config: cfg,
		Redis:  rdb,
		Logger: log,
	})
	if err != nil {
		_ = backend.Close(context.Background())
		_ = rdb.Close()
		return nil, err
	}

	agg := aggregator.New(aggregator.Config{
		Interval: cfg.AggregateInterval,
		BulkSize: cfg.MetricsBulkSize,
		TTL:      cfg.MetricTTL,
	}, queue, w, log, metrics)
	snd := sender.New(sender.Config{
		BulkSize:    cfg.MetricsBulkSize,
		TTL:         cfg.MetricTTL,
		GlobalTags:  cfg.GlobalTags,
		Host:        cfg.Host,
		SendTimeout: cfg.BackendTimeout(),
	}, queue, wrapped, self, log, metrics)
	nodes := collector.NewNodeCollector(plugins, queue, cfg.Host, cfg.EffectivePluginTimeout(), log, metrics)

	sched := scheduler.New(log)
	sched.Add(scheduler.NewWorker("aggregator", agg.Run, cfg.MaxConsecutiveFailures, log, metrics), cfg.AggregateInterval)
	sched.Add(scheduler.NewWorker("collector", nodes.Run, cfg.MaxConsecutiveFailures, log, metrics), cfg.CaptureInterval)
	sched.Add(scheduler.NewWorker("sender", snd.Run, cfg.MaxConsecutiveFailures, log, metrics), cfg.ReleaseInterval)

	var logsBackend stream.Backend
	if cfg.LogsEnabled && cfg.APIKey != "" {
		logsBackend = stream.NewLogsBackendFromConfig(cfg, tlsCfg, log)
		logsCfg := sender.LogsConfig(cfg.LogsBulkSize, cfg.LogTTL, cfg.GlobalTags, cfg.Host)
		logsCfg.SendTimeout = cfg.BackendTimeout()
		logs := sender.New(logsCfg, queue, logsBackend, self, log, metrics)
		sched.Add(scheduler.NewWorker("logs-sender", logs.Run, cfg.MaxConsecutiveFailures, log, metrics), cfg.ReleaseInterval)
	}

	return &Agent{
		cfg:         cfg,
		logger:      log.WithField("component", "agent"),
		redis:       rdb,
		queue:       queue,
		backend:     wrapped,
		logsBackend: logsBackend,
		plugins:     plugins,
		scheduler:   sched,
		metrics:     metrics,
		health:      health,
	}, nil
}

// Run blocks until ctx is cancelled, a termination signal arrives or a
// worker fails fatally. Only the fatal case returns an error.
func (a *Agent) Run(ctx context.Context) error {
	pluginNames := make([]string, 0, len(a.plugins))
	for _, p := range a.plugins {
		pluginNames = append(pluginNames, p.Name())
	}
	a.logger.WithFields(logrus.Fields{
		"version": a.cfg.AgentVersion,
		"backend": a.backend.Name(),
		"wrapper": a.cfg.MetricsWrapper,
		"plugins": strings.Join(pluginNames, ","),
	}).Info("starting chouette-agent")
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- a.run(runCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case runErr = <-runErrCh:
	case sig := <-sigCh:
		a.logger.WithFields(logrus.Fields{"signal": sig.String(), "timeout": a.cfg.ShutdownTimeout}).Info("shutdown signal received, starting graceful shutdown")
		cancelRun()

		graceTimer := time.NewTimer(a.cfg.ShutdownTimeout)
		defer graceTimer.Stop()

		select {
		case runErr = <-runErrCh:
		case sig2 := <-sigCh:
			a.logger.WithField("signal", sig2.String()).Warn("second signal received, forcing immediate shutdown")
			runErr = context.Canceled
		case <-graceTimer.C:
			a.logger.WithField("timeout", a.cfg.ShutdownTimeout).Warn("graceful shutdown timeout reached, forcing shutdown")
			runErr = context.DeadlineExceeded
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancelShutdown()
	a.shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		return runErr
	}
	a.logger.Info("chouette-agent stopped")
	return nil
}

// BuildLogger returns the process logger: JSON lines unless LOG_JSON is
// false, level from LOG_LEVEL.
func BuildLogger(cfg config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if cfg.LogJSON {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// healthBackend records delivery outcomes in the health status.
type healthBackend struct {
	next   stream.Backend
	health *HealthStatus
}

func (b *healthBackend) Name() string { return b.next.Name() }

func (b *healthBackend) Send(ctx context.Context, p stream.Payload) error {
	err := b.next.Send(ctx, p)
	if err != nil {
		b.health.SetBackendConnected(false)
		return err
	}
	b.health.SetBackendConnected(true)
	b.health.MarkDelivery(time.Now().UTC(), p.PointCount)
	return nil
}

func (b *healthBackend) Close(ctx context.Context) error {
	return b.next.Close(ctx)
}

func closePlugin(p collector.Plugin) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
