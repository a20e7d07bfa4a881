package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/viper"
)

type BackendMode string

const (
	BackendModeHTTP  BackendMode = "http"
	BackendModeGRPC  BackendMode = "grpc"
	HardcodedVersion string      = "V0.3"
)

type Config struct {
	APIKey            string
	GlobalTags        []string
	CollectorPlugins  []string
	AggregateInterval time.Duration
	CaptureInterval   time.Duration
	ReleaseInterval   time.Duration
	DatadogURL        string
	Host              string
	AgentVersion      string

	MetricsBulkSize      int
	MetricTTL            time.Duration
	MetricsWrapper       string
	SendSelfMetrics      bool
	HistogramAggregates  []string
	HistogramPercentiles []float64

	RedisHost     string
	RedisPort     int
	RedisDB       int
	RedisPassword string
	QueuePrefix   string

	BackendMode       BackendMode
	BackendGRPCAddr   string
	BackendGRPCMethod string
	TLSEnabled        bool
	TLSSkipVerify     bool
	TLSCAPath         string
	TLSCertPath       string
	TLSKeyPath        string
	BreakerFailures   int
	BreakerTimeout    time.Duration

	ProbeListenAddr        string
	HealthInterval         time.Duration
	ShutdownTimeout        time.Duration
	PluginTimeout          time.Duration
	MaxConsecutiveFailures int

	LogsEnabled    bool
	DatadogLogsURL string
	LogTTL         time.Duration
	LogsBulkSize   int

	HostCollectorMetrics []string
	LibvirtURI           string
	DramatiqPattern      string

	LogJSON  bool
	LogLevel string
}

func defaults(v *viper.Viper) {
	v.SetDefault("aggregate_interval", 10)
	v.SetDefault("capture_interval", 30)
	v.SetDefault("release_interval", 60)
	v.SetDefault("datadog_url", "https://api.datadoghq.com/api")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
	v.SetDefault("metrics_bulk_size", 10000)
	v.SetDefault("metric_ttl", 14400)
	v.SetDefault("metrics_wrapper", "standard")
	v.SetDefault("send_self_metrics", true)
	v.SetDefault("redis_host", "redis")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("queue_prefix", "chouette")
	v.SetDefault("backend_mode", string(BackendModeHTTP))
	v.SetDefault("backend_grpc_method", "/chouette.metrics.v1.SeriesService/Submit")
	v.SetDefault("probe_addr", "0.0.0.0:7443")
	v.SetDefault("health_interval", "10s")
	v.SetDefault("shutdown_timeout", "20s")
	v.SetDefault("max_consecutive_failures", 0)
	v.SetDefault("breaker_failures", 5)
	v.SetDefault("breaker_timeout", "60s")
	v.SetDefault("logs_enabled", true)
	v.SetDefault("datadog_logs_url", "https://http-intake.logs.datadoghq.com")
	v.SetDefault("log_ttl", 64800)
	v.SetDefault("logs_bulk_size", 500)
	v.SetDefault("host_collector_metrics", "cpu,fs,la,ram")
	v.SetDefault("libvirt_uri", "qemu:///system")
	v.SetDefault("dramatiq_pattern", "dramatiq:*.msgs")
}

// Load reads configuration from the environment and, when configFile is
// set, from that file. Environment variables win over file values.
func Load(configFile string) (Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown-host"
	}

	cfg := Config{
		APIKey:            strings.TrimSpace(v.GetString("api_key")),
		DatadogURL:        strings.TrimRight(strings.TrimSpace(v.GetString("datadog_url")), "/"),
		Host:              strings.TrimSpace(v.GetString("host")),
		AgentVersion:      HardcodedVersion,
		MetricsBulkSize:   v.GetInt("metrics_bulk_size"),
		MetricsWrapper:    strings.ToLower(strings.TrimSpace(v.GetString("metrics_wrapper"))),
		SendSelfMetrics:   v.GetBool("send_self_metrics"),
		RedisHost:         strings.TrimSpace(v.GetString("redis_host")),
		RedisPort:         v.GetInt("redis_port"),
		RedisDB:           v.GetInt("redis_db"),
		RedisPassword:     v.GetString("redis_password"),
		QueuePrefix:       strings.TrimSpace(v.GetString("queue_prefix")),
		BackendMode:       BackendMode(strings.ToLower(strings.TrimSpace(v.GetString("backend_mode")))),
		BackendGRPCAddr:   strings.TrimSpace(v.GetString("backend_grpc_addr")),
		BackendGRPCMethod: strings.TrimSpace(v.GetString("backend_grpc_method")),
		TLSEnabled:        v.GetBool("tls_enabled"),
		TLSSkipVerify:     v.GetBool("tls_skip_verify"),
		TLSCAPath:         v.GetString("tls_ca_path"),
		TLSCertPath:       v.GetString("tls_cert_path"),
		TLSKeyPath:        v.GetString("tls_key_path"),
		BreakerFailures:   v.GetInt("breaker_failures"),
		ProbeListenAddr:   strings.TrimSpace(v.GetString("probe_addr")),
		LogsEnabled:       v.GetBool("logs_enabled"),
		DatadogLogsURL:    strings.TrimRight(strings.TrimSpace(v.GetString("datadog_logs_url")), "/"),
		LogsBulkSize:      v.GetInt("logs_bulk_size"),
		LibvirtURI:        strings.TrimSpace(v.GetString("libvirt_uri")),
		DramatiqPattern:   strings.TrimSpace(v.GetString("dramatiq_pattern")),
		LogJSON:           v.GetBool("log_json"),
		LogLevel:          strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),

		MaxConsecutiveFailures: v.GetInt("max_consecutive_failures"),
	}
	if cfg.Host == "" {
		cfg.Host = hostname
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"aggregate_interval", &cfg.AggregateInterval},
		{"capture_interval", &cfg.CaptureInterval},
		{"release_interval", &cfg.ReleaseInterval},
		{"metric_ttl", &cfg.MetricTTL},
		{"log_ttl", &cfg.LogTTL},
		{"health_interval", &cfg.HealthInterval},
		{"shutdown_timeout", &cfg.ShutdownTimeout},
		{"plugin_timeout", &cfg.PluginTimeout},
		{"breaker_timeout", &cfg.BreakerTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationValue(v, d.key); err != nil {
			return Config{}, err
		}
	}

	lists := []struct {
		key string
		dst *[]string
	}{
		{"global_tags", &cfg.GlobalTags},
		{"collector_plugins", &cfg.CollectorPlugins},
		{"histogram_aggregates", &cfg.HistogramAggregates},
		{"host_collector_metrics", &cfg.HostCollectorMetrics},
	}
	for _, l := range lists {
		if *l.dst, err = listValue(v, l.key); err != nil {
			return Config{}, err
		}
	}

	for i, agg := range cfg.HistogramAggregates {
		cfg.HistogramAggregates[i] = strings.ToLower(agg)
	}

	pcts, err := listValue(v, "histogram_percentiles")
	if err != nil {
		return Config{}, err
	}
	for _, raw := range pcts {
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("HISTOGRAM_PERCENTILES: invalid value %q", raw)
		}
		cfg.HistogramPercentiles = append(cfg.HistogramPercentiles, p)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Host == "" {
		return errors.New("HOST must not be empty")
	}
	if c.AggregateInterval < time.Second || c.CaptureInterval < time.Second || c.ReleaseInterval < time.Second {
		return errors.New("aggregate, capture and release intervals must be at least 1s")
	}
	if c.AggregateInterval%time.Second != 0 {
		return fmt.Errorf("AGGREGATE_INTERVAL must be a whole number of seconds, got %s", c.AggregateInterval)
	}
	if c.MetricsBulkSize <= 0 {
		return errors.New("METRICS_BULK_SIZE must be > 0")
	}
	if c.MetricTTL <= 0 {
		return errors.New("METRIC_TTL must be > 0")
	}
	if c.MetricsWrapper == "" {
		return errors.New("METRICS_WRAPPER is required")
	}
	if c.RedisHost == "" || c.RedisPort <= 0 {
		return errors.New("REDIS_HOST and REDIS_PORT are required")
	}
	if c.LogsEnabled {
		if c.DatadogLogsURL == "" {
			return errors.New("DATADOG_LOGS_URL is required when LOGS_ENABLED")
		}
		if c.LogTTL <= 0 || c.LogsBulkSize <= 0 {
			return errors.New("LOG_TTL and LOGS_BULK_SIZE must be > 0")
		}
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.HealthInterval <= 0 {
		return errors.New("HEALTH_INTERVAL must be > 0")
	}
	if c.PluginTimeout < 0 {
		return errors.New("PLUGIN_TIMEOUT must be >= 0")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.New("MAX_CONSECUTIVE_FAILURES must be >= 0")
	}
	for _, p := range c.HistogramPercentiles {
		if !(p > 0 && p < 1) {
			return fmt.Errorf("HISTOGRAM_PERCENTILES: %v is outside (0,1)", p)
		}
	}
	switch c.BackendMode {
	case BackendModeHTTP:
		if c.APIKey == "" {
			return errors.New("API_KEY is required for http mode")
		}
		if c.DatadogURL == "" {
			return errors.New("DATADOG_URL is required for http mode")
		}
	case BackendModeGRPC:
		if c.BackendGRPCAddr == "" {
			return errors.New("BACKEND_GRPC_ADDR is required for grpc mode")
		}
		if c.BackendGRPCMethod == "" {
			return errors.New("BACKEND_GRPC_METHOD is required for grpc mode")
		}
	default:
		return fmt.Errorf("unsupported backend mode %q", c.BackendMode)
	}
	return nil
}

// RedisAddr is host:port of the queue store.
func (c Config) RedisAddr() string {
	return c.RedisHost + ":" + strconv.Itoa(c.RedisPort)
}

// BackendTimeout bounds one delivery so a stalled backend cannot outlive the
// release interval.
func (c Config) BackendTimeout() time.Duration {
	return c.ReleaseInterval * 8 / 10
}

// EffectivePluginTimeout falls back to 80% of the capture interval.
func (c Config) EffectivePluginTimeout() time.Duration {
	if c.PluginTimeout > 0 {
		return c.PluginTimeout
	}
	return c.CaptureInterval * 8 / 10
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

// durationValue accepts plain integers as seconds and Go duration strings.
func durationValue(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", strings.ToUpper(key), raw)
	}
	return d, nil
}

// listValue accepts a JSON array, a comma separated string or a native list
// from a config file.
func listValue(v *viper.Viper, key string) ([]string, error) {
	switch v.Get(key).(type) {
	case []any, []string:
		return clean(v.GetStringSlice(key)), nil
	}
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "[") {
		var items []any
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &items); err != nil {
			return nil, fmt.Errorf("%s: invalid JSON list: %w", strings.ToUpper(key), err)
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			out = append(out, fmt.Sprint(item))
		}
		return clean(out), nil
	}
	return clean(strings.Split(raw, ",")), nil
}

func clean(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
