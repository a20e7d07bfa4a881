package stream

import (
	"crypto/tls"
	"fmt"

	"github.com/sirupsen/logrus"

	"chouette-agent/internal/config"
)

func NewBackendFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *logrus.Entry) (Backend, error) {
	var next Backend
	switch cfg.BackendMode {
	case config.BackendModeHTTP:
		next = NewHTTPClient(cfg.DatadogURL, cfg.APIKey, cfg.BackendTimeout(), tlsCfg, logger)
	case config.BackendModeGRPC:
		next = NewGRPCClient(cfg.BackendGRPCAddr, tlsCfg, cfg.APIKey, cfg.BackendGRPCMethod, logger)
	default:
		return nil, fmt.Errorf("unsupported backend mode %q", cfg.BackendMode)
	}
	return NewBreakerBackend(next, cfg.BreakerFailures, cfg.BreakerTimeout, logger), nil
}

// NewLogsBackendFromConfig returns the logs intake client. Logs always go
// over HTTP, whatever the metrics backend mode.
func NewLogsBackendFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *logrus.Entry) Backend {
	next := NewHTTPLogsClient(cfg.DatadogLogsURL, cfg.APIKey, cfg.BackendTimeout(), tlsCfg, logger)
	return NewBreakerBackend(next, cfg.BreakerFailures, cfg.BreakerTimeout, logger)
}
