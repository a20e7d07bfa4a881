package version

import (
	"time"

	"chouette-agent/internal/config"
)

func Get(cfg config.Config) *GetVersionResponse {
	return &GetVersionResponse{
		Host:            cfg.Host,
		AgentVersion:    cfg.AgentVersion,
		BackendMode:     string(cfg.BackendMode),
		MetricsWrapper:  cfg.MetricsWrapper,
		Plugins:         append([]string{}, cfg.CollectorPlugins...),
		ProbeListenAddr: cfg.ProbeListenAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}
