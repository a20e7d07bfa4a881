package version

type GetVersionResponse struct {
	Host            string   `json:"host"`
	AgentVersion    string   `json:"agent_version"`
	BackendMode     string   `json:"backend_mode"`
	MetricsWrapper  string   `json:"metrics_wrapper"`
	Plugins         []string `json:"collector_plugins"`
	ProbeListenAddr string   `json:"probe_listen_addr"`
	CheckedAtUnix   int64    `json:"checked_at_unix"`
}
