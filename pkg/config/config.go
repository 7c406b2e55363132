// Package config decodes the on-disk keeperd settings file. Field names
// mirror original_source/src/Service/Settings.h, not hashicorp/raft's own
// config struct, since the settings file is the operator-facing surface
// this repo inherits from the system it reimplements.
package config

import (
	"fmt"
	"os"

	"github.com/kvkeeper/keeper/pkg/keeper"
	"gopkg.in/yaml.v3"
)

// ServerConfig is one "keeper.cluster.serverN" entry.
type ServerConfig struct {
	ID             int32  `yaml:"id"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ForwardingPort int    `yaml:"forwarding_port"`
	Learner        bool   `yaml:"learner"`
}

// ClusterConfig is the "keeper.cluster" section.
type ClusterConfig struct {
	Servers []ServerConfig `yaml:"server"`
}

// TLSConfig is the "keeper.tls" section, consumed by pkg/security.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Config is the top-level "keeper" settings document.
type Config struct {
	MyID int32 `yaml:"my_id"`

	DataDir string `yaml:"data_dir"`

	Parallel                    int   `yaml:"parallel"`
	QueueCapacity               int   `yaml:"queue_capacity"`
	MaxBatchSize                int   `yaml:"max_batch_size"`
	OperationTimeoutMs          int64 `yaml:"operation_timeout_ms"`
	ApplyTimeoutMs              int64 `yaml:"apply_timeout_ms"`
	SessionSyncPeriodMs         int64 `yaml:"session_sync_period_ms"`
	HeartBeatIntervalMs         int64 `yaml:"heart_beat_interval_ms"`
	DeadSessionCheckPeriodMs    int64 `yaml:"dead_session_check_period_ms"`
	MinSessionTimeoutMs         int64 `yaml:"min_session_timeout_ms"`
	MaxSessionTimeoutMs         int64 `yaml:"max_session_timeout_ms"`
	ElectionTimeoutLowerBoundMs int64 `yaml:"election_timeout_lower_bound_ms"`
	ElectionTimeoutUpperBoundMs int64 `yaml:"election_timeout_upper_bound_ms"`
	ClientReqTimeoutMs          int64 `yaml:"client_req_timeout_ms"`
	ReconnectIntervalMs         int64 `yaml:"reconnect_interval_ms"`
	ResponseWorkers             int   `yaml:"response_workers"`

	Cluster ClusterConfig `yaml:"cluster"`
	TLS     TLSConfig     `yaml:"tls"`

	LogLevel    string `yaml:"log_level"`
	LogJSON     bool   `yaml:"log_json"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// defaults mirrors the constructor defaults Settings.h applies when a key
// is absent from the config file.
func defaults() Config {
	return Config{
		Parallel:                    1,
		QueueCapacity:               20000,
		MaxBatchSize:                100,
		OperationTimeoutMs:          10000,
		ApplyTimeoutMs:              10000,
		SessionSyncPeriodMs:         500,
		HeartBeatIntervalMs:         500,
		DeadSessionCheckPeriodMs:    500,
		MinSessionTimeoutMs:         4000,
		MaxSessionTimeoutMs:         60000,
		ElectionTimeoutLowerBoundMs: 1000,
		ElectionTimeoutUpperBoundMs: 2000,
		ClientReqTimeoutMs:          10000,
		ReconnectIntervalMs:         1000,
		ResponseWorkers:             2,
		LogLevel:                    "info",
		MetricsAddr:                 "127.0.0.1:9090",
	}
}

// Load reads and decodes path, filling in defaults for any field the file
// doesn't set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the rest of this package assumes hold:
// parallel, and a cluster member list containing this node's own id.
func (c *Config) Validate() error {
	if c.Parallel <= 0 {
		return fmt.Errorf("parallel must be positive, got %d", c.Parallel)
	}
	if c.MinSessionTimeoutMs > 0 && c.MaxSessionTimeoutMs > 0 && c.MinSessionTimeoutMs > c.MaxSessionTimeoutMs {
		return fmt.Errorf("min_session_timeout_ms (%d) exceeds max_session_timeout_ms (%d)", c.MinSessionTimeoutMs, c.MaxSessionTimeoutMs)
	}

	found := false
	for _, s := range c.Cluster.Servers {
		if s.ID == c.MyID {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("my_id %d not present in cluster.server list", c.MyID)
	}
	return nil
}

// ForwardPeers returns every non-self, non-learner cluster member as a
// keeper.ClusterPeer keyed by id, the input to
// keeper.ForwardConnectionPool.ApplyDiff.
func (c *Config) ForwardPeers() map[int32]keeper.ClusterPeer {
	out := make(map[int32]keeper.ClusterPeer)
	for _, s := range c.Cluster.Servers {
		if s.ID == c.MyID || s.Learner {
			continue
		}
		port := s.ForwardingPort
		if port == 0 {
			port = 8102
		}
		out[s.ID] = keeper.ClusterPeer{ID: s.ID, Host: s.Host, Port: port, Learner: s.Learner}
	}
	return out
}
