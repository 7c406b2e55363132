package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keeperd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaultsForMissingFields(t *testing.T) {
	path := writeConfig(t, `
my_id: 1
cluster:
  server:
    - id: 1
      host: 127.0.0.1
      port: 8101
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Parallel)
	assert.Equal(t, 20000, cfg.QueueCapacity)
	assert.Equal(t, int64(4000), cfg.MinSessionTimeoutMs)
	assert.Equal(t, int64(60000), cfg.MaxSessionTimeoutMs)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverridesDefaultsFromFile(t *testing.T) {
	path := writeConfig(t, `
my_id: 1
parallel: 8
log_level: debug
cluster:
  server:
    - id: 1
      host: 127.0.0.1
      port: 8101
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Parallel)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsNonPositiveParallel(t *testing.T) {
	cfg := defaults()
	cfg.MyID = 1
	cfg.Parallel = 0
	cfg.Cluster.Servers = []ServerConfig{{ID: 1}}

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMinExceedingMaxSessionTimeout(t *testing.T) {
	cfg := defaults()
	cfg.MyID = 1
	cfg.Cluster.Servers = []ServerConfig{{ID: 1}}
	cfg.MinSessionTimeoutMs = 50000
	cfg.MaxSessionTimeoutMs = 10000

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingSelfInClusterList(t *testing.T) {
	cfg := defaults()
	cfg.MyID = 2
	cfg.Cluster.Servers = []ServerConfig{{ID: 1}}

	assert.Error(t, cfg.Validate())
}

func TestForwardPeersExcludesSelfAndLearners(t *testing.T) {
	cfg := defaults()
	cfg.MyID = 1
	cfg.Cluster.Servers = []ServerConfig{
		{ID: 1, Host: "self", Port: 8101, ForwardingPort: 8102},
		{ID: 2, Host: "peer", Port: 8101, ForwardingPort: 8202},
		{ID: 3, Host: "learner", Port: 8101, Learner: true},
	}

	peers := cfg.ForwardPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer:8202", peers[2].Endpoint())
}

func TestForwardPeersDefaultsForwardingPort(t *testing.T) {
	cfg := defaults()
	cfg.MyID = 1
	cfg.Cluster.Servers = []ServerConfig{
		{ID: 1, Host: "self", Port: 8101},
		{ID: 2, Host: "peer", Port: 8101},
	}

	peers := cfg.ForwardPeers()
	assert.Equal(t, "peer:8102", peers[2].Endpoint())
}
