package sqserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "node_id": 2,
  "nodes": [
    {"id": 1, "addr": "10.0.0.1", "gms_port": 7001, "rdmc_port": 8001, "sst_port": 9001, "external_port": 10001},
    {"id": 2, "addr": "10.0.0.2", "gms_port": 7002, "rdmc_port": 8002, "sst_port": 9002, "external_port": 10002}
  ],
  "subgroups": [
    {"tag": "kv", "shards": 2, "shard_size": 3}
  ],
  "window_size": 8,
  "heartbeat_ms": 500,
  "persist_dir": "/tmp/squall-data",
  "unknown_knob": true
}`

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "cluster.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, uint32(2), cfg.NodeID)
	require.Len(t, cfg.Nodes, 2)
	require.Equal(t, "kv", cfg.Subgroups[0].Tag)
	require.Equal(t, 2, cfg.Subgroups[0].Shards)
	require.Equal(t, "/tmp/squall-data", cfg.PersistDir)

	self, err := cfg.Self()
	require.NoError(t, err)
	require.Equal(t, uint32(2), self.ID)
	require.Equal(t, "10.0.0.2:7002", self.GMSAddr())
	require.Equal(t, "10.0.0.2:9002", self.SSTAddr())

	nodes := cfg.NodeList()
	require.Len(t, nodes, 2)
	require.Equal(t, uint32(1), nodes[0].ID)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"node_id": 1, "nodes": [{"id": 1, "addr": "h"}]}`))
	require.NoError(t, err)

	params := cfg.GroupParams()
	require.Equal(t, 16, params.Manager.Engine.WindowSize)
	require.Equal(t, 1<<20, params.Manager.Engine.MaxPayload)
	require.Equal(t, 1024, params.Manager.Engine.InlineThreshold)
	require.Equal(t, 16, params.Manager.ChangesCapacity)
	require.Equal(t, time.Second, params.Manager.HeartbeatTimeout)
}

func TestConfigOverrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	params := cfg.GroupParams()
	require.Equal(t, 8, params.Manager.Engine.WindowSize)
	require.Equal(t, 500*time.Millisecond, params.Manager.HeartbeatTimeout)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "{not json"))
	require.Error(t, err)

	cfg, err := LoadConfig(writeConfig(t, `{"node_id": 9, "nodes": [{"id": 1, "addr": "h"}]}`))
	require.NoError(t, err)
	_, err = cfg.Self()
	require.Error(t, err)
}
