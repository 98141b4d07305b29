package sqserver

import (
	"encoding/json"
	"os"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// NodeConfig is one member's address five-tuple in the config file.
type NodeConfig struct {
	ID           uint32 `mapstructure:"id"`
	Addr         string `mapstructure:"addr"`
	GMSPort      uint16 `mapstructure:"gms_port"`
	RDMCPort     uint16 `mapstructure:"rdmc_port"`
	SSTPort      uint16 `mapstructure:"sst_port"`
	ExternalPort uint16 `mapstructure:"external_port"`
}

func (c NodeConfig) Node() Node {
	return Node{
		ID:           c.ID,
		Addr:         c.Addr,
		GMSPort:      c.GMSPort,
		RDMCPort:     c.RDMCPort,
		SSTPort:      c.SSTPort,
		ExternalPort: c.ExternalPort,
	}
}

// SubgroupConfig declares one replicated subgroup type of the deployment.
type SubgroupConfig struct {
	Tag       string `mapstructure:"tag"`
	Shards    int    `mapstructure:"shards"`
	ShardSize int    `mapstructure:"shard_size"`
}

// Config is the full per-process configuration, decoded from a JSON file.
// Zero-valued knobs fall back to defaults.
type Config struct {
	NodeID    uint32           `mapstructure:"node_id"`
	Nodes     []NodeConfig     `mapstructure:"nodes"`
	Subgroups []SubgroupConfig `mapstructure:"subgroups"`

	WindowSize       int    `mapstructure:"window_size"`
	MaxPayload       int    `mapstructure:"max_payload"`
	InlineThreshold  int    `mapstructure:"inline_threshold"`
	ChangesCapacity  int    `mapstructure:"changes_capacity"`
	HeartbeatMillis  int    `mapstructure:"heartbeat_ms"`
	RPCWindowSize    int    `mapstructure:"rpc_window_size"`
	P2PWindowSize    int    `mapstructure:"p2p_window_size"`
	PersistDir       string `mapstructure:"persist_dir"`
	MemoryPersistent bool   `mapstructure:"memory_persistent"`
}

// LoadConfig reads a JSON config file. The JSON is decoded into a generic
// map first and then mapped onto the struct, so unknown keys are ignored and
// numeric types are coerced.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %v", path)
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, errors.Wrapf(err, "parse config %v", path)
	}
	cfg := &Config{}
	if err := mapstructure.Decode(generic, cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %v", path)
	}
	return cfg, nil
}

// Self returns this process's node entry.
func (c *Config) Self() (Node, error) {
	for _, n := range c.Nodes {
		if n.ID == c.NodeID {
			return n.Node(), nil
		}
	}
	return Node{}, errors.Errorf("node %v not in config node list", c.NodeID)
}

func (c *Config) NodeList() []Node {
	nodes := make([]Node, len(c.Nodes))
	for i, n := range c.Nodes {
		nodes[i] = n.Node()
	}
	return nodes
}

// GroupParams translates the file knobs into runtime parameters.
func (c *Config) GroupParams() GroupParams {
	window := c.WindowSize
	if window <= 0 {
		window = 16
	}
	maxPayload := c.MaxPayload
	if maxPayload <= 0 {
		maxPayload = 1 << 20
	}
	inline := c.InlineThreshold
	if inline <= 0 {
		inline = 1024
	}
	capacity := c.ChangesCapacity
	if capacity <= 0 {
		capacity = 16
	}
	heartbeat := time.Duration(c.HeartbeatMillis) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = time.Second
	}
	return GroupParams{
		Manager: ManagerParams{
			Engine: EngineParams{
				WindowSize:      window,
				MaxPayload:      maxPayload,
				InlineThreshold: inline,
			},
			ChangesCapacity:  capacity,
			HeartbeatTimeout: heartbeat,
		},
		RPCWindow: c.RPCWindowSize,
		P2PWindow: c.P2PWindowSize,
	}
}
