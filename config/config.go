// Package config holds the YAML configuration of a crdtrelay node.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	OpLog     OpLogConfig     `yaml:"oplog"`
	Publish   PublishConfig   `yaml:"publish"`
}

type NodeConfig struct {
	// Author is the replica's author id. A random one is generated when empty.
	Author   string `yaml:"author"`
	HTTPPort int    `yaml:"http_port"`
	Debug    bool   `yaml:"debug"`
	// Clock is "wall" or "snowflake".
	Clock         string `yaml:"clock"`
	SnowflakeNode int64  `yaml:"snowflake_node"`
}

type TransportConfig struct {
	Kind   string       `yaml:"kind"`
	Topic  string       `yaml:"topic"`
	Redis  RedisConfig  `yaml:"redis"`
	Libp2p Libp2pConfig `yaml:"libp2p"`
	// Discovery registers the node in Redis and learns peers from it.
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Libp2pConfig struct {
	ListenAddrs []string `yaml:"listen_addrs"`
	Bootstrap   []string `yaml:"bootstrap"`
}

type DiscoveryConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Key      string        `yaml:"key"`
	Interval time.Duration `yaml:"interval"`
	TTL      time.Duration `yaml:"ttl"`
}

type CryptoConfig struct {
	Kind string `yaml:"kind"`
	// KeyFile holds the hex box private key. It is created when missing.
	KeyFile string `yaml:"key_file"`
	// Group is the shared identity every group member uses.
	Group      string `yaml:"group"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
	// Peers are box public keys operations are also encrypted for.
	Peers []string `yaml:"peers"`
}

type OpLogConfig struct {
	Kind      string        `yaml:"kind"`
	// Backend is the store behind the "datastore" kind: "memory" or "redis".
	Backend   string        `yaml:"backend"`
	Retention time.Duration `yaml:"retention"`
	Capacity  uint64        `yaml:"capacity"`
	Prefix    string        `yaml:"prefix"`
}

type PublishConfig struct {
	Attempts  int           `yaml:"attempts"`
	Backoff   time.Duration `yaml:"backoff"`
	QueueSize int           `yaml:"queue_size"`
}

func Read(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
