package config

import (
	"time"

	"github.com/google/uuid"
)

const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportLibp2p = "libp2p"

	CipherBox   = "box"
	CipherGroup = "group"
	CipherPlain = "plain"

	OpLogMemory    = "memory"
	OpLogDatastore = "datastore"
	OpLogRedis     = "redis"

	BackendMemory = "memory"
	BackendRedis  = "redis"

	ClockWall      = "wall"
	ClockSnowflake = "snowflake"
)

var knownTransports = []string{TransportMemory, TransportRedis, TransportLibp2p}
var knownCiphers = []string{CipherBox, CipherGroup, CipherPlain}
var knownOpLogs = []string{OpLogMemory, OpLogDatastore, OpLogRedis}
var knownBackends = []string{BackendMemory, BackendRedis}
var knownClocks = []string{ClockWall, ClockSnowflake}

var defaultNode = NodeConfig{
	HTTPPort: 8080,
	Clock:    ClockWall,
}

var defaultTransport = TransportConfig{
	Kind:  TransportLibp2p,
	Topic: "crdtrelay",
	Redis: RedisConfig{
		Addr: "localhost:6379",
	},
	Libp2p: Libp2pConfig{
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
	},
	Discovery: DiscoveryConfig{
		Key:      "crdtrelay:peers",
		Interval: 10 * time.Second,
		TTL:      60 * time.Second,
	},
}

var defaultCrypto = CryptoConfig{
	Kind:    CipherBox,
	KeyFile: "crdtrelay.key",
	Salt:    "crdtrelay",
}

var defaultOpLog = OpLogConfig{
	Kind:    OpLogMemory,
	Backend: BackendMemory,
}

var defaultPublish = PublishConfig{
	Attempts:  3,
	Backoff:   time.Second,
	QueueSize: 1024,
}

func Default() *Config {
	cfg := &Config{
		Node:      defaultNode,
		Transport: defaultTransport,
		Crypto:    defaultCrypto,
		OpLog:     defaultOpLog,
		Publish:   defaultPublish,
	}
	cfg.Transport.Libp2p.ListenAddrs = append([]string(nil), defaultTransport.Libp2p.ListenAddrs...)
	cfg.Node.PopulateDefaults()
	return cfg
}

func (c *NodeConfig) PopulateDefaults() {
	if c.Author == "" {
		c.Author = uuid.New().String()
	}

	if c.HTTPPort == 0 {
		c.HTTPPort = defaultNode.HTTPPort
	}

	if c.Clock == "" {
		c.Clock = defaultNode.Clock
	}
}

func (c *TransportConfig) PopulateDefaults() {
	if c.Kind == "" {
		c.Kind = defaultTransport.Kind
	}

	if c.Topic == "" {
		c.Topic = defaultTransport.Topic
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = defaultTransport.Redis.Addr
	}

	if len(c.Libp2p.ListenAddrs) == 0 {
		c.Libp2p.ListenAddrs = append([]string(nil), defaultTransport.Libp2p.ListenAddrs...)
	}

	if c.Discovery.Key == "" {
		c.Discovery.Key = defaultTransport.Discovery.Key
	}

	if c.Discovery.Interval == 0 {
		c.Discovery.Interval = defaultTransport.Discovery.Interval
	}

	if c.Discovery.TTL == 0 {
		c.Discovery.TTL = defaultTransport.Discovery.TTL
	}
}

func (c *CryptoConfig) PopulateDefaults() {
	if c.Kind == "" {
		c.Kind = defaultCrypto.Kind
	}

	if c.KeyFile == "" {
		c.KeyFile = defaultCrypto.KeyFile
	}

	if c.Salt == "" {
		c.Salt = defaultCrypto.Salt
	}
}

func (c *OpLogConfig) PopulateDefaults() {
	if c.Kind == "" {
		c.Kind = defaultOpLog.Kind
	}

	if c.Backend == "" {
		c.Backend = defaultOpLog.Backend
	}
}

func (c *PublishConfig) PopulateDefaults() {
	if c.Attempts == 0 {
		c.Attempts = defaultPublish.Attempts
	}

	if c.Backoff == 0 {
		c.Backoff = defaultPublish.Backoff
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultPublish.QueueSize
	}
}

func (c *Config) PopulateDefaults() {
	c.Node.PopulateDefaults()
	c.Transport.PopulateDefaults()
	c.Crypto.PopulateDefaults()
	c.OpLog.PopulateDefaults()
	c.Publish.PopulateDefaults()
}
