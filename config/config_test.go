package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crdtrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.Node.Author)
	assert.Equal(t, TransportLibp2p, cfg.Transport.Kind)
	assert.Equal(t, CipherBox, cfg.Crypto.Kind)
	assert.Equal(t, OpLogMemory, cfg.OpLog.Kind)
	assert.Equal(t, 3, cfg.Publish.Attempts)
	assert.Equal(t, time.Second, cfg.Publish.Backoff)

	// defaults are copied, not shared
	cfg.Transport.Libp2p.ListenAddrs[0] = "changed"
	assert.Equal(t, "/ip4/0.0.0.0/tcp/0", Default().Transport.Libp2p.ListenAddrs[0])
}

func TestRead(t *testing.T) {
	path := writeConfig(t, `
node:
  author: replica-a
  http_port: 9000
  debug: true
  clock: snowflake
  snowflake_node: 3
transport:
  kind: redis
  topic: notes
  redis:
    addr: redis:6379
    db: 2
crypto:
  kind: group
  group: team
  passphrase: secret
oplog:
  kind: datastore
  backend: redis
  retention: 10m
publish:
  attempts: 5
  backoff: 250ms
`)

	cfg, err := Read(path)
	require.NoError(t, err)
	cfg.PopulateDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "replica-a", cfg.Node.Author)
	assert.Equal(t, 9000, cfg.Node.HTTPPort)
	assert.True(t, cfg.Node.Debug)
	assert.Equal(t, ClockSnowflake, cfg.Node.Clock)
	assert.Equal(t, int64(3), cfg.Node.SnowflakeNode)
	assert.Equal(t, TransportRedis, cfg.Transport.Kind)
	assert.Equal(t, "notes", cfg.Transport.Topic)
	assert.Equal(t, "redis:6379", cfg.Transport.Redis.Addr)
	assert.Equal(t, 2, cfg.Transport.Redis.DB)
	assert.Equal(t, "team", cfg.Crypto.Group)
	assert.Equal(t, "crdtrelay", cfg.Crypto.Salt)
	assert.Equal(t, BackendRedis, cfg.OpLog.Backend)
	assert.Equal(t, 10*time.Minute, cfg.OpLog.Retention)
	assert.Equal(t, 5, cfg.Publish.Attempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Publish.Backoff)
	assert.Equal(t, 1024, cfg.Publish.QueueSize)
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Read(writeConfig(t, "node: [unclosed"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		err    error
	}{
		{"bad port", func(c *Config) { c.Node.HTTPPort = 70000 }, ErrInvalidPort},
		{"unknown clock", func(c *Config) { c.Node.Clock = "lamport" }, ErrUnknownClock},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "kafka" }, ErrUnknownTransport},
		{"missing topic", func(c *Config) { c.Transport.Topic = "" }, ErrMissingTopic},
		{"redis without addr", func(c *Config) {
			c.Transport.Kind = TransportRedis
			c.Transport.Redis.Addr = ""
		}, ErrMissingRedisAddr},
		{"discovery without addr", func(c *Config) {
			c.Transport.Discovery.Enabled = true
			c.Transport.Redis.Addr = ""
		}, ErrMissingRedisAddr},
		{"unknown cipher", func(c *Config) { c.Crypto.Kind = "rot13" }, ErrUnknownCipher},
		{"group without name", func(c *Config) {
			c.Crypto.Kind = CipherGroup
			c.Crypto.Passphrase = "secret"
		}, ErrMissingGroup},
		{"group without passphrase", func(c *Config) {
			c.Crypto.Kind = CipherGroup
			c.Crypto.Group = "team"
		}, ErrMissingPassphrase},
		{"unknown oplog", func(c *Config) { c.OpLog.Kind = "sqlite" }, ErrUnknownOpLog},
		{"unknown backend", func(c *Config) { c.OpLog.Backend = "leveldb" }, ErrUnknownBackend},
		{"redis datastore without addr", func(c *Config) {
			c.OpLog.Kind = OpLogDatastore
			c.OpLog.Backend = BackendRedis
			c.Transport.Redis.Addr = ""
		}, ErrMissingRedisAddr},
		{"redis oplog without addr", func(c *Config) {
			c.OpLog.Kind = OpLogRedis
			c.Transport.Redis.Addr = ""
		}, ErrMissingRedisAddr},
		{"zero attempts", func(c *Config) { c.Publish.Attempts = 0 }, ErrInvalidPublishAttempts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.err)
		})
	}

	var cfg *Config
	assert.ErrorIs(t, cfg.Validate(), ErrConfigIsNil)
}
