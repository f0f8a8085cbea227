package config

import "slices"

func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigIsNil
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Transport.Validate(); err != nil {
		return err
	}
	if err := c.Crypto.Validate(); err != nil {
		return err
	}
	if err := c.OpLog.Validate(); err != nil {
		return err
	}
	if err := c.Publish.Validate(); err != nil {
		return err
	}
	usesRedis := c.OpLog.Kind == OpLogRedis || (c.OpLog.Kind == OpLogDatastore && c.OpLog.Backend == BackendRedis)
	if usesRedis && c.Transport.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}
	return nil
}

func (c *NodeConfig) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return ErrInvalidPort
	}

	if !slices.Contains(knownClocks, c.Clock) {
		return ErrUnknownClock
	}
	return nil
}

func (c *TransportConfig) Validate() error {

	if !slices.Contains(knownTransports, c.Kind) {
		return ErrUnknownTransport
	}

	if c.Topic == "" {
		return ErrMissingTopic
	}

	if (c.Kind == TransportRedis || c.Discovery.Enabled) && c.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}

	return nil
}

func (c *CryptoConfig) Validate() error {

	if !slices.Contains(knownCiphers, c.Kind) {
		return ErrUnknownCipher
	}

	if c.Kind == CipherGroup {
		if c.Group == "" {
			return ErrMissingGroup
		}

		if c.Passphrase == "" {
			return ErrMissingPassphrase
		}
	}

	return nil
}

func (c *OpLogConfig) Validate() error {
	if !slices.Contains(knownOpLogs, c.Kind) {
		return ErrUnknownOpLog
	}
	if !slices.Contains(knownBackends, c.Backend) {
		return ErrUnknownBackend
	}
	return nil
}

func (c *PublishConfig) Validate() error {
	if c.Attempts <= 0 {
		return ErrInvalidPublishAttempts
	}
	return nil
}
