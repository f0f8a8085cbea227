package crdtsync

import (
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"crdtrelay/codec"
	"crdtrelay/oplog"
)

const (
	// DefaultTopic is the topic used when none is configured.
	DefaultTopic = "crdtrelay"
	// DefaultPublishAttempts is the number of publish attempts per message.
	DefaultPublishAttempts = 3
	// DefaultPublishBackoff is the wait between publish attempts.
	DefaultPublishBackoff = time.Second
	// DefaultQueueSize is the length of the outbound publish queue.
	DefaultQueueSize = 1024
)

// Option configures a Manager.
type Option func(*Manager)

// WithTopic sets the transport topic.
func WithTopic(topic string) Option {
	return func(m *Manager) {
		if topic != "" {
			m.topic = topic
		}
	}
}

// WithOpLog sets the dedup log. The manager does not close a log passed in.
func WithOpLog(log oplog.Log) Option {
	return func(m *Manager) {
		if log != nil {
			m.oplog = log
			m.ownsOpLog = false
		}
	}
}

// WithClock sets the timestamp source for local operations.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRecipients sets the identities every operation is encrypted for. Each
// recipient gets its own message. The default is the cipher's own identity,
// which suits replicas sharing one key.
func WithRecipients(recipients ...string) Option {
	return func(m *Manager) {
		if len(recipients) > 0 {
			m.recipients = append([]string(nil), recipients...)
		}
	}
}

// WithPublishRetry sets the publish attempts per message and the backoff
// between them.
func WithPublishRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) {
		if attempts > 0 {
			m.publishAttempts = attempts
		}
		if backoff >= 0 {
			m.publishBackoff = backoff
		}
	}
}

// WithQueueSize sets the outbound publish queue length.
func WithQueueSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.queueSize = size
		}
	}
}

// WithRegisterer registers the manager's metrics on registerer instead of a
// private registry.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(m *Manager) {
		if registerer != nil {
			m.registerer = registerer
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.ZapEventLogger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithCodec sets the wire codec.
func WithCodec(c codec.EncoderDecoder) Option {
	return func(m *Manager) {
		if c != nil {
			m.codec = c
		}
	}
}
