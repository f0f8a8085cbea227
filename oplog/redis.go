package oplog

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"crdtrelay/common"
)

// RedisLog shares one log between processes through Redis. SETNX makes the
// check and the insert a single atomic step.
type RedisLog struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLog creates a RedisLog. A zero ttl keeps identifiers forever.
func NewRedisLog(client *redis.Client, prefix string, ttl time.Duration) (*RedisLog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = "crdtrelay:oplog:"
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLog{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}, nil
}

// Contains reports whether id has been recorded.
func (l *RedisLog) Contains(ctx context.Context, id common.OperationID) (bool, error) {
	n, err := l.client.Exists(ctx, l.prefix+string(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to look up operation %s: %w", id, err)
	}
	return n > 0, nil
}

// Record adds id to the log.
func (l *RedisLog) Record(ctx context.Context, id common.OperationID) (bool, error) {
	fresh, err := l.client.SetNX(ctx, l.prefix+string(id), 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record operation %s: %w", id, err)
	}
	return fresh, nil
}

// Close is a no-op; the client belongs to the caller.
func (l *RedisLog) Close() error {
	return nil
}
