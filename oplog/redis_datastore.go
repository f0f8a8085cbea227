package oplog

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
)

var _ ds.Datastore = (*RedisDatastore)(nil)
var _ ds.Batching = (*RedisDatastore)(nil)

// RedisDatastore is a go-datastore backed by plain Redis string keys. It lets a
// DatastoreLog survive restarts without a local disk.
type RedisDatastore struct {
	client *redis.Client
	// namespace is prepended to every datastore key.
	namespace string
	// ttl expires entries; zero keeps them.
	ttl time.Duration
}

// NewRedisDatastore creates a RedisDatastore. The client stays owned by the
// caller.
func NewRedisDatastore(client *redis.Client, namespace string, ttl time.Duration) (*RedisDatastore, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	return &RedisDatastore{
		client:    client,
		namespace: strings.TrimSuffix(namespace, "/"),
		ttl:       ttl,
	}, nil
}

func (rd *RedisDatastore) redisKey(key ds.Key) string {
	return rd.namespace + key.String()
}

func (rd *RedisDatastore) Put(ctx context.Context, key ds.Key, value []byte) error {
	return rd.client.Set(ctx, rd.redisKey(key), value, rd.ttl).Err()
}

func (rd *RedisDatastore) Get(ctx context.Context, key ds.Key) ([]byte, error) {
	data, err := rd.client.Get(ctx, rd.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ds.ErrNotFound
	}
	return data, err
}

func (rd *RedisDatastore) Has(ctx context.Context, key ds.Key) (bool, error) {
	n, err := rd.client.Exists(ctx, rd.redisKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (rd *RedisDatastore) GetSize(ctx context.Context, key ds.Key) (int, error) {
	has, err := rd.Has(ctx, key)
	if err != nil {
		return 0, err
	}
	if !has {
		return 0, ds.ErrNotFound
	}
	size, err := rd.client.StrLen(ctx, rd.redisKey(key)).Result()
	if err != nil {
		return 0, err
	}
	return int(size), nil
}

func (rd *RedisDatastore) Delete(ctx context.Context, key ds.Key) error {
	return rd.client.Del(ctx, rd.redisKey(key)).Err()
}

// Query scans the namespace for q.Prefix and applies the rest of q in memory.
func (rd *RedisDatastore) Query(ctx context.Context, q dsq.Query) (dsq.Results, error) {
	pattern := rd.namespace + q.Prefix + "*"

	var keys []string
	var cursor uint64
	for {
		batch, next, err := rd.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	entries := make([]dsq.Entry, 0, len(keys))
	for _, key := range keys {
		entry := dsq.Entry{Key: strings.TrimPrefix(key, rd.namespace)}
		if !q.KeysOnly {
			value, err := rd.client.Get(ctx, key).Bytes()
			if err == redis.Nil {
				// expired between scan and get
				continue
			}
			if err != nil {
				return nil, err
			}
			entry.Value = value
			entry.Size = len(value)
		}
		entries = append(entries, entry)
	}

	return dsq.NaiveQueryApply(q, dsq.ResultsWithEntries(q, entries)), nil
}

func (rd *RedisDatastore) Batch(ctx context.Context) (ds.Batch, error) {
	return &redisBatch{
		ds:       rd,
		pipeline: rd.client.TxPipeline(),
	}, nil
}

func (rd *RedisDatastore) Sync(ctx context.Context, prefix ds.Key) error {
	return nil
}

// Close leaves the client open.
func (rd *RedisDatastore) Close() error {
	return nil
}

type redisBatch struct {
	ds       *RedisDatastore
	pipeline redis.Pipeliner
	size     int
}

func (rb *redisBatch) Put(ctx context.Context, key ds.Key, value []byte) error {
	rb.pipeline.Set(ctx, rb.ds.redisKey(key), value, rb.ds.ttl)
	rb.size++
	return nil
}

func (rb *redisBatch) Delete(ctx context.Context, key ds.Key) error {
	rb.pipeline.Del(ctx, rb.ds.redisKey(key))
	rb.size++
	return nil
}

func (rb *redisBatch) Commit(ctx context.Context) error {
	if rb.size == 0 {
		return nil
	}
	_, err := rb.pipeline.Exec(ctx)
	return err
}
