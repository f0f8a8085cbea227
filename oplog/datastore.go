package oplog

import (
	"context"
	"fmt"
	"sync"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"

	"crdtrelay/common"
)

// DefaultDatastorePrefix is the key namespace used by DatastoreLog.
const DefaultDatastorePrefix = "/oplog"

var recordedMarker = []byte{1}

// DatastoreLog persists identifiers in any go-datastore implementation, so a
// replica can keep its log across restarts.
type DatastoreLog struct {
	// store is the backing datastore. It is owned by the caller.
	store ds.Datastore
	// prefix namespaces the identifiers inside store.
	prefix ds.Key
	// mutex makes Record atomic for stores without transactions.
	mutex sync.Mutex
}

// NewDatastoreLog creates a DatastoreLog under prefix. An empty prefix uses
// DefaultDatastorePrefix.
func NewDatastoreLog(store ds.Datastore, prefix string) (*DatastoreLog, error) {
	if store == nil {
		return nil, fmt.Errorf("datastore cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultDatastorePrefix
	}
	return &DatastoreLog{
		store:  store,
		prefix: ds.NewKey(prefix),
	}, nil
}

func (l *DatastoreLog) key(id common.OperationID) ds.Key {
	return l.prefix.ChildString(string(id))
}

// Contains reports whether id has been recorded.
func (l *DatastoreLog) Contains(ctx context.Context, id common.OperationID) (bool, error) {
	has, err := l.store.Has(ctx, l.key(id))
	if err != nil {
		return false, fmt.Errorf("failed to look up operation %s: %w", id, err)
	}
	return has, nil
}

// Record adds id to the log.
func (l *DatastoreLog) Record(ctx context.Context, id common.OperationID) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	key := l.key(id)
	has, err := l.store.Has(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to look up operation %s: %w", id, err)
	}
	if has {
		return false, nil
	}
	if err := l.store.Put(ctx, key, recordedMarker); err != nil {
		return false, fmt.Errorf("failed to record operation %s: %w", id, err)
	}
	return true, nil
}

// Len counts the recorded identifiers.
func (l *DatastoreLog) Len(ctx context.Context) (int, error) {
	results, err := l.store.Query(ctx, dsq.Query{Prefix: l.prefix.String(), KeysOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to query operation log: %w", err)
	}
	entries, err := results.Rest()
	if err != nil {
		return 0, fmt.Errorf("failed to read operation log: %w", err)
	}
	return len(entries), nil
}

// Close is a no-op; the datastore belongs to the caller.
func (l *DatastoreLog) Close() error {
	return nil
}
