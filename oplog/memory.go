package oplog

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"crdtrelay/common"
)

// MemoryOptions configures a MemoryLog.
type MemoryOptions struct {
	// Retention is how long an identifier is remembered. Zero keeps identifiers
	// for the lifetime of the process.
	Retention time.Duration
	// Capacity bounds the number of identifiers. Zero means unbounded.
	Capacity uint64
}

// DefaultMemoryOptions returns options that never forget an identifier.
func DefaultMemoryOptions() *MemoryOptions {
	return &MemoryOptions{}
}

// MemoryLog is an in-process Log backed by a TTL cache.
type MemoryLog struct {
	// cache holds the recorded identifiers.
	cache *ttlcache.Cache[common.OperationID, struct{}]
	// expiring is true when the cleanup loop is running.
	expiring bool
	// closeOnce guards Close.
	closeOnce sync.Once
}

// NewMemoryLog creates a MemoryLog with the given options.
func NewMemoryLog(options *MemoryOptions) *MemoryLog {
	if options == nil {
		options = DefaultMemoryOptions()
	}

	cacheOptions := []ttlcache.Option[common.OperationID, struct{}]{
		// the retention window starts when an id is first recorded.
		ttlcache.WithDisableTouchOnHit[common.OperationID, struct{}](),
	}
	if options.Retention > 0 {
		cacheOptions = append(cacheOptions, ttlcache.WithTTL[common.OperationID, struct{}](options.Retention))
	}
	if options.Capacity > 0 {
		cacheOptions = append(cacheOptions, ttlcache.WithCapacity[common.OperationID, struct{}](options.Capacity))
	}

	l := &MemoryLog{
		cache: ttlcache.New[common.OperationID, struct{}](cacheOptions...),
	}
	if options.Retention > 0 {
		l.expiring = true
		go l.cache.Start()
	}
	return l
}

// Contains reports whether id has been recorded and not yet expired.
func (l *MemoryLog) Contains(_ context.Context, id common.OperationID) (bool, error) {
	return l.cache.Has(id), nil
}

// Record adds id to the log.
func (l *MemoryLog) Record(_ context.Context, id common.OperationID) (bool, error) {
	_, existed := l.cache.GetOrSet(id, struct{}{})
	return !existed, nil
}

// Len returns the number of identifiers currently held.
func (l *MemoryLog) Len() int {
	return l.cache.Len()
}

// Close stops the expiry loop.
func (l *MemoryLog) Close() error {
	l.closeOnce.Do(func() {
		if l.expiring {
			l.cache.Stop()
		}
		l.cache.DeleteAll()
	})
	return nil
}
