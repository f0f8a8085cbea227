// Package oplog tracks which operation identifiers a replica has already applied.
//
// The log only short-circuits replays. Register and set merges are idempotent on
// their own, but counter increments are not, so a log must keep an identifier for
// at least as long as that operation can still be redelivered.
package oplog

import (
	"context"

	"crdtrelay/common"
)

// Log is a set of applied operation identifiers.
type Log interface {
	// Contains reports whether id has been recorded.
	Contains(ctx context.Context, id common.OperationID) (bool, error)

	// Record adds id to the log. It returns true if id was not present before.
	// The check and the insert are atomic.
	Record(ctx context.Context, id common.OperationID) (bool, error)

	// Close releases resources held by the log.
	Close() error
}
