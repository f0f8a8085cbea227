package crdtsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Clock supplies operation timestamps. All replicas sharing a topic must use
// the same kind of clock, since LWW compares timestamps across replicas.
type Clock interface {
	Now() uint64
}

// WallClock returns Unix milliseconds.
type WallClock struct{}

// Now returns the current Unix time in milliseconds.
func (WallClock) Now() uint64 {
	return uint64(time.Now().UnixMilli())
}

// SnowflakeClock returns snowflake ids. They embed a millisecond timestamp in
// the high bits and are strictly increasing for one node, so two writes from
// the same replica never share a timestamp.
type SnowflakeClock struct {
	node *snowflake.Node
}

// NewSnowflakeClock creates a SnowflakeClock for node, which must be in
// [0, 1023] and unique per replica.
func NewSnowflakeClock(node int64) (*SnowflakeClock, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &SnowflakeClock{node: n}, nil
}

// Now returns the next snowflake id.
func (c *SnowflakeClock) Now() uint64 {
	return uint64(c.node.Generate().Int64())
}

// FixedClock returns a settable time. It is meant for tests.
type FixedClock struct {
	mutex sync.Mutex
	now   uint64
}

// NewFixedClock creates a FixedClock at now.
func NewFixedClock(now uint64) *FixedClock {
	return &FixedClock{now: now}
}

func (c *FixedClock) Now() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

// Set moves the clock to now.
func (c *FixedClock) Set(now uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now = now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.now += d
}
