package crdt

import (
	"math"
	"sort"

	"crdtrelay/common"
)

// GCounter is a grow-only counter. Each author owns one slot; the logical value
// is the sum of all slots.
type GCounter struct {
	Counts map[common.AuthorID]uint64 `json:"counts"`
}

// NewGCounter creates an empty counter.
func NewGCounter() *GCounter {
	return &GCounter{
		Counts: make(map[common.AuthorID]uint64),
	}
}

// Type returns the type of the counter.
func (c *GCounter) Type() common.CRDTType {
	return common.CRDTTypeGCounter
}

// Value returns the sum of all slots as a uint64.
func (c *GCounter) Value() interface{} {
	return c.Total()
}

// Total returns the sum of all slots, saturating at math.MaxUint64. Merged
// slots can exceed the range together even though Apply never lets them.
func (c *GCounter) Total() uint64 {
	var total uint64
	for _, count := range c.Counts {
		if count > math.MaxUint64-total {
			return math.MaxUint64
		}
		total += count
	}
	return total
}

// Count returns the slot of one author.
func (c *GCounter) Count(author common.AuthorID) uint64 {
	return c.Counts[author]
}

// Authors returns the authors with a slot, sorted.
func (c *GCounter) Authors() []common.AuthorID {
	authors := make([]common.AuthorID, 0, len(c.Counts))
	for author := range c.Counts {
		authors = append(authors, author)
	}
	sort.Slice(authors, func(i, j int) bool { return authors[i] < authors[j] })
	return authors
}

// Apply adds the increment to the author's slot. A zero increment is a no-op.
// An increment that would push the sum of all slots past math.MaxUint64 is
// rejected with common.ErrInvalidOperation.
func (c *GCounter) Apply(op Operation) (bool, error) {
	if op.Action.Increment == nil {
		return false, common.ErrInvalidOperation{Message: "g counter requires an increment action"}
	}

	amount := *op.Action.Increment
	if amount == 0 {
		return false, nil
	}

	if amount > math.MaxUint64-c.Total() {
		return false, common.ErrInvalidOperation{Message: "increment overflows counter"}
	}
	current := c.Counts[op.Author]
	if c.Counts == nil {
		c.Counts = make(map[common.AuthorID]uint64)
	}
	c.Counts[op.Author] = current + amount
	return true, nil
}

// Clone returns a deep copy of the counter.
func (c *GCounter) Clone() State {
	out := NewGCounter()
	for author, count := range c.Counts {
		out.Counts[author] = count
	}
	return out
}

// Equal reports whether both counters hold the same slots.
func (c *GCounter) Equal(other State) bool {
	o, ok := other.(*GCounter)
	if !ok || len(c.Counts) != len(o.Counts) {
		return false
	}
	for author, count := range c.Counts {
		if otherCount, ok := o.Counts[author]; !ok || otherCount != count {
			return false
		}
	}
	return true
}

func (c *GCounter) isState() {}

// MergeGCounter returns the per-author maximum of both counters. Slots are never
// added: both sides may already reflect the same increments.
func MergeGCounter(a, b *GCounter) *GCounter {
	out := a.Clone().(*GCounter)
	for author, count := range b.Counts {
		if current, ok := out.Counts[author]; !ok || count > current {
			out.Counts[author] = count
		}
	}
	return out
}
