package crdt

import (
	"strings"

	"crdtrelay/common"
)

// LWWRegister is a last-writer-wins register. Writes are totally ordered by
// (Timestamp, Author); the greatest pair ever applied holds the value.
type LWWRegister struct {
	Current   *string         `json:"value,omitempty"`
	Timestamp uint64          `json:"timestamp"`
	Author    common.AuthorID `json:"author"`
}

// NewLWWRegister creates an empty register.
func NewLWWRegister() *LWWRegister {
	return &LWWRegister{}
}

// Type returns the type of the register.
func (r *LWWRegister) Type() common.CRDTType {
	return common.CRDTTypeLWWRegister
}

// Value returns the current value as a string, or nil if never written.
func (r *LWWRegister) Value() interface{} {
	if r.Current == nil {
		return nil
	}
	return *r.Current
}

// Get returns the current value and whether the register has been written.
func (r *LWWRegister) Get() (string, bool) {
	if r.Current == nil {
		return "", false
	}
	return *r.Current, true
}

// Apply writes the operation's value if its (timestamp, author) pair is strictly
// greater than the stored one. Stale writes are ignored without error.
func (r *LWWRegister) Apply(op Operation) (bool, error) {
	if op.Action.Set == nil {
		return false, common.ErrInvalidOperation{Message: "lww register requires a set action"}
	}
	if !r.wins(op.Timestamp, op.Author, *op.Action.Set) {
		return false, nil
	}

	value := *op.Action.Set
	r.Current = &value
	r.Timestamp = op.Timestamp
	r.Author = op.Author
	return true, nil
}

// wins reports whether a write stamped (timestamp, author) supersedes the
// stored one. Identical pairs only occur when one author reuses a timestamp;
// the value breaks that tie so replicas still agree.
func (r *LWWRegister) wins(timestamp uint64, author common.AuthorID, value string) bool {
	if r.Current == nil {
		return true
	}
	if timestamp != r.Timestamp {
		return timestamp > r.Timestamp
	}
	if c := author.Compare(r.Author); c != 0 {
		return c > 0
	}
	return strings.Compare(value, *r.Current) > 0
}

// Clone returns a deep copy of the register.
func (r *LWWRegister) Clone() State {
	out := &LWWRegister{Timestamp: r.Timestamp, Author: r.Author}
	if r.Current != nil {
		v := *r.Current
		out.Current = &v
	}
	return out
}

// Equal reports whether both registers hold the same write.
func (r *LWWRegister) Equal(other State) bool {
	o, ok := other.(*LWWRegister)
	if !ok {
		return false
	}
	if (r.Current == nil) != (o.Current == nil) {
		return false
	}
	if r.Current != nil && *r.Current != *o.Current {
		return false
	}
	return r.Timestamp == o.Timestamp && r.Author == o.Author
}

func (r *LWWRegister) isState() {}

// MergeLWW returns a copy of whichever register holds the greater write.
func MergeLWW(a, b *LWWRegister) *LWWRegister {
	if b.Current == nil {
		return a.Clone().(*LWWRegister)
	}
	if a.wins(b.Timestamp, b.Author, *b.Current) {
		return b.Clone().(*LWWRegister)
	}
	return a.Clone().(*LWWRegister)
}
