package crdt

import (
	"encoding/json"
	"sort"

	"crdtrelay/common"
)

// GSet is a grow-only set of strings.
type GSet struct {
	members map[string]struct{}
}

// NewGSet creates an empty set.
func NewGSet(values ...string) *GSet {
	s := &GSet{members: make(map[string]struct{}, len(values))}
	for _, v := range values {
		s.members[v] = struct{}{}
	}
	return s
}

// Type returns the type of the set.
func (s *GSet) Type() common.CRDTType {
	return common.CRDTTypeGSet
}

// Value returns the members as a sorted []string.
func (s *GSet) Value() interface{} {
	return s.Members()
}

// Members returns the members in ascending order.
func (s *GSet) Members() []string {
	out := make([]string, 0, len(s.members))
	for v := range s.members {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether v has been added.
func (s *GSet) Contains(v string) bool {
	_, ok := s.members[v]
	return ok
}

// Len returns the number of members.
func (s *GSet) Len() int {
	return len(s.members)
}

// Apply inserts the operation's value. Re-adding a member is a no-op.
func (s *GSet) Apply(op Operation) (bool, error) {
	if op.Action.Add == nil {
		return false, common.ErrInvalidOperation{Message: "g set requires an add action"}
	}
	if s.Contains(*op.Action.Add) {
		return false, nil
	}
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	s.members[*op.Action.Add] = struct{}{}
	return true, nil
}

// Clone returns a deep copy of the set.
func (s *GSet) Clone() State {
	out := &GSet{members: make(map[string]struct{}, len(s.members))}
	for v := range s.members {
		out.members[v] = struct{}{}
	}
	return out
}

// Equal reports whether both sets hold the same members.
func (s *GSet) Equal(other State) bool {
	o, ok := other.(*GSet)
	if !ok || len(s.members) != len(o.members) {
		return false
	}
	for v := range s.members {
		if !o.Contains(v) {
			return false
		}
	}
	return true
}

func (s *GSet) isState() {}

// MarshalJSON encodes the set as a sorted JSON array.
func (s *GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

// UnmarshalJSON decodes a JSON array into the set.
func (s *GSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	s.members = make(map[string]struct{}, len(values))
	for _, v := range values {
		s.members[v] = struct{}{}
	}
	return nil
}

// MergeGSet returns the union of both sets.
func MergeGSet(a, b *GSet) *GSet {
	out := a.Clone().(*GSet)
	for v := range b.members {
		out.members[v] = struct{}{}
	}
	return out
}
