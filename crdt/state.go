package crdt

import (
	"fmt"

	"crdtrelay/common"
)

// State is the state of one CRDT instance. The set of implementations is closed:
// *LWWRegister, *GCounter and *GSet.
type State interface {
	// Type returns the CRDT type of the state.
	Type() common.CRDTType

	// Value returns the logical value: string (or nil) for a register,
	// uint64 for a counter, sorted []string for a set.
	Value() interface{}

	// Clone returns a deep copy that shares nothing with the receiver.
	Clone() State

	// Equal reports whether both states hold the same data.
	Equal(other State) bool

	isState()
}

// NewState creates the empty state for a CRDT type.
func NewState(t common.CRDTType) (State, error) {
	switch t {
	case common.CRDTTypeLWWRegister:
		return NewLWWRegister(), nil
	case common.CRDTTypeGCounter:
		return NewGCounter(), nil
	case common.CRDTTypeGSet:
		return NewGSet(), nil
	default:
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown crdt type %q", t)}
	}
}

// Apply applies op to state in place and reports whether the state changed.
// The operation must be valid and target the same CRDT type as the state.
func Apply(state State, op Operation) (bool, error) {
	if err := op.Validate(); err != nil {
		return false, err
	}
	if state.Type() != op.Type {
		return false, common.ErrTypeMismatch{Key: op.Key, Existing: state.Type(), Declared: op.Type}
	}

	switch s := state.(type) {
	case *LWWRegister:
		return s.Apply(op)
	case *GCounter:
		return s.Apply(op)
	case *GSet:
		return s.Apply(op)
	default:
		return false, fmt.Errorf("unsupported state %T", state)
	}
}

// Merge returns the join of two states of the same type. Neither input is
// modified. Merge is commutative, associative and idempotent.
func Merge(a, b State) (State, error) {
	if a.Type() != b.Type() {
		return nil, common.ErrTypeMismatch{Existing: a.Type(), Declared: b.Type()}
	}

	switch sa := a.(type) {
	case *LWWRegister:
		return MergeLWW(sa, b.(*LWWRegister)), nil
	case *GCounter:
		return MergeGCounter(sa, b.(*GCounter)), nil
	case *GSet:
		return MergeGSet(sa, b.(*GSet)), nil
	default:
		return nil, fmt.Errorf("unsupported state %T", a)
	}
}
