package crdt

import (
	"crdtrelay/common"
)

// Action is the operation-specific payload. Exactly one field is set, and it must
// match the operation's CRDT type.
type Action struct {
	// Set is the new value of an LWW register.
	Set *string
	// Increment is the amount added to a GCounter.
	Increment *uint64
	// Add is the value inserted into a GSet.
	Add *string
}

// Kind returns the CRDT type the action belongs to, or "" if the action is
// empty or carries more than one payload.
func (a Action) Kind() common.CRDTType {
	var kind common.CRDTType
	count := 0
	if a.Set != nil {
		kind = common.CRDTTypeLWWRegister
		count++
	}
	if a.Increment != nil {
		kind = common.CRDTTypeGCounter
		count++
	}
	if a.Add != nil {
		kind = common.CRDTTypeGSet
		count++
	}
	if count != 1 {
		return ""
	}
	return kind
}

// Operation describes one immutable mutation to one keyed CRDT instance.
type Operation struct {
	// ID is the globally unique identifier of the operation.
	ID common.OperationID
	// Type is the CRDT type of the targeted instance.
	Type common.CRDTType
	// Key names the targeted instance.
	Key string
	// Action is the mutation payload.
	Action Action
	// Timestamp orders LWW writes. Milliseconds since the epoch or a logical clock.
	Timestamp uint64
	// Author is the replica that created the operation.
	Author common.AuthorID
}

// NewSetOperation creates an LWW register write.
func NewSetOperation(key string, value string, timestamp uint64, author common.AuthorID) Operation {
	return Operation{
		ID:        common.NewOperationID(),
		Type:      common.CRDTTypeLWWRegister,
		Key:       key,
		Action:    Action{Set: &value},
		Timestamp: timestamp,
		Author:    author,
	}
}

// NewIncrementOperation creates a GCounter increment.
func NewIncrementOperation(key string, amount uint64, timestamp uint64, author common.AuthorID) Operation {
	return Operation{
		ID:        common.NewOperationID(),
		Type:      common.CRDTTypeGCounter,
		Key:       key,
		Action:    Action{Increment: &amount},
		Timestamp: timestamp,
		Author:    author,
	}
}

// NewAddOperation creates a GSet insertion.
func NewAddOperation(key string, value string, timestamp uint64, author common.AuthorID) Operation {
	return Operation{
		ID:        common.NewOperationID(),
		Type:      common.CRDTTypeGSet,
		Key:       key,
		Action:    Action{Add: &value},
		Timestamp: timestamp,
		Author:    author,
	}
}

// Validate checks that all required fields are present and that the action
// matches the declared type.
func (op Operation) Validate() error {
	if op.ID == "" {
		return common.ErrInvalidOperation{Message: "missing operation id"}
	}
	if op.Key == "" {
		return common.ErrInvalidOperation{Message: "missing key"}
	}
	if op.Author == "" {
		return common.ErrInvalidOperation{Message: "missing author"}
	}
	if !op.Type.Valid() {
		return common.ErrInvalidOperation{Message: "unknown crdt type " + string(op.Type)}
	}
	kind := op.Action.Kind()
	if kind == "" {
		return common.ErrInvalidOperation{Message: "action must carry exactly one payload"}
	}
	if kind != op.Type {
		return common.ErrInvalidOperation{Message: "action " + string(kind) + " does not match type " + string(op.Type)}
	}
	return nil
}

// Clone returns a deep copy. Operations are treated as immutable, but the
// action payload is held by pointer.
func (op Operation) Clone() Operation {
	out := op
	if op.Action.Set != nil {
		v := *op.Action.Set
		out.Action.Set = &v
	}
	if op.Action.Increment != nil {
		v := *op.Action.Increment
		out.Action.Increment = &v
	}
	if op.Action.Add != nil {
		v := *op.Action.Add
		out.Action.Add = &v
	}
	return out
}
