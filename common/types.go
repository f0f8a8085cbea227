package common

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CRDTType identifies one of the supported replicated data types.
type CRDTType string

const (
	// CRDTTypeLWWRegister is a last-writer-wins register.
	CRDTTypeLWWRegister CRDTType = "lww_register"
	// CRDTTypeGCounter is a grow-only counter.
	CRDTTypeGCounter CRDTType = "g_counter"
	// CRDTTypeGSet is a grow-only set.
	CRDTTypeGSet CRDTType = "g_set"
)

// Valid reports whether t is one of the supported types.
func (t CRDTType) Valid() bool {
	switch t {
	case CRDTTypeLWWRegister, CRDTTypeGCounter, CRDTTypeGSet:
		return true
	default:
		return false
	}
}

// String returns the wire tag of the type.
func (t CRDTType) String() string {
	return string(t)
}

// ParseCRDTType parses a wire tag into a CRDTType.
func ParseCRDTType(s string) (CRDTType, error) {
	t := CRDTType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown crdt type: %q", s)
	}
	return t, nil
}

// OperationID uniquely identifies an operation. It is the primary dedup key.
type OperationID string

// NewOperationID creates a random 128-bit operation identifier.
func NewOperationID() OperationID {
	return OperationID(uuid.New().String())
}

// String returns the identifier as a string.
func (id OperationID) String() string {
	return string(id)
}

// AuthorID identifies the replica that created an operation. It is the LWW
// tie-breaker and the per-replica slot key of a GCounter.
type AuthorID string

// NewAuthorID creates a random author identifier.
func NewAuthorID() AuthorID {
	return AuthorID(uuid.New().String())
}

// Compare compares two AuthorIDs bytewise.
// Returns:
//
//	-1 if a < other
//	 0 if a == other
//	 1 if a > other
func (a AuthorID) Compare(other AuthorID) int {
	return strings.Compare(string(a), string(other))
}

// String returns the identifier as a string.
func (a AuthorID) String() string {
	return string(a)
}

// ApplyStatus describes what happened when an operation reached a replica.
type ApplyStatus int

const (
	// ApplyStatusApplied means the operation changed the instance state.
	ApplyStatusApplied ApplyStatus = iota
	// ApplyStatusUnchanged means the operation was new but did not change the
	// state, e.g. a stale LWW write or a set member that was already present.
	ApplyStatusUnchanged
	// ApplyStatusDuplicate means the operation id had already been applied.
	ApplyStatusDuplicate
)

func (s ApplyStatus) String() string {
	switch s {
	case ApplyStatusApplied:
		return "applied"
	case ApplyStatusUnchanged:
		return "unchanged"
	case ApplyStatusDuplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("ApplyStatus(%d)", int(s))
	}
}
