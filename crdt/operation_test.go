package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtrelay/common"
)

func TestOperation_Constructors(t *testing.T) {
	set := NewSetOperation("name", "alice", 10, "a")
	require.NoError(t, set.Validate())
	assert.Equal(t, common.CRDTTypeLWWRegister, set.Type)
	assert.Equal(t, "alice", *set.Action.Set)

	inc := NewIncrementOperation("hits", 3, 11, "a")
	require.NoError(t, inc.Validate())
	assert.Equal(t, common.CRDTTypeGCounter, inc.Type)
	assert.Equal(t, uint64(3), *inc.Action.Increment)

	add := NewAddOperation("tags", "x", 12, "a")
	require.NoError(t, add.Validate())
	assert.Equal(t, common.CRDTTypeGSet, add.Type)

	// Fresh id per operation
	assert.NotEqual(t, set.ID, inc.ID)
	assert.NotEqual(t, inc.ID, add.ID)
}

func TestOperation_Validate(t *testing.T) {
	value := "v"
	amount := uint64(1)

	tests := []struct {
		name   string
		mutate func(op *Operation)
	}{
		{"missing id", func(op *Operation) { op.ID = "" }},
		{"missing key", func(op *Operation) { op.Key = "" }},
		{"missing author", func(op *Operation) { op.Author = "" }},
		{"unknown type", func(op *Operation) { op.Type = "mv_register" }},
		{"empty action", func(op *Operation) { op.Action = Action{} }},
		{"two payloads", func(op *Operation) { op.Action.Increment = &amount }},
		{"action type mismatch", func(op *Operation) { op.Action = Action{Add: &value} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := NewSetOperation("k", "v", 1, "a")
			tt.mutate(&op)
			err := op.Validate()
			assert.True(t, common.IsInvalidOperation(err), "got %v", err)
		})
	}
}

func TestOperation_Clone(t *testing.T) {
	op := NewSetOperation("k", "v", 1, "a")
	c := op.Clone()
	*c.Action.Set = "changed"
	assert.Equal(t, "v", *op.Action.Set)
	assert.Equal(t, op.ID, c.ID)
}
