package crdt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtrelay/common"
)

func TestGSet_Apply(t *testing.T) {
	s := NewGSet()

	changed, err := s.Apply(NewAddOperation("users", "alice", 1, "a"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Apply(NewAddOperation("users", "bob", 2, "a"))
	require.NoError(t, err)
	assert.True(t, changed)

	// Duplicate add is a no-op
	changed, err = s.Apply(NewAddOperation("users", "alice", 3, "b"))
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Contains("alice"))
	assert.True(t, s.Contains("bob"))
	assert.False(t, s.Contains("carol"))
	assert.Equal(t, []string{"alice", "bob"}, s.Value())
}

func TestGSet_RejectsWrongAction(t *testing.T) {
	_, err := NewGSet().Apply(NewSetOperation("k", "v", 1, "a"))
	assert.True(t, common.IsInvalidOperation(err))
}

func TestGSet_ZeroValueStruct(t *testing.T) {
	s := &GSet{}
	_, err := s.Apply(NewAddOperation("k", "x", 1, "a"))
	require.NoError(t, err)
	assert.True(t, s.Contains("x"))
}

func TestMergeGSet(t *testing.T) {
	a := NewGSet("x", "y")
	b := NewGSet("y", "z")

	merged := MergeGSet(a, b)
	assert.Equal(t, []string{"x", "y", "z"}, merged.Members())
	assert.True(t, MergeGSet(b, a).Equal(merged))
	assert.True(t, MergeGSet(merged, merged).Equal(merged))
	assert.Equal(t, []string{"x", "y"}, a.Members())
}

func TestGSet_JSON(t *testing.T) {
	s := NewGSet("b", "a")
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `["a","b"]`, string(data))

	var decoded GSet
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.True(t, decoded.Equal(s))
}
