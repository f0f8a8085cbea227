package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCRDTType(t *testing.T) {
	// Wire tags
	assert.Equal(t, CRDTType("lww_register"), CRDTTypeLWWRegister)
	assert.Equal(t, CRDTType("g_counter"), CRDTTypeGCounter)
	assert.Equal(t, CRDTType("g_set"), CRDTTypeGSet)

	for _, tag := range []string{"lww_register", "g_counter", "g_set"} {
		parsed, err := ParseCRDTType(tag)
		require.NoError(t, err)
		assert.Equal(t, tag, parsed.String())
		assert.True(t, parsed.Valid())
	}

	_, err := ParseCRDTType("or_set")
	assert.Error(t, err)
	assert.False(t, CRDTType("").Valid())
}

func TestOperationID(t *testing.T) {
	id1 := NewOperationID()
	id2 := NewOperationID()
	assert.NotEqual(t, id1, id2)
	assert.Len(t, id1.String(), 36)
}

func TestAuthorIDCompare(t *testing.T) {
	assert.Equal(t, -1, AuthorID("alice").Compare("bob"))
	assert.Equal(t, 1, AuthorID("bob").Compare("alice"))
	assert.Equal(t, 0, AuthorID("carol").Compare("carol"))
	assert.NotEqual(t, NewAuthorID(), NewAuthorID())
}

func TestApplyStatusString(t *testing.T) {
	assert.Equal(t, "applied", ApplyStatusApplied.String())
	assert.Equal(t, "unchanged", ApplyStatusUnchanged.String())
	assert.Equal(t, "duplicate", ApplyStatusDuplicate.String())
	assert.Equal(t, "ApplyStatus(9)", ApplyStatus(9).String())
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"invalid operation", ErrInvalidOperation{Message: "negative increment"}, IsInvalidOperation},
		{"type mismatch", ErrTypeMismatch{Key: "k", Existing: CRDTTypeGSet, Declared: CRDTTypeLWWRegister}, IsTypeMismatch},
		{"decode", ErrDecode{Message: "bad json", Err: cause}, IsDecode},
		{"crypto", ErrCrypto{Identity: "peer", Err: cause}, IsCrypto},
		{"not found", ErrNotFound{Key: "k"}, IsNotFound},
		{"transport", ErrTransport{Topic: "t", Err: cause}, IsTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
			// Wrapped errors are still recognised
			assert.True(t, tt.check(fmt.Errorf("context: %w", tt.err)))
			assert.NotEmpty(t, tt.err.Error())
		})
	}

	assert.False(t, IsNotFound(cause))
	assert.ErrorIs(t, ErrDecode{Message: "x", Err: cause}, cause)
	assert.ErrorIs(t, ErrCrypto{Identity: "x", Err: cause}, cause)
	assert.Contains(t, ErrTypeMismatch{Key: "k", Existing: CRDTTypeGSet, Declared: CRDTTypeGCounter}.Error(), "g_set")
}
