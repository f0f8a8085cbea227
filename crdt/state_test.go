package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtrelay/common"
)

// randomOperations builds n valid operations of type t against one key. Small
// value and timestamp ranges force collisions and ties.
func randomOperations(rng *rand.Rand, t common.CRDTType, n int) []Operation {
	authors := []common.AuthorID{"r1", "r2", "r3"}
	ops := make([]Operation, 0, n)
	for i := 0; i < n; i++ {
		author := authors[rng.Intn(len(authors))]
		ts := uint64(rng.Intn(5))
		switch t {
		case common.CRDTTypeLWWRegister:
			// one value per (timestamp, author) pair, as a well behaved author would write
			ops = append(ops, NewSetOperation("k", fmt.Sprintf("%s@%d", author, ts), ts, author))
		case common.CRDTTypeGCounter:
			ops = append(ops, NewIncrementOperation("k", uint64(rng.Intn(10)), ts, author))
		case common.CRDTTypeGSet:
			ops = append(ops, NewAddOperation("k", fmt.Sprintf("v%d", rng.Intn(6)), ts, author))
		}
	}
	return ops
}

func applyAll(t *testing.T, typ common.CRDTType, ops []Operation) State {
	t.Helper()
	state, err := NewState(typ)
	require.NoError(t, err)
	for _, op := range ops {
		_, err := Apply(state, op)
		require.NoError(t, err)
	}
	return state
}

// dedupApply applies each operation id at most once, like a replica's op log.
func dedupApply(t *testing.T, typ common.CRDTType, ops []Operation) State {
	t.Helper()
	seen := make(map[common.OperationID]bool)
	var unique []Operation
	for _, op := range ops {
		if seen[op.ID] {
			continue
		}
		seen[op.ID] = true
		unique = append(unique, op)
	}
	return applyAll(t, typ, unique)
}

var allTypes = []common.CRDTType{common.CRDTTypeLWWRegister, common.CRDTTypeGCounter, common.CRDTTypeGSet}

func TestApply_Commutativity(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, typ := range allTypes {
		t.Run(string(typ), func(t *testing.T) {
			for i := 0; i < 200; i++ {
				ops := randomOperations(rng, typ, 2)
				ab := applyAll(t, typ, []Operation{ops[0], ops[1]})
				ba := applyAll(t, typ, []Operation{ops[1], ops[0]})
				assert.True(t, ab.Equal(ba), "ops %+v", ops)
			}
		})
	}
}

func TestMerge_Associativity(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, typ := range allTypes {
		t.Run(string(typ), func(t *testing.T) {
			for i := 0; i < 100; i++ {
				s1 := applyAll(t, typ, randomOperations(rng, typ, 4))
				s2 := applyAll(t, typ, randomOperations(rng, typ, 4))
				s3 := applyAll(t, typ, randomOperations(rng, typ, 4))

				left12, err := Merge(s1, s2)
				require.NoError(t, err)
				left, err := Merge(left12, s3)
				require.NoError(t, err)

				right23, err := Merge(s2, s3)
				require.NoError(t, err)
				right, err := Merge(s1, right23)
				require.NoError(t, err)

				assert.True(t, left.Equal(right))

				// Commutative and idempotent as well
				m12, _ := Merge(s1, s2)
				m21, _ := Merge(s2, s1)
				assert.True(t, m12.Equal(m21))
				self, _ := Merge(s1, s1)
				assert.True(t, self.Equal(s1))
			}
		})
	}
}

func TestApply_IdempotenceWithOpLog(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, typ := range allTypes {
		t.Run(string(typ), func(t *testing.T) {
			ops := randomOperations(rng, typ, 20)
			once := dedupApply(t, typ, ops)
			twice := dedupApply(t, typ, append(append([]Operation{}, ops...), ops...))
			assert.True(t, once.Equal(twice))
		})
	}
}

func TestConvergence_ArbitraryPermutationWithDuplicates(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const replicas = 4

	for _, typ := range allTypes {
		t.Run(string(typ), func(t *testing.T) {
			ops := randomOperations(rng, typ, 30)
			var reference State
			for r := 0; r < replicas; r++ {
				// Each replica sees every op at least once, some twice, in its own order
				delivery := append([]Operation{}, ops...)
				for _, op := range ops {
					if rng.Intn(3) == 0 {
						delivery = append(delivery, op)
					}
				}
				rng.Shuffle(len(delivery), func(i, j int) { delivery[i], delivery[j] = delivery[j], delivery[i] })

				state := dedupApply(t, typ, delivery)
				if reference == nil {
					reference = state
					continue
				}
				assert.True(t, reference.Equal(state), "replica %d diverged", r)
				assert.Equal(t, reference.Value(), state.Value())
			}
		})
	}
}

func TestApply_TypeMismatch(t *testing.T) {
	set := NewGSet("a")
	changed, err := Apply(set, NewSetOperation("k", "v", 1, "a"))
	assert.False(t, changed)
	assert.True(t, common.IsTypeMismatch(err))
	assert.Equal(t, []string{"a"}, set.Members())
}

func TestApply_InvalidOperation(t *testing.T) {
	op := NewAddOperation("", "v", 1, "a")
	_, err := Apply(NewGSet(), op)
	assert.True(t, common.IsInvalidOperation(err))
}

func TestMerge_TypeMismatch(t *testing.T) {
	_, err := Merge(NewGSet(), NewGCounter())
	assert.True(t, common.IsTypeMismatch(err))
}

func TestNewState(t *testing.T) {
	for _, typ := range allTypes {
		s, err := NewState(typ)
		require.NoError(t, err)
		assert.Equal(t, typ, s.Type())
	}
	_, err := NewState("pn_counter")
	assert.Error(t, err)
}
