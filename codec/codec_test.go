package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crdtrelay/common"
	"crdtrelay/crdt"
	"crdtrelay/seal"
)

func TestJSONCodec_Encode(t *testing.T) {
	op := crdt.NewAddOperation("tags", "red", 1700000000000, "alice")
	op.ID = "op-1"

	data, err := JSONCodec{}.Encode(op)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"v": 1,
		"id": "op-1",
		"crdt_type": "g_set",
		"key": "tags",
		"action": {"add": "red"},
		"timestamp": 1700000000000,
		"author": "alice"
	}`, string(data))

	// Deterministic output
	again, err := JSONCodec{}.Encode(op)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	// Zero increments are still encoded
	inc := crdt.NewIncrementOperation("hits", 0, 1, "bob")
	data, err = JSONCodec{}.Encode(inc)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":{"increment":0}`)

	_, err = JSONCodec{}.Encode(crdt.Operation{ID: "x", Key: "k"})
	assert.True(t, common.IsInvalidOperation(err))
}

func TestJSONCodec_RoundTrip(t *testing.T) {
	ops := []crdt.Operation{
		crdt.NewSetOperation("title", "hello \"world\"", 42, "alice"),
		crdt.NewIncrementOperation("hits", 18446744073709551615, 43, "bob"),
		crdt.NewAddOperation("tags", "", 44, "carol"),
	}

	for _, op := range ops {
		data, err := JSONCodec{}.Encode(op)
		require.NoError(t, err)

		decoded, err := JSONCodec{}.Decode(data)
		require.NoError(t, err)
		assert.Equal(t, op, decoded)
	}
}

func TestJSONCodec_DecodeWithoutVersion(t *testing.T) {
	op, err := JSONCodec{}.Decode([]byte(`{"id":"1","crdt_type":"g_counter","key":"k","action":{"increment":5},"timestamp":9,"author":"a"}`))
	require.NoError(t, err)
	require.NotNil(t, op.Action.Increment)
	assert.Equal(t, uint64(5), *op.Action.Increment)
	assert.Equal(t, common.CRDTTypeGCounter, op.Type)
}

func TestJSONCodec_DecodeErrors(t *testing.T) {
	valid := map[string]interface{}{
		"id":        "1",
		"crdt_type": "lww_register",
		"key":       "k",
		"action":    map[string]interface{}{"set": "v"},
		"timestamp": 1,
		"author":    "a",
	}

	mutate := func(f func(m map[string]interface{})) []byte {
		m := make(map[string]interface{}, len(valid))
		for k, v := range valid {
			m[k] = v
		}
		f(m)
		data, err := json.Marshal(m)
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("not json")},
		{"truncated", []byte(`{"id":"1"`)},
		{"array", []byte(`[1,2,3]`)},
		{"unsupported version", mutate(func(m map[string]interface{}) { m["v"] = 2 })},
		{"missing id", mutate(func(m map[string]interface{}) { delete(m, "id") })},
		{"empty id", mutate(func(m map[string]interface{}) { m["id"] = "" })},
		{"missing type", mutate(func(m map[string]interface{}) { delete(m, "crdt_type") })},
		{"unknown type", mutate(func(m map[string]interface{}) { m["crdt_type"] = "or_set" })},
		{"missing key", mutate(func(m map[string]interface{}) { delete(m, "key") })},
		{"missing action", mutate(func(m map[string]interface{}) { delete(m, "action") })},
		{"empty action", mutate(func(m map[string]interface{}) { m["action"] = map[string]interface{}{} })},
		{"two actions", mutate(func(m map[string]interface{}) {
			m["action"] = map[string]interface{}{"set": "v", "add": "w"}
		})},
		{"unknown action", mutate(func(m map[string]interface{}) { m["action"] = map[string]interface{}{"remove": "v"} })},
		{"null set", mutate(func(m map[string]interface{}) { m["action"] = map[string]interface{}{"set": nil} })},
		{"non string set", mutate(func(m map[string]interface{}) { m["action"] = map[string]interface{}{"set": 7} })},
		{"action mismatch", mutate(func(m map[string]interface{}) { m["action"] = map[string]interface{}{"add": "v"} })},
		{"missing timestamp", mutate(func(m map[string]interface{}) { delete(m, "timestamp") })},
		{"negative timestamp", mutate(func(m map[string]interface{}) { m["timestamp"] = -1 })},
		{"missing author", mutate(func(m map[string]interface{}) { delete(m, "author") })},
		{"negative increment", mutate(func(m map[string]interface{}) {
			m["crdt_type"] = "g_counter"
			m["action"] = map[string]interface{}{"increment": -3}
		})},
		{"fractional increment", mutate(func(m map[string]interface{}) {
			m["crdt_type"] = "g_counter"
			m["action"] = map[string]interface{}{"increment": 1.5}
		})},
		{"string increment", mutate(func(m map[string]interface{}) {
			m["crdt_type"] = "g_counter"
			m["action"] = map[string]interface{}{"increment": "3"}
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := JSONCodec{}.Decode(tt.payload)
			require.Error(t, err)
			assert.True(t, common.IsDecode(err), "got %v", err)
		})
	}

	// The unmodified payload decodes
	_, err := JSONCodec{}.Decode(mutate(func(map[string]interface{}) {}))
	assert.NoError(t, err)
}

func TestSealOpen(t *testing.T) {
	cipher, err := seal.GenerateBoxCipher()
	require.NoError(t, err)

	op := crdt.NewSetOperation("title", "secret", 7, common.AuthorID(cipher.Identity()))

	payload, err := Seal(JSONCodec{}, cipher, op, cipher.Identity())
	require.NoError(t, err)
	assert.NotContains(t, string(payload), "secret")

	decoded, err := Open(JSONCodec{}, cipher, payload, cipher.Identity())
	require.NoError(t, err)
	assert.Equal(t, op, decoded)

	// Tampered ciphertext is a crypto failure, not a decode failure
	payload[len(payload)-1] ^= 0x01
	_, err = Open(JSONCodec{}, cipher, payload, cipher.Identity())
	assert.True(t, common.IsCrypto(err))
	assert.False(t, common.IsDecode(err))

	// Garbage that decrypts fine is a decode failure
	plain := seal.NewPlainCipher("p")
	_, err = Open(JSONCodec{}, plain, []byte("{"), "p")
	assert.True(t, common.IsDecode(err))
}
