// Package codec serializes operations to the transport-agnostic JSON wire
// format and applies the encryption capability on the way in and out.
//
// Wire shape:
//
//	{"v":1,"id":"...","crdt_type":"g_set","key":"tags",
//	 "action":{"add":"red"},"timestamp":1700000000000,"author":"..."}
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"crdtrelay/common"
	"crdtrelay/crdt"
	"crdtrelay/seal"
)

// Version is the wire format version written by Encode.
const Version = 1

// Encoder encodes an operation into a byte array.
type Encoder interface {
	Encode(op crdt.Operation) ([]byte, error)
}

// Decoder decodes a byte array into an operation.
type Decoder interface {
	Decode(data []byte) (crdt.Operation, error)
}

// EncoderDecoder combines the Encoder and Decoder interfaces.
type EncoderDecoder interface {
	Encoder
	Decoder
}

type wireAction struct {
	Set       *string `json:"set,omitempty"`
	Increment *uint64 `json:"increment,omitempty"`
	Add       *string `json:"add,omitempty"`
}

type wireOperation struct {
	Version   int        `json:"v"`
	ID        string     `json:"id"`
	Type      string     `json:"crdt_type"`
	Key       string     `json:"key"`
	Action    wireAction `json:"action"`
	Timestamp uint64     `json:"timestamp"`
	Author    string     `json:"author"`
}

// inboundOperation uses pointers so that absent fields can be told apart
// from zero values.
type inboundOperation struct {
	Version   *int                       `json:"v"`
	ID        *string                    `json:"id"`
	Type      *string                    `json:"crdt_type"`
	Key       *string                    `json:"key"`
	Action    map[string]json.RawMessage `json:"action"`
	Timestamp *uint64                    `json:"timestamp"`
	Author    *string                    `json:"author"`
}

// JSONCodec implements EncoderDecoder with the versioned JSON wire format.
type JSONCodec struct{}

// Encode validates op and encodes it. Field order is fixed.
func (c JSONCodec) Encode(op crdt.Operation) ([]byte, error) {
	if err := op.Validate(); err != nil {
		return nil, err
	}

	return json.Marshal(wireOperation{
		Version: Version,
		ID:      op.ID.String(),
		Type:    op.Type.String(),
		Key:     op.Key,
		Action: wireAction{
			Set:       op.Action.Set,
			Increment: op.Action.Increment,
			Add:       op.Action.Add,
		},
		Timestamp: op.Timestamp,
		Author:    op.Author.String(),
	})
}

// Decode parses data into an operation. Every failure is a common.ErrDecode.
func (c JSONCodec) Decode(data []byte) (crdt.Operation, error) {
	var in inboundOperation
	if err := json.Unmarshal(data, &in); err != nil {
		return crdt.Operation{}, common.ErrDecode{Message: "malformed payload", Err: err}
	}

	if in.Version != nil && *in.Version != Version {
		return crdt.Operation{}, common.ErrDecode{Message: fmt.Sprintf("unsupported version %d", *in.Version)}
	}

	switch {
	case in.ID == nil || *in.ID == "":
		return crdt.Operation{}, missing("id")
	case in.Type == nil:
		return crdt.Operation{}, missing("crdt_type")
	case in.Key == nil || *in.Key == "":
		return crdt.Operation{}, missing("key")
	case in.Action == nil:
		return crdt.Operation{}, missing("action")
	case in.Timestamp == nil:
		return crdt.Operation{}, missing("timestamp")
	case in.Author == nil || *in.Author == "":
		return crdt.Operation{}, missing("author")
	}

	crdtType, err := common.ParseCRDTType(*in.Type)
	if err != nil {
		return crdt.Operation{}, common.ErrDecode{Message: "unknown crdt_type", Err: err}
	}

	action, err := decodeAction(in.Action)
	if err != nil {
		return crdt.Operation{}, err
	}
	if action.Kind() != crdtType {
		return crdt.Operation{}, common.ErrDecode{Message: fmt.Sprintf("action does not match crdt_type %s", crdtType)}
	}

	return crdt.Operation{
		ID:        common.OperationID(*in.ID),
		Type:      crdtType,
		Key:       *in.Key,
		Action:    action,
		Timestamp: *in.Timestamp,
		Author:    common.AuthorID(*in.Author),
	}, nil
}

func decodeAction(raw map[string]json.RawMessage) (crdt.Action, error) {
	if len(raw) != 1 {
		return crdt.Action{}, common.ErrDecode{Message: fmt.Sprintf("action must have exactly one variant, got %d", len(raw))}
	}

	var action crdt.Action
	for name, value := range raw {
		switch name {
		case "set", "add":
			var s *string
			if err := json.Unmarshal(value, &s); err != nil || s == nil {
				return crdt.Action{}, common.ErrDecode{Message: name + " value must be a string", Err: err}
			}
			if name == "set" {
				action.Set = s
			} else {
				action.Add = s
			}
		case "increment":
			amount, err := decodeAmount(value)
			if err != nil {
				return crdt.Action{}, err
			}
			action.Increment = &amount
		default:
			return crdt.Action{}, common.ErrDecode{Message: "unknown action " + strconv.Quote(name)}
		}
	}
	return action, nil
}

func decodeAmount(value json.RawMessage) (uint64, error) {
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.UseNumber()

	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, common.ErrDecode{Message: "increment must be a number", Err: err}
	}
	s := n.String()
	if len(s) > 0 && s[0] == '-' {
		return 0, common.ErrDecode{Message: "negative increment " + s}
	}
	amount, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, common.ErrDecode{Message: "increment must be a non-negative integer", Err: err}
	}
	return amount, nil
}

func missing(field string) error {
	return common.ErrDecode{Message: "missing field " + field}
}

// Seal encodes op and encrypts it for recipient.
func Seal(enc Encoder, cipher seal.Cipher, op crdt.Operation, recipient string) ([]byte, error) {
	plaintext, err := enc.Encode(op)
	if err != nil {
		return nil, err
	}
	return cipher.Encrypt(plaintext, recipient)
}

// Open decrypts payload from sender and decodes it. Decryption failures are
// returned as common.ErrCrypto and malformed plaintext as common.ErrDecode.
func Open(dec Decoder, cipher seal.Cipher, payload []byte, sender string) (crdt.Operation, error) {
	plaintext, err := cipher.Decrypt(payload, sender)
	if err != nil {
		if !common.IsCrypto(err) {
			err = common.ErrCrypto{Identity: sender, Err: err}
		}
		return crdt.Operation{}, err
	}
	return dec.Decode(plaintext)
}
