package common

import (
	"errors"
	"fmt"
)

// ErrInvalidOperation is returned when a caller supplies an out-of-domain value,
// such as a negative counter increment. Nothing is mutated.
type ErrInvalidOperation struct {
	Message string
}

func (e ErrInvalidOperation) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Message)
}

// ErrTypeMismatch is returned when an operation declares a CRDT type that differs
// from the type of the instance already registered under its key.
type ErrTypeMismatch struct {
	Key      string
	Existing CRDTType
	Declared CRDTType
}

func (e ErrTypeMismatch) Error() string {
	return fmt.Sprintf("type mismatch for key %q: registered as %s, operation declares %s", e.Key, e.Existing, e.Declared)
}

// ErrDecode is returned when a payload does not hold a well-formed operation.
type ErrDecode struct {
	Message string
	Err     error
}

func (e ErrDecode) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("decode error: %s", e.Message)
}

func (e ErrDecode) Unwrap() error {
	return e.Err
}

// ErrCrypto is returned when a payload cannot be encrypted for a recipient or
// decrypted and authenticated from a sender.
type ErrCrypto struct {
	Identity string
	Err      error
}

func (e ErrCrypto) Error() string {
	return fmt.Sprintf("crypto error (identity %s): %v", e.Identity, e.Err)
}

func (e ErrCrypto) Unwrap() error {
	return e.Err
}

// ErrNotFound is returned when a key has never been touched.
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.Key)
}

// ErrTransport is returned when a publish or subscribe call on the transport fails.
type ErrTransport struct {
	Topic string
	Err   error
}

func (e ErrTransport) Error() string {
	return fmt.Sprintf("transport error on topic %s: %v", e.Topic, e.Err)
}

func (e ErrTransport) Unwrap() error {
	return e.Err
}

// IsInvalidOperation reports whether err is, or wraps, an ErrInvalidOperation.
func IsInvalidOperation(err error) bool {
	var target ErrInvalidOperation
	return errors.As(err, &target)
}

// IsTypeMismatch reports whether err is, or wraps, an ErrTypeMismatch.
func IsTypeMismatch(err error) bool {
	var target ErrTypeMismatch
	return errors.As(err, &target)
}

// IsDecode reports whether err is, or wraps, an ErrDecode.
func IsDecode(err error) bool {
	var target ErrDecode
	return errors.As(err, &target)
}

// IsCrypto reports whether err is, or wraps, an ErrCrypto.
func IsCrypto(err error) bool {
	var target ErrCrypto
	return errors.As(err, &target)
}

// IsNotFound reports whether err is, or wraps, an ErrNotFound.
func IsNotFound(err error) bool {
	var target ErrNotFound
	return errors.As(err, &target)
}

// IsTransport reports whether err is, or wraps, an ErrTransport.
func IsTransport(err error) bool {
	var target ErrTransport
	return errors.As(err, &target)
}
