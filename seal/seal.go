// Package seal provides the payload confidentiality used when operations are
// broadcast. Every Cipher is keyed by identity: the sender encrypts for a
// recipient identity and the receiver decrypts using the sender's identity.
package seal

import (
	"errors"
)

// Cipher encrypts and decrypts operation payloads.
type Cipher interface {
	// Identity returns the local identity, the value peers pass as sender.
	Identity() string

	// Encrypt encrypts plaintext for recipient.
	Encrypt(plaintext []byte, recipient string) ([]byte, error)

	// Decrypt decrypts and authenticates ciphertext produced by sender.
	Decrypt(ciphertext []byte, sender string) ([]byte, error)
}

var (
	errUnknownIdentity = errors.New("unknown identity")
	errShortCiphertext = errors.New("ciphertext too short")
	errAuthentication  = errors.New("message authentication failed")
)
