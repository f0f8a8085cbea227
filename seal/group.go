package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"crdtrelay/common"
)

const (
	// GroupKeySize is the AES-256 key size.
	GroupKeySize = 32
	// GroupNonceSize is the nonce size for AES-GCM.
	GroupNonceSize = 12
	// PBKDF2Iterations is the number of iterations for key derivation.
	PBKDF2Iterations = 100000
)

// GroupCipher encrypts with one AES-256-GCM key shared by every member of a
// group. Recipient and sender identities are not used for key selection.
type GroupCipher struct {
	identity string
	gcm      cipher.AEAD
}

// NewGroupCipher derives the group key from a passphrase and a salt that all
// members share.
func NewGroupCipher(identity string, passphrase string, salt []byte) (*GroupCipher, error) {
	if passphrase == "" {
		return nil, errors.New("group passphrase cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("group salt cannot be empty")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, GroupKeySize, sha256.New)
	return NewGroupCipherWithKey(identity, key)
}

// NewGroupCipherWithKey creates a GroupCipher from a raw 32 byte key.
func NewGroupCipherWithKey(identity string, key []byte) (*GroupCipher, error) {
	if len(key) != GroupKeySize {
		return nil, fmt.Errorf("group key must be %d bytes", GroupKeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &GroupCipher{identity: identity, gcm: gcm}, nil
}

// Identity returns the local identity.
func (c *GroupCipher) Identity() string {
	return c.identity
}

// Encrypt returns ciphertext with a prepended nonce.
func (c *GroupCipher) Encrypt(plaintext []byte, recipient string) ([]byte, error) {
	nonce := make([]byte, GroupNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, common.ErrCrypto{Identity: recipient, Err: err}
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext with a prepended nonce.
func (c *GroupCipher) Decrypt(ciphertext []byte, sender string) ([]byte, error) {
	if len(ciphertext) < GroupNonceSize+c.gcm.Overhead() {
		return nil, common.ErrCrypto{Identity: sender, Err: errShortCiphertext}
	}
	nonce := ciphertext[:GroupNonceSize]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext[GroupNonceSize:], nil)
	if err != nil {
		return nil, common.ErrCrypto{Identity: sender, Err: errAuthentication}
	}
	return plaintext, nil
}

// PlainCipher passes payloads through unchanged. It suits tests and networks
// where the transport already provides confidentiality.
type PlainCipher struct {
	identity string
}

// NewPlainCipher creates a PlainCipher.
func NewPlainCipher(identity string) *PlainCipher {
	return &PlainCipher{identity: identity}
}

// Identity returns the local identity.
func (c *PlainCipher) Identity() string {
	return c.identity
}

// Encrypt returns a copy of plaintext.
func (c *PlainCipher) Encrypt(plaintext []byte, _ string) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

// Decrypt returns a copy of ciphertext.
func (c *PlainCipher) Decrypt(ciphertext []byte, _ string) ([]byte, error) {
	return append([]byte(nil), ciphertext...), nil
}
