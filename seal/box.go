package seal

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"crdtrelay/common"
)

const nonceSize = 24

// BoxCipher authenticates and encrypts payloads with NaCl box. An identity is
// the hex encoded curve25519 public key. Only the local identity and
// registered peers are accepted as sender or recipient.
type BoxCipher struct {
	// publicKey and privateKey form the local key pair.
	publicKey  *[32]byte
	privateKey *[32]byte
	// identity is the hex encoded public key.
	identity string
	// peers maps identity to public key.
	peers map[string]*[32]byte
	// mutex protects peers.
	mutex sync.RWMutex
}

// GenerateBoxCipher creates a BoxCipher with a fresh key pair.
func GenerateBoxCipher() (*BoxCipher, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return newBoxCipher(publicKey, privateKey), nil
}

// NewBoxCipher creates a BoxCipher from a 32 byte private key.
func NewBoxCipher(privateKey []byte) (*BoxCipher, error) {
	if len(privateKey) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	var publicKey, priv [32]byte
	copy(publicKey[:], pub)
	copy(priv[:], privateKey)
	return newBoxCipher(&publicKey, &priv), nil
}

func newBoxCipher(publicKey, privateKey *[32]byte) *BoxCipher {
	return &BoxCipher{
		publicKey:  publicKey,
		privateKey: privateKey,
		identity:   hex.EncodeToString(publicKey[:]),
		peers:      make(map[string]*[32]byte),
	}
}

// Identity returns the hex encoded public key.
func (c *BoxCipher) Identity() string {
	return c.identity
}

// PrivateKey returns a copy of the private key, for persisting the identity.
func (c *BoxCipher) PrivateKey() []byte {
	out := make([]byte, 32)
	copy(out, c.privateKey[:])
	return out
}

// AddPeer registers a peer identity.
func (c *BoxCipher) AddPeer(identity string) error {
	key, err := parseIdentity(identity)
	if err != nil {
		return err
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.peers[identity] = key
	return nil
}

// Peers returns the registered peer identities.
func (c *BoxCipher) Peers() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]string, 0, len(c.peers))
	for identity := range c.peers {
		out = append(out, identity)
	}
	return out
}

func (c *BoxCipher) lookup(identity string) (*[32]byte, bool) {
	if identity == c.identity {
		return c.publicKey, true
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()
	key, ok := c.peers[identity]
	return key, ok
}

// Encrypt seals plaintext for recipient. The random nonce is prepended.
func (c *BoxCipher) Encrypt(plaintext []byte, recipient string) ([]byte, error) {
	key, ok := c.lookup(recipient)
	if !ok {
		return nil, common.ErrCrypto{Identity: recipient, Err: errUnknownIdentity}
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, common.ErrCrypto{Identity: recipient, Err: err}
	}

	return box.Seal(nonce[:], plaintext, &nonce, key, c.privateKey), nil
}

// Decrypt opens ciphertext sealed by sender for the local identity.
func (c *BoxCipher) Decrypt(ciphertext []byte, sender string) ([]byte, error) {
	key, ok := c.lookup(sender)
	if !ok {
		return nil, common.ErrCrypto{Identity: sender, Err: errUnknownIdentity}
	}
	if len(ciphertext) < nonceSize+box.Overhead {
		return nil, common.ErrCrypto{Identity: sender, Err: errShortCiphertext}
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := box.Open(nil, ciphertext[nonceSize:], &nonce, key, c.privateKey)
	if !ok {
		return nil, common.ErrCrypto{Identity: sender, Err: errAuthentication}
	}
	return plaintext, nil
}

func parseIdentity(identity string) (*[32]byte, error) {
	raw, err := hex.DecodeString(identity)
	if err != nil {
		return nil, fmt.Errorf("invalid identity %q: %w", identity, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid identity %q: want 32 bytes, got %d", identity, len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
