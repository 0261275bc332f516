// Package envelope implements the client-side envelope encryption scheme.
//
// A message body is sealed once under a fresh symmetric key
// (XSalsa20-Poly1305 secretbox). That key is then wrapped separately for
// each recipient with an authenticated public-key box
// (X25519 + XSalsa20-Poly1305), so every recipient unlocks the same
// ciphertext with their own private key. Private keys are protected at rest
// by a vault key derived from the user's password with Argon2id.
//
// Nothing in this package runs on the server.
package envelope

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	KeySize   = 32
	NonceSize = 24
	SaltSize  = 16

	// Algorithm names the message cipher in message encryption headers.
	Algorithm = "XSalsa20-Poly1305"
)

// Argon2id interactive cost parameters (libsodium OPSLIMIT/MEMLIMIT_INTERACTIVE).
const (
	vaultTime    = 2
	vaultMemory  = 64 * 1024
	vaultThreads = 1
)

// ErrDecryption is returned for every open/unwrap failure. Wrong key,
// wrong password and tampered ciphertext are deliberately indistinguishable.
var ErrDecryption = errors.New("decryption failed")

type (
	PublicKey    [KeySize]byte
	PrivateKey   [KeySize]byte
	SymmetricKey [KeySize]byte
)

// Sealed is a ciphertext together with the nonce it was sealed under.
type Sealed struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// String returns the standard base64 form published to the server.
func (k PublicKey) String() string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// ParsePublicKey decodes a base64 public key.
func ParsePublicKey(s string) (*PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k PublicKey
	copy(k[:], raw)
	return &k, nil
}

// GenerateKeyPair creates a long-term identity key pair.
func GenerateKeyPair() (*PublicKey, *PrivateKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key pair: %w", err)
	}
	return (*PublicKey)(pub), (*PrivateKey)(priv), nil
}

// NewSalt returns a random salt for DeriveVaultKey.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveVaultKey stretches a password into a symmetric key with Argon2id.
func DeriveVaultKey(password, salt []byte) *SymmetricKey {
	var k SymmetricKey
	copy(k[:], argon2.IDKey(password, salt, vaultTime, vaultMemory, vaultThreads, KeySize))
	return &k
}

// GenerateMessageKey returns a fresh random per-message key.
func GenerateMessageKey() (*SymmetricKey, error) {
	var k SymmetricKey
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		return nil, fmt.Errorf("generate message key: %w", err)
	}
	return &k, nil
}

func newNonce() (*[NonceSize]byte, error) {
	var n [NonceSize]byte
	if _, err := io.ReadFull(rand.Reader, n[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return &n, nil
}

func nonceFrom(b []byte) (*[NonceSize]byte, bool) {
	if len(b) != NonceSize {
		return nil, false
	}
	var n [NonceSize]byte
	copy(n[:], b)
	return &n, true
}

func seal(plaintext []byte, key *SymmetricKey) (*Sealed, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	ct := secretbox.Seal(nil, plaintext, nonce, (*[KeySize]byte)(key))
	return &Sealed{Ciphertext: ct, Nonce: nonce[:]}, nil
}

func open(s *Sealed, key *SymmetricKey) ([]byte, error) {
	if s == nil || key == nil {
		return nil, ErrDecryption
	}
	nonce, ok := nonceFrom(s.Nonce)
	if !ok {
		return nil, ErrDecryption
	}
	pt, ok := secretbox.Open(nil, s.Ciphertext, nonce, (*[KeySize]byte)(key))
	if !ok {
		return nil, ErrDecryption
	}
	return pt, nil
}

// SealMessage encrypts a message body under its one-time key.
func SealMessage(plaintext []byte, key *SymmetricKey) (*Sealed, error) {
	return seal(plaintext, key)
}

// OpenMessage is the inverse of SealMessage.
func OpenMessage(s *Sealed, key *SymmetricKey) ([]byte, error) {
	return open(s, key)
}

// SealPrivateKey protects a private key with a vault key.
func SealPrivateKey(priv *PrivateKey, vaultKey *SymmetricKey) (*Sealed, error) {
	return seal(priv[:], vaultKey)
}

// OpenPrivateKey recovers a private key sealed by SealPrivateKey.
func OpenPrivateKey(s *Sealed, vaultKey *SymmetricKey) (*PrivateKey, error) {
	raw, err := open(s, vaultKey)
	if err != nil {
		return nil, err
	}
	defer Wipe(raw)
	if len(raw) != KeySize {
		return nil, ErrDecryption
	}
	var k PrivateKey
	copy(k[:], raw)
	return &k, nil
}

// WrapKeyForRecipient seals a message key so that only the holder of the
// recipient private key, knowing the sender public key, can unwrap it.
func WrapKeyForRecipient(key *SymmetricKey, senderPriv *PrivateKey, recipientPub *PublicKey) (*Sealed, error) {
	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	wrapped := box.Seal(nil, key[:], nonce, (*[KeySize]byte)(recipientPub), (*[KeySize]byte)(senderPriv))
	return &Sealed{Ciphertext: wrapped, Nonce: nonce[:]}, nil
}

// UnwrapKeyFromSender is the inverse of WrapKeyForRecipient.
func UnwrapKeyFromSender(s *Sealed, recipientPriv *PrivateKey, senderPub *PublicKey) (*SymmetricKey, error) {
	if s == nil || recipientPriv == nil || senderPub == nil {
		return nil, ErrDecryption
	}
	nonce, ok := nonceFrom(s.Nonce)
	if !ok {
		return nil, ErrDecryption
	}
	raw, ok := box.Open(nil, s.Ciphertext, nonce, (*[KeySize]byte)(senderPub), (*[KeySize]byte)(recipientPriv))
	if !ok || len(raw) != KeySize {
		return nil, ErrDecryption
	}
	defer Wipe(raw)
	var k SymmetricKey
	copy(k[:], raw)
	return &k, nil
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
