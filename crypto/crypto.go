// Package crypto seals OAuth credentials at rest with AES-256-GCM.
//
// A Keyring holds one primary key used for new ciphertext plus any number of
// retired keys that can still open older rows. Every sealed value is stored
// next to the id of the key that produced it, so rotating ENCRYPTION_KEY only
// requires listing the previous key in ENCRYPTION_KEYS_PREVIOUS until the
// token rows have been resealed.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrUnknownKey is returned when a value was sealed under a key the keyring does not hold.
var ErrUnknownKey = errors.New("crypto: unknown key id")

// Sealer seals and opens token strings for text columns.
type Sealer interface {
	// Seal returns base64 ciphertext and the id of the key used.
	Seal(plaintext string) (ciphertext, keyID string, err error)
	// Open reverses Seal for a value sealed under keyID.
	Open(ciphertext, keyID string) (string, error)
}

type aeadKey struct {
	id   string
	aead cipher.AEAD
}

// Keyring is a Sealer backed by AES-256-GCM keys addressed by id.
type Keyring struct {
	primary aeadKey
	keys    map[string]cipher.AEAD
}

// ParseKey decodes a base64 32-byte key.
//
//	openssl rand -base64 32
func ParseKey(base64Key string) ([]byte, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(base64Key))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return key, nil
}

// KeyID derives a short stable id for a key so rows can name it without storing it.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

// NewKeyring builds a keyring whose primary key is primaryB64. previous is a
// comma separated list of retired base64 keys that remain valid for Open.
func NewKeyring(primaryB64, previous string) (*Keyring, error) {
	pk, err := ParseKey(primaryB64)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(pk)
	if err != nil {
		return nil, err
	}
	kr := &Keyring{
		primary: aeadKey{id: KeyID(pk), aead: aead},
		keys:    map[string]cipher.AEAD{KeyID(pk): aead},
	}
	for _, raw := range strings.Split(previous, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		k, err := ParseKey(raw)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		a, err := newAEAD(k)
		if err != nil {
			return nil, err
		}
		kr.keys[KeyID(k)] = a
	}
	return kr, nil
}

// PrimaryID is the id stamped on newly sealed values.
func (k *Keyring) PrimaryID() string { return k.primary.id }

// Seal encrypts plaintext under the primary key. The stored form is
// base64(nonce || ciphertext || tag). Empty input seals to empty output.
func (k *Keyring) Seal(plaintext string) (string, string, error) {
	if plaintext == "" {
		return "", k.primary.id, nil
	}
	nonce := make([]byte, k.primary.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	out := k.primary.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(out), k.primary.id, nil
}

// Open decrypts a value sealed under keyID. An empty keyID means the primary key.
func (k *Keyring) Open(ciphertext, keyID string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if keyID == "" {
		keyID = k.primary.id
	}
	aead, ok := k.keys[keyID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	ns := aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", ns, len(raw))
	}
	plain, err := aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
