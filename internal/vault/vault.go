// Package vault encrypts customer provider keys at rest.
//
// Each encryption derives a fresh 256-bit AES-GCM key from the process-wide
// master secret via PBKDF2-HMAC-SHA256 with a random per-key salt, so no two
// stored keys share an AEAD key. The stored form is base64(salt ‖ ciphertext
// ‖ tag) plus a separately stored base64 IV.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize   = 16
	ivSize     = 12
	keySize    = 32
	iterations = 100_000
)

// ErrDecrypt is returned when the ciphertext cannot be authenticated —
// the master secret is wrong or the stored value was corrupted.
var ErrDecrypt = errors.New("vault: decrypt failed")

// ErrNoMasterSecret is returned by New when the master secret is missing.
var ErrNoMasterSecret = errors.New("vault: master secret is required")

// Vault performs authenticated encryption of provider secrets.
type Vault struct {
	master []byte
}

// New creates a Vault from the process-wide master secret.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, ErrNoMasterSecret
	}
	return &Vault{master: []byte(masterSecret)}, nil
}

// Encrypt seals plaintext and returns the storable pair:
// base64(salt ‖ ciphertext ‖ tag) and base64(iv).
func (v *Vault) Encrypt(plaintext string) (encrypted, iv string, err error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", "", fmt.Errorf("vault: salt: %w", err)
	}
	nonce := make([]byte, ivSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("vault: iv: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	// salt is prepended so Decrypt can re-derive the same key.
	blob := make([]byte, 0, saltSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob),
		base64.StdEncoding.EncodeToString(nonce), nil
}

// Decrypt opens a value produced by Encrypt. Returns ErrDecrypt when the
// authentication tag does not verify.
func (v *Vault) Decrypt(encrypted, iv string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("vault: decode ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(iv)
	if err != nil {
		return "", fmt.Errorf("vault: decode iv: %w", err)
	}
	if len(blob) < saltSize || len(nonce) != ivSize {
		return "", ErrDecrypt
	}

	salt, sealed := blob[:saltSize], blob[saltSize:]

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}

	return string(plaintext), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.master, salt, iterations, keySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return gcm, nil
}
