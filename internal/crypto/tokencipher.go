// Package crypto seals cluster API keys at rest with AES-256-GCM and generates the
// random tokens used in invite links. A sealed value is base64url(nonce || ciphertext).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes for AES-256")
	// ErrKeyUnparseable is returned when ENCRYPTION_KEY is neither 32 raw bytes, hex nor base64 and no salt is set.
	ErrKeyUnparseable = errors.New("crypto: encryption key must be 32 bytes, 64 hex characters or base64 of 32 bytes")
	// ErrCiphertextCorrupted is returned when the ciphertext fails base64 decoding or is shorter than a nonce.
	ErrCiphertextCorrupted = errors.New("crypto: ciphertext is corrupted or tampered")
	// ErrDecryptionFailed is returned when GCM authentication fails.
	ErrDecryptionFailed = errors.New("crypto: decryption operation failed")
	// ErrSaltTooShort is returned when a PBKDF2 salt is fewer than 16 bytes.
	ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")
)

const pbkdf2DefaultIterations = 100000

// TokenCipher seals and opens secrets with a fixed master key.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher with a 32-byte master key
func NewTokenCipher(masterKey []byte) (*TokenCipher, error) {
	if len(masterKey) != 32 {
		return nil, ErrKeyLengthInvalid
	}
	keyCopy := make([]byte, 32)
	copy(keyCopy, masterKey)

	block, err := aes.NewCipher(keyCopy)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &TokenCipher{aead: aead}, nil
}

// DeriveTokenCipher derives the master key from a passphrase with PBKDF2-SHA256.
func DeriveTokenCipher(passphrase string, salt []byte, iterations int) (*TokenCipher, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = pbkdf2DefaultIterations
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, iterations, 32, sha256.New)
	return NewTokenCipher(derivedKey)
}

// ParseMasterKey accepts a key as 32 raw bytes, 64 hex characters or base64 of 32 bytes.
func ParseMasterKey(value string) ([]byte, error) {
	if len(value) == 32 {
		return []byte(value), nil
	}
	if len(value) == 64 {
		if b, err := hex.DecodeString(value); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(value); err == nil && len(b) == 32 {
			return b, nil
		}
	}
	return nil, ErrKeyUnparseable
}

// NewTokenCipherFromConfig builds the cipher from ENCRYPTION_KEY. A value that is not a
// literal key is treated as a passphrase when salt is configured.
func NewTokenCipherFromConfig(key, salt string) (*TokenCipher, error) {
	masterKey, err := ParseMasterKey(key)
	if err == nil {
		return NewTokenCipher(masterKey)
	}
	if salt == "" || key == "" {
		return nil, err
	}
	return DeriveTokenCipher(key, []byte(salt), pbkdf2DefaultIterations)
}

// Seal encrypts plaintext and returns a base64url ciphertext. Empty input seals to "".
func (tc *TokenCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, tc.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := tc.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal
func (tc *TokenCipher) Open(encodedCiphertext string) (string, error) {
	if encodedCiphertext == "" {
		return "", nil
	}

	ciphertext, err := base64.URLEncoding.DecodeString(encodedCiphertext)
	if err != nil {
		return "", ErrCiphertextCorrupted
	}

	nonceLen := tc.aead.NonceSize()
	if len(ciphertext) < nonceLen {
		return "", ErrCiphertextCorrupted
	}

	plaintext, err := tc.aead.Open(nil, ciphertext[:nonceLen], ciphertext[nonceLen:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// GenerateKey creates a random 32-byte key
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// RandomToken returns n random bytes encoded as unpadded base64url. Invite links use n=32.
func RandomToken(n int) (string, error) {
	if n < 16 {
		n = 16
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
