// Package crypto implements field-level authenticated encryption for text
// stored by the server.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	KeySize   = 32
	IVSize    = 12
	TagSize   = 16
	MaxLength = 20_000
)

var (
	ErrEmptyPlaintext   = errors.New("crypto: empty plaintext")
	ErrPlaintextTooLong = errors.New("crypto: plaintext too long")
	ErrPartialField     = errors.New("crypto: partially encrypted field")
	ErrDecrypt          = errors.New("crypto: decryption failed")
	ErrKeySize          = errors.New("crypto: key must be 32 bytes")
)

// EncryptedField is one encrypted text value. All three parts are set or
// none is.
type EncryptedField struct {
	Ciphertext []byte
	IV         []byte
	AuthTag    []byte
}

// IsZero reports whether no component is set.
func (f EncryptedField) IsZero() bool {
	return len(f.Ciphertext) == 0 && len(f.IV) == 0 && len(f.AuthTag) == 0
}

// Validate fails with ErrPartialField when some but not all parts are set.
func (f EncryptedField) Validate() error {
	n := 0
	for _, p := range [][]byte{f.Ciphertext, f.IV, f.AuthTag} {
		if len(p) > 0 {
			n++
		}
	}
	if n != 0 && n != 3 {
		return ErrPartialField
	}
	return nil
}

// Codec encrypts with AES-256-GCM under a single process-wide key.
type Codec struct {
	aead   cipher.AEAD
	random io.Reader
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, IVSize)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &Codec{aead: aead, random: rand.Reader}, nil
}

// KeyFromHex parses a 64 character hex key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrKeySize
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a key with HKDF-SHA256.
func DeriveKey(secret, salt string) ([]byte, error) {
	if secret == "" {
		return nil, errors.New("crypto: empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), []byte(salt), []byte("inline field encryption"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (c *Codec) Encrypt(plaintext string) (EncryptedField, error) {
	if plaintext == "" {
		return EncryptedField{}, ErrEmptyPlaintext
	}
	if len(plaintext) > MaxLength {
		return EncryptedField{}, ErrPlaintextTooLong
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(c.random, iv); err != nil {
		return EncryptedField{}, fmt.Errorf("read iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - TagSize
	return EncryptedField{
		Ciphertext: sealed[:split:split],
		IV:         iv,
		AuthTag:    sealed[split:],
	}, nil
}

func (c *Codec) Decrypt(f EncryptedField) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.IsZero() {
		return "", fmt.Errorf("%w: empty field", ErrDecrypt)
	}
	if len(f.IV) != IVSize || len(f.AuthTag) != TagSize {
		return "", fmt.Errorf("%w: bad iv or tag size", ErrDecrypt)
	}
	sealed := make([]byte, 0, len(f.Ciphertext)+TagSize)
	sealed = append(sealed, f.Ciphertext...)
	sealed = append(sealed, f.AuthTag...)
	plain, err := c.aead.Open(nil, f.IV, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// EncryptOptional encrypts s, mapping the empty string to a zero field.
func (c *Codec) EncryptOptional(s string) (EncryptedField, error) {
	if s == "" {
		return EncryptedField{}, nil
	}
	return c.Encrypt(s)
}

// DecryptOptional decrypts f, mapping a zero field to the empty string.
// Partial fields still fail.
func (c *Codec) DecryptOptional(f EncryptedField) (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if f.IsZero() {
		return "", nil
	}
	return c.Decrypt(f)
}
