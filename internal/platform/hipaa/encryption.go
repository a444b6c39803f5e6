package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks a column value written by an AES-GCM FieldCipher. Values
// without it are returned as stored, so rows written before a key was
// configured stay readable.
const sealedPrefix = "enc:v1:"

var ErrCiphertext = errors.New("hipaa: malformed ciphertext")

// FieldCipher encrypts single PHI column values at rest.
type FieldCipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// NoEncryption stores values in the clear and refuses to open sealed ones.
var NoEncryption FieldCipher = plainCipher{}

// NewFieldCipher builds a cipher from a 64 character hex AES-256 key. An
// empty key yields a pass-through cipher for development.
func NewFieldCipher(hexKey string) (FieldCipher, error) {
	if hexKey == "" {
		return NoEncryption, nil
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("phi key is not valid hex: %w", err)
	}
	return NewAESCipher(key)
}

// AESCipher is AES-256-GCM with a random nonce prepended to each ciphertext.
type AESCipher struct {
	aead cipher.AEAD
}

func NewAESCipher(key []byte) (*AESCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("phi key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *AESCipher) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("%w: too short", ErrCiphertext)
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return string(plain), nil
}

type plainCipher struct{}

func (plainCipher) Seal(s string) (string, error) { return s, nil }

func (plainCipher) Open(s string) (string, error) {
	if strings.HasPrefix(s, sealedPrefix) {
		return "", fmt.Errorf("%w: value is encrypted but no key is configured", ErrCiphertext)
	}
	return s, nil
}

// IsPassThrough reports whether c stores values in the clear.
func IsPassThrough(c FieldCipher) bool {
	_, ok := c.(plainCipher)
	return ok
}
