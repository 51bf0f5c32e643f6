package iostack

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher names accepted by the AEAD layer.
const (
	CipherAES256GCM        = "aes-256-gcm"
	CipherChaCha20Poly1305 = "chacha20-poly1305"
)

// ErrUnsupportedCipher is returned for a cipher name with no engine.
var ErrUnsupportedCipher = errors.New("unsupported cipher")

// CipherEngine provides AEAD encryption for one file. Seal and Open must
// produce exactly len(plaintext) ciphertext bytes plus the tag: ciphers with
// padding cannot preserve the stack's size translation and are rejected.
type CipherEngine interface {
	// Seal encrypts plaintext, authenticating aad, and returns ciphertext
	// with the tag appended.
	Seal(nonce, plaintext, aad []byte) ([]byte, error)

	// Open decrypts ciphertext (with trailing tag), verifying aad. A tag
	// mismatch returns ErrUnableToDecrypt.
	Open(nonce, ciphertext, aad []byte) ([]byte, error)

	// NonceSize returns the nonce size in bytes.
	NonceSize() int

	// Overhead returns the authentication tag size in bytes.
	Overhead() int
}

// aeadEngine implements CipherEngine over any crypto/cipher.AEAD.
type aeadEngine struct {
	aead cipher.AEAD
}

func (e *aeadEngine) Seal(nonce, plaintext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, aad), nil
}

func (e *aeadEngine) Open(nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(nonce) != e.aead.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.aead.NonceSize(), len(nonce))
	}
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrUnableToDecrypt
	}
	return plaintext, nil
}

func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a cipher engine for the named cipher. AES-256-GCM
// and ChaCha20-Poly1305 both take a 32-byte key and use 12-byte nonces with
// 16-byte tags.
func NewCipherEngine(name string, key []byte) (CipherEngine, error) {
	switch name {
	case CipherAES256GCM:
		if len(key) != 32 {
			return nil, fmt.Errorf("aes-256-gcm requires a 32-byte key, got %d bytes", len(key))
		}
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		return &aeadEngine{aead: aead}, nil
	case CipherChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
		}
		return &aeadEngine{aead: aead}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
	}
}

// randomKey generates an ephemeral 32-byte key.
func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}
