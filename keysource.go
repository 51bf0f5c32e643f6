package iostack

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KeySource supplies the 32-byte key consumed by the AEAD layer of a
// permanent-key encrypted stack. Key management policy (storage, rotation,
// escrow) is the caller's concern; a KeySource only produces key material.
type KeySource interface {
	Key() ([]byte, error)
}

// StaticKey is a KeySource holding a literal key.
type StaticKey []byte

func (k StaticKey) Key() ([]byte, error) {
	if len(k) != 32 {
		return nil, fmt.Errorf("static key must be 32 bytes, got %d", len(k))
	}
	return []byte(k), nil
}

// Argon2idParams contains parameters for Argon2id key derivation.
type Argon2idParams struct {
	Memory      uint32 // memory in KiB (e.g. 64*1024 for 64MB)
	Iterations  uint32 // time parameter
	Parallelism uint8  // degree of parallelism
}

// PBKDF2Params contains parameters for PBKDF2 key derivation.
type PBKDF2Params struct {
	Iterations int             // minimum 100,000 recommended
	Hash       func() hash.Hash // defaults to sha256.New
}

// PasswordKey derives the key from a password and salt using Argon2id.
type PasswordKey struct {
	password []byte
	salt     []byte
	params   Argon2idParams
}

// NewPasswordKey creates an Argon2id-based key source. The salt must be the
// one the file was created with; generate a fresh one with GenerateSalt for
// new files.
func NewPasswordKey(password, salt []byte, params Argon2idParams) *PasswordKey {
	if params.Memory == 0 {
		params.Memory = 64 * 1024
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	return &PasswordKey{password: password, salt: salt, params: params}
}

func (k *PasswordKey) Key() ([]byte, error) {
	if len(k.salt) == 0 {
		return nil, errors.New("password key requires a salt")
	}
	key := argon2.IDKey(k.password, k.salt, k.params.Iterations,
		k.params.Memory, k.params.Parallelism, 32)
	return key, nil
}

// PBKDF2Key derives the key from a password and salt using PBKDF2.
type PBKDF2Key struct {
	password []byte
	salt     []byte
	params   PBKDF2Params
}

// NewPBKDF2Key creates a PBKDF2-based key source.
func NewPBKDF2Key(password, salt []byte, params PBKDF2Params) *PBKDF2Key {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.Hash == nil {
		params.Hash = sha256.New
	}
	return &PBKDF2Key{password: password, salt: salt, params: params}
}

func (k *PBKDF2Key) Key() ([]byte, error) {
	if len(k.salt) == 0 {
		return nil, errors.New("pbkdf2 key requires a salt")
	}
	return pbkdf2.Key(k.password, k.salt, k.params.Iterations, 32, k.params.Hash), nil
}

// GenerateSalt generates a 32-byte random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
