package iostack

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Default layer geometry.
const (
	DefaultBufferSize        = 8192
	DefaultPageSize          = 8192
	DefaultEncryptBlockSize  = 8192
	DefaultCompressBlockSize = 8192
)

// ResourceOwner is notified of handles whose lifetime is bound to the
// caller's transaction scope. The owner is expected to close them when the
// scope ends.
type ResourceOwner interface {
	RegisterFile(fd int)
	ForgetFile(fd int)
}

// Config controls the stacks an FS builds.
type Config struct {
	// Cipher names the AEAD cipher for encrypted stacks.
	// Defaults to aes-256-gcm.
	Cipher string

	// Keys supplies the permanent key for StackEncryptPerm and
	// StackCompress stacks. Ephemeral stacks generate their own.
	Keys KeySource

	// SeqSource supplies the per-write sequence number used in AEAD IVs.
	// It must never repeat a value for the same key, and must be
	// thread-safe if shared. Defaults to a process-local counter.
	SeqSource func() uint64

	// BufferSize is the suggested buffered-layer cache size; the actual
	// size is rounded up to the successor's block size at open.
	BufferSize int64

	// PageSize is the suggested paged-layer page size, header included.
	PageSize int64

	// EncryptBlockSize is the AEAD plaintext block size.
	EncryptBlockSize int64

	// CompressBlockSize is the compression layer's logical block size.
	CompressBlockSize int64

	// TempFileLimit bounds the size of any handle opened with
	// TempFileLimit set, in bytes. 0 means unlimited.
	TempFileLimit int64

	// TempDir is where OpenTemp creates files. Defaults to the
	// system temporary directory.
	TempDir string

	// Accountant charges layer buffers to the memory accounting
	// subsystem. Defaults to an accountant that never refuses.
	Accountant MemoryAccountant

	// Owner receives handles opened with CloseAtTxnEnd.
	Owner ResourceOwner

	// Waits, when set, is notified around every raw-layer system call
	// so callers can surface storage wait events.
	Waits WaitReporter

	// Logger emits debug events at open, close and copy boundaries.
	// Defaults to a nop logger.
	Logger *zap.Logger
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config cannot be nil")
	}
	if c.Cipher == "" {
		c.Cipher = CipherAES256GCM
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 {
		return fmt.Errorf("%w: %q", ErrUnsupportedCipher, c.Cipher)
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.EncryptBlockSize == 0 {
		c.EncryptBlockSize = DefaultEncryptBlockSize
	}
	if c.CompressBlockSize == 0 {
		c.CompressBlockSize = DefaultCompressBlockSize
	}
	if c.BufferSize < 1 || c.PageSize <= pageHeaderSize ||
		c.EncryptBlockSize < 1 || c.CompressBlockSize < 1 {
		return errors.New("block sizes must be positive")
	}
	if c.TempFileLimit < 0 {
		return errors.New("temp file limit cannot be negative")
	}
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.SeqSource == nil {
		c.SeqSource = NewCounterSeq(0)
	}
	if c.Accountant == nil {
		c.Accountant = nopAccountant{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// NewCounterSeq returns a thread-safe sequence source counting up from
// start. Each call returns a value one greater than the last.
func NewCounterSeq(start uint64) func() uint64 {
	var ctr atomic.Uint64
	ctr.Store(start)
	return func() uint64 {
		return ctr.Add(1)
	}
}

// Profile is the YAML form of a stack configuration. Key material and
// callbacks cannot come from a file; ToConfig attaches them.
type Profile struct {
	Cipher            string `yaml:"cipher"`
	BufferSize        int64  `yaml:"buffer_size"`
	PageSize          int64  `yaml:"page_size"`
	EncryptBlockSize  int64  `yaml:"encrypt_block_size"`
	CompressBlockSize int64  `yaml:"compress_block_size"`
	TempFileLimit     int64  `yaml:"temp_file_limit"`
	TempDir           string `yaml:"temp_dir"`
}

// ProfileFile holds named profiles, e.g. one per tablespace class.
type ProfileFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// ParseProfiles parses a YAML profile document.
func ParseProfiles(data []byte) (*ProfileFile, error) {
	var pf ProfileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	return &pf, nil
}

// LoadProfiles reads and parses a YAML profile file.
func LoadProfiles(path string) (*ProfileFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfiles(data)
}

// ToConfig builds a Config from the profile, attaching the key source.
func (p Profile) ToConfig(keys KeySource) *Config {
	return &Config{
		Cipher:            p.Cipher,
		Keys:              keys,
		BufferSize:        p.BufferSize,
		PageSize:          p.PageSize,
		EncryptBlockSize:  p.EncryptBlockSize,
		CompressBlockSize: p.CompressBlockSize,
		TempFileLimit:     p.TempFileLimit,
		TempDir:           p.TempDir,
	}
}
