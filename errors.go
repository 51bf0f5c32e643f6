package iostack

import (
	"errors"
	"fmt"
	"syscall"
)

// EIOStack is the error code reported by FErrorCode for stack-semantic
// failures, as opposed to operating-system errors which report their errno.
const EIOStack = 0x4953 // "IS"

// Common sentinel errors
var (
	ErrWouldCreateHole = errors.New("would create a hole")
	ErrPartialBlock    = errors.New("partial block before end of file")
	ErrUnalignedOffset = errors.New("unaligned offset")
	ErrCorruptRecord   = errors.New("record corrupted")
	ErrUnableToDecrypt = errors.New("unable to decrypt")
	ErrAppendOnly      = errors.New("compressed data is append-only")
	ErrStackClosed     = errors.New("file is closed")
	ErrBadHandle       = errors.New("invalid file handle")
	ErrTempFileLimit   = errors.New("temporary file size exceeds limit")
	ErrMemoryLimit     = errors.New("memory accounting limit exceeded")
	ErrNotSupported    = errors.New("operation not supported by this layer")
	ErrReadOnly        = errors.New("file not opened for writing")
	ErrNoKeySource     = errors.New("no key source configured")
)

// StackError is a semantic error raised by a layer of the I/O stack. Layers
// that cannot produce a more specific diagnosis propagate their successor's
// error verbatim instead of wrapping it in a new StackError.
type StackError struct {
	Op     string // "read", "write", "open", "truncate", ...
	Path   string // file path
	Offset int64  // file offset, -1 when not applicable
	Err    error  // underlying cause, usually one of the sentinels
}

func (e *StackError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("iostack: %s %s at offset %d: %v", e.Op, e.Path, e.Offset, e.Err)
	}
	return fmt.Sprintf("iostack: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

// stackErr builds a StackError for an operation at a known offset.
func stackErr(op, path string, offset int64, err error) error {
	return &StackError{Op: op, Path: path, Offset: offset, Err: err}
}

// IsStackError reports whether err is a semantic stack error rather than an
// operating-system error.
func IsStackError(err error) bool {
	var se *StackError
	return errors.As(err, &se)
}

// ErrorCode maps an error to the code surfaced by FErrorCode: the OS errno
// for system errors, EIOStack for stack-semantic errors, and 0 for nil.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return EIOStack
}
