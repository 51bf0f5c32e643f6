package iostack

import (
	"errors"
	"io"
	"os"
)

// Layer is one stage of an I/O stack. A stack is a linear chain of layers,
// head to tail, terminating in a raw bottom layer; each layer exclusively
// owns its successor. Calls descend from the head and responses ascend.
//
// Every layer advertises a block size: the granularity at which it accepts
// reads and writes. Offsets passed to ReadAt and WriteAt must be multiples
// of that block size, and sizes must be whole multiples of it except for the
// final, partial block of the file. The application-facing head of a stack
// advertises a block size of 1.
//
// Open is called on a prototype layer and returns a live instance; the
// prototype itself holds only configuration. An open that fails after its
// successor was opened closes the successor before returning, so a failed
// open never leaks a partially built stack.
type Layer interface {
	// Open clones the prototype into a live layer. The successor prototype
	// is opened first; the new layer then initializes its state from the
	// successor's reported size and block size.
	Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error)

	// ReadAt reads from the layer at the given offset. It returns io.EOF
	// (with a zero count) when the offset is at or past end of file. A
	// short read, or a count that is not a multiple of the block size,
	// indicates the final partial block.
	ReadAt(p []byte, off int64) (int, error)

	// WriteAt writes to the layer at the given offset. Writing a partial
	// block anywhere but at end of file is an error.
	WriteAt(p []byte, off int64) (int, error)

	// Sync flushes dirty state and syncs the successor.
	Sync() error

	// Truncate shrinks or zero-extends the file to size bytes.
	Truncate(size int64) error

	// Size returns the authoritative logical size of the layer.
	Size() (int64, error)

	// Close flushes, closes the successor, and releases resources.
	Close() error

	// BlockSize returns the granularity the layer exposes upward.
	BlockSize() int64
}

// readFull reads into p starting at off, calling ReadAt until p is full, an
// error occurs, or end of file is reached. End of file is not an error: the
// returned count is simply short. A partial block ends the loop, since only
// the final block of a file may be partial.
func readFull(l Layer, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := l.ReadAt(p[total:], off+int64(total))
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
		if n == 0 || int64(n)%l.BlockSize() != 0 {
			break
		}
	}
	return total, nil
}

// writeFull writes p starting at off, calling WriteAt until complete or an
// error occurs.
func writeFull(l Layer, p []byte, off int64) (int, error) {
	total := 0
	for total < len(p) {
		n, err := l.WriteAt(p[total:], off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, stackErr("write", "", off+int64(total), io.ErrShortWrite)
		}
	}
	return total, nil
}

// roundUp rounds n up to the next multiple of align.
func roundUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

// roundDown rounds n down to a multiple of align.
func roundDown(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return n - n%align
}

// checkAligned verifies that off is a multiple of the block size.
func checkAligned(op, path string, off, blockSize int64) error {
	if blockSize > 1 && off%blockSize != 0 {
		return stackErr(op, path, off, ErrUnalignedOffset)
	}
	return nil
}
