package iostack

import (
	"bytes"
	"fmt"
	"io"
)

// File is a handle over an open layer stack. It adds a stdio-style
// surface: a sequential position, a sticky error flag, an EOF flag and
// byte and line helpers. A File is not safe for concurrent use.
type File struct {
	fs     *FS
	fd     int
	path   string
	flag   OpenFlag
	top    Layer
	offset int64
	limit  int64 // max size when TempFileLimit is set, 0 = unlimited
	err    error
	eof    bool
	closed bool
}

// Name returns the path the file was opened with.
func (f *File) Name() string { return f.path }

// Fd returns the handle number assigned by the owning FS.
func (f *File) Fd() int { return f.fd }

// Err returns the sticky error, if any. The EOF condition is not an
// error and is reported by AtEOF instead.
func (f *File) Err() error { return f.err }

// AtEOF reports whether a sequential read has hit end of file since the
// last ClearError.
func (f *File) AtEOF() bool { return f.eof }

// ClearError resets the sticky error and the EOF flag.
func (f *File) ClearError() {
	f.err = nil
	f.eof = false
}

func (f *File) enter() error {
	if f.closed || f.top == nil {
		return stackErr("file", f.path, -1, ErrStackClosed)
	}
	return f.err
}

// fail records err as the sticky error and returns it. io.EOF sets the
// EOF flag instead and is passed through unrecorded.
func (f *File) fail(err error) error {
	if err == io.EOF {
		f.eof = true
		return err
	}
	if err != nil && f.err == nil {
		f.err = err
	}
	return err
}

// Read reads up to len(p) bytes at offset off. It does not move the
// sequential position. At end of file it returns the bytes available
// and io.EOF.
func (f *File) Read(p []byte, off int64) (int, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	n, err := f.top.ReadAt(p, off)
	return n, f.fail(err)
}

// ReadSeq reads at the sequential position and advances it.
func (f *File) ReadSeq(p []byte) (int, error) {
	n, err := f.Read(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Write writes p at offset off. Writing beyond end of file first
// extends the file with zeros. When the file was opened with Append
// the write goes to the current end regardless of off.
func (f *File) Write(p []byte, off int64) (int, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	size, err := f.top.Size()
	if err != nil {
		return 0, f.fail(err)
	}
	if f.flag&Append != 0 {
		off = size
	}
	if f.limit > 0 && off+int64(len(p)) > f.limit {
		return 0, f.fail(stackErr("write", f.path, off, ErrTempFileLimit))
	}
	if off > size {
		if err := f.top.Truncate(off); err != nil {
			return 0, f.fail(err)
		}
	}
	n, err := f.top.WriteAt(p, off)
	return n, f.fail(err)
}

// WriteSeq writes at the sequential position and advances it.
func (f *File) WriteSeq(p []byte) (int, error) {
	n, err := f.Write(p, f.offset)
	f.offset += int64(n)
	return n, err
}

// Seek sets the sequential position. Whence follows io.Seek*.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	var base int64
	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = f.offset
	case io.SeekEnd:
		size, err := f.top.Size()
		if err != nil {
			return 0, f.fail(err)
		}
		base = size
	default:
		return 0, f.fail(stackErr("seek", f.path, offset, ErrNotSupported))
	}
	pos := base + offset
	if pos < 0 {
		return 0, f.fail(stackErr("seek", f.path, pos, ErrUnalignedOffset))
	}
	f.offset = pos
	f.eof = false
	return pos, nil
}

// Tell returns the sequential position.
func (f *File) Tell() int64 { return f.offset }

// Size returns the current logical file size.
func (f *File) Size() (int64, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	size, err := f.top.Size()
	return size, f.fail(err)
}

// Resize changes the file to size bytes, extending with zeros or
// truncating as needed.
func (f *File) Resize(size int64) error {
	if err := f.enter(); err != nil {
		return err
	}
	if f.limit > 0 && size > f.limit {
		return f.fail(stackErr("resize", f.path, size, ErrTempFileLimit))
	}
	return f.fail(f.top.Truncate(size))
}

// Sync flushes buffered data down the stack and to stable storage.
func (f *File) Sync() error {
	if err := f.enter(); err != nil {
		return err
	}
	return f.fail(f.top.Sync())
}

// Getc reads one byte at the sequential position.
func (f *File) Getc() (byte, error) {
	var b [1]byte
	if _, err := f.ReadSeq(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Putc writes one byte at the sequential position.
func (f *File) Putc(c byte) error {
	_, err := f.WriteSeq([]byte{c})
	return err
}

// ReadLine reads up to len(p)-1 bytes, stopping after a newline. The
// newline is kept in the result. In text mode a preceding carriage
// return is dropped. Returns the number of bytes placed in p.
func (f *File) ReadLine(p []byte) (int, error) {
	if len(p) < 2 {
		return 0, stackErr("readline", f.path, f.offset, ErrNotSupported)
	}
	n := 0
	for n < len(p)-1 {
		c, err := f.Getc()
		if err != nil {
			if err == io.EOF && n > 0 {
				return n, nil
			}
			return n, err
		}
		if f.flag&TextMode != 0 && c == '\r' {
			continue
		}
		p[n] = c
		n++
		if c == '\n' {
			break
		}
	}
	return n, nil
}

// Puts writes a string at the sequential position.
func (f *File) Puts(s string) (int, error) {
	return f.WriteSeq([]byte(s))
}

// Printf formats and writes at the sequential position.
func (f *File) Printf(format string, args ...interface{}) (int, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, format, args...)
	return f.WriteSeq(buf.Bytes())
}

// Close flushes and closes the stack. The handle keeps reporting any
// close error through Err until the FS releases it.
func (f *File) Close() error {
	if f.closed {
		return stackErr("close", f.path, -1, ErrStackClosed)
	}
	f.closed = true
	err := f.top.Close()
	f.top = nil
	if err != nil && f.err == nil {
		f.err = err
	}
	return err
}
