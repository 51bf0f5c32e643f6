package iostack

import (
	"io"
	"os"

	"go.uber.org/multierr"
)

// bufferedLayer reconciles arbitrary byte-aligned access from above with the
// fixed block granularity of its successor through a single-block write-back
// cache. It advertises a block size of 1 upward and performs all successor
// I/O in units of its buffer size, chosen at open as the suggested size
// rounded up to the successor's block size.
type bufferedLayer struct {
	// prototype configuration
	proto     Layer
	suggested int64
	acct      MemoryAccountant

	// instance state
	next          Layer
	path          string
	writable      bool
	bufSize       int64
	buf           []byte
	curBlock      int64 // aligned offset the buffer corresponds to
	curSize       int64 // valid bytes in the buffer, 0 if empty
	dirty         bool
	fileSize      int64
	sizeConfirmed bool
}

// newBufferedLayer returns a buffered prototype over the successor
// prototype. suggested is the desired buffer size; the actual size is
// rounded up to the successor's block size at open.
func newBufferedLayer(proto Layer, suggested int64, acct MemoryAccountant) *bufferedLayer {
	return &bufferedLayer{proto: proto, suggested: suggested, acct: acct}
}

func (l *bufferedLayer) Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error) {
	next, err := l.proto.Open(path, flag, perm)
	if err != nil {
		return nil, err
	}
	size, err := next.Size()
	if err != nil {
		next.Close()
		return nil, err
	}
	bufSize := roundUp(l.suggested, next.BlockSize())
	buf, err := allocBuf(l.acct, bufSize, MemAset)
	if err != nil {
		next.Close()
		return nil, stackErr("open", path, -1, err)
	}
	return &bufferedLayer{
		acct:          l.acct,
		next:          next,
		path:          path,
		writable:      flag.Writable(),
		bufSize:       bufSize,
		buf:           buf,
		fileSize:      size,
		sizeConfirmed: true,
	}, nil
}

// position flushes the buffer if needed and aims it at the block containing
// off. The buffer is left empty unless it already held that block.
func (l *bufferedLayer) position(off int64) error {
	newBlock := roundDown(off, l.bufSize)
	if newBlock == l.curBlock {
		return nil
	}
	if err := l.flush(); err != nil {
		return err
	}
	l.curBlock = newBlock
	l.curSize = 0
	return nil
}

// fill populates an empty buffer from the successor. At end of file the
// buffer stays empty; aiming past the confirmed end of file is a hole.
func (l *bufferedLayer) fill() error {
	if l.curSize > 0 {
		return nil
	}
	if l.sizeConfirmed {
		if l.curBlock == l.fileSize {
			return nil
		}
		if l.curBlock > l.fileSize {
			return stackErr("fill", l.path, l.curBlock, ErrWouldCreateHole)
		}
	}
	n, err := readFull(l.next, l.buf, l.curBlock)
	if err != nil {
		return err
	}
	l.curSize = int64(n)
	if int64(n) < l.bufSize {
		l.fileSize = l.curBlock + int64(n)
		l.sizeConfirmed = true
	}
	return nil
}

func (l *bufferedLayer) flush() error {
	if !l.dirty {
		return nil
	}
	if _, err := writeFull(l.next, l.buf[:l.curSize], l.curBlock); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

func (l *bufferedLayer) ReadAt(p []byte, off int64) (int, error) {
	if l.buf == nil {
		return 0, stackErr("read", l.path, off, ErrStackClosed)
	}
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		if l.sizeConfirmed && pos >= l.fileSize {
			break
		}
		if err := l.position(pos); err != nil {
			return total, err
		}
		rel := pos - l.curBlock
		rem := int64(len(p) - total)

		// Whole-block reads from an empty buffer bypass the cache.
		if l.curSize == 0 && rel == 0 && rem >= l.bufSize {
			n := roundDown(rem, l.bufSize)
			m, err := readFull(l.next, p[total:total+int(n)], pos)
			total += m
			if err != nil {
				return total, err
			}
			if int64(m) < n {
				l.fileSize = pos + int64(m)
				l.sizeConfirmed = true
				break
			}
			continue
		}

		if err := l.fill(); err != nil {
			return total, err
		}
		avail := l.curSize - rel
		if avail <= 0 {
			break
		}
		n := rem
		if n > avail {
			n = avail
		}
		copy(p[total:], l.buf[rel:rel+n])
		total += int(n)
		if rel+n >= l.curSize && l.curSize < l.bufSize {
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (l *bufferedLayer) WriteAt(p []byte, off int64) (int, error) {
	if l.buf == nil {
		return 0, stackErr("write", l.path, off, ErrStackClosed)
	}
	if !l.writable {
		return 0, stackErr("write", l.path, off, ErrReadOnly)
	}
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		if err := l.position(pos); err != nil {
			return total, err
		}
		rel := pos - l.curBlock
		rem := int64(len(p) - total)

		// Whole-block writes through an empty buffer bypass the cache.
		if l.curSize == 0 && rel == 0 && rem >= l.bufSize {
			if l.sizeConfirmed && l.curBlock > l.fileSize {
				return total, stackErr("write", l.path, pos, ErrWouldCreateHole)
			}
			n := roundDown(rem, l.bufSize)
			m, err := writeFull(l.next, p[total:total+int(n)], pos)
			total += m
			if pos+int64(m) > l.fileSize {
				l.fileSize = pos + int64(m)
			}
			if err != nil {
				return total, err
			}
			continue
		}

		if err := l.fill(); err != nil {
			return total, err
		}
		if rel > l.curSize {
			return total, stackErr("write", l.path, pos, ErrWouldCreateHole)
		}
		n := rem
		if n > l.bufSize-rel {
			n = l.bufSize - rel
		}
		copy(l.buf[rel:], p[total:total+int(n)])
		if rel+n > l.curSize {
			l.curSize = rel + n
		}
		l.dirty = true
		if l.curBlock+l.curSize > l.fileSize {
			l.fileSize = l.curBlock + l.curSize
		}
		total += int(n)
	}
	return total, nil
}

func (l *bufferedLayer) Sync() error {
	if err := l.flush(); err != nil {
		return err
	}
	return l.next.Sync()
}

func (l *bufferedLayer) Truncate(size int64) error {
	if !l.writable {
		return stackErr("truncate", l.path, size, ErrReadOnly)
	}
	if err := l.position(size); err != nil {
		return err
	}
	if err := l.next.Truncate(size); err != nil {
		return err
	}
	rel := size - l.curBlock
	if l.curSize > rel {
		l.curSize = rel
		if l.curSize == 0 {
			l.dirty = false
		}
	}
	l.fileSize = size
	l.sizeConfirmed = true
	return nil
}

func (l *bufferedLayer) Size() (int64, error) {
	return l.fileSize, nil
}

func (l *bufferedLayer) Close() error {
	if l.buf == nil {
		return nil
	}
	err := l.flush()
	err = multierr.Append(err, l.next.Close())
	freeBuf(l.acct, l.buf, MemAset)
	l.buf = nil
	return err
}

func (l *bufferedLayer) BlockSize() int64 {
	return 1
}
