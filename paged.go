package iostack

import (
	"encoding/binary"
	"io"
	"os"

	"go.uber.org/multierr"
)

// Page header: a 4-byte magic followed by the big-endian content length.
// The header is in-band, so the final page of a file may hold partial
// content while the on-disk page is still exactly pageSize bytes.
const (
	pageMagic      = uint32(0x50474844) // "PGHD"
	pageHeaderSize = 8
)

// pagedLayer frames its successor into fixed-size pages, each carrying a
// content-length header. Logical content offset L maps to the page at disk
// offset floor(L/contentSize)*pageSize. Like the buffered layer it keeps a
// single-page write-back cache and advertises a block size of 1 upward.
type pagedLayer struct {
	// prototype configuration
	proto     Layer
	suggested int64
	acct      MemoryAccountant

	// instance state
	next          Layer
	path          string
	writable      bool
	pageSize      int64
	contentSize   int64
	page          []byte // one full page; content starts at pageHeaderSize
	curBlock      int64  // logical content offset, multiple of contentSize
	curSize       int64  // valid content bytes in the cached page
	dirty         bool
	fileSize      int64 // logical content size
	sizeConfirmed bool
}

func newPagedLayer(proto Layer, suggested int64, acct MemoryAccountant) *pagedLayer {
	return &pagedLayer{proto: proto, suggested: suggested, acct: acct}
}

func (l *pagedLayer) Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error) {
	next, err := l.proto.Open(path, flag, perm)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Layer, error) {
		next.Close()
		return nil, err
	}
	pageSize := roundUp(l.suggested, next.BlockSize())
	if pageSize <= pageHeaderSize {
		return fail(stackErr("open", path, -1, ErrNotSupported))
	}
	page, err := allocBuf(l.acct, pageSize, MemAset)
	if err != nil {
		return fail(stackErr("open", path, -1, err))
	}
	inst := &pagedLayer{
		acct:          l.acct,
		next:          next,
		path:          path,
		writable:      flag.Writable(),
		pageSize:      pageSize,
		contentSize:   pageSize - pageHeaderSize,
		page:          page,
		sizeConfirmed: true,
	}
	diskSize, err := next.Size()
	if err != nil {
		freeBuf(l.acct, page, MemAset)
		return fail(err)
	}
	if diskSize > 0 {
		if diskSize%pageSize != 0 {
			freeBuf(l.acct, page, MemAset)
			return fail(stackErr("open", path, diskSize, ErrCorruptRecord))
		}
		pages := diskSize / pageSize
		inst.curBlock = (pages - 1) * inst.contentSize
		inst.sizeConfirmed = false
		if err := inst.fill(); err != nil {
			inst.Close()
			return nil, err
		}
		inst.fileSize = inst.curBlock + inst.curSize
		inst.sizeConfirmed = true
	}
	return inst, nil
}

// diskOffset translates a logical content offset to its page's disk offset.
func (l *pagedLayer) diskOffset(block int64) int64 {
	return block / l.contentSize * l.pageSize
}

func (l *pagedLayer) position(off int64) error {
	newBlock := roundDown(off, l.contentSize)
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

func (l *pagedLayer) fill() error {
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
	n, err := readFull(l.next, l.page, l.diskOffset(l.curBlock))
	if err != nil {
		return err
	}
	if n == 0 {
		l.fileSize = l.curBlock
		l.sizeConfirmed = true
		return nil
	}
	if int64(n) != l.pageSize {
		return stackErr("read", l.path, l.diskOffset(l.curBlock), ErrCorruptRecord)
	}
	if binary.BigEndian.Uint32(l.page[0:4]) != pageMagic {
		return stackErr("read", l.path, l.diskOffset(l.curBlock), ErrCorruptRecord)
	}
	contentLen := int64(binary.BigEndian.Uint32(l.page[4:8]))
	if contentLen > l.contentSize {
		return stackErr("read", l.path, l.diskOffset(l.curBlock), ErrCorruptRecord)
	}
	l.curSize = contentLen
	return nil
}

func (l *pagedLayer) flush() error {
	if !l.dirty {
		return nil
	}
	binary.BigEndian.PutUint32(l.page[0:4], pageMagic)
	binary.BigEndian.PutUint32(l.page[4:8], uint32(l.curSize))
	if _, err := writeFull(l.next, l.page, l.diskOffset(l.curBlock)); err != nil {
		return err
	}
	l.dirty = false
	return nil
}

// content returns the content region of the cached page.
func (l *pagedLayer) content() []byte {
	return l.page[pageHeaderSize:]
}

func (l *pagedLayer) ReadAt(p []byte, off int64) (int, error) {
	if l.page == nil {
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
		if err := l.fill(); err != nil {
			return total, err
		}
		rel := pos - l.curBlock
		avail := l.curSize - rel
		if avail <= 0 {
			break
		}
		n := int64(len(p) - total)
		if n > avail {
			n = avail
		}
		copy(p[total:], l.content()[rel:rel+n])
		total += int(n)
		if rel+n >= l.curSize && l.curSize < l.contentSize {
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (l *pagedLayer) WriteAt(p []byte, off int64) (int, error) {
	if l.page == nil {
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
		if err := l.fill(); err != nil {
			return total, err
		}
		rel := pos - l.curBlock
		if rel > l.curSize {
			return total, stackErr("write", l.path, pos, ErrWouldCreateHole)
		}
		n := int64(len(p) - total)
		if n > l.contentSize-rel {
			n = l.contentSize - rel
		}
		copy(l.content()[rel:], p[total:total+int(n)])
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

func (l *pagedLayer) Sync() error {
	if err := l.flush(); err != nil {
		return err
	}
	return l.next.Sync()
}

func (l *pagedLayer) Truncate(size int64) error {
	if !l.writable {
		return stackErr("truncate", l.path, size, ErrReadOnly)
	}
	if size > l.fileSize {
		return l.extend(size)
	}
	if err := l.position(size); err != nil {
		return err
	}
	rem := size - l.curBlock
	if rem > 0 {
		if err := l.fill(); err != nil {
			return err
		}
		if l.curSize > rem {
			l.curSize = rem
		}
		l.dirty = true
	}
	if err := l.next.Truncate(l.diskOffset(l.curBlock)); err != nil {
		return err
	}
	if rem == 0 {
		l.curSize = 0
		l.dirty = false
	}
	l.fileSize = size
	l.sizeConfirmed = true
	return nil
}

// extend grows the file to size by writing zero content. Holes are never
// left behind: every page on disk is materialized with a valid header.
func (l *pagedLayer) extend(size int64) error {
	zeros := make([]byte, l.contentSize)
	for l.fileSize < size {
		n := size - l.fileSize
		if n > l.contentSize {
			n = l.contentSize
		}
		if _, err := l.WriteAt(zeros[:n], l.fileSize); err != nil {
			return err
		}
	}
	return nil
}

func (l *pagedLayer) Size() (int64, error) {
	return l.fileSize, nil
}

func (l *pagedLayer) Close() error {
	if l.page == nil {
		return nil
	}
	err := l.flush()
	err = multierr.Append(err, l.next.Close())
	freeBuf(l.acct, l.page, MemAset)
	l.page = nil
	return err
}

func (l *pagedLayer) BlockSize() int64 {
	return 1
}
