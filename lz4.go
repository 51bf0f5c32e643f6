package iostack

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pierrec/lz4/v4"
	"go.uber.org/multierr"
)

// IndexSuffix is appended to the data path to name the sidecar index file.
const IndexSuffix = ".idx"

// lz4RawFlag marks a record stored uncompressed because the block did not
// compress. It occupies the high bit of the record length.
const lz4RawFlag = uint32(1) << 31

// lz4Layer stores logical blocks as lz4-compressed, length-prefixed records
// in an append-only data file, with a sidecar index file holding the
// starting offset of each record as a big-endian uint64. The index makes
// random reads by logical block possible over variable-length records.
//
// Writes are restricted to appending a new last block or overwriting the
// current one; a new block may only be appended once the previous one is
// full. Truncation is supported only at block boundaries.
type lz4Layer struct {
	// prototype configuration
	dataProto Layer
	idxProto  Layer
	blockSize int64
	acct      MemoryAccountant

	// instance state
	data      Layer
	index     Layer
	path      string
	writable  bool
	nBlocks   int64
	lastSize  int64 // content bytes in the last block
	cLastOff  int64 // data-file offset of the last record
	cLastSize int64 // stored size of the last record, header included
	cbuf      []byte
	closed    bool
}

// newLZ4Layer returns a compression prototype. The data file opens through
// dataProto at the stack path; the index opens through idxProto at the
// sibling path with IndexSuffix appended.
func newLZ4Layer(dataProto, idxProto Layer, blockSize int64, acct MemoryAccountant) *lz4Layer {
	return &lz4Layer{
		dataProto: dataProto,
		idxProto:  idxProto,
		blockSize: blockSize,
		acct:      acct,
	}
}

const recHeaderSize = 4

func (l *lz4Layer) Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error) {
	data, err := l.dataProto.Open(path, flag, perm)
	if err != nil {
		return nil, err
	}
	index, err := l.idxProto.Open(path+IndexSuffix, flag, perm)
	if err != nil {
		data.Close()
		return nil, err
	}
	fail := func(err error) (Layer, error) {
		index.Close()
		data.Close()
		return nil, err
	}
	if data.BlockSize() != 1 || 8%index.BlockSize() != 0 {
		return fail(stackErr("open", path, -1, ErrNotSupported))
	}
	cbuf, err := allocBuf(l.acct, recHeaderSize+int64(lz4.CompressBlockBound(int(l.blockSize))), MemGeneration)
	if err != nil {
		return fail(stackErr("open", path, -1, err))
	}
	inst := &lz4Layer{
		blockSize: l.blockSize,
		acct:      l.acct,
		data:      data,
		index:     index,
		path:      path,
		writable:  flag.Writable(),
		cbuf:      cbuf,
	}
	if err := inst.load(); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

// load recovers the block count and last-block geometry from the index.
func (l *lz4Layer) load() error {
	idxSize, err := l.index.Size()
	if err != nil {
		return err
	}
	if idxSize%8 != 0 {
		return stackErr("open", l.path, idxSize, ErrCorruptRecord)
	}
	l.nBlocks = idxSize / 8
	if l.nBlocks == 0 {
		return nil
	}
	var entry [8]byte
	if err := l.readIndex(entry[:], l.nBlocks-1); err != nil {
		return err
	}
	l.cLastOff = int64(binary.BigEndian.Uint64(entry[:]))
	buf := make([]byte, l.blockSize)
	n, stored, err := l.readRecord(buf, l.cLastOff)
	if err != nil {
		return err
	}
	l.lastSize = int64(n)
	l.cLastSize = stored
	return nil
}

func (l *lz4Layer) readIndex(entry []byte, block int64) error {
	n, err := readFull(l.index, entry, block*8)
	if err != nil {
		return err
	}
	if n < 8 {
		return stackErr("read", l.path+IndexSuffix, block*8, ErrCorruptRecord)
	}
	return nil
}

// readRecord reads and decompresses the record at off into dst, returning
// the content length and the stored record size.
func (l *lz4Layer) readRecord(dst []byte, off int64) (int, int64, error) {
	var hdr [recHeaderSize]byte
	n, err := readFull(l.data, hdr[:], off)
	if err != nil {
		return 0, 0, err
	}
	if n < recHeaderSize {
		return 0, 0, stackErr("read", l.path, off, ErrCorruptRecord)
	}
	lenField := binary.BigEndian.Uint32(hdr[:])
	raw := lenField&lz4RawFlag != 0
	clen := int64(lenField &^ lz4RawFlag)
	if clen == 0 || clen > int64(cap(l.cbuf)) {
		return 0, 0, stackErr("read", l.path, off, ErrCorruptRecord)
	}
	payload := l.cbuf[:clen]
	n, err = readFull(l.data, payload, off+recHeaderSize)
	if err != nil {
		return 0, 0, err
	}
	if int64(n) < clen {
		return 0, 0, stackErr("read", l.path, off, ErrCorruptRecord)
	}
	if raw {
		if clen > int64(len(dst)) {
			return 0, 0, stackErr("read", l.path, off, ErrCorruptRecord)
		}
		copy(dst, payload)
		return int(clen), recHeaderSize + clen, nil
	}
	m, err := lz4.UncompressBlock(payload, dst)
	if err != nil {
		return 0, 0, stackErr("read", l.path, off, ErrCorruptRecord)
	}
	return m, recHeaderSize + clen, nil
}

func (l *lz4Layer) ReadAt(p []byte, off int64) (int, error) {
	if l.closed {
		return 0, stackErr("read", l.path, off, ErrStackClosed)
	}
	if err := checkAligned("read", l.path, off, l.blockSize); err != nil {
		return 0, err
	}
	if len(p) > 0 && int64(len(p)) < l.blockSize {
		return 0, stackErr("read", l.path, off, ErrNotSupported)
	}
	total := 0
	for total < len(p) && int64(len(p)-total) >= l.blockSize {
		pos := off + int64(total)
		block := pos / l.blockSize
		if block >= l.nBlocks {
			break
		}
		var entry [8]byte
		if err := l.readIndex(entry[:], block); err != nil {
			return total, err
		}
		dataOff := int64(binary.BigEndian.Uint64(entry[:]))
		n, _, err := l.readRecord(p[total:total+int(l.blockSize)], dataOff)
		if err != nil {
			return total, err
		}
		total += n
		if int64(n) < l.blockSize {
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

func (l *lz4Layer) WriteAt(p []byte, off int64) (int, error) {
	if l.closed {
		return 0, stackErr("write", l.path, off, ErrStackClosed)
	}
	if !l.writable {
		return 0, stackErr("write", l.path, off, ErrReadOnly)
	}
	if err := checkAligned("write", l.path, off, l.blockSize); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		n := int64(len(p) - total)
		if n > l.blockSize {
			n = l.blockSize
		}
		if err := l.writeBlock(p[total:total+int(n)], pos); err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// writeBlock appends the block at pos or overwrites the current last block.
func (l *lz4Layer) writeBlock(src []byte, pos int64) error {
	block := pos / l.blockSize
	n := int64(len(src))
	appending := block == l.nBlocks
	switch {
	case appending:
		if l.nBlocks > 0 && l.lastSize < l.blockSize {
			return stackErr("write", l.path, pos, ErrPartialBlock)
		}
	case block == l.nBlocks-1:
		if n < l.lastSize {
			return stackErr("write", l.path, pos, ErrPartialBlock)
		}
	default:
		return stackErr("write", l.path, pos, ErrAppendOnly)
	}

	var c lz4.Compressor
	payload := l.cbuf[recHeaderSize:]
	clen, err := c.CompressBlock(src, payload)
	if err != nil {
		return stackErr("write", l.path, pos, err)
	}
	lenField := uint32(clen)
	if clen == 0 {
		// Incompressible: store the block as-is.
		clen = copy(payload, src)
		lenField = uint32(clen) | lz4RawFlag
	}
	binary.BigEndian.PutUint32(l.cbuf[:recHeaderSize], lenField)
	stored := int64(recHeaderSize + clen)

	dataOff := l.cLastOff
	if appending {
		dataOff = l.cLastOff + l.cLastSize
	}
	if _, err := writeFull(l.data, l.cbuf[:stored], dataOff); err != nil {
		return err
	}
	if !appending && stored < l.cLastSize {
		if err := l.data.Truncate(dataOff + stored); err != nil {
			return err
		}
	}
	if appending {
		var entry [8]byte
		binary.BigEndian.PutUint64(entry[:], uint64(dataOff))
		if _, err := writeFull(l.index, entry[:], block*8); err != nil {
			return err
		}
		l.nBlocks++
	}
	l.lastSize = n
	l.cLastOff = dataOff
	l.cLastSize = stored
	return nil
}

func (l *lz4Layer) Sync() error {
	return multierr.Append(l.data.Sync(), l.index.Sync())
}

// Truncate is supported only at block boundaries; the index shrinks with
// the data file.
func (l *lz4Layer) Truncate(size int64) error {
	if l.closed {
		return stackErr("truncate", l.path, size, ErrStackClosed)
	}
	if !l.writable {
		return stackErr("truncate", l.path, size, ErrReadOnly)
	}
	if size%l.blockSize != 0 {
		return stackErr("truncate", l.path, size, ErrNotSupported)
	}
	k := size / l.blockSize
	if k > l.nBlocks || (k == l.nBlocks && l.lastSize < l.blockSize && l.nBlocks > 0) {
		return stackErr("truncate", l.path, size, ErrNotSupported)
	}
	if k == l.nBlocks {
		return nil
	}
	if k == 0 {
		if err := l.data.Truncate(0); err != nil {
			return err
		}
		if err := l.index.Truncate(0); err != nil {
			return err
		}
		l.nBlocks, l.lastSize, l.cLastOff, l.cLastSize = 0, 0, 0, 0
		return nil
	}
	var entry [8]byte
	if err := l.readIndex(entry[:], k-1); err != nil {
		return err
	}
	off := int64(binary.BigEndian.Uint64(entry[:]))
	buf := make([]byte, l.blockSize)
	n, stored, err := l.readRecord(buf, off)
	if err != nil {
		return err
	}
	if err := l.data.Truncate(off + stored); err != nil {
		return err
	}
	if err := l.index.Truncate(k * 8); err != nil {
		return err
	}
	l.nBlocks = k
	l.lastSize = int64(n)
	l.cLastOff = off
	l.cLastSize = stored
	return nil
}

func (l *lz4Layer) Size() (int64, error) {
	if l.nBlocks == 0 {
		return 0, nil
	}
	return (l.nBlocks-1)*l.blockSize + l.lastSize, nil
}

func (l *lz4Layer) Close() error {
	if l.closed {
		return nil
	}
	err := multierr.Append(l.data.Close(), l.index.Close())
	freeBuf(l.acct, l.cbuf, MemGeneration)
	l.closed = true
	return err
}

func (l *lz4Layer) BlockSize() int64 {
	return l.blockSize
}
