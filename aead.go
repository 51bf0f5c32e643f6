package iostack

import (
	"encoding/binary"
	"io"
	"os"

	"go.uber.org/multierr"
)

// seqFieldSize is the per-record sequence number stored between the
// ciphertext and the authentication tag.
const seqFieldSize = 8

// aeadLayer encrypts each plaintext block independently with an AEAD
// cipher. A plaintext block of P bytes becomes an on-disk record of
//
//	[ ciphertext : P bytes ][ sequence : big-endian uint64 ][ tag ]
//
// padded up to the successor's block multiple. The IV for a block is the
// big-endian block index followed by the caller-supplied sequence number;
// the sequence field is authenticated as associated data. A file always
// ends in a partial record, the terminator, which marks true end of file;
// when the last block is exactly full an empty terminator is appended at
// close.
type aeadLayer struct {
	// prototype configuration
	proto      Layer
	cipherName string
	key        []byte
	blockSize  int64 // plaintext block size P
	seq        func() uint64
	acct       MemoryAccountant

	// instance state
	next           Layer
	path           string
	writable       bool
	engine         CipherEngine
	tagSize        int64
	cryptBlockSize int64 // on-disk record slot size C
	fileSize       int64 // plaintext size
	cryptFileSize  int64 // ciphertext file size
	cbuf           []byte // one record slot
	pbuf           []byte // one plaintext block
	sbuf           []byte // sealed ciphertext+tag assembly
	closed         bool
}

// newAEADLayer returns an AEAD prototype over the successor prototype.
// The key must be 32 bytes; seq supplies a fresh sequence number per write.
func newAEADLayer(proto Layer, cipherName string, key []byte, blockSize int64, seq func() uint64, acct MemoryAccountant) *aeadLayer {
	return &aeadLayer{
		proto:      proto,
		cipherName: cipherName,
		key:        key,
		blockSize:  blockSize,
		seq:        seq,
		acct:       acct,
	}
}

func (l *aeadLayer) Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error) {
	engine, err := NewCipherEngine(l.cipherName, l.key)
	if err != nil {
		return nil, stackErr("open", path, -1, err)
	}
	if engine.NonceSize() != 12 {
		return nil, stackErr("open", path, -1, ErrUnsupportedCipher)
	}
	next, err := l.proto.Open(path, flag, perm)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Layer, error) {
		next.Close()
		return nil, err
	}
	tag := int64(engine.Overhead())
	overhead := seqFieldSize + tag
	cryptBlockSize := roundUp(l.blockSize+overhead, next.BlockSize())
	cryptFileSize, err := next.Size()
	if err != nil {
		return fail(err)
	}
	writable := flag.Writable()

	var fileSize int64
	switch {
	case cryptFileSize == 0:
		// Legal only for a freshly created writable file.
		if !writable {
			return fail(stackErr("open", path, 0, ErrCorruptRecord))
		}
	default:
		rem := cryptFileSize % cryptBlockSize
		if rem < overhead || rem-overhead >= l.blockSize {
			return fail(stackErr("open", path, cryptFileSize, ErrCorruptRecord))
		}
		fileSize = cryptFileSize/cryptBlockSize*l.blockSize + rem - overhead
	}

	cbuf, err := allocBuf(l.acct, cryptBlockSize, MemDSM)
	if err != nil {
		return fail(stackErr("open", path, -1, err))
	}
	pbuf, err := allocBuf(l.acct, l.blockSize, MemDSM)
	if err != nil {
		freeBuf(l.acct, cbuf, MemDSM)
		return fail(stackErr("open", path, -1, err))
	}
	sbuf, err := allocBuf(l.acct, l.blockSize+tag, MemDSM)
	if err != nil {
		freeBuf(l.acct, cbuf, MemDSM)
		freeBuf(l.acct, pbuf, MemDSM)
		return fail(stackErr("open", path, -1, err))
	}
	return &aeadLayer{
		cipherName:     l.cipherName,
		key:            l.key,
		blockSize:      l.blockSize,
		seq:            l.seq,
		acct:           l.acct,
		next:           next,
		path:           path,
		writable:       writable,
		engine:         engine,
		tagSize:        tag,
		cryptBlockSize: cryptBlockSize,
		fileSize:       fileSize,
		cryptFileSize:  cryptFileSize,
		cbuf:           cbuf,
		pbuf:           pbuf,
		sbuf:           sbuf,
	}, nil
}

// makeIV builds the 12-byte IV: big-endian block index, then the 8-byte
// sequence field. Block indexes are limited to 32 bits.
func makeIV(iv []byte, blockIndex int64, seqField []byte) {
	binary.BigEndian.PutUint32(iv[0:4], uint32(blockIndex))
	copy(iv[4:12], seqField)
}

func (l *aeadLayer) ReadAt(p []byte, off int64) (int, error) {
	if l.closed {
		return 0, stackErr("read", l.path, off, ErrStackClosed)
	}
	if err := checkAligned("read", l.path, off, l.blockSize); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		pos := off + int64(total)
		if pos >= l.fileSize {
			break
		}
		n, err := l.readBlock(p[total:], pos)
		total += n
		if err != nil {
			return total, err
		}
		if int64(n) < l.blockSize {
			break
		}
	}
	if total == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return total, nil
}

// readBlock reads and verifies the record for the block at off, copying up
// to one block of plaintext into dst.
func (l *aeadLayer) readBlock(dst []byte, off int64) (int, error) {
	idx := off / l.blockSize
	if idx >= 1<<32 {
		return 0, stackErr("read", l.path, off, ErrNotSupported)
	}
	overhead := seqFieldSize + l.tagSize
	lastIdx := l.fileSize / l.blockSize

	want := l.cryptBlockSize
	clen := l.blockSize
	if idx == lastIdx {
		clen = l.fileSize - lastIdx*l.blockSize
		want = clen + overhead
	}
	n, err := readFull(l.next, l.cbuf[:want], idx*l.cryptBlockSize)
	if err != nil {
		return 0, err
	}
	if int64(n) < want {
		return 0, stackErr("read", l.path, off, ErrCorruptRecord)
	}

	seqField := l.cbuf[clen : clen+seqFieldSize]
	var iv [12]byte
	makeIV(iv[:], idx, seqField)

	sealed := l.sbuf[:clen+l.tagSize]
	copy(sealed, l.cbuf[:clen])
	copy(sealed[clen:], l.cbuf[clen+seqFieldSize:clen+overhead])

	plaintext, err := l.engine.Open(iv[:], sealed, seqField)
	if err != nil {
		return 0, stackErr("read", l.path, off, err)
	}
	return copy(dst, plaintext), nil
}

func (l *aeadLayer) WriteAt(p []byte, off int64) (int, error) {
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
		if pos/l.blockSize > l.fileSize/l.blockSize {
			return total, stackErr("write", l.path, pos, ErrWouldCreateHole)
		}
		if n < l.blockSize && pos+n < l.fileSize {
			return total, stackErr("write", l.path, pos, ErrPartialBlock)
		}
		if err := l.writeBlock(p[total:total+int(n)], pos); err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// writeBlock encrypts one block and writes its record to the successor.
func (l *aeadLayer) writeBlock(src []byte, off int64) error {
	idx := off / l.blockSize
	if idx >= 1<<32 {
		return stackErr("write", l.path, off, ErrNotSupported)
	}
	n := int64(len(src))
	overhead := seqFieldSize + l.tagSize

	rec := l.cbuf
	seqField := rec[n : n+seqFieldSize]
	binary.BigEndian.PutUint64(seqField, l.seq())

	var iv [12]byte
	makeIV(iv[:], idx, seqField)
	sealed, err := l.engine.Seal(iv[:], src, seqField)
	if err != nil {
		return stackErr("write", l.path, off, err)
	}
	copy(rec[:n], sealed[:n])
	copy(rec[n+seqFieldSize:n+overhead], sealed[n:])

	recLen := n + overhead
	if n == l.blockSize {
		// Full block: pad the record to the slot size.
		for i := recLen; i < l.cryptBlockSize; i++ {
			rec[i] = 0
		}
		recLen = l.cryptBlockSize
	}
	if _, err := writeFull(l.next, rec[:recLen], idx*l.cryptBlockSize); err != nil {
		return err
	}
	if end := idx*l.cryptBlockSize + recLen; end > l.cryptFileSize || n < l.blockSize {
		l.cryptFileSize = idx*l.cryptBlockSize + recLen
	}
	if off+n > l.fileSize {
		l.fileSize = off + n
	}
	return nil
}

func (l *aeadLayer) Sync() error {
	return l.next.Sync()
}

func (l *aeadLayer) Truncate(size int64) error {
	if l.closed {
		return stackErr("truncate", l.path, size, ErrStackClosed)
	}
	if !l.writable {
		return stackErr("truncate", l.path, size, ErrReadOnly)
	}
	if size > l.fileSize {
		return l.extend(size)
	}
	if size == l.fileSize {
		return nil
	}
	idx := size / l.blockSize
	rem := size - idx*l.blockSize

	if rem > 0 {
		// Mid-block: read the block back, truncate the successor to the
		// block boundary, then rewrite the shortened partial record.
		n, err := l.readBlock(l.pbuf, idx*l.blockSize)
		if err != nil {
			return err
		}
		if int64(n) < rem {
			return stackErr("truncate", l.path, size, ErrCorruptRecord)
		}
		if err := l.next.Truncate(idx * l.cryptBlockSize); err != nil {
			return err
		}
		l.cryptFileSize = idx * l.cryptBlockSize
		l.fileSize = idx * l.blockSize
		return l.writeBlock(l.pbuf[:rem], idx*l.blockSize)
	}

	if err := l.next.Truncate(idx * l.cryptBlockSize); err != nil {
		return err
	}
	l.cryptFileSize = idx * l.cryptBlockSize
	l.fileSize = size
	// Restore the terminator invariant with an empty trailing record.
	return l.writeBlock(nil, size)
}

// extend grows the file to size with zero-filled plaintext.
func (l *aeadLayer) extend(size int64) error {
	for l.fileSize < size {
		idx := l.fileSize / l.blockSize
		blockStart := idx * l.blockSize
		cur := l.fileSize - blockStart
		want := size - blockStart
		if want > l.blockSize {
			want = l.blockSize
		}
		block := l.pbuf[:want]
		for i := range block {
			block[i] = 0
		}
		if cur > 0 {
			if _, err := l.readBlock(block, blockStart); err != nil {
				return err
			}
			for i := cur; i < want; i++ {
				block[i] = 0
			}
		}
		if err := l.writeBlock(block, blockStart); err != nil {
			return err
		}
	}
	return nil
}

func (l *aeadLayer) Size() (int64, error) {
	return l.fileSize, nil
}

func (l *aeadLayer) Close() error {
	if l.closed {
		return nil
	}
	var err error
	if l.writable && l.fileSize%l.blockSize == 0 &&
		l.cryptFileSize == l.fileSize/l.blockSize*l.cryptBlockSize {
		// File ends in an exactly full block: append the empty terminator.
		err = l.writeBlock(nil, l.fileSize)
	}
	err = multierr.Append(err, l.next.Close())
	freeBuf(l.acct, l.cbuf, MemDSM)
	freeBuf(l.acct, l.pbuf, MemDSM)
	freeBuf(l.acct, l.sbuf, MemDSM)
	l.closed = true
	return err
}

func (l *aeadLayer) BlockSize() int64 {
	return l.blockSize
}
