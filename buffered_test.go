package iostack

import (
	"errors"
	"io"
	"testing"
)

func newBufferedTestLayer(t *testing.T, path string, bufSize int64) (Layer, func() Layer) {
	t.Helper()
	base := newTestBase(t)
	proto := newBufferedLayer(newRawLayer(base), bufSize, nopAccountant{})
	reopen := func() Layer {
		return openLayer(t, proto, path, ReadWrite, 0644)
	}
	return openLayer(t, proto, path, ReadWrite|Create, 0644), reopen
}

func TestBufferedRoundTrip(t *testing.T) {
	sizes := []int64{0, 1, 1023, 1024, 1025, 3*1024 + 3, 8192}
	for _, size := range sizes {
		l, _ := newBufferedTestLayer(t, "/buf.bin", 1024)
		writePattern(t, l, size, 100)
		readPattern(t, l, size)

		got, err := l.Size()
		if err != nil {
			t.Fatalf("size %d: Size failed: %v", size, err)
		}
		if got != size {
			t.Fatalf("Size = %d, want %d", got, size)
		}
		if err := l.Close(); err != nil {
			t.Fatalf("size %d: Close failed: %v", size, err)
		}
	}
}

// Allocates a file of filler bytes, then overwrites every block following a
// pseudo-random permutation of the block indices. A sequential read must
// return the position-derived pattern regardless of the write order.
func TestBufferedPermutedOverwrite(t *testing.T) {
	const blockSize = 1024
	const blocks = 53 // coprime to the stride
	const stride = 3197
	const size = blocks * blockSize
	l, reopen := newBufferedTestLayer(t, "/perm.bin", blockSize)

	filler := make([]byte, size)
	for i := range filler {
		filler[i] = 'X'
	}
	if _, err := l.WriteAt(filler, 0); err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	block := make([]byte, blockSize)
	seen := make(map[int64]bool, blocks)
	for i := int64(0); i < blocks; i++ {
		idx := (i * stride) % blocks
		if seen[idx] {
			t.Fatalf("stride revisited block %d", idx)
		}
		seen[idx] = true
		off := idx * blockSize
		fillPattern(block, off)
		if _, err := l.WriteAt(block, off); err != nil {
			t.Fatalf("WriteAt(%d) failed: %v", off, err)
		}
	}

	readPattern(t, l, size)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = reopen()
	readPattern(t, l, size)
	if err := l.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// Writes blocks in a scattered order covering every block exactly once, but
// never past the current end of file, then verifies the whole file.
func TestBufferedBackwardOverwrite(t *testing.T) {
	const size = 5 * 1024
	l, reopen := newBufferedTestLayer(t, "/scatter.bin", 1024)

	zeros := make([]byte, size)
	if _, err := l.WriteAt(zeros, 0); err != nil {
		t.Fatalf("zero fill failed: %v", err)
	}
	chunk := make([]byte, 512)
	for off := int64(size) - 512; off >= 0; off -= 512 {
		fillPattern(chunk, off)
		if _, err := l.WriteAt(chunk, off); err != nil {
			t.Fatalf("WriteAt(%d) failed: %v", off, err)
		}
	}
	readPattern(t, l, size)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = reopen()
	defer l.Close()
	readPattern(t, l, size)
}

func TestBufferedUnalignedReads(t *testing.T) {
	const size = 4*1024 + 37
	l, _ := newBufferedTestLayer(t, "/unaligned.bin", 1024)
	defer l.Close()

	writePattern(t, l, size, size)

	for _, c := range []struct{ off, n int64 }{
		{0, 1}, {1023, 2}, {1024, 1024}, {513, 2000}, {size - 5, 5}, {3000, 1200},
	} {
		buf := make([]byte, c.n)
		n, err := l.ReadAt(buf, c.off)
		if err != nil {
			t.Fatalf("ReadAt(%d, %d) failed: %v", c.n, c.off, err)
		}
		checkPattern(t, buf[:n], c.off)
	}
}

func TestBufferedEOF(t *testing.T) {
	l, _ := newBufferedTestLayer(t, "/eof.bin", 1024)
	defer l.Close()

	writePattern(t, l, 100, 100)

	buf := make([]byte, 50)
	if n, err := l.ReadAt(buf, 100); n != 0 || err != io.EOF {
		t.Fatalf("ReadAt at EOF = (%d, %v), want (0, EOF)", n, err)
	}
	if n, err := l.ReadAt(buf, 5000); n != 0 || err != io.EOF {
		t.Fatalf("ReadAt past EOF = (%d, %v), want (0, EOF)", n, err)
	}

	// A read straddling the end returns the available bytes.
	n, err := l.ReadAt(buf, 80)
	if err != nil {
		t.Fatalf("straddling read failed: %v", err)
	}
	if n != 20 {
		t.Fatalf("straddling read = %d bytes, want 20", n)
	}
	checkPattern(t, buf[:n], 80)
}

func TestBufferedRejectsHoles(t *testing.T) {
	l, _ := newBufferedTestLayer(t, "/hole.bin", 1024)
	defer l.Close()

	writePattern(t, l, 10, 10)

	// Within the current block but past current content.
	if _, err := l.WriteAt([]byte("x"), 500); !errors.Is(err, ErrWouldCreateHole) {
		t.Fatalf("in-block hole write = %v, want ErrWouldCreateHole", err)
	}
	// In a block past end of file.
	if _, err := l.WriteAt([]byte("x"), 5000); !errors.Is(err, ErrWouldCreateHole) {
		t.Fatalf("past-EOF hole write = %v, want ErrWouldCreateHole", err)
	}
	// Whole-block bypass path past end of file.
	block := make([]byte, 2048)
	if _, err := l.WriteAt(block, 4096); !errors.Is(err, ErrWouldCreateHole) {
		t.Fatalf("bypass hole write = %v, want ErrWouldCreateHole", err)
	}
}

func TestBufferedTruncate(t *testing.T) {
	l, reopen := newBufferedTestLayer(t, "/trunc.bin", 1024)

	writePattern(t, l, 3000, 3000)
	if err := l.Truncate(1500); err != nil {
		t.Fatalf("Truncate(1500) failed: %v", err)
	}
	readPattern(t, l, 1500)

	// Extension zero-fills.
	if err := l.Truncate(2000); err != nil {
		t.Fatalf("Truncate(2000) failed: %v", err)
	}
	size, err := l.Size()
	if err != nil || size != 2000 {
		t.Fatalf("Size = (%d, %v), want 2000", size, err)
	}
	buf := make([]byte, 500)
	if _, err := readFull(l, buf, 1500); err != nil {
		t.Fatalf("read of extended region failed: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("extended byte %d = %#x, want 0", 1500+i, b)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = reopen()
	defer l.Close()
	readPattern(t, l, 1500)
}

func TestBufferedAppendAcrossReopen(t *testing.T) {
	l, reopen := newBufferedTestLayer(t, "/append.bin", 1024)

	writePattern(t, l, 1500, 1500)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = reopen()
	defer l.Close()
	chunk := make([]byte, 700)
	fillPattern(chunk, 1500)
	if _, err := l.WriteAt(chunk, 1500); err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	readPattern(t, l, 2200)
}

func TestBufferedReadOnly(t *testing.T) {
	base := newTestBase(t)
	proto := newBufferedLayer(newRawLayer(base), 1024, nopAccountant{})

	l := openLayer(t, proto, "/ro.bin", ReadWrite|Create, 0644)
	writePattern(t, l, 100, 100)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = openLayer(t, proto, "/ro.bin", ReadOnly, 0)
	defer l.Close()
	if _, err := l.WriteAt([]byte("x"), 0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("write on read-only file = %v, want ErrReadOnly", err)
	}
	if err := l.Truncate(0); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("truncate on read-only file = %v, want ErrReadOnly", err)
	}
	readPattern(t, l, 100)
}

func TestBufferedUseAfterClose(t *testing.T) {
	l, _ := newBufferedTestLayer(t, "/closed.bin", 1024)
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := l.ReadAt(make([]byte, 1), 0); !errors.Is(err, ErrStackClosed) {
		t.Fatalf("read after close = %v, want ErrStackClosed", err)
	}
	if _, err := l.WriteAt([]byte("x"), 0); !errors.Is(err, ErrStackClosed) {
		t.Fatalf("write after close = %v, want ErrStackClosed", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}
}
