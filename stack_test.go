package iostack

import (
	"bytes"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func newTestBase(t *testing.T) absfs.FileSystem {
	t.Helper()
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}
	return fs
}

// patternByte returns a deterministic byte for file position i, so any
// region of a test file can be regenerated for comparison without keeping
// the whole file in memory.
func patternByte(i int64) byte {
	return byte((i*2654435761 + i>>7) ^ i>>13)
}

func fillPattern(p []byte, off int64) {
	for i := range p {
		p[i] = patternByte(off + int64(i))
	}
}

func checkPattern(t *testing.T, p []byte, off int64) {
	t.Helper()
	want := make([]byte, len(p))
	fillPattern(want, off)
	if !bytes.Equal(p, want) {
		for i := range p {
			if p[i] != want[i] {
				t.Fatalf("data mismatch at offset %d: got %#x want %#x", off+int64(i), p[i], want[i])
			}
		}
	}
}

func openLayer(t *testing.T, proto Layer, path string, flag OpenFlag, perm os.FileMode) Layer {
	t.Helper()
	l, err := proto.Open(path, flag, perm)
	if err != nil {
		t.Fatalf("Open(%q) failed: %v", path, err)
	}
	return l
}

// writePattern writes size pattern bytes through the layer in chunks of the
// given size. The chunk size must respect the layer's block granularity.
func writePattern(t *testing.T, l Layer, size int64, chunk int64) {
	t.Helper()
	buf := make([]byte, chunk)
	var off int64
	for off < size {
		n := chunk
		if n > size-off {
			n = size - off
		}
		fillPattern(buf[:n], off)
		if _, err := l.WriteAt(buf[:n], off); err != nil {
			t.Fatalf("WriteAt(%d bytes at %d) failed: %v", n, off, err)
		}
		off += n
	}
}

// readPattern reads the whole file back through readFull and verifies it.
// The read buffer is rounded up to the layer's block size.
func readPattern(t *testing.T, l Layer, size int64) {
	t.Helper()
	buf := make([]byte, roundUp(size, l.BlockSize()))
	n, err := readFull(l, buf, 0)
	if err != nil {
		t.Fatalf("readFull failed: %v", err)
	}
	if int64(n) != size {
		t.Fatalf("readFull returned %d bytes, want %d", n, size)
	}
	checkPattern(t, buf[:n], 0)
}

func TestRoundUpDown(t *testing.T) {
	cases := []struct {
		n, align, up, down int64
	}{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{9, 8, 16, 8},
		{17, 1, 17, 17},
		{100, 0, 100, 100},
	}
	for _, c := range cases {
		if got := roundUp(c.n, c.align); got != c.up {
			t.Errorf("roundUp(%d, %d) = %d, want %d", c.n, c.align, got, c.up)
		}
		if got := roundDown(c.n, c.align); got != c.down {
			t.Errorf("roundDown(%d, %d) = %d, want %d", c.n, c.align, got, c.down)
		}
	}
}

func TestCheckAligned(t *testing.T) {
	if err := checkAligned("read", "/f", 4096, 4096); err != nil {
		t.Errorf("aligned offset rejected: %v", err)
	}
	if err := checkAligned("read", "/f", 100, 4096); err == nil {
		t.Error("unaligned offset accepted")
	}
	if err := checkAligned("read", "/f", 100, 1); err != nil {
		t.Errorf("byte-granular layer rejected offset: %v", err)
	}
}

func TestRawLayerRoundTrip(t *testing.T) {
	base := newTestBase(t)
	proto := newRawLayer(base)
	l := openLayer(t, proto, "/raw.bin", ReadWrite|Create, 0644)

	writePattern(t, l, 1000, 333)
	readPattern(t, l, 1000)

	// Size must be current before any sync.
	size, err := l.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != 1000 {
		t.Fatalf("Size = %d, want 1000", size)
	}

	if err := l.Truncate(600); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if size, _ := l.Size(); size != 600 {
		t.Fatalf("Size after truncate = %d, want 600", size)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	l = openLayer(t, proto, "/raw.bin", ReadWrite, 0)
	defer l.Close()
	if size, _ := l.Size(); size != 600 {
		t.Fatalf("Size after reopen = %d, want 600", size)
	}
	readPattern(t, l, 600)
}

func TestRawLayerEOF(t *testing.T) {
	base := newTestBase(t)
	l := openLayer(t, newRawLayer(base), "/empty.bin", ReadWrite|Create, 0644)
	defer l.Close()

	buf := make([]byte, 16)
	n, err := l.ReadAt(buf, 0)
	if n != 0 || err == nil {
		t.Fatalf("ReadAt on empty file = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestReadFullStopsAtPartialBlock(t *testing.T) {
	base := newTestBase(t)
	l := openLayer(t, newRawLayer(base), "/part.bin", ReadWrite|Create, 0644)
	defer l.Close()

	writePattern(t, l, 700, 700)

	buf := make([]byte, 2048)
	n, err := readFull(l, buf, 0)
	if err != nil {
		t.Fatalf("readFull failed: %v", err)
	}
	if n != 700 {
		t.Fatalf("readFull = %d bytes, want 700", n)
	}
	checkPattern(t, buf[:n], 0)
}
