package iostack

import (
	"context"
	"io"
	"testing"
)

func TestCopyFileReencrypts(t *testing.T) {
	fs, _ := newTestStackFS(t)

	const size = 40*1024 + 13
	data := make([]byte, size)
	fillPattern(data, 0)

	fd, err := fs.Open("/src.bin", StackPlain|ReadWrite|Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := fs.Write(fd, data, 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = fs.CopyFile(context.Background(), "/src.bin", "/dst.bin",
		StackPlain, StackEncryptPerm, 0644)
	if err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}

	fd, err = fs.Open("/dst.bin", StackEncryptPerm|ReadOnly, 0)
	if err != nil {
		t.Fatalf("open of copy failed: %v", err)
	}
	defer fs.Close(fd)
	got := make([]byte, size)
	n, err := fs.Read(fd, got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("Read failed: %v", err)
	}
	if n != size {
		t.Fatalf("Read = %d bytes, want %d", n, size)
	}
	checkPattern(t, got[:n], 0)
}

func TestCopyFileCancel(t *testing.T) {
	fs, _ := newTestStackFS(t)

	fd, err := fs.Open("/src.bin", StackPlain|ReadWrite|Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := fs.Write(fd, make([]byte, 256*1024), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = fs.CopyFile(ctx, "/src.bin", "/dst.bin", StackPlain, StackPlain, 0644)
	if err == nil {
		t.Fatal("CopyFile with canceled context succeeded")
	}
	if fs.NumOpen() != 0 {
		t.Fatalf("NumOpen after failed copy = %d, want 0", fs.NumOpen())
	}
}

func TestCopyDir(t *testing.T) {
	fs, base := newTestStackFS(t)

	files := map[string]int64{
		"/data/a.bin":          1000,
		"/data/b.bin":          20*1024 + 7,
		"/data/sub/c.bin":      1,
		"/data/sub/deep/d.bin": 5000,
	}
	if err := base.MkdirAll("/data/sub/deep", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	for path, size := range files {
		fd, err := fs.Open(path, StackPlain|ReadWrite|Create, 0644)
		if err != nil {
			t.Fatalf("Open(%q) failed: %v", path, err)
		}
		data := make([]byte, size)
		fillPattern(data, 0)
		if _, err := fs.Write(fd, data, 0); err != nil {
			t.Fatalf("Write(%q) failed: %v", path, err)
		}
		if err := fs.Close(fd); err != nil {
			t.Fatalf("Close(%q) failed: %v", path, err)
		}
	}

	err := fs.CopyDir(context.Background(), "/data", "/copy", StackPlain, StackPlain, 4)
	if err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}

	for path, size := range files {
		dst := "/copy" + path[len("/data"):]
		fd, err := fs.Open(dst, StackPlain|ReadOnly, 0)
		if err != nil {
			t.Fatalf("open of copy %q failed: %v", dst, err)
		}
		got := make([]byte, size)
		n, err := fs.Read(fd, got, 0)
		if err != nil && err != io.EOF {
			t.Fatalf("Read(%q) failed: %v", dst, err)
		}
		if int64(n) != size {
			t.Fatalf("%q: read %d bytes, want %d", dst, n, size)
		}
		checkPattern(t, got[:n], 0)
		fs.Close(fd)
	}
	if fs.NumOpen() != 0 {
		t.Fatalf("NumOpen after CopyDir = %d, want 0", fs.NumOpen())
	}
}

func TestCopyDirSkipsSidecars(t *testing.T) {
	fs, base := newTestStackFS(t)
	if err := base.MkdirAll("/cdata", 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	fd, err := fs.Open("/cdata/t.bin", StackCompress|ReadWrite|Create, 0644)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := fs.Write(fd, make([]byte, 30000), 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := fs.Close(fd); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	err = fs.CopyDir(context.Background(), "/cdata", "/ccopy", StackCompress, StackCompress, 2)
	if err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}

	// The destination index was rebuilt by the destination stack, not
	// copied as a file in its own right.
	if _, err := base.Stat("/ccopy/t.bin" + IndexSuffix); err != nil {
		t.Fatalf("destination index missing: %v", err)
	}
	if _, err := base.Stat("/ccopy/t.bin" + IndexSuffix + IndexSuffix); err == nil {
		t.Fatal("source index was copied as a data file")
	}

	fd, err = fs.Open("/ccopy/t.bin", StackCompress|ReadOnly, 0)
	if err != nil {
		t.Fatalf("open of copy failed: %v", err)
	}
	defer fs.Close(fd)
	got := make([]byte, 30000)
	n, err := fs.Read(fd, got, 0)
	if err != nil && err != io.EOF {
		t.Fatalf("Read failed: %v", err)
	}
	if n != 30000 {
		t.Fatalf("Read = %d bytes, want 30000", n)
	}
}
