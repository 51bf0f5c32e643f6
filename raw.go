package iostack

import (
	"errors"
	"io"
	"os"

	"github.com/absfs/absfs"
)

// rawLayer is the bottom of every stack. It wraps an absfs.File and exposes
// positional read, write, truncate and sync at byte granularity. System
// errors pass through unchanged so callers can recover the errno.
type rawLayer struct {
	fs    absfs.FileSystem
	file  absfs.File
	path  string
	size  int64
	waits WaitReporter
}

// newRawLayer returns a raw bottom prototype over the given filesystem.
func newRawLayer(fs absfs.FileSystem) *rawLayer {
	return &rawLayer{fs: fs}
}

func (l *rawLayer) Open(path string, flag OpenFlag, perm os.FileMode) (Layer, error) {
	f, err := l.fs.OpenFile(path, flag.KernelFlags(), perm)
	if err != nil {
		return nil, err
	}
	var size int64
	if flag&Truncate == 0 {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		size = info.Size()
	}
	return &rawLayer{fs: l.fs, file: f, path: path, size: size, waits: l.waits}, nil
}

func (l *rawLayer) begin(ev WaitEvent) {
	if l.waits != nil {
		l.waits.BeginWait(ev)
	}
}

func (l *rawLayer) end() {
	if l.waits != nil {
		l.waits.EndWait()
	}
}

func (l *rawLayer) ReadAt(p []byte, off int64) (int, error) {
	l.begin(WaitRead)
	n, err := l.file.ReadAt(p, off)
	l.end()
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (l *rawLayer) WriteAt(p []byte, off int64) (int, error) {
	l.begin(WaitWrite)
	n, err := l.file.WriteAt(p, off)
	l.end()
	if end := off + int64(n); end > l.size {
		l.size = end
	}
	return n, err
}

func (l *rawLayer) Sync() error {
	l.begin(WaitSync)
	defer l.end()
	return l.file.Sync()
}

func (l *rawLayer) Truncate(size int64) error {
	l.begin(WaitTruncate)
	err := l.file.Truncate(size)
	l.end()
	if err != nil {
		return err
	}
	l.size = size
	return nil
}

// Size reports the tracked size. The underlying Stat is only current
// after a sync, so the layer advances the size itself on writes.
func (l *rawLayer) Size() (int64, error) {
	return l.size, nil
}

func (l *rawLayer) Close() error {
	f := l.file
	l.file = nil
	if f == nil {
		return nil
	}
	return f.Close()
}

func (l *rawLayer) BlockSize() int64 {
	return 1
}
