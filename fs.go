package iostack

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// FS opens layer stacks over an underlying filesystem and tracks the
// resulting handles. All handle-based operations are safe for
// concurrent use against distinct handles; a single handle must not be
// shared between goroutines without external locking.
type FS struct {
	fs  absfs.FileSystem
	cfg *Config

	mu      sync.Mutex
	files   map[int]*File
	next    int
	testTop Layer
	openErr error
}

// NewFS returns an FS over fs, validating the configuration and
// filling in its defaults.
func NewFS(fs absfs.FileSystem, cfg *Config) (*FS, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &FS{
		fs:    fs,
		cfg:   cfg,
		files: make(map[int]*File),
		next:  1,
	}, nil
}

// SetTestStack installs the prototype used for StackTest opens. Meant
// for exercising the stack protocol with instrumented layers.
func (s *FS) SetTestStack(top Layer) {
	s.mu.Lock()
	s.testTop = top
	s.mu.Unlock()
}

// buildStack assembles a fresh prototype chain for the requested stack.
// Prototypes are per-open so that ephemeral keys are never shared
// between files.
func (s *FS) buildStack(flag OpenFlag) (Layer, error) {
	cfg := s.cfg
	raw := func() Layer {
		r := newRawLayer(s.fs)
		r.waits = cfg.Waits
		return r
	}

	aead := func(key []byte) Layer {
		return newAEADLayer(raw(), cfg.Cipher, key, cfg.EncryptBlockSize,
			cfg.SeqSource, cfg.Accountant)
	}
	buffered := func(next Layer) Layer {
		return newBufferedLayer(next, cfg.BufferSize, cfg.Accountant)
	}

	switch flag.Stack() {
	case StackRaw, StackDefault:
		return raw(), nil
	case StackPlain:
		return buffered(raw()), nil
	case StackEncrypt:
		key, err := randomKey()
		if err != nil {
			return nil, err
		}
		return buffered(aead(key)), nil
	case StackEncryptPerm:
		if cfg.Keys == nil {
			return nil, stackErr("open", "", -1, ErrNoKeySource)
		}
		key, err := cfg.Keys.Key()
		if err != nil {
			return nil, err
		}
		return buffered(aead(key)), nil
	case StackCompress:
		if cfg.Keys == nil {
			return nil, stackErr("open", "", -1, ErrNoKeySource)
		}
		key, err := cfg.Keys.Key()
		if err != nil {
			return nil, err
		}
		lz := newLZ4Layer(buffered(aead(key)), buffered(aead(key)),
			cfg.CompressBlockSize, cfg.Accountant)
		return buffered(lz), nil
	case StackPaged:
		return newPagedLayer(raw(), cfg.PageSize, cfg.Accountant), nil
	case StackTest:
		s.mu.Lock()
		top := s.testTop
		s.mu.Unlock()
		if top == nil {
			return nil, stackErr("open", "", -1, ErrNotSupported)
		}
		return top, nil
	default:
		return nil, stackErr("open", "", -1, ErrNotSupported)
	}
}

// Open opens path with the requested stack and returns a handle number.
// On failure it returns -1 and the error, which also stays readable
// through LastOpenError since no handle exists to carry it.
func (s *FS) Open(path string, flag OpenFlag, perm os.FileMode) (int, error) {
	proto, err := s.buildStack(flag)
	if err != nil {
		return -1, s.failOpen(err)
	}
	top, err := proto.Open(path, flag, perm)
	if err != nil {
		return -1, s.failOpen(err)
	}

	f := &File{
		fs:   s,
		path: path,
		flag: flag,
		top:  top,
	}
	if flag&Append != 0 {
		size, err := top.Size()
		if err != nil {
			top.Close()
			return -1, s.failOpen(err)
		}
		f.offset = size
	}
	if flag&TempFileLimit != 0 {
		f.limit = s.cfg.TempFileLimit
	}

	s.mu.Lock()
	fd := s.next
	s.next++
	f.fd = fd
	s.files[fd] = f
	s.openErr = nil
	s.mu.Unlock()

	if flag&CloseAtTxnEnd != 0 && s.cfg.Owner != nil {
		s.cfg.Owner.RegisterFile(fd)
	}
	s.cfg.Logger.Debug("opened file",
		zap.String("path", path),
		zap.Int("fd", fd),
		zap.Stringer("flag", flag))
	return fd, nil
}

func (s *FS) failOpen(err error) error {
	s.mu.Lock()
	s.openErr = err
	s.mu.Unlock()
	return err
}

// LastOpenError returns the error from the most recent failed Open, or
// nil if the last Open succeeded. Open failures happen before any
// handle exists, so this is the only place their diagnosis survives.
func (s *FS) LastOpenError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openErr
}

// OpenTemp creates a uniquely named temporary file in the configured
// temp directory. The file is removed when closed, and obeys the
// temporary-file size limit when limited is set.
func (s *FS) OpenTemp(flag OpenFlag, limited bool) (int, error) {
	name := "iostack-" + uuid.New().String() + ".tmp"
	path := filepath.Join(s.cfg.TempDir, name)
	flag |= Create | Exclusive | ReadWrite | DeleteOnClose | Transient
	if limited {
		flag |= TempFileLimit
	}
	return s.Open(path, flag, 0600)
}

// Lookup returns the File for a handle number.
func (s *FS) Lookup(fd int) (*File, error) {
	s.mu.Lock()
	f, ok := s.files[fd]
	s.mu.Unlock()
	if !ok {
		return nil, stackErr("lookup", "", -1, ErrBadHandle)
	}
	return f, nil
}

// Close closes the handle and releases it. Files opened with
// DeleteOnClose are removed afterwards, sidecar files included.
func (s *FS) Close(fd int) error {
	s.mu.Lock()
	f, ok := s.files[fd]
	if ok {
		delete(s.files, fd)
	}
	s.mu.Unlock()
	if !ok {
		return stackErr("close", "", -1, ErrBadHandle)
	}

	err := f.Close()
	if f.flag&DeleteOnClose != 0 {
		err = multierr.Append(err, s.fs.Remove(f.path))
		if f.flag.Stack() == StackCompress {
			// best effort, the sidecar may not exist
			s.fs.Remove(f.path + IndexSuffix)
		}
	}
	if f.flag&CloseAtTxnEnd != 0 && s.cfg.Owner != nil {
		s.cfg.Owner.ForgetFile(fd)
	}
	s.cfg.Logger.Debug("closed file",
		zap.String("path", f.path),
		zap.Int("fd", fd),
		zap.Error(err))
	return err
}

// CloseAll closes every open handle, keeping the first error.
func (s *FS) CloseAll() error {
	s.mu.Lock()
	fds := make([]int, 0, len(s.files))
	for fd := range s.files {
		fds = append(fds, fd)
	}
	s.mu.Unlock()

	var err error
	for _, fd := range fds {
		err = multierr.Append(err, s.Close(fd))
	}
	return err
}

// NumOpen returns the number of open handles.
func (s *FS) NumOpen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Read reads at an offset through a handle.
func (s *FS) Read(fd int, p []byte, off int64) (int, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return 0, err
	}
	return f.Read(p, off)
}

// Write writes at an offset through a handle.
func (s *FS) Write(fd int, p []byte, off int64) (int, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return 0, err
	}
	return f.Write(p, off)
}

// Size returns the logical size of the file behind a handle.
func (s *FS) Size(fd int) (int64, error) {
	f, err := s.Lookup(fd)
	if err != nil {
		return 0, err
	}
	return f.Size()
}

// Resize truncates or zero-extends the file behind a handle.
func (s *FS) Resize(fd int, size int64) error {
	f, err := s.Lookup(fd)
	if err != nil {
		return err
	}
	return f.Resize(size)
}

// Sync flushes the file behind a handle to stable storage.
func (s *FS) Sync(fd int) error {
	f, err := s.Lookup(fd)
	if err != nil {
		return err
	}
	return f.Sync()
}
