package emulate

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("access beyond backend size")
)

// Backend is the storage behind an emulated disk.
type Backend interface {
	io.ReaderAt
	io.WriterAt

	Size() int64
	Flush() error
	Discard(off, n int64) error
	Truncate(size int64) error
}

// MemBackend keeps the disk image in memory.
type MemBackend struct {
	mu  sync.RWMutex
	buf []byte
}

func NewMemBackend(size int64) *MemBackend {
	return &MemBackend{buf: make([]byte, size)}
}

// NewMemBackendFrom uses image as the initial disk content.
func NewMemBackendFrom(image []byte) *MemBackend {
	return &MemBackend{buf: append([]byte(nil), image...)}
}

func (m *MemBackend) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errors.Wrapf(ErrOutOfRange, "read %d@%d", len(p), off)
	}
	return copy(p, m.buf[off:]), nil
}

func (m *MemBackend) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, errors.Wrapf(ErrOutOfRange, "write %d@%d", len(p), off)
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemBackend) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return int64(len(m.buf))
}

func (m *MemBackend) Flush() error {
	return nil
}

func (m *MemBackend) Discard(off, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || n < 0 || off+n > int64(len(m.buf)) {
		return errors.Wrapf(ErrOutOfRange, "discard %d@%d", n, off)
	}
	clear(m.buf[off : off+n])
	return nil
}

func (m *MemBackend) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	m.buf = append(m.buf, make([]byte, size-int64(len(m.buf)))...)
	return nil
}

// Bytes returns a copy of the image.
func (m *MemBackend) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]byte(nil), m.buf...)
}

// FileBackend serves a disk image file. FLUSH is an fsync.
type FileBackend struct {
	f *os.File
}

func OpenFileBackend(path string, readOnly bool) (*FileBackend, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %s", path)
	}
	return &FileBackend{f: f}, nil
}

func (b *FileBackend) ReadAt(p []byte, off int64) (int, error) {
	return b.f.ReadAt(p, off)
}

func (b *FileBackend) WriteAt(p []byte, off int64) (int, error) {
	return b.f.WriteAt(p, off)
}

func (b *FileBackend) Size() int64 {
	fi, err := b.f.Stat()
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (b *FileBackend) Flush() error {
	return unix.Fsync(int(b.f.Fd()))
}

// Discard zeroes the range. Punching holes is left to the filesystem.
func (b *FileBackend) Discard(off, n int64) error {
	zero := make([]byte, 64*1024)
	for n > 0 {
		chunk := int64(len(zero))
		if n < chunk {
			chunk = n
		}
		if _, err := b.f.WriteAt(zero[:chunk], off); err != nil {
			return err
		}
		off += chunk
		n -= chunk
	}
	return nil
}

func (b *FileBackend) Truncate(size int64) error {
	return b.f.Truncate(size)
}

func (b *FileBackend) Close() error {
	return b.f.Close()
}
