// Package fs provides the file handles that back binary segments and memory
// mapped files.
package fs

import (
	"errors"
	"io"
	"os"
	"sync"
)

// ErrClosed is returned when a closed handle is used.
var ErrClosed = errors.New("file handle is closed")

// A File is an open handle with offset-based access.
type File interface {
	io.ReaderAt
	io.WriterAt

	// Name returns the name of the underlying file.
	Name() string

	// Length returns the current size of the file in bytes.
	Length() (int64, error)

	// Reopen returns a new handle on the same file. The new handle can be
	// closed independently.
	Reopen() (File, error)

	Close() error
}

type inode struct {
	sync.Mutex
	name string
	data []byte
}

// MemFile is a handle on a file that lives in memory. All the handles
// reopened from the same MemFile share the content.
type MemFile struct {
	node   *inode
	closed bool
}

// NewMemFile creates a file holding a copy of data.
func NewMemFile(name string, data []byte) *MemFile {
	node := &inode{
		name: name,
		data: append([]byte(nil), data...),
	}

	return &MemFile{node: node}
}

// Name returns the name of the file.
func (f *MemFile) Name() string {
	return f.node.name
}

// ReadAt reads len(p) bytes from off.
func (f *MemFile) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, os.ErrInvalid
	}

	f.node.Lock()
	defer f.node.Unlock()

	if off >= int64(len(f.node.data)) {
		return 0, io.EOF
	}

	n := copy(p, f.node.data[off:])
	if n < len(p) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes p at off, growing the file if needed.
func (f *MemFile) WriteAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, ErrClosed
	}

	if off < 0 {
		return 0, os.ErrInvalid
	}

	f.node.Lock()
	defer f.node.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.node.data)) {
		grown := make([]byte, end)
		copy(grown, f.node.data)
		f.node.data = grown
	}

	return copy(f.node.data[off:], p), nil
}

// Length returns the size of the file.
func (f *MemFile) Length() (int64, error) {
	if f.closed {
		return 0, ErrClosed
	}

	f.node.Lock()
	defer f.node.Unlock()

	return int64(len(f.node.data)), nil
}

// Reopen returns another handle on the same content.
func (f *MemFile) Reopen() (File, error) {
	if f.closed {
		return nil, ErrClosed
	}

	return &MemFile{node: f.node}, nil
}

// Close closes the handle. The content stays reachable from other handles.
func (f *MemFile) Close() error {
	if f.closed {
		return ErrClosed
	}

	f.closed = true

	return nil
}

// Bytes returns a copy of the content.
func (f *MemFile) Bytes() []byte {
	f.node.Lock()
	defer f.node.Unlock()

	return append([]byte(nil), f.node.data...)
}

// OSFile is a handle on a host file.
type OSFile struct {
	*os.File
}

// Open opens the host file at path for reading and writing.
func Open(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	return &OSFile{File: f}, nil
}

// Length returns the size of the host file.
func (f *OSFile) Length() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// Reopen opens the same path again.
func (f *OSFile) Reopen() (File, error) {
	g, err := Open(f.Name())
	if err != nil {
		return nil, err
	}

	return g, nil
}
