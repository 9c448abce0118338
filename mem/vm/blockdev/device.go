// Package blockdev defines the block devices that back the swap area.
package blockdev

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrOutOfRange is returned when a block index is beyond the device.
var ErrOutOfRange = errors.New("block index out of range")

// ErrBufferSize is returned when the buffer does not hold exactly one block.
var ErrBufferSize = errors.New("buffer size does not match block size")

// A Device is a fixed-size array of blocks.
type Device interface {
	// Name returns the name of the device.
	Name() string

	// BlockSize returns the number of bytes in a block.
	BlockSize() int

	// NumBlocks returns the size of the device in blocks.
	NumBlocks() uint64

	// ReadBlock copies the block at index into buf.
	ReadBlock(index uint64, buf []byte) error

	// WriteBlock copies buf into the block at index.
	WriteBlock(index uint64, buf []byte) error
}

func checkAccess(d Device, index uint64, buf []byte) error {
	if index >= d.NumBlocks() {
		return fmt.Errorf("%s: block %d: %w", d.Name(), index, ErrOutOfRange)
	}

	if len(buf) != d.BlockSize() {
		return fmt.Errorf("%s: %d bytes: %w", d.Name(), len(buf), ErrBufferSize)
	}

	return nil
}

// MemDevice keeps the blocks in memory. Blocks that have never been written
// read as zeros and have no memory allocated.
type MemDevice struct {
	sync.Mutex

	name      string
	blockSize int
	numBlocks uint64
	data      map[uint64][]byte
}

// NewMemDevice creates an in-memory device.
func NewMemDevice(name string, blockSize int, numBlocks uint64) *MemDevice {
	return &MemDevice{
		name:      name,
		blockSize: blockSize,
		numBlocks: numBlocks,
		data:      make(map[uint64][]byte),
	}
}

// Name returns the name of the device.
func (d *MemDevice) Name() string {
	return d.name
}

// BlockSize returns the size of a block.
func (d *MemDevice) BlockSize() int {
	return d.blockSize
}

// NumBlocks returns the number of blocks.
func (d *MemDevice) NumBlocks() uint64 {
	return d.numBlocks
}

// ReadBlock reads a block.
func (d *MemDevice) ReadBlock(index uint64, buf []byte) error {
	if err := checkAccess(d, index, buf); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	unit, ok := d.data[index]
	if !ok {
		clear(buf)
		return nil
	}

	copy(buf, unit)

	return nil
}

// WriteBlock writes a block.
func (d *MemDevice) WriteBlock(index uint64, buf []byte) error {
	if err := checkAccess(d, index, buf); err != nil {
		return err
	}

	d.Lock()
	defer d.Unlock()

	unit, ok := d.data[index]
	if !ok {
		unit = make([]byte, d.blockSize)
		d.data[index] = unit
	}

	copy(unit, buf)

	return nil
}

// FileDevice stores the blocks in a host file.
type FileDevice struct {
	file      *os.File
	blockSize int
	numBlocks uint64
}

// OpenFileDevice creates or opens the file at path and sizes it to hold
// numBlocks blocks.
func OpenFileDevice(
	path string,
	blockSize int,
	numBlocks uint64,
) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	err = f.Truncate(int64(numBlocks) * int64(blockSize))
	if err != nil {
		f.Close()
		return nil, err
	}

	d := &FileDevice{
		file:      f,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}

	return d, nil
}

// Name returns the path of the backing file.
func (d *FileDevice) Name() string {
	return d.file.Name()
}

// BlockSize returns the size of a block.
func (d *FileDevice) BlockSize() int {
	return d.blockSize
}

// NumBlocks returns the number of blocks.
func (d *FileDevice) NumBlocks() uint64 {
	return d.numBlocks
}

// ReadBlock reads a block.
func (d *FileDevice) ReadBlock(index uint64, buf []byte) error {
	if err := checkAccess(d, index, buf); err != nil {
		return err
	}

	_, err := d.file.ReadAt(buf, int64(index)*int64(d.blockSize))

	return err
}

// WriteBlock writes a block.
func (d *FileDevice) WriteBlock(index uint64, buf []byte) error {
	if err := checkAccess(d, index, buf); err != nil {
		return err
	}

	_, err := d.file.WriteAt(buf, int64(index)*int64(d.blockSize))

	return err
}

// Close closes the backing file.
func (d *FileDevice) Close() error {
	return d.file.Close()
}
