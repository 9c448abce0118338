// Package physmem provides the physical page allocator that hands out page
// frames to the paging core.
package physmem

import (
	"fmt"
	"sync"
)

// An Allocator hands out raw physical pages.
type Allocator interface {
	// AllocPage reserves a free physical page. If zero is set, the page is
	// filled with zeros. The bool return value is false if no page is free.
	AllocPage(zero bool) (pAddr uint64, ok bool)

	// FreePage returns a page to the allocator.
	FreePage(pAddr uint64)

	// Page returns the kernel view of an allocated page.
	Page(pAddr uint64) []byte

	// PageSize returns the number of bytes in a page.
	PageSize() uint64
}

// Memory is a fixed pool of page frames.
//
// The memory manages the storage in units of pages. Frames that have never
// been handed out have no backing bytes allocated.
type Memory struct {
	sync.Mutex

	name      string
	base      uint64
	pageSize  uint64
	numFrames uint64

	data      map[uint64][]byte
	allocated []bool
	freeList  []uint64
}

// Name returns the name of the memory.
func (m *Memory) Name() string {
	return m.name
}

// PageSize returns the size of a frame.
func (m *Memory) PageSize() uint64 {
	return m.pageSize
}

// NumFrames returns the total number of frames.
func (m *Memory) NumFrames() uint64 {
	return m.numFrames
}

// NumFree returns the number of frames that are not allocated.
func (m *Memory) NumFree() uint64 {
	m.Lock()
	defer m.Unlock()

	return uint64(len(m.freeList))
}

// AllocPage reserves a free frame.
func (m *Memory) AllocPage(zero bool) (uint64, bool) {
	m.Lock()
	defer m.Unlock()

	if len(m.freeList) == 0 {
		return 0, false
	}

	index := m.freeList[len(m.freeList)-1]
	m.freeList = m.freeList[:len(m.freeList)-1]
	m.allocated[index] = true

	unit := m.createOrGetUnit(index)
	if zero {
		clear(unit)
	}

	return m.base + index*m.pageSize, true
}

// FreePage returns a frame to the pool. Freeing a frame that is not
// allocated is a bug in the caller.
func (m *Memory) FreePage(pAddr uint64) {
	m.Lock()
	defer m.Unlock()

	index := m.mustParseAddress(pAddr)
	if !m.allocated[index] {
		panic(fmt.Sprintf("%s: double free of frame 0x%x", m.name, pAddr))
	}

	m.allocated[index] = false
	m.freeList = append(m.freeList, index)
}

// Page returns the bytes of an allocated frame. The returned slice aliases
// the frame.
func (m *Memory) Page(pAddr uint64) []byte {
	m.Lock()
	defer m.Unlock()

	index := m.mustParseAddress(pAddr)
	if !m.allocated[index] {
		panic(fmt.Sprintf("%s: access to free frame 0x%x", m.name, pAddr))
	}

	return m.createOrGetUnit(index)
}

func (m *Memory) createOrGetUnit(index uint64) []byte {
	unit, ok := m.data[index]
	if !ok {
		unit = make([]byte, m.pageSize)
		m.data[index] = unit
	}

	return unit
}

func (m *Memory) mustParseAddress(pAddr uint64) uint64 {
	if pAddr < m.base || (pAddr-m.base)%m.pageSize != 0 {
		panic(fmt.Sprintf("%s: 0x%x is not a frame address", m.name, pAddr))
	}

	index := (pAddr - m.base) / m.pageSize
	if index >= m.numFrames {
		panic(fmt.Sprintf("%s: 0x%x is beyond the memory capacity",
			m.name, pAddr))
	}

	return index
}
