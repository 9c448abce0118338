// Package mmap maps files into address spaces. The pages of a mapping are
// declared lazily and are written back to the file when the mapping goes
// away.
package mmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidAddress is returned for a mapping at address 0.
	ErrInvalidAddress = errors.New("mmap: invalid address")

	// ErrUnaligned is returned when the base is not page aligned.
	ErrUnaligned = errors.New("mmap: unaligned address")

	// ErrAboveStack is returned when the base is at or above the stack
	// pointer.
	ErrAboveStack = errors.New("mmap: address above stack pointer")

	// ErrEmptyFile is returned when mapping a file of length 0.
	ErrEmptyFile = errors.New("mmap: empty file")

	// ErrOverlap is returned when the range covers pages already in use.
	ErrOverlap = errors.New("mmap: range overlaps existing pages")

	// ErrStackReserve is returned when the range reaches into the region
	// reserved for stack growth.
	ErrStackReserve = errors.New("mmap: range overlaps stack reserve")
)

// ID identifies a mapping within an address space.
type ID int

// A Mapping is an active file mapping.
type Mapping struct {
	ID     ID
	File   fs.File
	Base   uint64
	Length uint64

	end uint64
}

// End returns the first address after the last page of the mapping.
func (m *Mapping) End() uint64 {
	return m.end
}

// Hook positions of the manager.
var (
	HookPosMap   = &sim.HookPos{Name: "Map"}
	HookPosUnmap = &sim.HookPos{Name: "Unmap"}
)

// MapEvent is the hook item of HookPosMap and HookPosUnmap.
type MapEvent struct {
	PID    vm.PID
	ID     ID
	File   string
	Base   uint64
	Length uint64
}

// Fields describes the event for logging.
func (e MapEvent) Fields() logrus.Fields {
	return logrus.Fields{
		"pid":    e.PID,
		"id":     int(e.ID),
		"file":   e.File,
		"base":   fmt.Sprintf("0x%x", e.Base),
		"length": e.Length,
	}
}

// registry holds the mappings of one address space ordered by base address.
type registry struct {
	sync.Mutex
	byBase *btree.BTreeG[*Mapping]
	byID   map[ID]*Mapping
	nextID ID
}

func newRegistry() *registry {
	return &registry{
		byBase: btree.NewG(8, func(a, b *Mapping) bool {
			return a.Base < b.Base
		}),
		byID:   make(map[ID]*Mapping),
		nextID: 1,
	}
}

// overlaps tells if [base, end) intersects a registered mapping. Mappings
// never overlap each other, so only the last one starting before end needs
// to be checked.
func (r *registry) overlaps(base, end uint64) bool {
	overlap := false

	r.byBase.DescendLessOrEqual(&Mapping{Base: end - 1}, func(m *Mapping) bool {
		overlap = m.end > base
		return false
	})

	return overlap
}

func (r *registry) add(m *Mapping) {
	m.ID = r.nextID
	r.nextID++

	r.byBase.ReplaceOrInsert(m)
	r.byID[m.ID] = m
}

func (r *registry) remove(m *Mapping) {
	r.byBase.Delete(m)
	delete(r.byID, m.ID)
}

func (r *registry) list() []*Mapping {
	list := make([]*Mapping, 0, r.byBase.Len())

	r.byBase.Ascend(func(m *Mapping) bool {
		list = append(list, m)
		return true
	})

	return list
}
