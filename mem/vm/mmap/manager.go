package mmap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/sim"
)

// A Manager keeps track of the file mappings of all the address spaces.
type Manager struct {
	*sim.HookableBase

	mu         sync.Mutex
	pager      *paging.Pager
	registries map[vm.PID]*registry
}

// NewManager creates a manager that declares pages with the pager.
func NewManager(pager *paging.Pager) *Manager {
	return &Manager{
		HookableBase: sim.NewHookableBase(),
		pager:        pager,
		registries:   make(map[vm.PID]*registry),
	}
}

// Name returns the name of the manager.
func (m *Manager) Name() string {
	return m.pager.Name() + ".MMap"
}

func (m *Manager) registryOf(pid vm.PID, create bool) *registry {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.registries[pid]
	if !ok && create {
		r = newRegistry()
		m.registries[pid] = r
	}

	return r
}

// Map maps the whole file at base. The file is reopened, so the caller may
// close its own handle. No page is loaded until it is accessed. Mapping into
// a space that has been torn down fails with paging.ErrSpaceGone.
func (m *Manager) Map(
	s *paging.Space,
	file fs.File,
	base, espBound uint64,
) (ID, error) {
	if s.IsGone() {
		return 0, fmt.Errorf("%w: %d", paging.ErrSpaceGone, s.PID())
	}

	length, err := m.validate(file, base, espBound)
	if err != nil {
		return 0, err
	}

	pageSize := m.pager.PageSize()
	end := base + roundUp(length, pageSize)

	r := m.registryOf(s.PID(), true)
	r.Lock()
	defer r.Unlock()

	if r.overlaps(base, end) || s.Table().Contains(base, end-base) {
		return 0, fmt.Errorf("%w: [0x%x, 0x%x)", ErrOverlap, base, end)
	}

	handle, err := file.Reopen()
	if err != nil {
		return 0, err
	}

	err = m.declare(s, handle, base, length)
	if err != nil {
		_ = handle.Close()
		return 0, err
	}

	mapping := &Mapping{File: handle, Base: base, Length: length, end: end}
	r.add(mapping)

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    HookPosMap,
		Item:   event(s.PID(), mapping),
	})

	return mapping.ID, nil
}

func (m *Manager) validate(
	file fs.File,
	base, espBound uint64,
) (uint64, error) {
	pageSize := m.pager.PageSize()

	switch {
	case base == 0:
		return 0, ErrInvalidAddress
	case base%pageSize != 0:
		return 0, fmt.Errorf("%w: 0x%x", ErrUnaligned, base)
	case base >= espBound:
		return 0, fmt.Errorf("%w: 0x%x >= 0x%x", ErrAboveStack, base, espBound)
	}

	length, err := file.Length()
	if err != nil {
		return 0, err
	}

	if length <= 0 {
		return 0, fmt.Errorf("%w: %s", ErrEmptyFile, file.Name())
	}

	stackBottom := m.pager.UserTop() - m.pager.StackLimit()
	end := base + roundUp(uint64(length), pageSize)
	if end > stackBottom || end < base {
		return 0, fmt.Errorf("%w: [0x%x, 0x%x)", ErrStackReserve, base, end)
	}

	return uint64(length), nil
}

// declare declares one mmap page per page of the file. The last page reads
// the tail of the file and zero fills the rest.
func (m *Manager) declare(
	s *paging.Space,
	file fs.File,
	base, length uint64,
) error {
	pageSize := m.pager.PageSize()

	for offset := uint64(0); offset < length; offset += pageSize {
		readBytes := min(length-offset, pageSize)

		err := m.pager.Declare(s, paging.Decl{
			Kind:      paging.KindMmap,
			VAddr:     base + offset,
			Writable:  true,
			File:      file,
			Offset:    int64(offset),
			ReadBytes: int(readBytes),
			ZeroBytes: int(pageSize - readBytes),
		})
		if err != nil {
			for undo := uint64(0); undo < offset; undo += pageSize {
				_ = m.pager.Remove(s, base+undo, false)
			}

			return err
		}
	}

	return nil
}

// Unmap writes the modified pages of the mapping back to the file and
// removes the mapping. Unmapping an unknown ID does nothing. All the pages
// are released even if some fail to write back.
func (m *Manager) Unmap(s *paging.Space, id ID) error {
	r := m.registryOf(s.PID(), false)
	if r == nil {
		return nil
	}

	r.Lock()
	defer r.Unlock()

	mapping, ok := r.byID[id]
	if !ok {
		return nil
	}

	return m.unmapLocked(s, r, mapping)
}

func (m *Manager) unmapLocked(s *paging.Space, r *registry, mapping *Mapping) error {
	var errs []error

	pageSize := m.pager.PageSize()
	for vAddr := mapping.Base; vAddr < mapping.end; vAddr += pageSize {
		err := m.pager.Remove(s, vAddr, true)
		if err != nil {
			errs = append(errs, err)
		}
	}

	err := mapping.File.Close()
	if err != nil {
		errs = append(errs, err)
	}

	r.remove(mapping)

	m.InvokeHook(sim.HookCtx{
		Domain: m,
		Pos:    HookPosUnmap,
		Item:   event(s.PID(), mapping),
	})

	return errors.Join(errs...)
}

// UnmapAll unmaps every mapping of the space and forgets the space. It is
// called when the process exits.
func (m *Manager) UnmapAll(s *paging.Space) error {
	m.mu.Lock()
	r, ok := m.registries[s.PID()]
	delete(m.registries, s.PID())
	m.mu.Unlock()

	if !ok {
		return nil
	}

	r.Lock()
	defer r.Unlock()

	var errs []error
	for _, mapping := range r.list() {
		err := m.unmapLocked(s, r, mapping)
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Mappings returns the active mappings of the space ordered by base address.
func (m *Manager) Mappings(s *paging.Space) []Mapping {
	r := m.registryOf(s.PID(), false)
	if r == nil {
		return nil
	}

	r.Lock()
	defer r.Unlock()

	list := r.list()
	mappings := make([]Mapping, 0, len(list))
	for _, mapping := range list {
		mappings = append(mappings, *mapping)
	}

	return mappings
}

func event(pid vm.PID, mapping *Mapping) MapEvent {
	return MapEvent{
		PID:    pid,
		ID:     mapping.ID,
		File:   mapping.File.Name(),
		Base:   mapping.Base,
		Length: mapping.Length,
	}
}

func roundUp(n, pageSize uint64) uint64 {
	return (n + pageSize - 1) &^ (pageSize - 1)
}
