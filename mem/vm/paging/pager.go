package paging

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/physmem"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// directory resolves process IDs to address spaces.
type directory struct {
	sync.RWMutex
	spaces map[vm.PID]*Space
}

func (d *directory) lookup(pid vm.PID) (*Space, bool) {
	d.RLock()
	defer d.RUnlock()

	s, ok := d.spaces[pid]

	return s, ok
}

func (d *directory) add(s *Space) error {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.spaces[s.pid]; ok {
		return fmt.Errorf("%w: %d", ErrSpaceExists, s.pid)
	}

	d.spaces[s.pid] = s

	return nil
}

func (d *directory) remove(pid vm.PID) {
	d.Lock()
	defer d.Unlock()

	delete(d.spaces, pid)
}

func (d *directory) pids() []vm.PID {
	d.RLock()
	defer d.RUnlock()

	pids := make([]vm.PID, 0, len(d.spaces))
	for pid := range d.spaces {
		pids = append(pids, pid)
	}

	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	return pids
}

// A Space is the address space of one process.
//
// Faults, accesses and removals on one space are serialized by its lock, the
// way a single user thread raises one fault at a time.
type Space struct {
	mu    sync.Mutex
	pid   vm.PID
	pager *Pager
	table *SupplementalTable
	sp    atomic.Uint64
	dead  bool
}

// IsGone tells if the space has been torn down.
func (s *Space) IsGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.dead
}

func (s *Space) checkAlive() error {
	if s.dead {
		return fmt.Errorf("%w: %d", ErrSpaceGone, s.pid)
	}

	return nil
}

// SetStackPointer records the user stack pointer that Read and Write present
// to the fault handler.
func (s *Space) SetStackPointer(sp uint64) {
	s.sp.Store(sp)
}

// StackPointer returns the recorded user stack pointer.
func (s *Space) StackPointer() uint64 {
	return s.sp.Load()
}

// PID returns the ID of the process that owns the space.
func (s *Space) PID() vm.PID {
	return s.pid
}

// Table returns the supplemental page table of the space.
func (s *Space) Table() *SupplementalTable {
	return s.table
}

// Lookup returns a snapshot of the entry of the page that contains vAddr.
func (s *Space) Lookup(vAddr uint64) (EntryInfo, bool) {
	e, found := s.table.Find(vAddr)
	if !found {
		return EntryInfo{}, false
	}

	s.pager.frames.mu.Lock()
	defer s.pager.frames.mu.Unlock()

	return e.info(), true
}

// Entries returns snapshots of all the entries ordered by address.
func (s *Space) Entries() []EntryInfo {
	entries := s.table.sorted()

	s.pager.frames.mu.Lock()
	defer s.pager.frames.mu.Unlock()

	infos := make([]EntryInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.info())
	}

	return infos
}

// IsResident tells if the page that contains vAddr is in memory.
func (s *Space) IsResident(vAddr uint64) bool {
	info, found := s.Lookup(vAddr)
	return found && info.Loaded
}

// Stats summarizes the state of the pager.
type Stats struct {
	NumFrames    uint64
	FreeFrames   uint64
	UsedFrames   int
	SwapCapacity int
	SwapInUse    int
	NumSpaces    int
	Faults       uint64
	Allocations  uint64
	Evictions    uint64
}

// A Pager resolves page faults for all the address spaces of the system.
type Pager struct {
	*sim.HookableBase

	name       string
	pageSize   uint64
	userTop    uint64
	stackLimit uint64
	stackSlack uint64
	mem        physmem.Allocator
	pt         vm.PageTable
	swap       *swap.Store
	frames     *FrameTable
	spaces     *directory
	numFaults  atomic.Uint64
}

// AcceptHook registers the hook with the pager, its frame table and its swap
// store.
func (p *Pager) AcceptHook(hook sim.Hook) {
	p.HookableBase.AcceptHook(hook)
	p.frames.AcceptHook(hook)
	p.swap.AcceptHook(hook)
}

type frameCounter interface {
	NumFrames() uint64
	NumFree() uint64
}

// Name returns the name of the pager.
func (p *Pager) Name() string {
	return p.name
}

// PageSize returns the page size.
func (p *Pager) PageSize() uint64 {
	return p.pageSize
}

// UserTop returns the first address above the user address space. The stack
// grows down from there.
func (p *Pager) UserTop() uint64 {
	return p.userTop
}

// StackLimit returns the maximum size of a stack.
func (p *Pager) StackLimit() uint64 {
	return p.stackLimit
}

// PageTable returns the translation tables.
func (p *Pager) PageTable() vm.PageTable {
	return p.pt
}

// Swap returns the swap store.
func (p *Pager) Swap() *swap.Store {
	return p.swap
}

// FrameTable returns the frame table.
func (p *Pager) FrameTable() *FrameTable {
	return p.frames
}

// AlignToPage rounds vAddr down to a page boundary.
func (p *Pager) AlignToPage(vAddr uint64) uint64 {
	return vAddr &^ (p.pageSize - 1)
}

// NewSpace creates the address space of a process.
func (p *Pager) NewSpace(pid vm.PID) (*Space, error) {
	s := &Space{
		pid:   pid,
		pager: p,
		table: NewSupplementalTable(p.pageSize),
	}
	s.sp.Store(p.userTop)

	err := p.spaces.add(s)
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Space returns the address space of a process.
func (p *Pager) Space(pid vm.PID) (*Space, bool) {
	return p.spaces.lookup(pid)
}

// Spaces returns the IDs of all the live address spaces.
func (p *Pager) Spaces() []vm.PID {
	return p.spaces.pids()
}

// Stats returns the counters of the pager.
func (p *Pager) Stats() Stats {
	st := Stats{
		UsedFrames:   p.frames.Len(),
		SwapCapacity: p.swap.Capacity(),
		SwapInUse:    p.swap.InUse(),
		NumSpaces:    len(p.spaces.pids()),
		Faults:       p.numFaults.Load(),
		Allocations:  p.frames.numAllocs.Load(),
		Evictions:    p.frames.numEvictions.Load(),
	}

	if c, ok := p.mem.(frameCounter); ok {
		st.NumFrames = c.NumFrames()
		st.FreeFrames = c.NumFree()
	}

	return st
}

// Declare adds a page to the supplemental table of the space.
func (p *Pager) Declare(s *Space, d Decl) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return p.declareLocked(s, d)
}

func (p *Pager) declareLocked(s *Space, d Decl) error {
	err := s.checkAlive()
	if err != nil {
		return err
	}

	if d.VAddr >= p.userTop {
		return fmt.Errorf("%w: 0x%x", ErrKernelAddress, d.VAddr)
	}

	_, err = s.table.Declare(d)

	return err
}

// LoadSegment declares the pages of a program segment. The segment starts at
// the page aligned address upage; its first readBytes bytes come from file at
// offset and the following zeroBytes bytes are zeros. On failure no page of
// the segment stays declared.
func (p *Pager) LoadSegment(
	s *Space,
	file fs.File,
	offset int64,
	upage uint64,
	readBytes, zeroBytes uint64,
	writable bool,
) error {
	if upage%p.pageSize != 0 || (readBytes+zeroBytes)%p.pageSize != 0 {
		return fmt.Errorf("%w: segment at 0x%x with %d+%d bytes",
			ErrInvalidDecl, upage, readBytes, zeroBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	declared := make([]uint64, 0, (readBytes+zeroBytes)/p.pageSize)
	for readBytes > 0 || zeroBytes > 0 {
		pageRead := min(readBytes, p.pageSize)
		pageZero := p.pageSize - pageRead

		err := p.declareLocked(s, Decl{
			Kind:      KindBinary,
			VAddr:     upage,
			Writable:  writable,
			File:      file,
			Offset:    offset,
			ReadBytes: int(pageRead),
			ZeroBytes: int(pageZero),
		})
		if err != nil {
			for _, vAddr := range declared {
				s.table.remove(vAddr)
			}

			return err
		}

		declared = append(declared, upage)
		readBytes -= pageRead
		zeroBytes -= pageZero
		offset += int64(pageRead)
		upage += p.pageSize
	}

	return nil
}
