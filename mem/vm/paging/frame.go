package paging

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/physmem"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// A Frame is a physical page that backs a resident virtual page.
type Frame struct {
	index int
	pAddr uint64
	vAddr uint64

	// owner only names the address space. The space is looked up through the
	// directory, so a frame never keeps an exited space alive.
	owner vm.PID

	// pinned frames are being filled and are skipped by eviction.
	pinned bool
}

// PAddr returns the physical address of the frame.
func (f *Frame) PAddr() uint64 {
	return f.pAddr
}

// VAddr returns the virtual address that the frame backs.
func (f *Frame) VAddr() uint64 {
	return f.vAddr
}

// Owner returns the address space that the frame belongs to.
func (f *Frame) Owner() vm.PID {
	return f.owner
}

// FrameInfo is a snapshot of a registered frame.
type FrameInfo struct {
	Index    int
	PAddr    uint64
	VAddr    uint64
	Owner    vm.PID
	Pinned   bool
	Accessed bool
	Dirty    bool
}

// A FrameTable registers every frame handed to a virtual page and reclaims
// frames with the clock algorithm when physical memory runs out.
//
// Frames live in an arena and keep their index for their whole life, so the
// clock hand stays valid while frames come and go.
type FrameTable struct {
	*sim.HookableBase

	mu     sync.Mutex
	mem    physmem.Allocator
	pt     vm.PageTable
	swap   *swap.Store
	spaces *directory

	frames  []*Frame
	free    []int
	hand    int
	numLive int

	mmapWriteBackOnEvict bool

	numAllocs    atomic.Uint64
	numEvictions atomic.Uint64
}

func newFrameTable(
	mem physmem.Allocator,
	pt vm.PageTable,
	store *swap.Store,
	spaces *directory,
) *FrameTable {
	return &FrameTable{
		HookableBase: sim.NewHookableBase(),
		mem:          mem,
		pt:           pt,
		swap:         store,
		spaces:       spaces,
	}
}

// Len returns the number of registered frames.
func (ft *FrameTable) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	return ft.numLive
}

// Frames returns a snapshot of the registered frames in arena order.
func (ft *FrameTable) Frames() []FrameInfo {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	infos := make([]FrameInfo, 0, ft.numLive)
	for _, f := range ft.frames {
		if f == nil {
			continue
		}

		infos = append(infos, FrameInfo{
			Index:    f.index,
			PAddr:    f.pAddr,
			VAddr:    f.vAddr,
			Owner:    f.owner,
			Pinned:   f.pinned,
			Accessed: ft.pt.IsAccessed(f.owner, f.vAddr),
			Dirty:    ft.pt.IsDirty(f.owner, f.vAddr),
		})
	}

	return infos
}

// Allocate returns a pinned frame for the page at vAddr of the given space.
// If no physical page is free, one frame is evicted. The caller unpins the
// frame once the page is resident.
func (ft *FrameTable) Allocate(owner vm.PID, vAddr uint64) (*Frame, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	pAddr, ok := ft.mem.AllocPage(false)
	if !ok {
		var err error

		pAddr, err = ft.evictLocked()
		if err != nil {
			return nil, err
		}
	}

	f := &Frame{
		pAddr:  pAddr,
		vAddr:  vAddr,
		owner:  owner,
		pinned: true,
	}
	ft.register(f)
	ft.numAllocs.Add(1)

	ft.InvokeHook(sim.HookCtx{
		Domain: ft,
		Pos:    HookPosFrameAlloc,
		Item:   PageEvent{PID: owner, VAddr: vAddr, PAddr: pAddr, Slot: swap.NoSlot},
	})

	return f, nil
}

// Release unregisters a frame and returns its physical page. Clearing the
// translation is left to the caller.
//
// If the owning entry is resident and still holds a swap slot, the slot is
// freed. An entry that is not resident keeps its slot, so that a failed
// resolution can be retried.
func (ft *FrameTable) Release(f *Frame) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.releaseLocked(f)
}

func (ft *FrameTable) releaseLocked(f *Frame) {
	if space, ok := ft.spaces.lookup(f.owner); ok {
		e, found := space.table.Find(f.vAddr)
		if found && e.loaded && e.frame == f && e.slot != swap.NoSlot {
			ft.swap.Free(e.slot)
			e.slot = swap.NoSlot
		}
	}

	ft.unregister(f)
	ft.mem.FreePage(f.pAddr)

	ft.InvokeHook(sim.HookCtx{
		Domain: ft,
		Pos:    HookPosFrameFree,
		Item:   PageEvent{PID: f.owner, VAddr: f.vAddr, PAddr: f.pAddr, Slot: swap.NoSlot},
	})
}

func (ft *FrameTable) register(f *Frame) {
	if len(ft.free) > 0 {
		f.index = ft.free[len(ft.free)-1]
		ft.free = ft.free[:len(ft.free)-1]
		ft.frames[f.index] = f
	} else {
		f.index = len(ft.frames)
		ft.frames = append(ft.frames, f)
	}

	ft.numLive++
}

func (ft *FrameTable) unregister(f *Frame) {
	if f.index >= len(ft.frames) || ft.frames[f.index] != f {
		panic(fmt.Sprintf("frame 0x%x is not registered", f.pAddr))
	}

	ft.frames[f.index] = nil
	ft.free = append(ft.free, f.index)
	ft.numLive--
}

// evictLocked picks a victim with the clock algorithm, moves its content out
// and returns its physical page. A frame whose accessed bit is set gets a
// second chance. The scan gives up after two full turns of the clock.
func (ft *FrameTable) evictLocked() (uint64, error) {
	if ft.numLive == 0 {
		return 0, ErrOutOfMemory
	}

	budget := 2 * len(ft.frames)
	for i := 0; i < budget; i++ {
		f := ft.frames[ft.hand]
		ft.hand = (ft.hand + 1) % len(ft.frames)

		if f == nil || f.pinned {
			continue
		}

		if ft.pt.IsAccessed(f.owner, f.vAddr) {
			ft.pt.SetAccessed(f.owner, f.vAddr, false)
			continue
		}

		err := ft.evictFrameLocked(f)
		if err != nil {
			return 0, err
		}

		return f.pAddr, nil
	}

	return 0, ErrOutOfMemory
}

func (ft *FrameTable) evictFrameLocked(f *Frame) error {
	space, ok := ft.spaces.lookup(f.owner)
	if !ok {
		panic(fmt.Sprintf("frame 0x%x belongs to unknown space %d",
			f.pAddr, f.owner))
	}

	e, found := space.table.Find(f.vAddr)
	if !found || e.frame != f {
		panic(fmt.Sprintf("frame 0x%x has no entry in space %d",
			f.pAddr, f.owner))
	}

	dirty := ft.pt.IsDirty(f.owner, f.vAddr)
	ft.pt.ClearMapping(f.owner, f.vAddr)
	page := ft.mem.Page(f.pAddr)

	event := PageEvent{PID: f.owner, VAddr: f.vAddr, PAddr: f.pAddr}

	if ft.mmapWriteBackOnEvict && e.origin == KindMmap {
		if dirty {
			_, err := e.file.WriteAt(page[:e.readBytes], e.offset)
			if err != nil {
				ft.restoreMapping(f, e, dirty)
				return fmt.Errorf("%w: write back: %w", ErrOutOfMemory, err)
			}
		}

		event.Kind = KindMmap
		event.Slot = swap.NoSlot
	} else {
		slot, err := ft.swap.Out(page)
		if err != nil {
			ft.restoreMapping(f, e, dirty)
			return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
		}

		e.kind = KindSwap
		e.slot = slot
		e.dirty = e.dirty || dirty

		event.Kind = KindSwap
		event.Slot = slot
	}

	e.loaded = false
	e.frame = nil
	ft.unregister(f)
	ft.numEvictions.Add(1)

	ft.InvokeHook(sim.HookCtx{
		Domain: ft,
		Pos:    HookPosEvict,
		Item:   event,
	})

	return nil
}

func (ft *FrameTable) restoreMapping(f *Frame, e *PageEntry, dirty bool) {
	ft.pt.SetMapping(f.owner, f.vAddr, f.pAddr, e.writable)
	ft.pt.SetDirty(f.owner, f.vAddr, dirty)
}
