package paging

import (
	"math/bits"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/physmem"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// A Builder can build a Pager.
type Builder struct {
	mem                  physmem.Allocator
	pageTable            vm.PageTable
	swap                 *swap.Store
	userTop              uint64
	stackLimit           uint64
	stackSlack           uint64
	mmapWriteBackOnEvict bool
}

// MakeBuilder creates a builder with a 3 GiB user address space and an 8 MiB
// stack reserve.
func MakeBuilder() Builder {
	return Builder{
		userTop:    0xc0000000,
		stackLimit: 8 << 20,
		stackSlack: 32,
	}
}

// WithMemory sets the physical memory that frames are taken from.
func (b Builder) WithMemory(mem physmem.Allocator) Builder {
	b.mem = mem
	return b
}

// WithPageTable sets the translation tables. If not set, a page table with
// the page size of the memory is created.
func (b Builder) WithPageTable(pageTable vm.PageTable) Builder {
	b.pageTable = pageTable
	return b
}

// WithSwap sets the swap store that receives evicted pages.
func (b Builder) WithSwap(store *swap.Store) Builder {
	b.swap = store
	return b
}

// WithUserTop sets the first address above the user address space.
func (b Builder) WithUserTop(userTop uint64) Builder {
	b.userTop = userTop
	return b
}

// WithStackLimit sets how far below the user top the stack may grow.
func (b Builder) WithStackLimit(limit uint64) Builder {
	b.stackLimit = limit
	return b
}

// WithStackSlack sets how far below the stack pointer an access still grows
// the stack.
func (b Builder) WithStackSlack(slack uint64) Builder {
	b.stackSlack = slack
	return b
}

// WithMmapWriteBackOnEvict makes eviction write dirty mmap pages back to their
// file instead of swapping them out.
func (b Builder) WithMmapWriteBackOnEvict(enabled bool) Builder {
	b.mmapWriteBackOnEvict = enabled
	return b
}

// Build creates the pager.
func (b Builder) Build(name string) *Pager {
	b.mustBeValid()

	pageSize := b.mem.PageSize()

	pt := b.pageTable
	if pt == nil {
		pt = vm.NewPageTable(uint64(bits.TrailingZeros64(pageSize)))
	}

	spaces := &directory{spaces: make(map[vm.PID]*Space)}

	frames := newFrameTable(b.mem, pt, b.swap, spaces)
	frames.mmapWriteBackOnEvict = b.mmapWriteBackOnEvict

	return &Pager{
		HookableBase: sim.NewHookableBase(),
		name:         name,
		pageSize:     pageSize,
		userTop:      b.userTop,
		stackLimit:   b.stackLimit,
		stackSlack:   b.stackSlack,
		mem:          b.mem,
		pt:           pt,
		swap:         b.swap,
		frames:       frames,
		spaces:       spaces,
	}
}

func (b Builder) mustBeValid() {
	if b.mem == nil {
		panic("pager requires a physical memory")
	}

	if b.swap == nil {
		panic("pager requires a swap store")
	}

	pageSize := b.mem.PageSize()
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		panic("page size must be a power of 2")
	}

	if b.userTop%pageSize != 0 {
		panic("user top must be page aligned")
	}

	if b.stackLimit > b.userTop {
		panic("stack limit is larger than the user address space")
	}
}
