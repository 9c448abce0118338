package tracing

import (
	"sync"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mmap"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// Counters are the number of events of one process.
type Counters struct {
	FrameAllocs  uint64
	PageIns      uint64
	Evictions    uint64
	StackGrowths uint64
	Maps         uint64
	Unmaps       uint64
}

// A CountHook counts paging events per process and swap transfers overall.
type CountHook struct {
	mu       sync.Mutex
	counters map[vm.PID]*Counters
	swapOuts uint64
	swapIns  uint64
}

// NewCountHook creates a CountHook with all the counters at zero.
func NewCountHook() *CountHook {
	return &CountHook{counters: make(map[vm.PID]*Counters)}
}

// Func updates the counters.
func (h *CountHook) Func(ctx sim.HookCtx) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ctx.Pos {
	case swap.HookPosSwapOut:
		h.swapOuts++
		return
	case swap.HookPosSwapIn:
		h.swapIns++
		return
	}

	pid, ok := pidOf(ctx.Item)
	if !ok {
		return
	}

	c := h.counters[pid]
	if c == nil {
		c = &Counters{}
		h.counters[pid] = c
	}

	switch ctx.Pos {
	case paging.HookPosFrameAlloc:
		c.FrameAllocs++
	case paging.HookPosPageIn:
		c.PageIns++
	case paging.HookPosEvict:
		c.Evictions++
	case paging.HookPosStackGrowth:
		c.StackGrowths++
	case mmap.HookPosMap:
		c.Maps++
	case mmap.HookPosUnmap:
		c.Unmaps++
	}
}

func pidOf(item interface{}) (vm.PID, bool) {
	switch item := item.(type) {
	case paging.PageEvent:
		return item.PID, true
	case mmap.MapEvent:
		return item.PID, true
	}

	return 0, false
}

// Counters returns the counters of a process.
func (h *CountHook) Counters(pid vm.PID) Counters {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.counters[pid]
	if !ok {
		return Counters{}
	}

	return *c
}

// All returns the counters of every process that had an event.
func (h *CountHook) All() map[vm.PID]Counters {
	h.mu.Lock()
	defer h.mu.Unlock()

	all := make(map[vm.PID]Counters, len(h.counters))
	for pid, c := range h.counters {
		all[pid] = *c
	}

	return all
}

// SwapTransfers returns the number of pages written to and read from swap.
func (h *CountHook) SwapTransfers() (outs, ins uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.swapOuts, h.swapIns
}
