// Package tracing records the paging events of a run.
package tracing

import (
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/mmap"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// An Event is one recorded paging event.
type Event struct {
	ID    string
	Kind  string
	Where string
	PID   vm.PID
	VAddr uint64
	PAddr uint64
	Slot  int
	Time  float64
}

// EventFromHook converts a hook context into an event. The ID and the time
// are left to the caller. It returns false for items it does not know.
func EventFromHook(ctx sim.HookCtx) (Event, bool) {
	e := Event{Slot: int(swap.NoSlot)}

	if ctx.Pos != nil {
		e.Kind = ctx.Pos.Name
	}

	if n, ok := ctx.Domain.(sim.Named); ok {
		e.Where = n.Name()
	}

	switch item := ctx.Item.(type) {
	case paging.PageEvent:
		e.PID = item.PID
		e.VAddr = item.VAddr
		e.PAddr = item.PAddr
		e.Slot = int(item.Slot)
	case swap.SlotEvent:
		e.Slot = int(item.Slot)
	case mmap.MapEvent:
		e.PID = item.PID
		e.VAddr = item.Base
	default:
		return Event{}, false
	}

	return e, true
}
