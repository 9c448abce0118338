package paging

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/swap"
)

// ErrInconsistent is returned by Verify when the bookkeeping is broken.
var ErrInconsistent = errors.New("paging: inconsistent state")

// Verify checks that every loaded entry has exactly one frame and a matching
// translation, that every frame belongs to a loaded entry, and that each swap
// slot in use belongs to exactly one entry. It must not run concurrently
// with a resolution.
func (p *Pager) Verify() error {
	p.frames.mu.Lock()
	defer p.frames.mu.Unlock()

	framesSeen := make(map[*Frame]bool)
	slotOwners := make(map[swap.Slot]string)

	for _, pid := range p.spaces.pids() {
		s, ok := p.spaces.lookup(pid)
		if !ok {
			continue
		}

		for _, e := range s.table.sorted() {
			err := p.verifyEntry(pid, e, framesSeen, slotOwners)
			if err != nil {
				return err
			}
		}
	}

	for _, f := range p.frames.frames {
		if f == nil || framesSeen[f] || f.pinned {
			continue
		}

		return fmt.Errorf("%w: frame 0x%x of %d@0x%x has no loaded entry",
			ErrInconsistent, f.pAddr, f.owner, f.vAddr)
	}

	if len(slotOwners) != p.swap.InUse() {
		return fmt.Errorf("%w: %d swap slots in use, %d referenced",
			ErrInconsistent, p.swap.InUse(), len(slotOwners))
	}

	return nil
}

func (p *Pager) verifyEntry(
	pid vm.PID,
	e *PageEntry,
	framesSeen map[*Frame]bool,
	slotOwners map[swap.Slot]string,
) error {
	where := fmt.Sprintf("%d@0x%x", pid, e.vAddr)

	if e.loaded {
		f := e.frame
		if f == nil || f.index >= len(p.frames.frames) || p.frames.frames[f.index] != f {
			return fmt.Errorf("%w: %s is loaded without a frame", ErrInconsistent, where)
		}

		if f.owner != pid || f.vAddr != e.vAddr {
			return fmt.Errorf("%w: %s is backed by the frame of %d@0x%x",
				ErrInconsistent, where, f.owner, f.vAddr)
		}

		pAddr, mapped := p.pt.GetMapping(pid, e.vAddr)
		if !mapped || pAddr != f.pAddr {
			return fmt.Errorf("%w: %s is not mapped to frame 0x%x",
				ErrInconsistent, where, f.pAddr)
		}

		framesSeen[f] = true
	} else if e.frame != nil {
		return fmt.Errorf("%w: %s is not loaded but has a frame", ErrInconsistent, where)
	}

	if e.slot == swap.NoSlot {
		if e.kind == KindSwap {
			return fmt.Errorf("%w: %s is swapped out without a slot", ErrInconsistent, where)
		}

		return nil
	}

	if e.loaded {
		return fmt.Errorf("%w: %s is loaded and holds slot %d",
			ErrInconsistent, where, e.slot)
	}

	if other, dup := slotOwners[e.slot]; dup {
		return fmt.Errorf("%w: slot %d is shared by %s and %s",
			ErrInconsistent, e.slot, other, where)
	}

	if !p.swap.IsUsed(e.slot) {
		return fmt.Errorf("%w: %s holds free slot %d", ErrInconsistent, where, e.slot)
	}

	slotOwners[e.slot] = where

	return nil
}
