package paging

import (
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// writeBack is the part of a removed page that still has to reach its file.
type writeBack struct {
	entry *PageEntry
	image []byte
	slot  swap.Slot
}

// Remove drops the entry of the page that contains vAddr and frees its frame
// and swap slot. With flush set, a file-backed page that was modified is
// first written back to its file, whether it is resident or swapped out.
//
// Resources are released even if the write back fails.
func (p *Pager) Remove(s *Space, vAddr uint64, flush bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.checkAlive()
	if err != nil {
		return err
	}

	e, found := s.table.Find(vAddr)
	if !found {
		return fmt.Errorf("%w: 0x%x", ErrNotDeclared, vAddr)
	}

	wb := p.detach(s, e, flush)
	if wb == nil {
		return nil
	}

	return p.flush(wb)
}

// detach unlinks the entry from its frame and swap slot. If the entry needs
// a write back, the page image, or the slot that still holds it, is returned.
func (p *Pager) detach(s *Space, e *PageEntry, flush bool) *writeBack {
	p.frames.mu.Lock()
	defer p.frames.mu.Unlock()

	defer s.table.remove(e.vAddr)

	wantFlush := flush && e.file != nil

	switch {
	case e.loaded:
		dirty := e.dirty || p.pt.IsDirty(s.pid, e.vAddr)
		f := e.frame

		var wb *writeBack
		if wantFlush && dirty {
			page := p.mem.Page(f.pAddr)
			wb = &writeBack{
				entry: e,
				image: append([]byte(nil), page[:e.readBytes]...),
				slot:  swap.NoSlot,
			}
		}

		p.pt.ClearMapping(s.pid, e.vAddr)
		e.loaded = false
		e.frame = nil
		p.frames.releaseLocked(f)

		return wb
	case e.slot != swap.NoSlot:
		slot := e.slot
		e.slot = swap.NoSlot

		if wantFlush && e.dirty {
			return &writeBack{entry: e, slot: slot}
		}

		p.swap.Free(slot)
	}

	return nil
}

func (p *Pager) flush(wb *writeBack) error {
	e := wb.entry

	if wb.slot != swap.NoSlot {
		defer p.swap.Free(wb.slot)

		page := make([]byte, p.pageSize)

		err := p.swap.In(wb.slot, page)
		if err != nil {
			return err
		}

		wb.image = page[:e.readBytes]
	}

	_, err := e.file.WriteAt(wb.image, e.offset)
	if err != nil {
		return fmt.Errorf("write back 0x%x to %s: %w", e.vAddr, e.file.Name(), err)
	}

	return nil
}

// Teardown releases every frame and swap slot of the space and forgets the
// space. Nothing is written back. Frames are reclaimed before the space
// leaves the directory, so an eviction never sees a frame without an owner.
//
// The space is marked gone, and any later use of it fails with ErrSpaceGone.
// Tearing down a space twice does nothing.
func (p *Pager) Teardown(s *Space) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dead {
		return
	}

	s.dead = true

	p.frames.mu.Lock()

	numFrames, numSlots := 0, 0
	for _, e := range s.table.sorted() {
		if e.loaded {
			f := e.frame
			p.pt.ClearMapping(s.pid, e.vAddr)
			e.loaded = false
			e.frame = nil
			p.frames.releaseLocked(f)
			numFrames++
		}

		if e.slot != swap.NoSlot {
			p.swap.Free(e.slot)
			e.slot = swap.NoSlot
			numSlots++
		}
	}

	s.table.clear()
	p.pt.RemoveProcess(s.pid)
	p.spaces.remove(s.pid)

	p.frames.mu.Unlock()

	p.InvokeHook(sim.HookCtx{
		Domain: p,
		Pos:    HookPosTeardown,
		Item:   PageEvent{PID: s.pid, Slot: swap.NoSlot},
		Detail: TeardownDetail{Frames: numFrames, Slots: numSlots},
	})
}

// TeardownDetail counts what a teardown released.
type TeardownDetail struct {
	Frames int
	Slots  int
}
