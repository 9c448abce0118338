package paging

import (
	"errors"
	"fmt"
	"io"

	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
)

// A Fault is a page fault raised by the simulated CPU.
type Fault struct {
	Addr         uint64
	StackPointer uint64
	Write        bool
}

// Resolve makes the page that contains vAddr resident. Resolving a resident
// page succeeds and changes nothing. If the page cannot be filled, the entry
// is left as it was so that the resolution can be retried.
func (p *Pager) Resolve(s *Space, vAddr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return p.resolve(s, vAddr, nil)
}

// ResolveFault is the entry point of the trap handler. Any failure is
// unrecoverable and the faulting process must be terminated.
func (p *Pager) ResolveFault(s *Space, vAddr uint64) error {
	if vAddr >= p.userTop {
		return unrecoverable(fmt.Errorf("%w: 0x%x", ErrKernelAddress, vAddr))
	}

	err := p.Resolve(s, vAddr)
	if err != nil {
		return unrecoverable(err)
	}

	return nil
}

// HandleFault resolves a fault. An undeclared address close enough to the
// stack pointer and inside the stack reserve grows the stack by one page.
func (p *Pager) HandleFault(s *Space, fault Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return p.faultLocked(s, fault, nil)
}

func (p *Pager) faultLocked(
	s *Space,
	fault Fault,
	onResident func(e *PageEntry) error,
) error {
	err := s.checkAlive()
	if err != nil {
		return unrecoverable(err)
	}

	if fault.Addr >= p.userTop {
		return unrecoverable(fmt.Errorf("%w: 0x%x", ErrKernelAddress, fault.Addr))
	}

	e, found := s.table.Find(fault.Addr)
	switch {
	case !found && p.isStackAccess(fault):
		err := p.growStack(s, fault.Addr)
		if err != nil {
			return unrecoverable(err)
		}
	case !found:
		return unrecoverable(fmt.Errorf("%w: 0x%x", ErrNotDeclared, fault.Addr))
	case fault.Write && !e.writable:
		return unrecoverable(fmt.Errorf("%w: 0x%x", ErrWriteProtected, fault.Addr))
	}

	err = p.resolve(s, fault.Addr, onResident)
	if err != nil {
		return unrecoverable(err)
	}

	return nil
}

func (p *Pager) isStackAccess(fault Fault) bool {
	return fault.Addr >= p.userTop-p.stackLimit &&
		fault.Addr+p.stackSlack >= fault.StackPointer
}

func (p *Pager) growStack(s *Space, vAddr uint64) error {
	vPage := p.AlignToPage(vAddr)

	_, err := s.table.Declare(Decl{
		Kind:     KindStack,
		VAddr:    vPage,
		Writable: true,
	})
	if err != nil {
		return err
	}

	p.InvokeHook(sim.HookCtx{
		Domain: p,
		Pos:    HookPosStackGrowth,
		Item: PageEvent{
			PID: s.pid, VAddr: vPage, Kind: KindStack, Slot: swap.NoSlot,
		},
	})

	return nil
}

// resolve brings the page in and, once it is resident, calls onResident
// while still holding the frame table lock. The page cannot be evicted
// during the call.
func (p *Pager) resolve(
	s *Space,
	vAddr uint64,
	onResident func(e *PageEntry) error,
) error {
	err := s.checkAlive()
	if err != nil {
		return err
	}

	e, found := s.table.Find(vAddr)
	if !found {
		return fmt.Errorf("%w: 0x%x", ErrNotDeclared, vAddr)
	}

	p.frames.mu.Lock()
	if e.loaded {
		var err error
		if onResident != nil {
			err = onResident(e)
		}
		p.frames.mu.Unlock()

		return err
	}
	src := e.source()
	p.frames.mu.Unlock()

	f, err := p.frames.Allocate(s.pid, e.vAddr)
	if err != nil {
		return err
	}

	err = p.fill(f, src)
	if err == nil && !p.pt.SetMapping(s.pid, e.vAddr, f.pAddr, e.writable) {
		err = fmt.Errorf("%w: 0x%x", ErrMapFailed, e.vAddr)
	}

	if err != nil {
		p.frames.Release(f)
		return err
	}

	p.frames.mu.Lock()
	defer p.frames.mu.Unlock()

	e.loaded = true
	e.frame = f
	e.kind = e.origin
	if src.kind == KindSwap {
		p.swap.Free(src.slot)
		e.slot = swap.NoSlot
	}
	f.pinned = false
	p.numFaults.Add(1)

	p.InvokeHook(sim.HookCtx{
		Domain: p,
		Pos:    HookPosPageIn,
		Item: PageEvent{
			PID: s.pid, VAddr: e.vAddr, PAddr: f.pAddr,
			Kind: src.kind, Slot: src.slot,
		},
	})

	if onResident != nil {
		return onResident(e)
	}

	return nil
}

func (p *Pager) fill(f *Frame, src source) error {
	page := p.mem.Page(f.pAddr)

	switch src.kind {
	case KindSwap:
		return p.swap.In(src.slot, page)
	case KindBinary, KindMmap:
		if src.readBytes > 0 {
			n, err := src.file.ReadAt(page[:src.readBytes], src.offset)
			if n != src.readBytes {
				if err == nil || errors.Is(err, io.EOF) {
					return fmt.Errorf("%w: %s: %d of %d bytes at %d",
						ErrShortRead, src.file.Name(), n, src.readBytes, src.offset)
				}

				return fmt.Errorf("%w: %s: %w",
					ErrShortRead, src.file.Name(), err)
			}
		}

		clear(page[src.readBytes:])
	default:
		clear(page)
	}

	return nil
}
