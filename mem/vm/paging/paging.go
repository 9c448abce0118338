// Package paging implements demand paging: the frame table, the per-process
// supplemental page tables and the resolution of page faults.
//
// Locks are always taken in this order: the frame table lock, then a
// supplemental table lock, then the swap store lock.
package paging

import (
	"errors"
	"fmt"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sirupsen/logrus"
)

var (
	// ErrOutOfMemory is returned when no frame is free and none can be
	// reclaimed.
	ErrOutOfMemory = errors.New("paging: out of memory")

	// ErrDuplicate is returned when a page is declared twice.
	ErrDuplicate = errors.New("paging: page already declared")

	// ErrNotDeclared is returned when a page has no supplemental entry.
	ErrNotDeclared = errors.New("paging: page not declared")

	// ErrInvalidDecl is returned for a malformed declaration.
	ErrInvalidDecl = errors.New("paging: invalid declaration")

	// ErrKernelAddress is returned when a user page is requested at or above
	// the top of the user address space.
	ErrKernelAddress = errors.New("paging: kernel address")

	// ErrShortRead is returned when a backing file yields fewer bytes than
	// declared.
	ErrShortRead = errors.New("paging: short read from backing file")

	// ErrMapFailed is returned when the translation could not be installed.
	ErrMapFailed = errors.New("paging: cannot install mapping")

	// ErrWriteProtected is returned when writing to a read-only page.
	ErrWriteProtected = errors.New("paging: write to read-only page")

	// ErrUnrecoverable wraps the cause of a fault that must terminate the
	// faulting process.
	ErrUnrecoverable = errors.New("paging: unrecoverable fault")

	// ErrSpaceExists is returned when an address space is created twice.
	ErrSpaceExists = errors.New("paging: address space exists")

	// ErrSpaceGone is returned when using an address space that has been
	// torn down.
	ErrSpaceGone = errors.New("paging: address space torn down")

	// ErrInvalidAccess is returned for a user access of negative length.
	ErrInvalidAccess = errors.New("paging: invalid access")
)

func unrecoverable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnrecoverable, err)
}

// Kind tells where the content of a page comes from.
type Kind int

// The kinds of pages.
const (
	KindBinary Kind = iota
	KindMmap
	KindStack
	KindSwap
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindMmap:
		return "mmap"
	case KindStack:
		return "stack"
	case KindSwap:
		return "swap"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Hook positions of the paging core.
var (
	HookPosFrameAlloc  = &sim.HookPos{Name: "FrameAlloc"}
	HookPosFrameFree   = &sim.HookPos{Name: "FrameFree"}
	HookPosEvict       = &sim.HookPos{Name: "Evict"}
	HookPosPageIn      = &sim.HookPos{Name: "PageIn"}
	HookPosStackGrowth = &sim.HookPos{Name: "StackGrowth"}
	HookPosTeardown    = &sim.HookPos{Name: "Teardown"}
)

// PageEvent is the hook item of the paging hook positions.
type PageEvent struct {
	PID   vm.PID
	VAddr uint64
	PAddr uint64
	Kind  Kind
	Slot  swap.Slot
}

// Fields describes the event for logging.
func (e PageEvent) Fields() logrus.Fields {
	return logrus.Fields{
		"pid":   e.PID,
		"vaddr": fmt.Sprintf("0x%x", e.VAddr),
		"paddr": fmt.Sprintf("0x%x", e.PAddr),
		"kind":  e.Kind.String(),
		"slot":  int(e.Slot),
	}
}
