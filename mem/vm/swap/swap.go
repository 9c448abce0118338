// Package swap implements the swap store, a block device divided into
// page-sized slots.
//
// Slot i occupies the device blocks [i*k, (i+1)*k), where k is the page size
// divided by the block size. Nothing else is stored on the device. Which slots
// are in use is only recorded in memory.
package swap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sarchlab/vmcore/mem/vm/blockdev"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sirupsen/logrus"
)

// A Slot is the index of a page-sized region of the swap device.
type Slot int

// NoSlot marks the absence of a slot.
const NoSlot Slot = -1

var (
	// ErrNoDevice is returned when the store is created without a device.
	ErrNoDevice = errors.New("swap: no swap device")

	// ErrGeometry is returned when the page size is not a multiple of the
	// block size.
	ErrGeometry = errors.New("swap: page size is not a multiple of block size")

	// ErrSwapFull is returned when every slot is in use.
	ErrSwapFull = errors.New("swap: device is full")

	// ErrBadSlot is returned when a slot is out of range or not in use.
	ErrBadSlot = errors.New("swap: slot not in use")
)

// HookPosSwapOut marks a page image written to a slot.
var HookPosSwapOut = &sim.HookPos{Name: "SwapOut"}

// HookPosSwapIn marks a page image read back from a slot.
var HookPosSwapIn = &sim.HookPos{Name: "SwapIn"}

// SlotEvent is the hook item of the swap hook positions.
type SlotEvent struct {
	Slot Slot
}

// Fields describes the event for logging.
func (e SlotEvent) Fields() logrus.Fields {
	return logrus.Fields{"slot": int(e.Slot)}
}

// A Store manages the slots of a swap device.
type Store struct {
	*sim.HookableBase

	mu            sync.Mutex
	dev           blockdev.Device
	pageSize      int
	blocksPerSlot uint64
	used          bitmap
}

// NewStore creates a store on dev. A page must span a whole number of device
// blocks.
func NewStore(dev blockdev.Device, pageSize int) (*Store, error) {
	if dev == nil {
		return nil, ErrNoDevice
	}

	blockSize := dev.BlockSize()
	if blockSize <= 0 || pageSize <= 0 || pageSize%blockSize != 0 {
		return nil, fmt.Errorf("%w: page %d, block %d",
			ErrGeometry, pageSize, blockSize)
	}

	blocksPerSlot := uint64(pageSize / blockSize)
	s := &Store{
		HookableBase:  sim.NewHookableBase(),
		dev:           dev,
		pageSize:      pageSize,
		blocksPerSlot: blocksPerSlot,
		used:          newBitmap(int(dev.NumBlocks() / blocksPerSlot)),
	}

	return s, nil
}

// Name returns the name of the swap device.
func (s *Store) Name() string {
	return s.dev.Name()
}

// Capacity returns the number of slots.
func (s *Store) Capacity() int {
	return s.used.size
}

// InUse returns the number of occupied slots.
func (s *Store) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.used.numOnes()
}

// IsUsed tells if a slot holds a page image.
func (s *Store) IsUsed(slot Slot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validLocked(slot)
}

func (s *Store) validLocked(slot Slot) bool {
	return slot >= 0 && int(slot) < s.used.size && s.used.test(int(slot))
}

// Out writes the page image to a free slot and returns the slot.
func (s *Store) Out(page []byte) (Slot, error) {
	if len(page) != s.pageSize {
		return NoSlot, fmt.Errorf("swap: page of %d bytes, want %d",
			len(page), s.pageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.used.scanAndFlip()
	if idx < 0 {
		return NoSlot, ErrSwapFull
	}

	slot := Slot(idx)
	err := s.transfer(slot, page, s.dev.WriteBlock)
	if err != nil {
		s.used.reset(idx)
		return NoSlot, err
	}

	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosSwapOut,
		Item:   SlotEvent{Slot: slot},
	})

	return slot, nil
}

// In reads the image stored in slot into page. The slot stays in use until it
// is freed.
func (s *Store) In(slot Slot, page []byte) error {
	if len(page) != s.pageSize {
		return fmt.Errorf("swap: page of %d bytes, want %d",
			len(page), s.pageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.validLocked(slot) {
		return fmt.Errorf("%w: %d", ErrBadSlot, slot)
	}

	err := s.transfer(slot, page, s.dev.ReadBlock)
	if err != nil {
		return err
	}

	s.InvokeHook(sim.HookCtx{
		Domain: s,
		Pos:    HookPosSwapIn,
		Item:   SlotEvent{Slot: slot},
	})

	return nil
}

// Free releases a slot. Freeing NoSlot is a no-op.
func (s *Store) Free(slot Slot) {
	if slot == NoSlot {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if slot < 0 || int(slot) >= s.used.size {
		panic(fmt.Sprintf("swap: freeing slot %d out of range", slot))
	}

	s.used.reset(int(slot))
}

func (s *Store) transfer(
	slot Slot,
	page []byte,
	op func(index uint64, buf []byte) error,
) error {
	blockSize := uint64(s.dev.BlockSize())
	first := uint64(slot) * s.blocksPerSlot

	for i := uint64(0); i < s.blocksPerSlot; i++ {
		buf := page[i*blockSize : (i+1)*blockSize]

		err := op(first+i, buf)
		if err != nil {
			return fmt.Errorf("swap: slot %d block %d: %w", slot, first+i, err)
		}
	}

	return nil
}
