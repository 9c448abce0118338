// Package vmm assembles the frame table, the supplemental page tables, the
// swap store, and the mmap manager into one virtual memory system.
package vmm

import (
	"errors"
	"io"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/blockdev"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/mmap"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/physmem"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/tracing"
	"github.com/sirupsen/logrus"
)

// ErrNoSpace is returned when an operation names a process without an
// address space.
var ErrNoSpace = errors.New("vmm: no such address space")

// A System is a complete virtual memory system.
type System struct {
	name   string
	cfg    config.Config
	logger *logrus.Logger

	mem      *physmem.Memory
	dev      blockdev.Device
	closer   io.Closer
	store    *swap.Store
	pager    *paging.Pager
	mmaps    *mmap.Manager
	counts   *tracing.CountHook
	recorder *tracing.SQLiteRecorder
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

// Config returns the configuration the system was built with.
func (s *System) Config() config.Config {
	return s.cfg
}

// Logger returns the logger of the system.
func (s *System) Logger() *logrus.Logger {
	return s.logger
}

// Pager returns the pager.
func (s *System) Pager() *paging.Pager {
	return s.pager
}

// Mmaps returns the mmap manager.
func (s *System) Mmaps() *mmap.Manager {
	return s.mmaps
}

// Swap returns the swap store.
func (s *System) Swap() *swap.Store {
	return s.store
}

// Counters returns the per-process event counters.
func (s *System) Counters() *tracing.CountHook {
	return s.counts
}

// Recorder returns the trace recorder, or nil if tracing is disabled.
func (s *System) Recorder() *tracing.SQLiteRecorder {
	return s.recorder
}

// CreateSpace creates the address space of a new process.
func (s *System) CreateSpace(pid vm.PID) (*paging.Space, error) {
	return s.pager.NewSpace(pid)
}

// Space returns the address space of a process.
func (s *System) Space(pid vm.PID) (*paging.Space, error) {
	space, ok := s.pager.Space(pid)
	if !ok {
		return nil, ErrNoSpace
	}

	return space, nil
}

// Declare records a page that the process may access.
func (s *System) Declare(pid vm.PID, d paging.Decl) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	return s.pager.Declare(space, d)
}

// LoadSegment declares the pages of a program segment.
func (s *System) LoadSegment(
	pid vm.PID,
	file fs.File,
	offset int64,
	upage uint64,
	readBytes, zeroBytes uint64,
	writable bool,
) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	return s.pager.LoadSegment(space, file, offset, upage,
		readBytes, zeroBytes, writable)
}

// ResolveFault makes the page that contains vAddr resident. A non-nil error
// means the process has to be terminated.
func (s *System) ResolveFault(pid vm.PID, vAddr uint64) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	return s.pager.ResolveFault(space, vAddr)
}

// HandleFault resolves a page fault and grows the stack when the fault is a
// stack access.
func (s *System) HandleFault(pid vm.PID, fault paging.Fault) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	return s.pager.HandleFault(space, fault)
}

// Map maps a file into the address space of the process.
func (s *System) Map(
	pid vm.PID,
	file fs.File,
	base, espBound uint64,
) (mmap.ID, error) {
	space, err := s.Space(pid)
	if err != nil {
		return 0, err
	}

	return s.mmaps.Map(space, file, base, espBound)
}

// Unmap removes a mapping, writing the modified pages back to the file.
func (s *System) Unmap(pid vm.PID, id mmap.ID) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	return s.mmaps.Unmap(space, id)
}

// Teardown unmaps all the mappings of the process and destroys its address
// space. The space is destroyed even if write back fails.
func (s *System) Teardown(pid vm.PID) error {
	space, err := s.Space(pid)
	if err != nil {
		return err
	}

	err = s.mmaps.UnmapAll(space)
	s.pager.Teardown(space)

	if err != nil {
		s.logger.WithError(err).
			WithField("pid", pid).
			Warn("mmap write back failed at exit")
	}

	return err
}

// Close flushes the trace and releases the swap device. The system must not
// be used afterwards.
func (s *System) Close() error {
	var errs []error

	if s.recorder != nil {
		errs = append(errs, s.recorder.Close())
	}

	errs = append(errs, s.closeDevice())

	return errors.Join(errs...)
}

func (s *System) closeDevice() error {
	if s.closer == nil {
		return nil
	}

	err := s.closer.Close()
	s.closer = nil

	return err
}
