// Package workload drives a virtual memory system with simulated processes.
//
// Every process loads a program, maps a data file, and performs random loads
// and stores. A shadow copy of the memory of each process is kept, and every
// load is checked against it. When the process exits, the data file must hold
// the stores made through the mapping.
package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/vmm"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrMismatch is returned when a load does not return what was stored.
var ErrMismatch = errors.New("workload: memory content mismatch")

// Layout of the address space of every process. The stack starts at the top
// of user space.
const (
	TextBase = uint64(0x08048000)
	DataBase = uint64(0x10000000)
)

// Options describes the workload.
type Options struct {
	Processes int
	Pages     int
	Accesses  int
	Seed      int64
}

// OptionsFromConfig takes the workload size from a configuration.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Processes: cfg.Processes,
		Pages:     cfg.PagesPerProcess,
		Accesses:  cfg.AccessesPerProcess,
		Seed:      cfg.Seed,
	}
}

// A Tracker follows the accesses of one process.
type Tracker interface {
	IncrementFinished(amount uint64)
}

// Result summarizes a run.
type Result struct {
	Processes int
	Loads     uint64
	Stores    uint64

	// Killed lists the processes terminated by an unrecoverable fault.
	Killed []vm.PID
}

// A Runner runs workloads on a system.
type Runner struct {
	system  *vmm.System
	logger  *logrus.Logger
	tracker func(pid vm.PID, total uint64) Tracker

	mu     sync.Mutex
	result Result
}

// NewRunner creates a runner for the system.
func NewRunner(system *vmm.System) *Runner {
	return &Runner{
		system: system,
		logger: system.Logger(),
	}
}

// WithTracker makes the runner report the progress of every process to the
// tracker returned by newTracker.
func (r *Runner) WithTracker(
	newTracker func(pid vm.PID, total uint64) Tracker,
) *Runner {
	r.tracker = newTracker
	return r
}

// Run runs one goroutine per process and waits for all of them. It stops at
// the first mismatch or when ctx is done. Processes killed by unrecoverable
// faults are reported in the result and do not stop the run.
func (r *Runner) Run(ctx context.Context, opts Options) (Result, error) {
	r.result = Result{Processes: opts.Processes}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.Processes; i++ {
		pid := vm.PID(i + 1)
		rng := rand.New(rand.NewSource(opts.Seed + int64(pid)))

		g.Go(func() error {
			return r.runProcess(ctx, pid, rng, opts)
		})
	}

	err := g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.result, err
}

func (r *Runner) runProcess(
	ctx context.Context,
	pid vm.PID,
	rng *rand.Rand,
	opts Options,
) error {
	p, err := newProcess(r.system, pid, rng, opts.Pages)
	if err != nil {
		return err
	}

	var tracker Tracker
	if r.tracker != nil {
		tracker = r.tracker(pid, uint64(opts.Accesses))
	}

	for i := 0; i < opts.Accesses; i++ {
		if ctx.Err() != nil {
			_ = r.system.Teardown(pid)
			return ctx.Err()
		}

		err = p.step()
		if err != nil {
			break
		}

		if tracker != nil {
			tracker.IncrementFinished(1)
		}
	}

	return r.exit(p, err)
}

func (r *Runner) exit(p *process, err error) error {
	r.mu.Lock()
	r.result.Loads += p.loads
	r.result.Stores += p.stores
	r.mu.Unlock()

	if errors.Is(err, paging.ErrUnrecoverable) {
		r.logger.WithError(err).WithField("pid", p.pid).Warn("process killed")

		r.mu.Lock()
		r.result.Killed = append(r.result.Killed, p.pid)
		r.mu.Unlock()

		return r.system.Teardown(p.pid)
	}

	if err != nil {
		_ = r.system.Teardown(p.pid)
		return err
	}

	err = r.system.Unmap(p.pid, p.mapID)
	if err != nil {
		_ = r.system.Teardown(p.pid)
		return err
	}

	if !bytes.Equal(p.file.Bytes(), p.mapped.shadow[:len(p.file.Bytes())]) {
		_ = r.system.Teardown(p.pid)
		return fmt.Errorf("%w: pid %d: mapped file not written back",
			ErrMismatch, p.pid)
	}

	r.logger.WithFields(logrus.Fields{
		"pid":    p.pid,
		"loads":  p.loads,
		"stores": p.stores,
	}).Debug("process exited")

	return r.system.Teardown(p.pid)
}
