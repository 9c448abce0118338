package vmm

import (
	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/mem/vm/blockdev"
	"github.com/sarchlab/vmcore/mem/vm/mmap"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/physmem"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
	"github.com/sarchlab/vmcore/tracing"
	"github.com/sirupsen/logrus"
)

// A Builder can build a System.
type Builder struct {
	cfg    config.Config
	device blockdev.Device
	logger *logrus.Logger
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{cfg: config.Default()}
}

// WithConfig sets the configuration of the system.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithSwapDevice sets the swap device. It takes precedence over the swap
// file and size of the configuration.
func (b Builder) WithSwapDevice(dev blockdev.Device) Builder {
	b.device = dev
	return b
}

// WithLogger sets the logger that receives the paging events. If not set, a
// logger at the configured level writing to stderr is used.
func (b Builder) WithLogger(logger *logrus.Logger) Builder {
	b.logger = logger
	return b
}

// Build creates the system. It fails if the swap device cannot be used or
// the trace database cannot be created.
func (b Builder) Build(name string) (*System, error) {
	err := b.cfg.Validate()
	if err != nil {
		return nil, err
	}

	s := &System{
		name:   name,
		cfg:    b.cfg,
		logger: b.logger,
		counts: tracing.NewCountHook(),
	}

	if s.logger == nil {
		s.logger = logrus.New()
		s.logger.SetLevel(b.cfg.Level())
	}

	s.mem = physmem.MakeBuilder().
		WithPageSize(b.cfg.PageSize).
		WithNumFrames(b.cfg.NumFrames).
		Build(name + ".Memory")

	err = b.createSwap(s)
	if err != nil {
		return nil, err
	}

	s.pager = paging.MakeBuilder().
		WithMemory(s.mem).
		WithSwap(s.store).
		WithMmapWriteBackOnEvict(b.cfg.MmapWriteBackOnEvict).
		Build(name + ".Pager")
	s.mmaps = mmap.NewManager(s.pager)

	err = b.attachHooks(s)
	if err != nil {
		_ = s.closeDevice()
		return nil, err
	}

	return s, nil
}

func (b Builder) createSwap(s *System) error {
	dev := b.device

	if dev == nil {
		numBlocks := b.cfg.SwapSlots * b.cfg.PageSize / uint64(b.cfg.BlockSize)

		if b.cfg.SwapFile == "" {
			dev = blockdev.NewMemDevice(s.name+".Swap", b.cfg.BlockSize, numBlocks)
		} else {
			fileDev, err := blockdev.OpenFileDevice(
				b.cfg.SwapFile, b.cfg.BlockSize, numBlocks)
			if err != nil {
				return err
			}

			dev = fileDev
			s.closer = fileDev
		}
	}

	store, err := swap.NewStore(dev, int(b.cfg.PageSize))
	if err != nil {
		_ = s.closeDevice()
		return err
	}

	s.dev = dev
	s.store = store

	return nil
}

func (b Builder) attachHooks(s *System) error {
	hooks := []sim.Hook{
		sim.NewLogHook(s.logger, logrus.DebugLevel),
		s.counts,
	}

	if b.cfg.TraceDB != "" {
		recorder, err := tracing.NewSQLiteRecorder(b.cfg.TraceDB)
		if err != nil {
			return err
		}

		s.recorder = recorder
		hooks = append(hooks, recorder)
	}

	for _, h := range hooks {
		s.pager.AcceptHook(h)
		s.mmaps.AcceptHook(h)
	}

	return nil
}
