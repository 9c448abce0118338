package physmem

// A Builder can build Memory.
type Builder struct {
	base      uint64
	pageSize  uint64
	numFrames uint64
}

// MakeBuilder creates a new builder with 64 frames of 4 KiB.
func MakeBuilder() Builder {
	return Builder{
		base:      0x100000,
		pageSize:  4096,
		numFrames: 64,
	}
}

// WithBase sets the physical address of the first frame. It must be a
// multiple of the page size.
func (b Builder) WithBase(base uint64) Builder {
	b.base = base
	return b
}

// WithPageSize sets the size of a frame.
func (b Builder) WithPageSize(pageSize uint64) Builder {
	b.pageSize = pageSize
	return b
}

// WithNumFrames sets the number of frames in the pool.
func (b Builder) WithNumFrames(n uint64) Builder {
	b.numFrames = n
	return b
}

// Build creates the memory.
func (b Builder) Build(name string) *Memory {
	if b.pageSize == 0 || b.base%b.pageSize != 0 {
		panic("physical memory base must be page aligned")
	}

	m := &Memory{
		name:      name,
		base:      b.base,
		pageSize:  b.pageSize,
		numFrames: b.numFrames,
		data:      make(map[uint64][]byte),
		allocated: make([]bool, b.numFrames),
		freeList:  make([]uint64, 0, b.numFrames),
	}

	for i := b.numFrames; i > 0; i-- {
		m.freeList = append(m.freeList, i-1)
	}

	return m
}
