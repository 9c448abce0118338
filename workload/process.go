package workload

import (
	"fmt"
	"math/rand"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/mmap"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/vmm"
)

const (
	stackPages = 2
	maxAccess  = 64
)

// A region is a range of the address space with the bytes it should hold.
type region struct {
	base     uint64
	shadow   []byte
	writable bool
}

type process struct {
	pid   vm.PID
	space *paging.Space
	rng   *rand.Rand

	regions []*region
	mapped  *region
	file    *fs.MemFile
	mapID   mmap.ID

	loads  uint64
	stores uint64
}

// newProcess creates the address space of a process with a read-only text
// segment, a zero filled data segment, a mapped file, and a stack.
func newProcess(
	system *vmm.System,
	pid vm.PID,
	rng *rand.Rand,
	pages int,
) (*process, error) {
	pager := system.Pager()
	pageSize := pager.PageSize()

	textPages := uint64(max(1, pages/4))
	bssPages := uint64(max(1, pages/4))
	mapPages := uint64(max(1, pages-int(textPages+bssPages)))

	space, err := system.CreateSpace(pid)
	if err != nil {
		return nil, err
	}

	p := &process{pid: pid, space: space, rng: rng}

	text := p.random(int(textPages*pageSize - pageSize/2))
	prog := fs.NewMemFile(fmt.Sprintf("prog.%d", pid), text)
	err = system.LoadSegment(pid, prog, 0, TextBase,
		uint64(len(text)), textPages*pageSize-uint64(len(text)), false)
	if err != nil {
		return nil, p.abort(system, err)
	}

	bssBase := TextBase + textPages*pageSize
	err = system.LoadSegment(pid, prog, 0, bssBase,
		0, bssPages*pageSize, true)
	if err != nil {
		return nil, p.abort(system, err)
	}

	data := p.random(int(mapPages*pageSize) - 17)
	p.file = fs.NewMemFile(fmt.Sprintf("data.%d", pid), data)
	p.mapID, err = system.Map(pid, p.file, DataBase, space.StackPointer())
	if err != nil {
		return nil, p.abort(system, err)
	}

	stackBase := pager.UserTop() - stackPages*pageSize
	space.SetStackPointer(stackBase)

	p.mapped = &region{
		base:     DataBase,
		shadow:   padTo(append([]byte(nil), data...), mapPages*pageSize),
		writable: true,
	}
	p.regions = []*region{
		{base: TextBase, shadow: padTo(append([]byte(nil), text...), textPages*pageSize)},
		{base: bssBase, shadow: make([]byte, bssPages*pageSize), writable: true},
		p.mapped,
		{base: stackBase, shadow: make([]byte, stackPages*pageSize), writable: true},
	}

	return p, nil
}

func (p *process) abort(system *vmm.System, err error) error {
	_ = system.Teardown(p.pid)
	return err
}

func (p *process) random(n int) []byte {
	buf := make([]byte, n)
	p.rng.Read(buf)

	return buf
}

// step performs one random load or store. Loads are checked against the
// shadow copy.
func (p *process) step() error {
	r := p.regions[p.rng.Intn(len(p.regions))]
	offset := p.rng.Intn(len(r.shadow))
	n := min(1+p.rng.Intn(maxAccess), len(r.shadow)-offset)
	vAddr := r.base + uint64(offset)

	if r.writable && p.rng.Intn(2) == 0 {
		data := p.random(n)

		err := p.space.Write(vAddr, data)
		if err != nil {
			return err
		}

		copy(r.shadow[offset:], data)
		p.stores++

		return nil
	}

	data, err := p.space.Read(vAddr, n)
	if err != nil {
		return err
	}

	p.loads++

	expected := r.shadow[offset : offset+n]
	for i := range data {
		if data[i] != expected[i] {
			return fmt.Errorf("%w: pid %d at 0x%x: got 0x%02x, want 0x%02x",
				ErrMismatch, p.pid, vAddr+uint64(i), data[i], expected[i])
		}
	}

	return nil
}

func padTo(buf []byte, size uint64) []byte {
	return append(buf, make([]byte, int(size)-len(buf))...)
}
