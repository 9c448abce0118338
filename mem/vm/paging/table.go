package paging

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/swap"
)

// Decl declares a virtual page and the source of its content.
type Decl struct {
	Kind     Kind
	VAddr    uint64
	Writable bool

	// File, Offset, ReadBytes and ZeroBytes describe file-backed pages. The
	// first ReadBytes bytes of the page come from the file at Offset, the
	// remaining ZeroBytes bytes are zeros.
	File      fs.File
	Offset    int64
	ReadBytes int
	ZeroBytes int
}

// A PageEntry records how to materialize one virtual page.
//
// The fields below origin change when pages move in and out of memory. They
// are only accessed while holding the frame table lock, since eviction on
// behalf of another process can rewrite them.
type PageEntry struct {
	vAddr     uint64
	writable  bool
	origin    Kind
	file      fs.File
	offset    int64
	readBytes int
	zeroBytes int

	kind   Kind
	loaded bool
	frame  *Frame
	slot   swap.Slot

	// dirty remembers that the page was modified before it was evicted.
	dirty bool
}

// EntryInfo is a snapshot of a PageEntry.
type EntryInfo struct {
	VAddr     uint64
	Writable  bool
	Loaded    bool
	Dirty     bool
	Kind      Kind
	Origin    Kind
	PAddr     uint64
	Slot      swap.Slot
	File      string
	Offset    int64
	ReadBytes int
	ZeroBytes int
}

func (e *PageEntry) info() EntryInfo {
	info := EntryInfo{
		VAddr:     e.vAddr,
		Writable:  e.writable,
		Loaded:    e.loaded,
		Dirty:     e.dirty,
		Kind:      e.kind,
		Origin:    e.origin,
		Slot:      e.slot,
		Offset:    e.offset,
		ReadBytes: e.readBytes,
		ZeroBytes: e.zeroBytes,
	}

	if e.frame != nil {
		info.PAddr = e.frame.pAddr
	}

	if e.file != nil {
		info.File = e.file.Name()
	}

	return info
}

// source is what the fault resolution reads to fill a frame.
type source struct {
	kind      Kind
	slot      swap.Slot
	file      fs.File
	offset    int64
	readBytes int
}

func (e *PageEntry) source() source {
	return source{
		kind:      e.kind,
		slot:      e.slot,
		file:      e.file,
		offset:    e.offset,
		readBytes: e.readBytes,
	}
}

// A SupplementalTable holds the entries of one address space, keyed by page
// aligned virtual address.
type SupplementalTable struct {
	sync.Mutex
	pageSize uint64
	entries  map[uint64]*PageEntry
}

// NewSupplementalTable creates an empty table.
func NewSupplementalTable(pageSize uint64) *SupplementalTable {
	return &SupplementalTable{
		pageSize: pageSize,
		entries:  make(map[uint64]*PageEntry),
	}
}

func (t *SupplementalTable) alignToPage(vAddr uint64) uint64 {
	return vAddr &^ (t.pageSize - 1)
}

func (t *SupplementalTable) newEntry(d Decl) (*PageEntry, error) {
	e := &PageEntry{
		vAddr:     t.alignToPage(d.VAddr),
		writable:  d.Writable,
		origin:    d.Kind,
		kind:      d.Kind,
		slot:      swap.NoSlot,
		file:      d.File,
		offset:    d.Offset,
		readBytes: d.ReadBytes,
		zeroBytes: d.ZeroBytes,
	}

	switch d.Kind {
	case KindBinary, KindMmap:
		if d.File == nil || d.ReadBytes < 0 || d.ZeroBytes < 0 ||
			d.Offset < 0 ||
			uint64(d.ReadBytes+d.ZeroBytes) != t.pageSize {
			return nil, fmt.Errorf("%w: %s page at 0x%x",
				ErrInvalidDecl, d.Kind, d.VAddr)
		}
	case KindStack:
		e.file = nil
		e.offset = 0
		e.readBytes = 0
		e.zeroBytes = int(t.pageSize)
	default:
		return nil, fmt.Errorf("%w: cannot declare %s page",
			ErrInvalidDecl, d.Kind)
	}

	return e, nil
}

// Declare inserts a new entry in the unloaded state.
func (t *SupplementalTable) Declare(d Decl) (*PageEntry, error) {
	e, err := t.newEntry(d)
	if err != nil {
		return nil, err
	}

	t.Lock()
	defer t.Unlock()

	if _, found := t.entries[e.vAddr]; found {
		return nil, fmt.Errorf("%w: 0x%x", ErrDuplicate, e.vAddr)
	}

	t.entries[e.vAddr] = e

	return e, nil
}

// Find returns the entry of the page that contains vAddr.
func (t *SupplementalTable) Find(vAddr uint64) (*PageEntry, bool) {
	t.Lock()
	defer t.Unlock()

	e, found := t.entries[t.alignToPage(vAddr)]

	return e, found
}

// Contains tells if any page in [vAddr, vAddr+length) is declared.
func (t *SupplementalTable) Contains(vAddr, length uint64) bool {
	t.Lock()
	defer t.Unlock()

	for page := t.alignToPage(vAddr); page < vAddr+length; page += t.pageSize {
		if _, found := t.entries[page]; found {
			return true
		}
	}

	return false
}

// Len returns the number of entries.
func (t *SupplementalTable) Len() int {
	t.Lock()
	defer t.Unlock()

	return len(t.entries)
}

func (t *SupplementalTable) remove(vAddr uint64) {
	t.Lock()
	defer t.Unlock()

	delete(t.entries, t.alignToPage(vAddr))
}

// sorted returns the entries ordered by virtual address.
func (t *SupplementalTable) sorted() []*PageEntry {
	t.Lock()
	defer t.Unlock()

	list := make([]*PageEntry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, e)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].vAddr < list[j].vAddr
	})

	return list
}

func (t *SupplementalTable) clear() {
	t.Lock()
	defer t.Unlock()

	t.entries = make(map[uint64]*PageEntry)
}
