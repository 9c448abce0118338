package vm

import (
	"sync"
)

// PID stands for Process ID. It also identifies an address space.
type PID uint32

// A Page is an entry in the page table, maintaining the information about how
// to translate a virtual address to a physical address.
type Page struct {
	PID      PID
	PAddr    uint64
	VAddr    uint64
	PageSize uint64
	Valid    bool
	Writable bool
	Accessed bool
	Dirty    bool
}

// A PageTable holds the virtual-to-physical mappings of all the processes,
// together with the accessed and dirty bits that the hardware maintains.
type PageTable interface {
	// SetMapping maps the page that contains vAddr to the frame at pAddr. It
	// returns false if the address is not page aligned or the page is already
	// mapped.
	SetMapping(pid PID, vAddr, pAddr uint64, writable bool) bool

	// ClearMapping invalidates the mapping of the page. The accessed and
	// dirty bits are dropped together with the mapping.
	ClearMapping(pid PID, vAddr uint64)

	// GetMapping returns the physical address of the frame that backs the
	// page.
	GetMapping(pid PID, vAddr uint64) (uint64, bool)

	IsAccessed(pid PID, vAddr uint64) bool
	SetAccessed(pid PID, vAddr uint64, accessed bool)
	IsDirty(pid PID, vAddr uint64) bool
	SetDirty(pid PID, vAddr uint64, dirty bool)

	// Find returns the page that contains the given virtual address.
	Find(pid PID, vAddr uint64) (Page, bool)

	// RemoveProcess drops every mapping that belongs to the process.
	RemoveProcess(pid PID)
}

// NewPageTable creates a new PageTable.
func NewPageTable(log2PageSize uint64) PageTable {
	return &pageTableImpl{
		log2PageSize: log2PageSize,
		tables:       make(map[PID]*processTable),
	}
}

// pageTableImpl is the default implementation of a Page Table
type pageTableImpl struct {
	sync.Mutex
	log2PageSize uint64
	tables       map[PID]*processTable
}

// GetLog2PageSize returns the page size the table is configured with.
func (pt *pageTableImpl) GetLog2PageSize() uint64 {
	return pt.log2PageSize
}

// getTable returns the table of a process. A missing table is only created
// when create is set, so lookups never bring back a removed process.
func (pt *pageTableImpl) getTable(pid PID, create bool) (*processTable, bool) {
	pt.Lock()
	defer pt.Unlock()

	table, found := pt.tables[pid]
	if !found && create {
		table = &processTable{
			entries: make(map[uint64]*Page),
		}
		pt.tables[pid] = table
		found = true
	}

	return table, found
}

// numProcesses returns how many processes currently own a table.
func (pt *pageTableImpl) numProcesses() int {
	pt.Lock()
	defer pt.Unlock()

	return len(pt.tables)
}

func (pt *pageTableImpl) alignToPage(addr uint64) uint64 {
	return (addr >> pt.log2PageSize) << pt.log2PageSize
}

func (pt *pageTableImpl) isAligned(addr uint64) bool {
	return pt.alignToPage(addr) == addr
}

// SetMapping installs a new translation.
func (pt *pageTableImpl) SetMapping(
	pid PID,
	vAddr, pAddr uint64,
	writable bool,
) bool {
	if !pt.isAligned(vAddr) || !pt.isAligned(pAddr) {
		return false
	}

	table, _ := pt.getTable(pid, true)

	return table.insert(Page{
		PID:      pid,
		PAddr:    pAddr,
		VAddr:    vAddr,
		PageSize: 1 << pt.log2PageSize,
		Valid:    true,
		Writable: writable,
	})
}

// ClearMapping removes the translation of the page that contains vAddr.
func (pt *pageTableImpl) ClearMapping(pid PID, vAddr uint64) {
	table, found := pt.getTable(pid, false)
	if !found {
		return
	}

	table.remove(pt.alignToPage(vAddr))
}

// GetMapping returns the physical address of the page that contains vAddr.
func (pt *pageTableImpl) GetMapping(pid PID, vAddr uint64) (uint64, bool) {
	page, found := pt.Find(pid, vAddr)
	if !found {
		return 0, false
	}

	return page.PAddr, true
}

// IsAccessed checks the accessed bit. Unmapped pages are never accessed.
func (pt *pageTableImpl) IsAccessed(pid PID, vAddr uint64) bool {
	page, found := pt.Find(pid, vAddr)
	return found && page.Accessed
}

// SetAccessed updates the accessed bit of a mapped page.
func (pt *pageTableImpl) SetAccessed(pid PID, vAddr uint64, accessed bool) {
	table, found := pt.getTable(pid, false)
	if !found {
		return
	}

	table.update(pt.alignToPage(vAddr), func(p *Page) {
		p.Accessed = accessed
	})
}

// IsDirty checks the dirty bit. Unmapped pages are never dirty.
func (pt *pageTableImpl) IsDirty(pid PID, vAddr uint64) bool {
	page, found := pt.Find(pid, vAddr)
	return found && page.Dirty
}

// SetDirty updates the dirty bit of a mapped page.
func (pt *pageTableImpl) SetDirty(pid PID, vAddr uint64, dirty bool) {
	table, found := pt.getTable(pid, false)
	if !found {
		return
	}

	table.update(pt.alignToPage(vAddr), func(p *Page) {
		p.Dirty = dirty
	})
}

// Find returns the page that contains the given virtual address. The bool
// return value indicates if the page is found or not.
func (pt *pageTableImpl) Find(pid PID, vAddr uint64) (Page, bool) {
	table, found := pt.getTable(pid, false)
	if !found {
		return Page{}, false
	}

	return table.find(pt.alignToPage(vAddr))
}

// RemoveProcess drops the whole table of a process.
func (pt *pageTableImpl) RemoveProcess(pid PID) {
	pt.Lock()
	defer pt.Unlock()

	delete(pt.tables, pid)
}

type processTable struct {
	sync.Mutex
	entries map[uint64]*Page
}

func (t *processTable) insert(page Page) bool {
	t.Lock()
	defer t.Unlock()

	if _, found := t.entries[page.VAddr]; found {
		return false
	}

	t.entries[page.VAddr] = &page

	return true
}

func (t *processTable) remove(vAddr uint64) {
	t.Lock()
	defer t.Unlock()

	delete(t.entries, vAddr)
}

// update applies fn to a mapped page. Updating an unmapped page is ignored,
// as the hardware would never set a bit on an invalid entry.
func (t *processTable) update(vAddr uint64, fn func(p *Page)) {
	t.Lock()
	defer t.Unlock()

	page, found := t.entries[vAddr]
	if !found {
		return
	}

	fn(page)
}

func (t *processTable) find(vAddr uint64) (Page, bool) {
	t.Lock()
	defer t.Unlock()

	page, found := t.entries[vAddr]
	if found {
		return *page, true
	}

	return Page{}, false
}
