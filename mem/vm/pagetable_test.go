package vm

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("PageTable", func() {
	var (
		pt PageTable
	)

	BeforeEach(func() {
		pt = NewPageTable(12)
	})

	It("should install and find a mapping", func() {
		ok := pt.SetMapping(1, 0x1000, 0x8000, true)

		Expect(ok).To(BeTrue())

		pAddr, found := pt.GetMapping(1, 0x1234)
		Expect(found).To(BeTrue())
		Expect(pAddr).To(Equal(uint64(0x8000)))

		page, found := pt.Find(1, 0x1fff)
		Expect(found).To(BeTrue())
		Expect(page.VAddr).To(Equal(uint64(0x1000)))
		Expect(page.PageSize).To(Equal(uint64(4096)))
		Expect(page.Writable).To(BeTrue())
		Expect(page.Accessed).To(BeFalse())
		Expect(page.Dirty).To(BeFalse())
	})

	It("should reject unaligned addresses", func() {
		Expect(pt.SetMapping(1, 0x1001, 0x8000, true)).To(BeFalse())
		Expect(pt.SetMapping(1, 0x1000, 0x8001, true)).To(BeFalse())
	})

	It("should reject mapping a page twice", func() {
		Expect(pt.SetMapping(1, 0x1000, 0x8000, true)).To(BeTrue())
		Expect(pt.SetMapping(1, 0x1000, 0x9000, true)).To(BeFalse())

		pAddr, _ := pt.GetMapping(1, 0x1000)
		Expect(pAddr).To(Equal(uint64(0x8000)))
	})

	It("should keep processes apart", func() {
		pt.SetMapping(1, 0x1000, 0x8000, true)

		_, found := pt.GetMapping(2, 0x1000)
		Expect(found).To(BeFalse())
	})

	It("should track accessed and dirty bits", func() {
		pt.SetMapping(1, 0x1000, 0x8000, true)

		pt.SetAccessed(1, 0x1010, true)
		pt.SetDirty(1, 0x1020, true)

		Expect(pt.IsAccessed(1, 0x1000)).To(BeTrue())
		Expect(pt.IsDirty(1, 0x1000)).To(BeTrue())

		pt.SetAccessed(1, 0x1000, false)
		Expect(pt.IsAccessed(1, 0x1000)).To(BeFalse())
	})

	It("should drop the bits together with the mapping", func() {
		pt.SetMapping(1, 0x1000, 0x8000, true)
		pt.SetAccessed(1, 0x1000, true)
		pt.SetDirty(1, 0x1000, true)

		pt.ClearMapping(1, 0x1000)
		pt.SetAccessed(1, 0x1000, true)

		Expect(pt.IsAccessed(1, 0x1000)).To(BeFalse())
		Expect(pt.IsDirty(1, 0x1000)).To(BeFalse())
		Expect(pt.SetMapping(1, 0x1000, 0x9000, false)).To(BeTrue())
	})

	It("should remove all the mappings of a process", func() {
		pt.SetMapping(1, 0x1000, 0x8000, true)
		pt.SetMapping(1, 0x2000, 0x9000, true)
		pt.SetMapping(2, 0x1000, 0xa000, true)

		pt.RemoveProcess(1)

		_, found := pt.GetMapping(1, 0x1000)
		Expect(found).To(BeFalse())
		_, found = pt.GetMapping(1, 0x2000)
		Expect(found).To(BeFalse())
		_, found = pt.GetMapping(2, 0x1000)
		Expect(found).To(BeTrue())
	})

	It("should not bring back a removed process on lookups", func() {
		impl := pt.(*pageTableImpl)
		pt.SetMapping(1, 0x1000, 0x8000, true)
		pt.RemoveProcess(1)

		_, found := pt.Find(1, 0x1000)
		Expect(found).To(BeFalse())
		_, found = pt.GetMapping(1, 0x1000)
		Expect(found).To(BeFalse())
		Expect(pt.IsAccessed(1, 0x1000)).To(BeFalse())
		Expect(pt.IsDirty(1, 0x1000)).To(BeFalse())
		pt.SetAccessed(1, 0x1000, true)
		pt.SetDirty(1, 0x1000, true)
		pt.ClearMapping(1, 0x1000)

		Expect(impl.numProcesses()).To(Equal(0))
	})
})
