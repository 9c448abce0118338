package paging

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/swap"
	"github.com/sarchlab/vmcore/sim"
	"go.uber.org/mock/gomock"
)

const (
	dataBase  = uint64(0x10000000)
	mmapBase  = uint64(0x20000000)
	textStart = uint64(0x08048000)
)

func declareStack(p *Pager, s *Space, n int) {
	for i := 0; i < n; i++ {
		err := p.Declare(s, Decl{
			Kind:     KindStack,
			VAddr:    dataBase + uint64(i)*testPageSize,
			Writable: true,
		})
		Expect(err).NotTo(HaveOccurred())
	}
}

var _ = Describe("Pager", func() {
	var (
		rig   testRig
		pager *Pager
		space *Space
	)

	setup := func(numFrames, numSlots uint64, opts ...func(Builder) Builder) {
		rig = newTestRig(numFrames, numSlots, opts...)
		pager = rig.pager

		var err error
		space, err = pager.NewSpace(1)
		Expect(err).NotTo(HaveOccurred())
	}

	BeforeEach(func() {
		setup(4, 8)
	})

	AfterEach(func() {
		Expect(pager.Verify()).To(Succeed())
	})

	It("should refuse to create a space twice", func() {
		_, err := pager.NewSpace(1)

		Expect(err).To(MatchError(ErrSpaceExists))
	})

	It("should refuse kernel addresses", func() {
		err := pager.Declare(space, Decl{Kind: KindStack, VAddr: pager.UserTop()})

		Expect(err).To(MatchError(ErrKernelAddress))
	})

	Context("when resolving", func() {
		It("should zero fill a stack page", func() {
			declareStack(pager, space, 1)
			pAddr, ok := rig.mem.AllocPage(false)
			Expect(ok).To(BeTrue())
			copy(rig.mem.Page(pAddr), fill(0x5a))
			rig.mem.FreePage(pAddr)

			Expect(pager.Resolve(space, dataBase)).To(Succeed())

			data, err := space.Read(dataBase, testPageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal(make([]byte, testPageSize)))
		})

		It("should be idempotent", func() {
			declareStack(pager, space, 1)

			Expect(pager.Resolve(space, dataBase)).To(Succeed())
			before, _ := space.Lookup(dataBase)
			stats := pager.Stats()

			Expect(pager.Resolve(space, dataBase+8)).To(Succeed())
			after, _ := space.Lookup(dataBase)

			Expect(after).To(Equal(before))
			Expect(pager.Stats()).To(Equal(stats))
			Expect(stats.Faults).To(Equal(uint64(1)))
			Expect(stats.UsedFrames).To(Equal(1))
		})

		It("should reject a negative read length", func() {
			_, err := space.Read(dataBase, -1)

			Expect(err).To(MatchError(ErrInvalidAccess))
		})

		It("should fail on an undeclared page", func() {
			err := pager.ResolveFault(space, dataBase)

			Expect(err).To(MatchError(ErrUnrecoverable))
			Expect(err).To(MatchError(ErrNotDeclared))
		})

		It("should fail on a kernel address", func() {
			err := pager.ResolveFault(space, pager.UserTop()+testPageSize)

			Expect(err).To(MatchError(ErrKernelAddress))
		})

		It("should install a read-only mapping for a read-only page", func() {
			file := fs.NewMemFile("prog", fill(0x42))
			Expect(pager.LoadSegment(space, file, 0, textStart,
				testPageSize, 0, false)).To(Succeed())

			Expect(pager.Resolve(space, textStart)).To(Succeed())

			page, found := pager.PageTable().Find(1, textStart)
			Expect(found).To(BeTrue())
			Expect(page.Writable).To(BeFalse())
		})
	})

	Context("with a backing file that comes up short", func() {
		var (
			mockCtrl *gomock.Controller
			file     *MockFile
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			file = NewMockFile(mockCtrl)
			file.EXPECT().Name().Return("prog").AnyTimes()

			Expect(pager.Declare(space, Decl{
				Kind:      KindBinary,
				VAddr:     textStart,
				File:      file,
				Offset:    512,
				ReadBytes: 100,
				ZeroBytes: testPageSize - 100,
			})).To(Succeed())
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should release the frame and allow a retry", func() {
			gomock.InOrder(
				file.EXPECT().ReadAt(gomock.Any(), int64(512)).
					Return(10, io.EOF),
				file.EXPECT().ReadAt(gomock.Any(), int64(512)).
					DoAndReturn(func(p []byte, _ int64) (int, error) {
						copy(p, bytes.Repeat([]byte{0xab}, len(p)))
						return len(p), nil
					}),
			)

			err := pager.Resolve(space, textStart)

			Expect(err).To(MatchError(ErrShortRead))
			Expect(space.IsResident(textStart)).To(BeFalse())
			Expect(pager.FrameTable().Len()).To(Equal(0))
			Expect(rig.mem.NumFree()).To(Equal(uint64(4)))

			Expect(pager.Resolve(space, textStart)).To(Succeed())

			data, err := space.Read(textStart, testPageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(data[:100]).To(Equal(bytes.Repeat([]byte{0xab}, 100)))
			Expect(data[100:]).To(Equal(make([]byte, testPageSize-100)))
		})

		It("should report the read error", func() {
			file.EXPECT().ReadAt(gomock.Any(), int64(512)).
				Return(0, fmt.Errorf("disk on fire"))

			err := pager.Resolve(space, textStart)

			Expect(err).To(MatchError(ErrShortRead))
			Expect(err.Error()).To(ContainSubstring("disk on fire"))
		})
	})

	Context("when memory runs out", func() {
		BeforeEach(func() {
			setup(2, 4)
			declareStack(pager, space, 3)
		})

		DescribeTable("should bring back the exact page content",
			func(pattern []byte) {
				Expect(space.Write(dataBase, pattern)).To(Succeed())
				Expect(space.Write(dataBase+testPageSize, fill(0x01))).To(Succeed())
				Expect(space.Write(dataBase+2*testPageSize, fill(0x02))).To(Succeed())

				info, _ := space.Lookup(dataBase)
				Expect(info.Loaded).To(BeFalse())
				Expect(info.Kind).To(Equal(KindSwap))
				Expect(rig.store.IsUsed(info.Slot)).To(BeTrue())

				data, err := space.Read(dataBase, testPageSize)

				Expect(err).NotTo(HaveOccurred())
				Expect(cmp.Diff(pattern, data)).To(BeEmpty())

				info, _ = space.Lookup(dataBase)
				Expect(info.Loaded).To(BeTrue())
				Expect(info.Kind).To(Equal(KindStack))
				Expect(info.Slot).To(Equal(swap.NoSlot))
			},
			Entry("all zeros", fill(0x00)),
			Entry("all ones", fill(0xff)),
			Entry("a ramp", ramp()),
		)

		It("should give accessed frames a second chance", func() {
			Expect(pager.Resolve(space, dataBase)).To(Succeed())
			Expect(pager.Resolve(space, dataBase+testPageSize)).To(Succeed())
			pager.PageTable().SetAccessed(1, dataBase, true)

			Expect(pager.Resolve(space, dataBase+2*testPageSize)).To(Succeed())

			Expect(space.IsResident(dataBase)).To(BeTrue())
			Expect(space.IsResident(dataBase + testPageSize)).To(BeFalse())
			Expect(pager.PageTable().IsAccessed(1, dataBase)).To(BeFalse())
		})

		It("should keep the victim when swap is full", func() {
			setup(1, 1)
			declareStack(pager, space, 3)

			Expect(space.Write(dataBase, fill(0x11))).To(Succeed())
			Expect(space.Write(dataBase+testPageSize, fill(0x22))).To(Succeed())

			err := space.Write(dataBase+2*testPageSize, fill(0x33))

			Expect(err).To(MatchError(ErrUnrecoverable))
			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(err).To(MatchError(swap.ErrSwapFull))
			Expect(space.IsResident(dataBase + testPageSize)).To(BeTrue())
			Expect(pager.PageTable().IsDirty(1, dataBase+testPageSize)).To(BeTrue())
			Expect(space.IsResident(dataBase + 2*testPageSize)).To(BeFalse())
		})

		It("should count evictions", func() {
			for i := 0; i < 3; i++ {
				Expect(pager.Resolve(space, dataBase+uint64(i)*testPageSize)).
					To(Succeed())
			}

			stats := pager.Stats()
			Expect(stats.Evictions).To(Equal(uint64(1)))
			Expect(stats.SwapInUse).To(Equal(1))
			Expect(stats.FreeFrames).To(Equal(uint64(0)))
		})
	})

	Context("when no frame can be evicted", func() {
		BeforeEach(func() {
			setup(3, 8, func(b Builder) Builder {
				return b.WithPageTable(stickyPageTable{vm.NewPageTable(12)})
			})
			declareStack(pager, space, 4)
		})

		It("should fail the allocation after N frames", func() {
			for i := 0; i < 3; i++ {
				Expect(pager.Resolve(space, dataBase+uint64(i)*testPageSize)).
					To(Succeed())
			}

			err := pager.Resolve(space, dataBase+3*testPageSize)

			Expect(err).To(MatchError(ErrOutOfMemory))
			Expect(space.IsResident(dataBase + 3*testPageSize)).To(BeFalse())
			Expect(pager.FrameTable().Len()).To(Equal(3))
			Expect(rig.store.InUse()).To(Equal(0))
		})
	})

	Context("when the stack grows", func() {
		var stackTop uint64

		BeforeEach(func() {
			stackTop = pager.UserTop()
		})

		It("should declare a page close to the stack pointer", func() {
			var growth []PageEvent
			pager.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				if ctx.Pos == HookPosStackGrowth {
					growth = append(growth, ctx.Item.(PageEvent))
				}
			}))

			sp := stackTop - testPageSize - 8
			err := pager.HandleFault(space, Fault{
				Addr: sp - 32, StackPointer: sp, Write: true,
			})

			Expect(err).NotTo(HaveOccurred())
			info, found := space.Lookup(sp - 32)
			Expect(found).To(BeTrue())
			Expect(info.Kind).To(Equal(KindStack))
			Expect(info.Loaded).To(BeTrue())
			Expect(growth).To(HaveLen(1))
			Expect(growth[0].VAddr).To(Equal(stackTop - 2*testPageSize))
		})

		It("should grow through user accesses", func() {
			space.SetStackPointer(stackTop - 16)

			Expect(space.Write(stackTop-16, []byte("argv"))).To(Succeed())

			data, err := space.Read(stackTop-16, 4)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("argv"))
		})

		It("should not grow far below the stack pointer", func() {
			sp := stackTop - 0x10000

			err := pager.HandleFault(space, Fault{Addr: sp - 33, StackPointer: sp})

			Expect(err).To(MatchError(ErrUnrecoverable))
			Expect(err).To(MatchError(ErrNotDeclared))
		})

		It("should not grow beyond the stack limit", func() {
			addr := stackTop - pager.StackLimit() - 8

			err := pager.HandleFault(space, Fault{Addr: addr, StackPointer: addr})

			Expect(err).To(MatchError(ErrNotDeclared))
		})

		It("should not grow into the kernel", func() {
			err := pager.HandleFault(space, Fault{
				Addr: stackTop + 4, StackPointer: stackTop,
			})

			Expect(err).To(MatchError(ErrKernelAddress))
		})
	})

	Context("with a program segment", func() {
		var (
			file    *fs.MemFile
			content []byte
		)

		BeforeEach(func() {
			content = ramp()[:5000-testPageSize]
			content = append(ramp(), content...)
			file = fs.NewMemFile("prog", content)
		})

		It("should split the segment into pages", func() {
			Expect(pager.LoadSegment(space, file, 0, textStart,
				5000, 2*testPageSize-5000, true)).To(Succeed())

			entries := space.Entries()
			Expect(entries).To(HaveLen(2))
			Expect(entries[0].ReadBytes).To(Equal(testPageSize))
			Expect(entries[1].Offset).To(Equal(int64(testPageSize)))
			Expect(entries[1].ReadBytes).To(Equal(5000 - testPageSize))
			Expect(entries[1].ZeroBytes).To(Equal(2*testPageSize - 5000))

			data, err := space.Read(textStart, 2*testPageSize)
			Expect(err).NotTo(HaveOccurred())
			Expect(data[:5000]).To(Equal(content))
			Expect(data[5000:]).To(Equal(make([]byte, 2*testPageSize-5000)))
		})

		It("should reject writes to a read-only segment", func() {
			Expect(pager.LoadSegment(space, file, 0, textStart,
				testPageSize, 0, false)).To(Succeed())

			_, err := space.Read(textStart, 16)
			Expect(err).NotTo(HaveOccurred())

			err = space.Write(textStart, []byte{1})
			Expect(err).To(MatchError(ErrUnrecoverable))
			Expect(err).To(MatchError(ErrWriteProtected))

			err = pager.HandleFault(space, Fault{Addr: textStart, Write: true})
			Expect(err).To(MatchError(ErrWriteProtected))
		})

		It("should undo a partial segment", func() {
			Expect(pager.Declare(space, Decl{
				Kind: KindStack, VAddr: textStart + testPageSize,
			})).To(Succeed())

			err := pager.LoadSegment(space, file, 0, textStart,
				5000, 2*testPageSize-5000, true)

			Expect(err).To(MatchError(ErrDuplicate))
			Expect(space.Table().Len()).To(Equal(1))
		})

		It("should reject an unaligned segment", func() {
			err := pager.LoadSegment(space, file, 0, textStart+1,
				testPageSize, 0, true)

			Expect(err).To(MatchError(ErrInvalidDecl))
		})
	})

	Context("when removing file pages", func() {
		var file *fs.MemFile

		declareMmap := func() {
			Expect(pager.Declare(space, Decl{
				Kind: KindMmap, VAddr: mmapBase, Writable: true,
				File: file, ReadBytes: testPageSize,
			})).To(Succeed())
			Expect(pager.Declare(space, Decl{
				Kind: KindMmap, VAddr: mmapBase + testPageSize, Writable: true,
				File: file, Offset: testPageSize,
				ReadBytes: 1904, ZeroBytes: testPageSize - 1904,
			})).To(Succeed())
		}

		BeforeEach(func() {
			file = fs.NewMemFile("data", make([]byte, testPageSize+1904))
		})

		It("should write back a dirty resident page", func() {
			declareMmap()
			Expect(space.Write(mmapBase+testPageSize+10, []byte("hello"))).
				To(Succeed())

			Expect(pager.Remove(space, mmapBase+testPageSize, true)).To(Succeed())

			content := file.Bytes()
			Expect(content).To(HaveLen(testPageSize + 1904))
			Expect(string(content[testPageSize+10 : testPageSize+15])).
				To(Equal("hello"))
			Expect(pager.FrameTable().Len()).To(Equal(0))
			_, found := space.Lookup(mmapBase + testPageSize)
			Expect(found).To(BeFalse())
		})

		It("should leave the file alone if nothing was written", func() {
			declareMmap()
			before := file.Bytes()
			_, err := space.Read(mmapBase, 2*testPageSize)
			Expect(err).NotTo(HaveOccurred())

			Expect(pager.Remove(space, mmapBase, true)).To(Succeed())
			Expect(pager.Remove(space, mmapBase+testPageSize, true)).To(Succeed())

			Expect(file.Bytes()).To(Equal(before))
		})

		It("should not write back without flush", func() {
			declareMmap()
			Expect(space.Write(mmapBase, []byte("lost"))).To(Succeed())

			Expect(pager.Remove(space, mmapBase, false)).To(Succeed())

			Expect(file.Bytes()[:4]).To(Equal(make([]byte, 4)))
		})

		It("should write back a page that was swapped out dirty", func() {
			setup(1, 2)
			declareMmap()
			declareStack(pager, space, 1)

			Expect(space.Write(mmapBase+100, []byte("abc"))).To(Succeed())
			Expect(space.Write(dataBase, []byte("push"))).To(Succeed())

			info, _ := space.Lookup(mmapBase)
			Expect(info.Kind).To(Equal(KindSwap))
			Expect(info.Dirty).To(BeTrue())

			Expect(pager.Remove(space, mmapBase, true)).To(Succeed())

			Expect(string(file.Bytes()[100:103])).To(Equal("abc"))
			Expect(rig.store.InUse()).To(Equal(0))
		})

		It("should fail on an undeclared page", func() {
			err := pager.Remove(space, mmapBase, true)

			Expect(err).To(MatchError(ErrNotDeclared))
		})
	})

	Context("when evicting mmap pages", func() {
		var file *fs.MemFile

		prepare := func(writeBack bool) {
			setup(1, 4, func(b Builder) Builder {
				return b.WithMmapWriteBackOnEvict(writeBack)
			})

			file = fs.NewMemFile("data", make([]byte, testPageSize))
			Expect(pager.Declare(space, Decl{
				Kind: KindMmap, VAddr: mmapBase, Writable: true,
				File: file, ReadBytes: testPageSize,
			})).To(Succeed())
			declareStack(pager, space, 1)

			Expect(space.Write(mmapBase, []byte("xyz"))).To(Succeed())
			Expect(space.Write(dataBase, []byte("push"))).To(Succeed())
		}

		It("should swap them out by default", func() {
			prepare(false)

			info, _ := space.Lookup(mmapBase)
			Expect(info.Kind).To(Equal(KindSwap))
			Expect(rig.store.InUse()).To(Equal(1))
			Expect(file.Bytes()[:3]).To(Equal(make([]byte, 3)))
		})

		It("should write them back when asked to", func() {
			prepare(true)

			info, _ := space.Lookup(mmapBase)
			Expect(info.Kind).To(Equal(KindMmap))
			Expect(info.Slot).To(Equal(swap.NoSlot))
			Expect(rig.store.InUse()).To(Equal(0))
			Expect(string(file.Bytes()[:3])).To(Equal("xyz"))

			data, err := space.Read(mmapBase, 3)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("xyz"))
		})
	})

	Context("when tearing down", func() {
		BeforeEach(func() {
			setup(2, 4)
			declareStack(pager, space, 4)
			for i := 0; i < 4; i++ {
				Expect(space.Write(dataBase+uint64(i)*testPageSize,
					fill(byte(i+1)))).To(Succeed())
			}
		})

		It("should release every frame and slot", func() {
			var detail TeardownDetail
			pager.AcceptHook(sim.HookFunc(func(ctx sim.HookCtx) {
				if ctx.Pos == HookPosTeardown {
					detail = ctx.Detail.(TeardownDetail)
				}
			}))
			Expect(rig.store.InUse()).To(Equal(2))

			pager.Teardown(space)

			Expect(detail).To(Equal(TeardownDetail{Frames: 2, Slots: 2}))
			Expect(rig.mem.NumFree()).To(Equal(uint64(2)))
			Expect(rig.store.InUse()).To(Equal(0))
			Expect(pager.FrameTable().Len()).To(Equal(0))
			Expect(space.Table().Len()).To(Equal(0))
			_, found := pager.Space(1)
			Expect(found).To(BeFalse())
			_, mapped := pager.PageTable().GetMapping(1, dataBase+3*testPageSize)
			Expect(mapped).To(BeFalse())
		})

		It("should refuse any use of a space that is gone", func() {
			pager.Teardown(space)

			err := space.Write(pager.UserTop()-8, []byte{1})
			Expect(err).To(MatchError(ErrSpaceGone))
			Expect(err).To(MatchError(ErrUnrecoverable))
			Expect(pager.HandleFault(space, Fault{
				Addr:         pager.UserTop() - 8,
				StackPointer: pager.UserTop(),
			})).To(MatchError(ErrSpaceGone))
			Expect(pager.Resolve(space, dataBase)).To(MatchError(ErrSpaceGone))
			Expect(pager.Declare(space, Decl{Kind: KindStack, VAddr: dataBase})).
				To(MatchError(ErrSpaceGone))
			Expect(pager.LoadSegment(space, fs.NewMemFile("prog", nil), 0,
				textStart, 0, testPageSize, false)).To(MatchError(ErrSpaceGone))
			Expect(pager.Remove(space, dataBase, true)).To(MatchError(ErrSpaceGone))
			Expect(space.IsGone()).To(BeTrue())
			Expect(pager.FrameTable().Len()).To(Equal(0))
			Expect(space.Table().Len()).To(Equal(0))
		})

		It("should keep evicting safely after a late access", func() {
			pager.Teardown(space)
			_ = space.Write(pager.UserTop()-8, []byte{1})

			other, err := pager.NewSpace(7)
			Expect(err).NotTo(HaveOccurred())
			declareStack(pager, other, 3)

			for i := 0; i < 3; i++ {
				Expect(other.Write(dataBase+uint64(i)*testPageSize,
					fill(byte(0x40+i)))).To(Succeed())
			}

			Expect(pager.Stats().Evictions).To(Equal(uint64(3)))
		})

		It("should ignore a second teardown", func() {
			pager.Teardown(space)

			reborn, err := pager.NewSpace(1)
			Expect(err).NotTo(HaveOccurred())

			pager.Teardown(space)

			found, ok := pager.Space(1)
			Expect(ok).To(BeTrue())
			Expect(found).To(BeIdenticalTo(reborn))
			Expect(reborn.IsGone()).To(BeFalse())
		})

		It("should let other spaces use the frames", func() {
			other, err := pager.NewSpace(2)
			Expect(err).NotTo(HaveOccurred())
			declareStack(pager, other, 2)

			pager.Teardown(space)

			Expect(other.Write(dataBase, fill(0x77))).To(Succeed())
			Expect(other.Write(dataBase+testPageSize, fill(0x78))).To(Succeed())
			Expect(pager.Stats().Evictions).To(Equal(uint64(2)))
		})
	})

	Context("with several processes", func() {
		It("should keep every process's data", func() {
			setup(6, 64)
			const numSpaces, numPages, numRounds = 4, 6, 3

			spaces := []*Space{space}
			for pid := 2; pid <= numSpaces; pid++ {
				s, err := pager.NewSpace(vm.PID(pid))
				Expect(err).NotTo(HaveOccurred())
				spaces = append(spaces, s)
			}
			for _, s := range spaces {
				declareStack(pager, s, numPages)
			}

			var wg sync.WaitGroup
			errs := make(chan error, numSpaces)
			for _, s := range spaces {
				wg.Add(1)
				go func(s *Space) {
					defer wg.Done()
					errs <- exercise(s, numPages, numRounds)
				}(s)
			}
			wg.Wait()
			close(errs)

			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(pager.Stats().Evictions).To(BeNumerically(">", 0))
		})
	})
})

func exercise(s *Space, numPages, numRounds int) error {
	for round := 0; round < numRounds; round++ {
		for i := 0; i < numPages; i++ {
			b := byte(int(s.PID())*37 + round*11 + i)
			err := s.Write(dataBase+uint64(i)*testPageSize, fill(b))
			if err != nil {
				return err
			}
		}

		for i := 0; i < numPages; i++ {
			b := byte(int(s.PID())*37 + round*11 + i)
			data, err := s.Read(dataBase+uint64(i)*testPageSize, testPageSize)
			if err != nil {
				return err
			}

			if !bytes.Equal(data, fill(b)) {
				return fmt.Errorf("space %d page %d round %d corrupted",
					s.PID(), i, round)
			}
		}
	}

	return nil
}
