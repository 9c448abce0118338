package sim

import (
	"bytes"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

type namedDomain struct {
	*HookableBase
}

func (namedDomain) Name() string {
	return "Domain"
}

type fieldItem struct{}

func (fieldItem) Fields() logrus.Fields {
	return logrus.Fields{"pid": 3}
}

var _ = Describe("HookableBase", func() {
	var (
		domain *HookableBase
	)

	BeforeEach(func() {
		domain = NewHookableBase()
	})

	It("should invoke hooks in registration order", func() {
		var order []int
		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, 1) }))
		domain.AcceptHook(HookFunc(func(HookCtx) { order = append(order, 2) }))

		domain.InvokeHook(HookCtx{Pos: &HookPos{Name: "Test"}})

		Expect(domain.NumHooks()).To(Equal(2))
		Expect(order).To(Equal([]int{1, 2}))
	})

	It("should pass the context through", func() {
		pos := &HookPos{Name: "Test"}
		var got HookCtx
		domain.AcceptHook(HookFunc(func(ctx HookCtx) { got = ctx }))

		domain.InvokeHook(HookCtx{Domain: domain, Pos: pos, Item: 42})

		Expect(got.Pos).To(BeIdenticalTo(pos))
		Expect(got.Item).To(Equal(42))
	})

	It("should allow concurrent invocation", func() {
		var mu sync.Mutex
		count := 0
		domain.AcceptHook(HookFunc(func(HookCtx) {
			mu.Lock()
			count++
			mu.Unlock()
		}))

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				domain.InvokeHook(HookCtx{})
			}()
		}
		wg.Wait()

		Expect(count).To(Equal(8))
	})
})

var _ = Describe("LogHook", func() {
	var (
		buf    *bytes.Buffer
		logger *logrus.Logger
	)

	BeforeEach(func() {
		buf = new(bytes.Buffer)
		logger = logrus.New()
		logger.SetOutput(buf)
		logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	})

	It("should log the position, the domain and the item fields", func() {
		logger.SetLevel(logrus.DebugLevel)
		hook := NewLogHook(logger, logrus.DebugLevel)
		domain := namedDomain{NewHookableBase()}

		hook.Func(HookCtx{
			Domain: domain,
			Pos:    &HookPos{Name: "Evict"},
			Item:   fieldItem{},
		})

		Expect(buf.String()).To(ContainSubstring("msg=Evict"))
		Expect(buf.String()).To(ContainSubstring("where=Domain"))
		Expect(buf.String()).To(ContainSubstring("pid=3"))
	})

	It("should stay quiet below the logger level", func() {
		logger.SetLevel(logrus.InfoLevel)
		hook := NewLogHook(logger, logrus.DebugLevel)

		hook.Func(HookCtx{Pos: &HookPos{Name: "Evict"}})

		Expect(buf.Len()).To(BeZero())
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate sequential ids", func() {
		g := NewSequentialIDGenerator()

		Expect(g.Generate()).To(Equal("1"))
		Expect(g.Generate()).To(Equal("2"))
	})

	It("should generate unique parallel ids", func() {
		g := NewParallelIDGenerator()

		Expect(g.Generate()).NotTo(Equal(g.Generate()))
	})
})
