package monitoring

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/vmcore/config"
	"github.com/sarchlab/vmcore/mem/vm/fs"
	"github.com/sarchlab/vmcore/mem/vm/paging"
	"github.com/sarchlab/vmcore/mem/vm/vmm"
	"github.com/sirupsen/logrus"
)

const (
	pageSize = 4096
	dataBase = uint64(0x10000000)
)

func get(server *httptest.Server, path string) (int, []byte) {
	rsp, err := http.Get(server.URL + path)
	Expect(err).NotTo(HaveOccurred())
	defer rsp.Body.Close()

	body, err := io.ReadAll(rsp.Body)
	Expect(err).NotTo(HaveOccurred())

	return rsp.StatusCode, body
}

var _ = Describe("Monitor", func() {
	var (
		system *vmm.System
		m      *Monitor
		server *httptest.Server
	)

	BeforeEach(func() {
		cfg := config.Default()
		cfg.NumFrames = 2
		cfg.SwapSlots = 8

		logger := logrus.New()
		logger.SetOutput(io.Discard)

		var err error
		system, err = vmm.MakeBuilder().
			WithConfig(cfg).
			WithLogger(logger).
			Build("VM")
		Expect(err).NotTo(HaveOccurred())

		space, err := system.CreateSpace(3)
		Expect(err).NotTo(HaveOccurred())

		file := fs.NewMemFile("data.bin", make([]byte, 3*pageSize))
		_, err = system.Map(3, file, dataBase, system.Pager().UserTop()-pageSize)
		Expect(err).NotTo(HaveOccurred())

		for i := uint64(0); i < 3; i++ {
			Expect(space.Write(dataBase+i*pageSize, []byte{1})).To(Succeed())
		}

		m = NewMonitor(system)
		m.profileDuration = 10 * time.Millisecond
		server = httptest.NewServer(m.Router())
	})

	AfterEach(func() {
		server.Close()
		Expect(system.Close()).To(Succeed())
	})

	It("should report the stats", func() {
		code, body := get(server, "/api/stats")

		Expect(code).To(Equal(http.StatusOK))

		var stats paging.Stats
		Expect(json.Unmarshal(body, &stats)).To(Succeed())
		Expect(stats.NumFrames).To(Equal(uint64(2)))
		Expect(stats.NumSpaces).To(Equal(1))
		Expect(stats.Evictions).To(Equal(uint64(1)))
	})

	It("should list the frames", func() {
		code, body := get(server, "/api/frames")

		Expect(code).To(Equal(http.StatusOK))

		var frames []paging.FrameInfo
		Expect(json.Unmarshal(body, &frames)).To(Succeed())
		Expect(frames).To(HaveLen(2))
		for _, f := range frames {
			Expect(f.Owner).To(BeEquivalentTo(3))
		}
	})

	It("should report the swap usage", func() {
		code, body := get(server, "/api/swap")

		Expect(code).To(Equal(http.StatusOK))

		var rsp swapRsp
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.Capacity).To(Equal(8))
		Expect(rsp.InUse).To(Equal(1))
		Expect(rsp.Outs).To(Equal(uint64(1)))
		Expect(rsp.Ins).To(Equal(uint64(0)))
	})

	It("should list the address spaces", func() {
		code, body := get(server, "/api/spaces")

		Expect(code).To(Equal(http.StatusOK))

		var spaces []vmm.SpaceInfo
		Expect(json.Unmarshal(body, &spaces)).To(Succeed())
		Expect(spaces).To(HaveLen(1))
		Expect(spaces[0].Pages).To(Equal(3))
		Expect(spaces[0].Swapped).To(Equal(1))
		Expect(spaces[0].Mappings).To(HaveLen(1))
	})

	It("should serialize one address space", func() {
		code, body := get(server, "/api/space/3")

		Expect(code).To(Equal(http.StatusOK))
		Expect(json.Valid(body)).To(BeTrue())
	})

	It("should report unknown address spaces", func() {
		code, _ := get(server, "/api/space/9")

		Expect(code).To(Equal(http.StatusNotFound))
	})

	It("should list the progress bars", func() {
		bar := m.CreateProgressBar("pid 3", 10)
		bar.IncrementInProgress(4)
		bar.MoveInProgressToFinished(3)
		done := m.CreateProgressBar("pid 4", 1)
		m.CompleteProgressBar(done)

		code, body := get(server, "/api/progress")

		Expect(code).To(Equal(http.StatusOK))

		var bars []progressBarRsp
		Expect(json.Unmarshal(body, &bars)).To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].Name).To(Equal("pid 3"))
		Expect(bars[0].Finished).To(Equal(uint64(3)))
		Expect(bars[0].InProgress).To(Equal(uint64(1)))
	})

	It("should report the resources of the process", func() {
		code, body := get(server, "/api/resource")

		Expect(code).To(Equal(http.StatusOK))

		var rsp resourceRsp
		Expect(json.Unmarshal(body, &rsp)).To(Succeed())
		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should collect a profile", func() {
		code, body := get(server, "/api/profile")

		Expect(code).To(Equal(http.StatusOK))
		Expect(json.Valid(body)).To(BeTrue())
	})

	It("should serve the web page", func() {
		code, body := get(server, "/")

		Expect(code).To(Equal(http.StatusOK))
		Expect(string(body)).To(HavePrefix("<!DOCTYPE html>"))
	})

	It("should start and stop a server", func() {
		url, err := m.WithPortNumber(0).StartServer()
		Expect(err).NotTo(HaveOccurred())

		rsp, err := http.Get(url + "/api/stats")
		Expect(err).NotTo(HaveOccurred())
		rsp.Body.Close()
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))

		Expect(m.StopServer(context.Background())).To(Succeed())
	})
})
