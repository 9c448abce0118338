// Package monitoring serves the state of a running virtual memory system
// over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/vmm"
	"github.com/sarchlab/vmcore/monitoring/web"
	"github.com/sarchlab/vmcore/sim"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
	"github.com/syifan/goseth"
)

// Monitor turns a system into a server that can be inspected while processes
// run.
type Monitor struct {
	system     *vmm.System
	logger     *logrus.Logger
	portNumber int
	ids        sim.IDGenerator

	profileDuration time.Duration

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	server *http.Server
}

// NewMonitor creates a new Monitor of the system.
func NewMonitor(system *vmm.System) *Monitor {
	return &Monitor{
		system:          system,
		logger:          system.Logger(),
		ids:             sim.NewParallelIDGenerator(),
		profileDuration: time.Second,
	}
}

// WithPortNumber sets the port number of the monitor. Port 0 picks a random
// port.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		m.logger.Warnf("Port number %d is not allowed for the monitor, "+
			"using a random port instead.", portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        m.ids.Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// Router returns the handler of all the routes of the monitor.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/stats", m.stats)
	r.HandleFunc("/api/frames", m.listFrames)
	r.HandleFunc("/api/swap", m.swapUsage)
	r.HandleFunc("/api/spaces", m.listSpaces)
	r.HandleFunc("/api/space/{pid:[0-9]+}", m.spaceDetails)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts serving in the background and returns the URL of the
// monitor.
func (m *Monitor) StartServer() (string, error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	m.logger.Infof("Monitoring %s with %s", m.system.Name(), url)

	m.server = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.WithError(err).Error("monitor stopped")
		}
	}()

	return url, nil
}

// StopServer shuts the server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	if m.server == nil {
		return nil
	}

	return m.server.Shutdown(ctx)
}

func (m *Monitor) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.system.Pager().Stats())
}

func (m *Monitor) listFrames(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.system.Pager().FrameTable().Frames())
}

type swapRsp struct {
	Device   string `json:"device"`
	Capacity int    `json:"capacity"`
	InUse    int    `json:"in_use"`
	Outs     uint64 `json:"outs"`
	Ins      uint64 `json:"ins"`
}

func (m *Monitor) swapUsage(w http.ResponseWriter, _ *http.Request) {
	store := m.system.Swap()
	outs, ins := m.system.Counters().SwapTransfers()

	rsp := swapRsp{
		Device:   store.Name(),
		Capacity: store.Capacity(),
		InUse:    store.InUse(),
		Outs:     outs,
		Ins:      ins,
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listSpaces(w http.ResponseWriter, _ *http.Request) {
	spaces := m.system.Snapshot().Spaces
	if spaces == nil {
		spaces = []vmm.SpaceInfo{}
	}

	writeJSON(w, spaces)
}

// spaceDetails serializes the full state of one address space. The field
// query parameter, a dot separated path, selects a part of it.
func (m *Monitor) spaceDetails(w http.ResponseWriter, r *http.Request) {
	pid, err := strconv.ParseUint(mux.Vars(r)["pid"], 10, 64)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := m.system.SpaceInfo(vm.PID(pid), true)
	if err != nil {
		http.Error(w, "Address space not found", http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&info)
	serializer.SetMaxDepth(3)

	field := r.URL.Query().Get("field")
	if field != "" {
		err = serializer.SetEntryPoint(strings.Split(field, "."))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	bars := make([]progressBarRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot())
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	process, err := process.NewProcess(int32(os.Getpid()))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	time.Sleep(m.profileDuration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
