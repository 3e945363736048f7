// Package monitoring turns a running kernel into a server and allows
// external inspection and control of it.
package monitoring

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/tilelab/mantle/pes"
)

// Monitor exposes a kernel over HTTP.
type Monitor struct {
	kernel        *pes.Kernel
	portNumber    int
	openInBrowser bool
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber > 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitor in the default browser.
func (m *Monitor) WithBrowser() *Monitor {
	m.openInBrowser = true
	return m
}

// RegisterKernel registers the kernel to be monitored.
func (m *Monitor) RegisterKernel(k *pes.Kernel) {
	m.kernel = k
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseLoop)
	r.HandleFunc("/api/continue", m.continueLoop)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/pes", m.listPEs)
	r.HandleFunc("/api/pe/{pe}", m.peDetails)
	r.HandleFunc("/api/vpes", m.listVPEs)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	return r
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	http.Handle("/", m.router())

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	url := fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)
	fmt.Fprintf(os.Stderr, "Monitoring kernel with %s\n", url)

	if m.openInBrowser {
		_ = browser.OpenURL(url)
	}

	go func() {
		err = http.Serve(listener, nil)
		dieOnErr(err)
	}()
}

func (m *Monitor) pauseLoop(w http.ResponseWriter, _ *http.Request) {
	m.kernel.WorkLoop.Pause()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) continueLoop(w http.ResponseWriter, _ *http.Request) {
	m.kernel.WorkLoop.Continue()
	_, err := w.Write(nil)
	dieOnErr(err)
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	fmt.Fprintf(w, "{\"now\":%d}", m.kernel.DTU.Now())
}

type peRsp struct {
	PE      int    `json:"pe"`
	Count   int    `json:"count"`
	Ready   int    `json:"ready"`
	Current string `json:"current"`
}

func (m *Monitor) listPEs(w http.ResponseWriter, _ *http.Request) {
	var rsp []peRsp
	for _, pe := range m.kernel.Platform.UserPEs() {
		cs := m.kernel.PEs.Switcher(pe)
		entry := peRsp{PE: pe, Count: cs.Count(), Ready: cs.ReadyLen()}
		if cur := cs.Current(); cur != nil {
			entry.Current = cur.Name()
		}
		rsp = append(rsp, entry)
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) peDetails(w http.ResponseWriter, r *http.Request) {
	peStr := mux.Vars(r)["pe"]
	pe, err := strconv.Atoi(peStr)
	if err != nil || pe < 0 || pe >= len(m.kernel.Platform.PEs) {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	cs := m.kernel.PEs.Switcher(pe)
	if cs == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(cs)
	serializer.SetMaxDepth(1)
	err = serializer.Serialize(w)

	dieOnErr(err)
}

type vpeRsp struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	PE    int    `json:"pe"`
	State int    `json:"state"`
	Flags uint   `json:"flags"`
}

func (m *Monitor) listVPEs(w http.ResponseWriter, _ *http.Request) {
	var rsp []vpeRsp
	for id := 0; id < pes.MaxVPEs; id++ {
		v := m.kernel.VPEs.VPE(id)
		if v == nil {
			continue
		}
		rsp = append(rsp, vpeRsp{
			ID:    v.ID(),
			Name:  v.Name(),
			PE:    v.PE(),
			State: int(v.State()),
			Flags: uint(v.Flags()),
		})
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	proc, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memorySize, err := proc.MemoryInfo()
	dieOnErr(err)

	rsp := resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	}

	bytes, err := json.Marshal(rsp)
	dieOnErr(err)

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	dieOnErr(err)

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	data, err := json.Marshal(prof)
	dieOnErr(err)

	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
