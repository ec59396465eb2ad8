package stats

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
)

// Report is what a Collector gathered between Start and Stop.
type Report struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Samples   []Sample      `json:"samples"`
	Marks     []Mark        `json:"marks"`
	Summary   Summary       `json:"summary"`
}

type Sample struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	HeapAlloc      uint64  `json:"heap_alloc"`
	HeapSys        uint64  `json:"heap_sys"`
	TotalAlloc     uint64  `json:"total_alloc"`
	NumGC          uint32  `json:"num_gc"`
	ProcessRSS     uint64  `json:"process_rss"`
	CPUPercent     float64 `json:"cpu_percent"`
	NumGoroutine   int     `json:"num_goroutine"`
}

// Mark labels a point in the run, such as the end of a benchmark phase.
type Mark struct {
	Label          string  `json:"label"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	HeapAlloc      uint64  `json:"heap_alloc"`
}

type Summary struct {
	PeakHeapAlloc  uint64  `json:"peak_heap_alloc"`
	PeakProcessRSS uint64  `json:"peak_process_rss"`
	PeakCPUPercent float64 `json:"peak_cpu_percent"`
	AvgCPUPercent  float64 `json:"avg_cpu_percent"`
	PeakGoroutines int     `json:"peak_goroutines"`
	GCCycles       uint32  `json:"gc_cycles"`
	TotalAlloc     uint64  `json:"total_alloc"`
	SampleCount    int     `json:"sample_count"`
}

// Collector samples process memory and CPU on a fixed interval.
type Collector struct {
	mu       sync.Mutex
	report   Report
	start    time.Time
	interval time.Duration
	proc     *process.Process

	stopChan chan struct{}
	doneChan chan struct{}
}

func NewCollector(interval time.Duration) (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to get process info: %w", err)
	}

	return &Collector{
		interval: interval,
		proc:     proc,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

func (c *Collector) Start() {
	c.start = time.Now()
	c.report.StartTime = c.start

	go c.collect()
}

func (c *Collector) collect() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-c.stopChan:
			c.sample()
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s := Sample{
		ElapsedSeconds: time.Since(c.start).Seconds(),
		HeapAlloc:      mem.HeapAlloc,
		HeapSys:        mem.HeapSys,
		TotalAlloc:     mem.TotalAlloc,
		NumGC:          mem.NumGC,
		NumGoroutine:   runtime.NumGoroutine(),
	}
	if info, err := c.proc.MemoryInfo(); err == nil && info != nil {
		s.ProcessRSS = info.RSS
	}
	if cpu, err := c.proc.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}

	c.mu.Lock()
	c.report.Samples = append(c.report.Samples, s)
	c.mu.Unlock()
}

func (c *Collector) Mark(label string) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.Marks = append(c.report.Marks, Mark{
		Label:          label,
		ElapsedSeconds: time.Since(c.start).Seconds(),
		HeapAlloc:      mem.HeapAlloc,
	})
}

// Stop ends sampling and returns the report. It must be called once.
func (c *Collector) Stop() Report {
	close(c.stopChan)
	<-c.doneChan

	c.mu.Lock()
	defer c.mu.Unlock()

	c.report.EndTime = time.Now()
	c.report.Elapsed = c.report.EndTime.Sub(c.report.StartTime)
	c.report.Summary = summarize(c.report.Samples)
	return c.report
}

func summarize(samples []Sample) Summary {
	var s Summary
	if len(samples) == 0 {
		return s
	}

	var totalCPU float64
	for _, p := range samples {
		s.PeakHeapAlloc = max(s.PeakHeapAlloc, p.HeapAlloc)
		s.PeakProcessRSS = max(s.PeakProcessRSS, p.ProcessRSS)
		s.PeakCPUPercent = max(s.PeakCPUPercent, p.CPUPercent)
		s.PeakGoroutines = max(s.PeakGoroutines, p.NumGoroutine)
		totalCPU += p.CPUPercent
	}
	first, last := samples[0], samples[len(samples)-1]
	s.GCCycles = last.NumGC - first.NumGC
	s.TotalAlloc = last.TotalAlloc - first.TotalAlloc
	s.SampleCount = len(samples)
	s.AvgCPUPercent = totalCPU / float64(len(samples))
	return s
}

// WriteText prints a human-readable summary of r.
func (r Report) WriteText(w io.Writer) error {
	_, err := fmt.Fprintf(w, `Elapsed:          %s
Samples:          %d
Peak heap:        %s
Peak RSS:         %s
Allocated:        %s
GC cycles:        %d
CPU peak / avg:   %.1f%% / %.1f%%
Peak goroutines:  %d
`,
		r.Elapsed.Round(time.Millisecond),
		r.Summary.SampleCount,
		humanize.IBytes(r.Summary.PeakHeapAlloc),
		humanize.IBytes(r.Summary.PeakProcessRSS),
		humanize.IBytes(r.Summary.TotalAlloc),
		r.Summary.GCCycles,
		r.Summary.PeakCPUPercent, r.Summary.AvgCPUPercent,
		r.Summary.PeakGoroutines,
	)
	if err != nil {
		return err
	}

	for _, m := range r.Marks {
		if _, err := fmt.Fprintf(w, "  %-24s at %6.2fs, heap %s\n", m.Label, m.ElapsedSeconds, humanize.IBytes(m.HeapAlloc)); err != nil {
			return err
		}
	}
	return nil
}
