package monitoring

import (
	"bufio"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnsupported is returned by collectors on platforms without the needed
// system calls.
var ErrUnsupported = errors.New("system metrics are not supported on this platform")

// SystemSample is one reading of host-level resource usage.
type SystemSample struct {
	CPUPercent    float64       `json:"cpu_percent"`
	MemoryPercent float64       `json:"memory_percent"`
	MemoryUsedMB  float64       `json:"memory_used_mb"`
	DiskPercent   float64       `json:"disk_percent"`
	Uptime        time.Duration `json:"uptime"`
}

// SystemCollector reads host metrics.
type SystemCollector interface {
	Collect() (SystemSample, error)
}

// SystemCollectorFunc adapts a function to SystemCollector.
type SystemCollectorFunc func() (SystemSample, error)

func (f SystemCollectorFunc) Collect() (SystemSample, error) { return f() }

// cpuReading is cumulative jiffies from the aggregate line of /proc/stat.
type cpuReading struct {
	busy uint64
	idle uint64
}

func readCPUStatsFrom(path string) *cpuReading {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 9 || fields[0] != "cpu" {
		return nil
	}
	values := make([]uint64, len(fields)-1)
	for i := 1; i < len(fields); i++ {
		v, err := strconv.ParseUint(fields[i], 10, 64)
		if err != nil {
			return nil
		}
		values[i-1] = v
	}
	// user nice system idle iowait irq softirq steal
	busy := values[0] + values[1] + values[2] + values[5] + values[6] + values[7]
	idle := values[3] + values[4]
	return &cpuReading{busy: busy, idle: idle}
}

func cpuPercent(prev, cur *cpuReading) float64 {
	if prev == nil || cur == nil || cur.busy < prev.busy || cur.idle < prev.idle {
		return 0
	}
	busy := cur.busy - prev.busy
	total := busy + cur.idle - prev.idle
	if total == 0 {
		return 0
	}
	return float64(busy) / float64(total) * 100
}

// HostCollector samples the local machine. CPU usage is the delta between
// consecutive calls, so the first sample reports 0.
type HostCollector struct {
	// DiskPath is the filesystem whose usage is reported.
	DiskPath string
	statPath string

	mu      sync.Mutex
	lastCPU *cpuReading
}

// NewHostCollector creates a collector reporting disk usage for diskPath
// ("/" when empty).
func NewHostCollector(diskPath string) *HostCollector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostCollector{DiskPath: diskPath, statPath: "/proc/stat"}
}

// Collect implements SystemCollector.
func (c *HostCollector) Collect() (SystemSample, error) {
	sample, err := c.collectPlatform()
	if err != nil {
		return sample, err
	}

	cur := readCPUStatsFrom(c.statPath)
	c.mu.Lock()
	sample.CPUPercent = cpuPercent(c.lastCPU, cur)
	if cur != nil {
		c.lastCPU = cur
	}
	c.mu.Unlock()
	return sample, nil
}
