package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ProcessMetrics is a point-in-time resource snapshot for one managed
// process, read straight out of /proc.
type ProcessMetrics struct {
	PID             int
	FileDescriptors int
	MemoryBytes     int64
	ThreadCount     int
	Uptime          time.Duration
	Timestamp       time.Time
}

// ResourceThresholds defines warning and critical thresholds for the values
// in a ProcessMetrics.
type ResourceThresholds struct {
	FDWarning      int
	FDCritical     int
	MemoryWarning  int64
	MemoryCritical int64
}

// DefaultThresholds returns sensible default resource thresholds for a
// long-lived STT or LLM server process.
func DefaultThresholds() ResourceThresholds {
	return ResourceThresholds{
		FDWarning:      500,
		FDCritical:     1000,
		MemoryWarning:  2 * 1024 * 1024 * 1024,
		MemoryCritical: 4 * 1024 * 1024 * 1024,
	}
}

// AlertLevel indicates the severity of a resource alert.
type AlertLevel int

const (
	AlertNone AlertLevel = iota
	AlertWarning
	AlertCritical
)

func (a AlertLevel) String() string {
	switch a {
	case AlertWarning:
		return "WARNING"
	case AlertCritical:
		return "CRITICAL"
	default:
		return "OK"
	}
}

// ResourceAlert reports a single threshold breach.
type ResourceAlert struct {
	Level    AlertLevel
	Resource string // "fd" or "memory"
	Message  string
}

// ResourceMonitor samples resource usage for managed processes by PID. It
// caches each process's last sample so callers can read it via CachedSample
// without a fresh /proc read; the control plane's metrics collector calls
// Sample, and so reads /proc, on every scrape.
type ResourceMonitor struct {
	thresholds ResourceThresholds
	procPath   string

	mu      sync.RWMutex
	metrics map[int]*ProcessMetrics
}

// MonitorOption configures a ResourceMonitor.
type MonitorOption func(*ResourceMonitor)

// WithThresholds sets custom resource thresholds.
func WithThresholds(t ResourceThresholds) MonitorOption {
	return func(m *ResourceMonitor) { m.thresholds = t }
}

// WithProcPath overrides the /proc mount point, for testing against a fake
// filesystem layout.
func WithProcPath(path string) MonitorOption {
	return func(m *ResourceMonitor) { m.procPath = path }
}

// NewResourceMonitor creates a ResourceMonitor.
func NewResourceMonitor(opts ...MonitorOption) *ResourceMonitor {
	m := &ResourceMonitor{
		thresholds: DefaultThresholds(),
		procPath:   "/proc",
		metrics:    make(map[int]*ProcessMetrics),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Sample reads current resource usage for pid out of /proc, caches it, and
// returns it. A pid of 0 (no process tracked) is reported as an error rather
// than read, since /proc/0 does not name the calling process.
func (m *ResourceMonitor) Sample(pid int) (*ProcessMetrics, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("resource monitor: no process tracked")
	}

	procDir := filepath.Join(m.procPath, strconv.Itoa(pid))
	if _, err := os.Stat(procDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("resource monitor: process %d not found", pid)
	}

	metrics := &ProcessMetrics{PID: pid, Timestamp: time.Now()}

	if entries, err := os.ReadDir(filepath.Join(procDir, "fd")); err == nil {
		metrics.FileDescriptors = len(entries)
	}

	// #nosec G304 -- reading from /proc, controlled path
	if data, err := os.ReadFile(filepath.Join(procDir, "stat")); err == nil {
		metrics.ThreadCount = parseThreadCount(string(data))
	}

	// #nosec G304 -- reading from /proc, controlled path
	if data, err := os.ReadFile(filepath.Join(procDir, "statm")); err == nil {
		metrics.MemoryBytes = parseMemoryBytes(string(data))
	}

	if startTime, err := m.processStartTime(pid); err == nil {
		metrics.Uptime = time.Since(startTime)
	}

	m.mu.Lock()
	m.metrics[pid] = metrics
	m.mu.Unlock()

	return metrics, nil
}

// CheckThresholds compares a sample against the monitor's thresholds.
func (m *ResourceMonitor) CheckThresholds(metrics *ProcessMetrics) []ResourceAlert {
	var alerts []ResourceAlert

	switch {
	case metrics.FileDescriptors >= m.thresholds.FDCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "fd",
			fmt.Sprintf("file descriptors at critical level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDCritical)})
	case metrics.FileDescriptors >= m.thresholds.FDWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "fd",
			fmt.Sprintf("file descriptors at warning level: %d >= %d", metrics.FileDescriptors, m.thresholds.FDWarning)})
	}

	switch {
	case metrics.MemoryBytes >= m.thresholds.MemoryCritical:
		alerts = append(alerts, ResourceAlert{AlertCritical, "memory",
			fmt.Sprintf("memory usage at critical level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryCritical)})
	case metrics.MemoryBytes >= m.thresholds.MemoryWarning:
		alerts = append(alerts, ResourceAlert{AlertWarning, "memory",
			fmt.Sprintf("memory usage at warning level: %d bytes >= %d bytes", metrics.MemoryBytes, m.thresholds.MemoryWarning)})
	}

	return alerts
}

// CachedSample returns the last sample taken for pid, or nil if none exists.
func (m *ResourceMonitor) CachedSample(pid int) *ProcessMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics[pid]
}

// Forget discards any cached sample for pid, once its process has stopped.
func (m *ResourceMonitor) Forget(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, pid)
}

func (m *ResourceMonitor) processStartTime(pid int) (time.Time, error) {
	// #nosec G304 -- reading from /proc, controlled path
	data, err := os.ReadFile(filepath.Join(m.procPath, strconv.Itoa(pid), "stat"))
	if err != nil {
		return time.Time{}, err
	}

	content := string(data)
	idx := strings.LastIndex(content, ")")
	if idx == -1 {
		return time.Time{}, fmt.Errorf("invalid stat format")
	}

	fields := strings.Fields(content[idx+1:])
	if len(fields) < 20 {
		return time.Time{}, fmt.Errorf("insufficient fields in stat")
	}

	startTicks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil {
		return time.Time{}, err
	}

	bootTime := systemBootTime(m.procPath)
	const ticksPerSecond = 100 // typical value; sysconf(_SC_CLK_TCK) is not exposed to Go
	return bootTime.Add(time.Duration(startTicks/ticksPerSecond) * time.Second), nil
}

func parseThreadCount(stat string) int {
	idx := strings.LastIndex(stat, ")")
	if idx == -1 {
		return 0
	}
	fields := strings.Fields(stat[idx+1:])
	if len(fields) < 18 {
		return 0
	}
	threads, err := strconv.Atoi(fields[17])
	if err != nil {
		return 0
	}
	return threads
}

func parseMemoryBytes(statm string) int64 {
	fields := strings.Fields(statm)
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return pages * int64(os.Getpagesize())
}

func systemBootTime(procPath string) time.Time {
	// #nosec G304 -- reading from /proc, controlled path
	data, err := os.ReadFile(filepath.Join(procPath, "stat"))
	if err != nil {
		return time.Now()
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if secs, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					return time.Unix(secs, 0)
				}
			}
		}
	}
	return time.Now()
}
