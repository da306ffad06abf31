package runner

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestNewResourceMonitorDefaults(t *testing.T) {
	m := NewResourceMonitor()
	if m.procPath != "/proc" {
		t.Errorf("procPath = %q, want /proc", m.procPath)
	}
	if m.thresholds.FDCritical != 1000 {
		t.Errorf("FDCritical = %d, want 1000", m.thresholds.FDCritical)
	}
}

func TestNewResourceMonitorWithProcPath(t *testing.T) {
	tmpDir := t.TempDir()
	m := NewResourceMonitor(WithProcPath(tmpDir))
	if m.procPath != tmpDir {
		t.Errorf("procPath = %q, want %q", m.procPath, tmpDir)
	}
}

func TestSampleNoProcessTracked(t *testing.T) {
	m := NewResourceMonitor()
	if _, err := m.Sample(0); err == nil {
		t.Fatal("expected error for pid 0")
	}
}

func TestSampleNonexistentPID(t *testing.T) {
	m := NewResourceMonitor(WithProcPath(t.TempDir()))
	if _, err := m.Sample(99999); err == nil {
		t.Fatal("expected error for missing /proc entry")
	}
}

func writeFakeProc(t *testing.T, procPath string, pid int) string {
	t.Helper()
	procDir := filepath.Join(procPath, strconv.Itoa(pid))

	fdDir := filepath.Join(procDir, "fd")
	if err := os.MkdirAll(fdDir, 0755); err != nil {
		t.Fatalf("mkdir fd dir: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := os.WriteFile(filepath.Join(fdDir, strconv.Itoa(i)), nil, 0644); err != nil {
			t.Fatalf("write fake fd: %v", err)
		}
	}

	statContent := "12345 (test) S 1 12345 12345 0 -1 4194304 100 0 0 0 10 5 0 0 20 0 4 0 1000 1000000 100 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0\n"
	if err := os.WriteFile(filepath.Join(procDir, "stat"), []byte(statContent), 0644); err != nil {
		t.Fatalf("write fake stat: %v", err)
	}

	statmContent := "2000 600 100 10 0 600 0\n"
	if err := os.WriteFile(filepath.Join(procDir, "statm"), []byte(statmContent), 0644); err != nil {
		t.Fatalf("write fake statm: %v", err)
	}

	return procDir
}

func TestSampleReadsFakeProc(t *testing.T) {
	procPath := t.TempDir()
	pid := 12345
	writeFakeProc(t, procPath, pid)

	m := NewResourceMonitor(WithProcPath(procPath))
	metrics, err := m.Sample(pid)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}

	if metrics.PID != pid {
		t.Errorf("PID = %d, want %d", metrics.PID, pid)
	}
	if metrics.FileDescriptors != 7 {
		t.Errorf("FileDescriptors = %d, want 7", metrics.FileDescriptors)
	}
	if metrics.ThreadCount != 4 {
		t.Errorf("ThreadCount = %d, want 4", metrics.ThreadCount)
	}
	if metrics.MemoryBytes != 600*int64(os.Getpagesize()) {
		t.Errorf("MemoryBytes = %d, want %d", metrics.MemoryBytes, 600*int64(os.Getpagesize()))
	}
}

func TestSampleCachesResult(t *testing.T) {
	procPath := t.TempDir()
	pid := 12345
	writeFakeProc(t, procPath, pid)

	m := NewResourceMonitor(WithProcPath(procPath))
	if m.CachedSample(pid) != nil {
		t.Fatal("expected no cached sample before Sample is called")
	}

	if _, err := m.Sample(pid); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if m.CachedSample(pid) == nil {
		t.Fatal("expected cached sample after Sample")
	}

	m.Forget(pid)
	if m.CachedSample(pid) != nil {
		t.Fatal("expected Forget to clear the cached sample")
	}
}

func TestCheckThresholdsNoAlerts(t *testing.T) {
	m := NewResourceMonitor()
	alerts := m.CheckThresholds(&ProcessMetrics{FileDescriptors: 10, MemoryBytes: 1024})
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %v", alerts)
	}
}

func TestCheckThresholdsCritical(t *testing.T) {
	m := NewResourceMonitor(WithThresholds(ResourceThresholds{
		FDWarning: 100, FDCritical: 200,
		MemoryWarning: 1000, MemoryCritical: 2000,
	}))

	alerts := m.CheckThresholds(&ProcessMetrics{FileDescriptors: 250, MemoryBytes: 2500})
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d: %v", len(alerts), alerts)
	}
	for _, a := range alerts {
		if a.Level != AlertCritical {
			t.Errorf("alert %+v: expected critical level", a)
		}
	}
}

func TestAlertLevelString(t *testing.T) {
	cases := map[AlertLevel]string{AlertNone: "OK", AlertWarning: "WARNING", AlertCritical: "CRITICAL"}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("%v.String() = %q, want %q", int(level), got, want)
		}
	}
}

func TestParseThreadCount(t *testing.T) {
	stat := "12345 (test) S 1 12345 12345 0 -1 4194304 100 0 0 0 10 5 0 0 20 0 4 0 1000 1000000 100\n"
	if got := parseThreadCount(stat); got != 4 {
		t.Errorf("parseThreadCount() = %d, want 4", got)
	}
}

func TestParseMemoryBytes(t *testing.T) {
	statm := "2000 600 100 10 0 600 0\n"
	want := 600 * int64(os.Getpagesize())
	if got := parseMemoryBytes(statm); got != want {
		t.Errorf("parseMemoryBytes() = %d, want %d", got, want)
	}
}
