package monitor

import (
	"os"
	"testing"
)

func TestParseCPULine(t *testing.T) {
	line := "cpu  4705 150 1120 16250 520 30 45 10 0 0"
	st, err := parseCPULine(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.user != 4705 || st.idle != 16250 || st.steal != 10 {
		t.Fatalf("unexpected fields: %+v", st)
	}
	if st.total() != 4705+150+1120+16250+520+30+45+10 {
		t.Fatalf("bad total: %d", st.total())
	}
	if st.idleAll() != 16250+520 {
		t.Fatalf("bad idle: %d", st.idleAll())
	}
}

func TestParseCPULineWithoutSteal(t *testing.T) {
	st, err := parseCPULine("cpu 1 2 3 4 5 6 7")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if st.steal != 0 {
		t.Fatalf("expected zero steal, got %d", st.steal)
	}
}

func TestParseCPULineRejectsGarbage(t *testing.T) {
	for _, line := range []string{"", "cpu0 1 2 3 4 5 6 7", "intr 12345", "cpu 1 2"} {
		if _, err := parseCPULine(line); err == nil {
			t.Fatalf("expected error for %q", line)
		}
	}
}

func TestCPUUsageBetween(t *testing.T) {
	last := cpuStats{user: 100, system: 100, idle: 700, iowait: 100}
	current := cpuStats{user: 400, system: 200, idle: 1200, iowait: 200}

	// Deltas: total 1000, idle 600 -> 40% busy.
	got := cpuUsageBetween(last, current)
	if got != 40 {
		t.Fatalf("expected 40%%, got %f", got)
	}
}

func TestCPUUsageBetweenNoProgress(t *testing.T) {
	st := cpuStats{user: 10, idle: 90}
	if got := cpuUsageBetween(st, st); got != 0 {
		t.Fatalf("expected 0%% for identical samples, got %f", got)
	}
}

func TestParseMeminfo(t *testing.T) {
	data := []byte(`MemTotal:       16384256 kB
MemFree:         1024000 kB
MemAvailable:    8192128 kB
Buffers:          512000 kB
`)
	pct, total, used, err := parseMeminfo(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if pct != 50 {
		t.Fatalf("expected 50%% used, got %f", pct)
	}
	if total != 16384256*1024 {
		t.Fatalf("bad total: %d", total)
	}
	if used != 8192128*1024 {
		t.Fatalf("bad used: %d", used)
	}
}

func TestParseMeminfoMissingTotal(t *testing.T) {
	if _, _, _, err := parseMeminfo([]byte("MemFree: 100 kB\n")); err == nil {
		t.Fatal("expected error for meminfo without MemTotal")
	}
}

func TestParseUint64(t *testing.T) {
	tests := []struct {
		input    string
		expected uint64
	}{
		{"123", 123},
		{"0", 0},
		{"999999", 999999},
		{"invalid", 0},
		{"", 0},
	}
	for _, test := range tests {
		if got := parseUint64(test.input); got != test.expected {
			t.Errorf("parseUint64(%q) = %d, expected %d", test.input, got, test.expected)
		}
	}
}

func TestCPUCollectorAgainstProc(t *testing.T) {
	if _, err := os.Stat("/proc/stat"); err != nil {
		t.Skip("no /proc/stat on this platform")
	}

	var c cpuCollector
	for i := 0; i < 2; i++ {
		usage, err := c.Collect()
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if usage < 0 || usage > 100 {
			t.Fatalf("usage out of range: %f", usage)
		}
	}
}

func TestCollectMemoryAgainstProc(t *testing.T) {
	if _, err := os.Stat("/proc/meminfo"); err != nil {
		t.Skip("no /proc/meminfo on this platform")
	}

	pct, total, used, err := collectMemory()
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if pct < 0 || pct > 100 || total == 0 || used > total {
		t.Fatalf("implausible memory reading: %f%% used=%d total=%d", pct, used, total)
	}
}

func TestCollectDisk(t *testing.T) {
	pct, total, used, err := collectDisk(t.TempDir())
	if err != nil {
		t.Skipf("statfs unavailable: %v", err)
	}
	if pct < 0 || pct > 100 || total == 0 || used > total {
		t.Fatalf("implausible disk reading: %f%% used=%d total=%d", pct, used, total)
	}
}
