package monitor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// cpuStats holds the cumulative jiffies from the aggregate cpu line of
// /proc/stat.
type cpuStats struct {
	user, nice, system, idle, iowait, irq, softirq, steal uint64
}

func (s cpuStats) total() uint64 {
	return s.user + s.nice + s.system + s.idle + s.iowait + s.irq + s.softirq + s.steal
}

func (s cpuStats) idleAll() uint64 {
	return s.idle + s.iowait
}

// cpuCollector derives utilization from deltas between successive
// /proc/stat readings. The first reading reports usage since boot.
type cpuCollector struct {
	last cpuStats
}

func (c *cpuCollector) Collect() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, fmt.Errorf("read /proc/stat: %w", err)
	}
	line, _, _ := strings.Cut(string(data), "\n")
	current, err := parseCPULine(line)
	if err != nil {
		return 0, err
	}
	usage := cpuUsageBetween(c.last, current)
	c.last = current
	return usage, nil
}

// parseCPULine parses the aggregate "cpu ..." line of /proc/stat.
func parseCPULine(line string) (cpuStats, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 || fields[0] != "cpu" {
		return cpuStats{}, fmt.Errorf("unexpected cpu line: %q", line)
	}
	st := cpuStats{
		user:    parseUint64(fields[1]),
		nice:    parseUint64(fields[2]),
		system:  parseUint64(fields[3]),
		idle:    parseUint64(fields[4]),
		iowait:  parseUint64(fields[5]),
		irq:     parseUint64(fields[6]),
		softirq: parseUint64(fields[7]),
	}
	if len(fields) > 8 {
		st.steal = parseUint64(fields[8])
	}
	return st, nil
}

// cpuUsageBetween returns the busy share of the interval in percent,
// counting iowait as idle.
func cpuUsageBetween(last, current cpuStats) float64 {
	totalDelta := float64(current.total()) - float64(last.total())
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := float64(current.idleAll()) - float64(last.idleAll())
	usage := (totalDelta - idleDelta) / totalDelta * 100
	if usage < 0 {
		return 0
	}
	if usage > 100 {
		return 100
	}
	return usage
}

func collectMemory() (float64, uint64, uint64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	return parseMeminfo(data)
}

// parseMeminfo computes utilization from MemTotal and MemAvailable,
// returning percent, total bytes, and used bytes.
func parseMeminfo(data []byte) (float64, uint64, uint64, error) {
	var totalKB, availKB uint64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = parseUint64(fields[1])
		case "MemAvailable:":
			availKB = parseUint64(fields[1])
		}
	}
	if totalKB == 0 {
		return 0, 0, 0, errors.New("meminfo missing MemTotal")
	}
	if availKB > totalKB {
		availKB = totalKB
	}
	total := totalKB * 1024
	used := (totalKB - availKB) * 1024
	return float64(used) / float64(total) * 100, total, used, nil
}

func collectDisk(path string) (float64, uint64, uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, 0, fmt.Errorf("statfs %s: %w", path, err)
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free

	percent := 0.0
	if total > 0 {
		percent = float64(used) / float64(total) * 100
	}
	return percent, total, used, nil
}

func parseUint64(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
