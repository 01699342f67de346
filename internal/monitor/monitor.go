package monitor

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
)

const (
	snapshotKey = "monitor:snapshot"

	defaultInterval        = 30 * time.Second
	defaultCPUThreshold    = 80.0
	defaultMemoryThreshold = 85.0
	defaultDiskThreshold   = 90.0
	defaultDiskPath        = "/"

	alertBuffer = 16
)

// Snapshot is one point-in-time reading of host resource usage.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	DiskPercent   float64   `json:"disk_percent"`
	MemoryTotal   uint64    `json:"memory_total_bytes"`
	MemoryUsed    uint64    `json:"memory_used_bytes"`
	DiskTotal     uint64    `json:"disk_total_bytes"`
	DiskUsed      uint64    `json:"disk_used_bytes"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Alert fires once when a resource crosses its threshold, and again only
// after the value dropped back under it.
type Alert struct {
	Resource  string    `json:"resource"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	RaisedAt  time.Time `json:"raised_at"`
}

// Options configure a Monitor. Zero values fall back to defaults.
type Options struct {
	Interval        time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
	DiskThreshold   float64
	DiskPath        string
}

// Monitor samples CPU, memory, and disk usage on a fixed interval, keeps
// the latest snapshot for cheap reads, publishes it to Redis with a TTL,
// and raises threshold alerts on a buffered channel.
type Monitor struct {
	mu      sync.RWMutex
	opts    Options
	client  *redis.Client
	current *Snapshot
	over    map[string]bool
	running bool

	cpu    cpuCollector
	alerts chan Alert

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a monitor. The Redis client is optional; without it the
// snapshot is kept in memory only.
func New(client *redis.Client, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.CPUThreshold <= 0 {
		opts.CPUThreshold = defaultCPUThreshold
	}
	if opts.MemoryThreshold <= 0 {
		opts.MemoryThreshold = defaultMemoryThreshold
	}
	if opts.DiskThreshold <= 0 {
		opts.DiskThreshold = defaultDiskThreshold
	}
	if opts.DiskPath == "" {
		opts.DiskPath = defaultDiskPath
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		opts:   opts,
		client: client,
		over:   make(map[string]bool),
		alerts: make(chan Alert, alertBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins sampling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()
}

// Stop halts sampling, waits for the loop to exit, and closes the alert
// channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	close(m.alerts)
}

// Alerts exposes threshold crossings. The channel is closed by Stop.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

// Current returns a copy of the latest snapshot, or nil before the first
// sample completes.
func (m *Monitor) Current() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return nil
	}
	snap := *m.current
	return &snap
}

func (m *Monitor) loop() {
	defer m.wg.Done()

	// First sample immediately so status endpoints have data at startup.
	m.sample()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	snap := Snapshot{CollectedAt: time.Now().UTC()}

	if cpu, err := m.cpu.Collect(); err != nil {
		log.Printf("monitor: collect cpu: %v", err)
	} else {
		snap.CPUPercent = cpu
	}
	if pct, total, used, err := collectMemory(); err != nil {
		log.Printf("monitor: collect memory: %v", err)
	} else {
		snap.MemoryPercent = pct
		snap.MemoryTotal = total
		snap.MemoryUsed = used
	}
	if pct, total, used, err := collectDisk(m.opts.DiskPath); err != nil {
		log.Printf("monitor: collect disk: %v", err)
	} else {
		snap.DiskPercent = pct
		snap.DiskTotal = total
		snap.DiskUsed = used
	}

	m.mu.Lock()
	m.current = &snap
	m.mu.Unlock()

	telemetry.ResourceCPU.Set(snap.CPUPercent)
	telemetry.ResourceMemory.Set(snap.MemoryPercent)
	telemetry.ResourceDisk.Set(snap.DiskPercent)

	m.publish(&snap)

	m.evaluate("cpu", snap.CPUPercent, m.opts.CPUThreshold, snap.CollectedAt)
	m.evaluate("memory", snap.MemoryPercent, m.opts.MemoryThreshold, snap.CollectedAt)
	m.evaluate("disk", snap.DiskPercent, m.opts.DiskThreshold, snap.CollectedAt)
}

// publish caches the snapshot in Redis with a TTL of two intervals, so a
// stale or dead monitor reads as missing rather than as healthy.
func (m *Monitor) publish(snap *Snapshot) {
	if m.client == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		log.Printf("monitor: encode snapshot: %v", err)
		return
	}
	ctx, cancelFn := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancelFn()
	if err := m.client.Set(ctx, snapshotKey, raw, 2*m.opts.Interval).Err(); err != nil {
		log.Printf("monitor: cache snapshot: %v", err)
	}
}

func (m *Monitor) evaluate(resource string, value, threshold float64, now time.Time) {
	over := value > threshold

	m.mu.Lock()
	was := m.over[resource]
	m.over[resource] = over
	m.mu.Unlock()

	if over && !was {
		log.Printf("monitor: %s usage %.1f%% above threshold %.1f%%", resource, value, threshold)
		select {
		case m.alerts <- Alert{Resource: resource, Value: value, Threshold: threshold, RaisedAt: now}:
		default:
			log.Printf("monitor: alert channel full, dropping %s alert", resource)
		}
	}
	if !over && was {
		log.Printf("monitor: %s usage %.1f%% back under threshold %.1f%%", resource, value, threshold)
	}
}

// CachedSnapshot reads the last published snapshot from Redis. Missing or
// expired entries return nil.
func CachedSnapshot(ctx context.Context, client *redis.Client) (*Snapshot, error) {
	raw, err := client.Get(ctx, snapshotKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}
