package workerpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
)

// ErrPoolNotFound is returned for stats queries against unknown pool names.
var ErrPoolNotFound = errors.New("worker pool not found")

// Manager tracks named pools and creates them on first use.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool

	defaultWorkers int
	backlogFactor  int
}

func NewManager(workers, backlogFactor int) *Manager {
	if workers < 1 {
		workers = defaultWorkers
	}
	if backlogFactor < 1 {
		backlogFactor = defaultBacklogFactor
	}
	return &Manager{
		pools:          make(map[string]*Pool),
		defaultWorkers: workers,
		backlogFactor:  backlogFactor,
	}
}

// GetOrCreate returns the named pool, creating it with the given worker
// count if absent. A later call with a different count reuses the existing
// pool unchanged.
func (m *Manager) GetOrCreate(name string, workers int) *Pool {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.pools[name]; ok {
		return p
	}
	if workers < 1 {
		workers = m.defaultWorkers
	}
	p = New(name, workers, workers*m.backlogFactor)
	m.pools[name] = p
	return p
}

// Submit hands the task to the named pool, creating it on demand, and
// returns the assigned task ID.
func (m *Manager) Submit(name string, workers int, fn Task) (string, error) {
	return m.GetOrCreate(name, workers).Submit(fn)
}

// Stats returns the counters of one pool.
func (m *Manager) Stats(name string) (models.PoolStats, error) {
	m.mu.RLock()
	p, ok := m.pools[name]
	m.mu.RUnlock()
	if !ok {
		return models.PoolStats{}, fmt.Errorf("%w: %s", ErrPoolNotFound, name)
	}
	return p.Stats(), nil
}

// AllStats returns a snapshot for every registered pool.
func (m *Manager) AllStats() []models.PoolStats {
	m.mu.RLock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.RUnlock()

	out := make([]models.PoolStats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	return out
}

// ShutdownPool stops the named pool and drops it from the registry.
// Unknown names are a no-op, so repeated shutdowns are safe.
func (m *Manager) ShutdownPool(name string, wait bool) {
	m.mu.Lock()
	p, ok := m.pools[name]
	if ok {
		delete(m.pools, name)
	}
	m.mu.Unlock()

	if ok {
		p.Shutdown(wait)
	}
}

// ShutdownAll stops every pool and empties the registry.
func (m *Manager) ShutdownAll(wait bool) {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Shutdown(wait)
	}
}
