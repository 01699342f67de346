package service

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/escalate"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/jobqueue"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/monitor"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/workerpool"
)

// ErrEscalationUnavailable is returned when a job type registered as
// durable is submitted but no escalator was wired in.
var ErrEscalationUnavailable = errors.New("durable escalation is not configured")

const defaultMaintenanceDebounce = 15 * time.Minute

// Service is the single submission surface for background work. It routes
// jobs by type: durable types go to the escalator, everything else to the
// serialized job queue; parallel closures go to named worker pools.
// Construct one at startup and inject it; there is no package singleton.
type Service struct {
	queue *jobqueue.Queue
	pools *workerpool.Manager
	esc   *escalate.Escalator
	mon   *monitor.Monitor

	mu      sync.RWMutex
	durable map[string]struct{}

	maintMu   sync.Mutex
	lastMaint time.Time

	watchWG sync.WaitGroup
}

// New wires the facade. The escalator and monitor may be nil; durable
// submission and resource snapshots degrade accordingly.
func New(queue *jobqueue.Queue, pools *workerpool.Manager, esc *escalate.Escalator, mon *monitor.Monitor) *Service {
	return &Service{
		queue:   queue,
		pools:   pools,
		esc:     esc,
		mon:     mon,
		durable: make(map[string]struct{}),
	}
}

// RegisterHandler binds a job type to a queue handler.
func (s *Service) RegisterHandler(jobType string, h jobqueue.Handler) {
	s.queue.Register(jobType, h)
}

// RegisterDurable marks a job type as crash-survivable: submissions of it
// escalate to the broker instead of the in-process queue. The handler
// itself is registered on the runner in the worker process.
func (s *Service) RegisterDurable(jobType string) {
	s.mu.Lock()
	s.durable[jobType] = struct{}{}
	s.mu.Unlock()
}

func (s *Service) isDurable(jobType string) bool {
	s.mu.RLock()
	_, ok := s.durable[jobType]
	s.mu.RUnlock()
	return ok
}

// SubmitJob enqueues a background job and returns its ID. Durable types
// are handed to the escalator; all others to the job queue, which rejects
// unknown types and full queues immediately.
func (s *Service) SubmitJob(ctx context.Context, jobType string, payload map[string]any, priority, ownerID string) (string, error) {
	if s.isDurable(jobType) {
		if s.esc == nil {
			return "", ErrEscalationUnavailable
		}
		return s.esc.Enqueue(ctx, jobType, payload, ownerID)
	}
	return s.queue.Submit(jobType, payload, priority, ownerID)
}

// SubmitToPool runs fn on the named worker pool, creating the pool with
// the manager's default size on first reference. The priority tag is
// informational only; pools start tasks in admission order regardless.
func (s *Service) SubmitToPool(poolName string, fn workerpool.Task, priority string) (string, error) {
	return s.pools.Submit(poolName, 0, fn)
}

// GetJobStatus resolves a job ID against the queue (live and history)
// first, then against the escalator's result cache and archive.
func (s *Service) GetJobStatus(ctx context.Context, jobID string) (*models.JobRecord, error) {
	rec, err := s.queue.Status(jobID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, jobqueue.ErrJobNotFound) || s.esc == nil {
		return nil, err
	}

	res, err := s.esc.Status(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return escalatedRecord(res), nil
}

// escalatedRecord maps a cached escalation result onto the common job
// record shape. Payloads are not cached, so the record carries none.
func escalatedRecord(res *escalate.Result) *models.JobRecord {
	rec := &models.JobRecord{
		ID:       res.TaskID,
		Type:     res.Type,
		Status:   res.Status,
		Attempts: res.Attempts,
		Result:   res.Result,
		Error:    res.Error,
	}
	switch {
	case res.CompletedAt != nil:
		rec.CompletedAt = res.CompletedAt
	case res.FailedAt != nil:
		rec.CompletedAt = res.FailedAt
	}
	return rec
}

// CancelJob cancels a job that is still waiting in the queue.
func (s *Service) CancelJob(jobID string) error {
	return s.queue.Cancel(jobID)
}

// DeadLetters lists envelopes parked after exhausting their retries.
func (s *Service) DeadLetters(ctx context.Context, count int64) ([]*escalate.Task, error) {
	if s.esc == nil {
		return nil, ErrEscalationUnavailable
	}
	return s.esc.DeadLetters(ctx, count)
}

// GetQueueStatistics returns the job queue counters.
func (s *Service) GetQueueStatistics() models.QueueStats {
	return s.queue.Stats()
}

// GetPoolStatistics returns one pool's counters.
func (s *Service) GetPoolStatistics(poolName string) (models.PoolStats, error) {
	return s.pools.Stats(poolName)
}

// AllPoolStatistics returns counters for every live pool.
func (s *Service) AllPoolStatistics() []models.PoolStats {
	return s.pools.AllStats()
}

// ShutdownPool stops one named pool and forgets it.
func (s *Service) ShutdownPool(poolName string, wait bool) {
	s.pools.ShutdownPool(poolName, wait)
}

// ResourceSnapshot returns the monitor's latest sample, or nil when no
// monitor is wired or nothing has been sampled yet.
func (s *Service) ResourceSnapshot() *monitor.Snapshot {
	if s.mon == nil {
		return nil
	}
	return s.mon.Current()
}

// WatchAlerts consumes resource alerts and reacts to disk pressure by
// submitting a cleanup maintenance job, at most once per debounce window.
// The goroutine exits when the alert channel closes.
func (s *Service) WatchAlerts(alerts <-chan monitor.Alert, debounce time.Duration) {
	if alerts == nil {
		return
	}
	if debounce <= 0 {
		debounce = defaultMaintenanceDebounce
	}

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()
		for alert := range alerts {
			if alert.Resource != "disk" {
				continue
			}
			s.submitMaintenance(alert, debounce)
		}
	}()
}

func (s *Service) submitMaintenance(alert monitor.Alert, debounce time.Duration) {
	s.maintMu.Lock()
	if time.Since(s.lastMaint) < debounce {
		s.maintMu.Unlock()
		return
	}
	s.lastMaint = time.Now()
	s.maintMu.Unlock()

	payload := map[string]any{
		"op":      "cleanup",
		"trigger": alert.Resource,
		"value":   alert.Value,
	}
	id, err := s.queue.Submit("system_maintenance", payload, "low", "system")
	if err != nil {
		log.Printf("service: maintenance submit after %s alert failed: %v", alert.Resource, err)
		return
	}
	log.Printf("service: disk at %.1f%% exceeded %.1f%%, submitted cleanup job %s", alert.Value, alert.Threshold, id)
}

// Shutdown stops the monitor, joins the alert watcher, then drains the
// queue and pools. With wait=false pending work is abandoned instead.
func (s *Service) Shutdown(wait bool) {
	if s.mon != nil {
		s.mon.Stop()
	}
	s.watchWG.Wait()

	s.queue.Shutdown(wait)
	s.pools.ShutdownAll(wait)
}
