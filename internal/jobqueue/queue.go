package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
)

var (
	// ErrQueueFull is returned when the pending buffer is at capacity.
	// Submissions are rejected rather than blocked so callers stay responsive.
	ErrQueueFull = errors.New("job queue is full")
	// ErrUnknownJobType is returned when no handler is registered for the type.
	ErrUnknownJobType = errors.New("no handler registered for job type")
	// ErrJobNotFound is returned when a job ID matches neither a live record
	// nor anything still retained in history.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable is returned when the job already started or finished.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrQueueClosed is returned on submissions after Shutdown.
	ErrQueueClosed = errors.New("job queue is shut down")
)

const (
	defaultCapacity     = 1000
	defaultPollInterval = time.Second
)

// Handler executes one background job and returns its result.
type Handler func(ctx context.Context, job *models.JobRecord) (any, error)

// Options configure a Queue. Zero values fall back to defaults.
type Options struct {
	Capacity     int
	HistorySize  int
	PollInterval time.Duration
}

// Queue is a bounded in-process job queue drained by a single dispatcher
// goroutine. Jobs execute one at a time in admission order; terminal records
// move to a capped history ring so recent outcomes stay queryable.
type Queue struct {
	mu       sync.Mutex
	handlers map[string]Handler
	live     map[string]*models.JobRecord

	submitted int64
	completed int64
	failed    int64
	cancelled int64

	started bool
	closed  bool

	pending chan *models.JobRecord
	history *historyRing
	poll    time.Duration

	seq       atomic.Uint64
	runCtx    context.Context
	runCancel context.CancelFunc
	stop      chan struct{}
	done      chan struct{}
}

func New(opts Options) *Queue {
	if opts.Capacity < 1 {
		opts.Capacity = defaultCapacity
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		handlers:  make(map[string]Handler),
		live:      make(map[string]*models.JobRecord),
		pending:   make(chan *models.JobRecord, opts.Capacity),
		history:   newHistoryRing(opts.HistorySize),
		poll:      opts.PollInterval,
		runCtx:    ctx,
		runCancel: cancel,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register binds a handler to a job type. Submissions for unregistered
// types are rejected up front.
func (q *Queue) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	q.mu.Lock()
	q.handlers[jobType] = handler
	q.mu.Unlock()
}

// Submit validates the job type, assigns an ID, and enqueues the record.
// The dispatcher goroutine starts lazily on first use.
func (q *Queue) Submit(jobType string, payload map[string]any, priority, ownerID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}
	if _, ok := q.handlers[jobType]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	if priority == "" {
		priority = "normal"
	}

	rec := &models.JobRecord{
		ID:          q.nextID(),
		Type:        jobType,
		Payload:     payload,
		Status:      models.StatusQueued,
		Priority:    priority,
		SubmittedAt: time.Now().UTC(),
	}
	if ownerID != "" {
		owner := ownerID
		rec.OwnerID = &owner
	}

	select {
	case q.pending <- rec:
	default:
		return "", fmt.Errorf("%w: capacity %d", ErrQueueFull, cap(q.pending))
	}

	q.live[rec.ID] = rec
	q.submitted++
	telemetry.JobsSubmitted.Inc()
	telemetry.QueueDepthGauge.Set(float64(len(q.pending)))

	if !q.started {
		q.started = true
		go q.dispatch()
	}
	return rec.ID, nil
}

// Status returns a snapshot of the record, checking live jobs first and
// then the history ring.
func (q *Queue) Status(jobID string) (*models.JobRecord, error) {
	q.mu.Lock()
	if rec, ok := q.live[jobID]; ok {
		snap := rec.Snapshot()
		q.mu.Unlock()
		return snap, nil
	}
	q.mu.Unlock()

	if rec, ok := q.history.Find(jobID); ok {
		return rec.Snapshot(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
}

// Cancel marks a still-queued job cancelled so the dispatcher skips it.
// Running and finished jobs are never interrupted.
func (q *Queue) Cancel(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.live[jobID]
	if !ok {
		if _, found := q.history.Find(jobID); found {
			return ErrNotCancellable
		}
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if rec.Status != models.StatusQueued {
		return ErrNotCancellable
	}

	q.finishCancelLocked(rec)
	return nil
}

// Stats returns a consistent snapshot of the queue counters.
func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued, running := 0, 0
	for _, rec := range q.live {
		if rec.Status == models.StatusRunning {
			running++
		} else {
			queued++
		}
	}
	return models.QueueStats{
		Capacity:    cap(q.pending),
		Queued:      queued,
		Running:     running,
		Submitted:   q.submitted,
		Completed:   q.completed,
		Failed:      q.failed,
		Cancelled:   q.cancelled,
		HistorySize: q.history.Size(),
	}
}

// Shutdown stops intake. With wait=true the dispatcher drains everything
// already queued before returning; with wait=false it finishes the job in
// flight, cancels the handler context, and discards the rest as cancelled.
// Safe to call more than once.
func (q *Queue) Shutdown(wait bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	q.mu.Unlock()

	if !started {
		return
	}
	if wait {
		close(q.pending)
	} else {
		q.runCancel()
		close(q.stop)
	}
	<-q.done
}

func (q *Queue) nextID() string {
	return fmt.Sprintf("job_%d_%d", time.Now().UnixNano(), q.seq.Add(1))
}

func (q *Queue) dispatch() {
	defer close(q.done)

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-q.stop:
			q.discardPending()
			return
		default:
		}

		select {
		case rec, ok := <-q.pending:
			if !ok {
				return
			}
			q.execute(rec)
			telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
		case <-q.stop:
			q.discardPending()
			return
		case <-ticker.C:
			telemetry.QueueDepthGauge.Set(float64(len(q.pending)))
		}
	}
}

func (q *Queue) execute(rec *models.JobRecord) {
	q.mu.Lock()
	if rec.Status != models.StatusQueued {
		// Cancelled while waiting; already accounted for.
		q.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	rec.Status = models.StatusRunning
	rec.StartedAt = &now
	handler := q.handlers[rec.Type]
	q.mu.Unlock()

	result, err := q.runHandler(handler, rec)

	q.mu.Lock()
	end := time.Now().UTC()
	rec.CompletedAt = &end
	if err != nil {
		rec.Status = models.StatusFailed
		rec.Error = err.Error()
		q.failed++
		telemetry.JobsFailed.Inc()
		log.Printf("jobqueue: job %s type=%s failed: %v", rec.ID, rec.Type, err)
	} else {
		rec.Status = models.StatusCompleted
		rec.Result = result
		q.completed++
		telemetry.JobsCompleted.Inc()
	}
	delete(q.live, rec.ID)
	q.history.Add(rec)
	q.mu.Unlock()
}

// runHandler isolates handler panics so one bad job cannot take down the
// dispatcher. The handler receives a snapshot, never the live record.
func (q *Queue) runHandler(handler Handler, rec *models.JobRecord) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(q.runCtx, rec.Snapshot())
}

func (q *Queue) discardPending() {
	for {
		select {
		case rec := <-q.pending:
			if rec == nil {
				return
			}
			q.mu.Lock()
			if rec.Status == models.StatusQueued {
				q.finishCancelLocked(rec)
			}
			q.mu.Unlock()
		default:
			return
		}
	}
}

func (q *Queue) finishCancelLocked(rec *models.JobRecord) {
	now := time.Now().UTC()
	rec.Status = models.StatusCancelled
	rec.CompletedAt = &now
	q.cancelled++
	delete(q.live, rec.ID)
	q.history.Add(rec)
	telemetry.JobsCancelled.Inc()
}
