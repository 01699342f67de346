package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
)

var (
	// ErrPoolClosed is returned on submissions after Shutdown.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrBacklogFull is returned when the pool's task buffer is at capacity.
	ErrBacklogFull = errors.New("worker pool backlog is full")
)

const (
	defaultWorkers       = 5
	defaultBacklogFactor = 256
)

// Task is one unit of work executed on a pool worker. The context is
// cancelled when the pool shuts down without waiting.
type Task func(ctx context.Context) error

type poolTask struct {
	id string
	fn Task
}

// Pool runs tasks on a fixed set of workers with a bounded backlog.
// Counters: total counts at admission, active while a worker holds the
// task, completed/failed on outcome.
type Pool struct {
	name    string
	workers int

	mu        sync.Mutex
	total     int64
	active    int64
	completed int64
	failed    int64
	closed    bool

	tasks  chan poolTask
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	seq    atomic.Uint64
}

// New starts a pool with the given worker count. A backlog of zero gets
// the default of workers*256 buffered slots.
func New(name string, workers, backlog int) *Pool {
	if workers < 1 {
		workers = defaultWorkers
	}
	if backlog < 1 {
		backlog = workers * defaultBacklogFactor
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    name,
		workers: workers,
		tasks:   make(chan poolTask, backlog),
		ctx:     ctx,
		cancel:  cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Submit enqueues a task for execution and returns its task ID. Full
// backlogs reject instead of blocking the caller.
func (p *Pool) Submit(fn Task) (string, error) {
	if fn == nil {
		return "", errors.New("nil task")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", fmt.Errorf("%w: %s", ErrPoolClosed, p.name)
	}

	task := poolTask{id: fmt.Sprintf("%s-%d", p.name, p.seq.Add(1)), fn: fn}
	select {
	case p.tasks <- task:
	default:
		return "", fmt.Errorf("%w: pool %s capacity %d", ErrBacklogFull, p.name, cap(p.tasks))
	}

	p.total++
	telemetry.PoolTasksTotal.WithLabelValues(p.name).Inc()
	return task.id, nil
}

// Stats returns a consistent snapshot of the pool counters.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return models.PoolStats{
		Name:       p.name,
		MaxWorkers: p.workers,
		Total:      p.total,
		Active:     p.active,
		Completed:  p.completed,
		Failed:     p.failed,
		Backlog:    int64(len(p.tasks)),
	}
}

// Shutdown stops intake. With wait=true it blocks until the backlog is
// drained and all workers exited; with wait=false it cancels the task
// context, lets workers finish their current task, and returns without
// waiting. Safe to call more than once.
func (p *Pool) Shutdown(wait bool) {
	p.once.Do(func() {
		if !wait {
			p.cancel()
		}
		p.mu.Lock()
		p.closed = true
		close(p.tasks)
		p.mu.Unlock()
	})
	if wait {
		p.wg.Wait()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		select {
		case <-p.ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(task)
		}
	}
}

func (p *Pool) runTask(task poolTask) {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	telemetry.PoolActive.WithLabelValues(p.name).Inc()

	err := p.invoke(task)

	p.mu.Lock()
	p.active--
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()
	telemetry.PoolActive.WithLabelValues(p.name).Dec()

	if err != nil {
		telemetry.PoolFailures.WithLabelValues(p.name).Inc()
		log.Printf("workerpool: pool %s task %s failed: %v", p.name, task.id, err)
	}
}

// invoke isolates task panics so one bad task cannot kill a worker.
func (p *Pool) invoke(task poolTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
			log.Printf("workerpool: pool %s task %s panic recovered: %v\n%s", p.name, task.id, r, debug.Stack())
		}
	}()
	return task.fn(p.ctx)
}
