package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
)

const (
	defaultPollInterval = time.Second
	defaultRetryDelay   = time.Minute

	promoteBatch = 100
	reclaimBatch = 100
)

// Handler executes one attempt of an escalated task.
type Handler func(ctx context.Context, task *Task) (any, error)

// Runner drives the escalation execution loop: promote due retries,
// reclaim expired leases, pop, execute, record the outcome.
type Runner struct {
	esc            *Escalator
	handlers       map[string]Handler
	defaultHandler Handler
	pollInterval   time.Duration
	retryDelay     time.Duration
}

func NewRunner(esc *Escalator, pollInterval, retryDelay time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	r := &Runner{
		esc:          esc,
		handlers:     make(map[string]Handler),
		pollInterval: pollInterval,
		retryDelay:   retryDelay,
	}
	r.defaultHandler = r.handleDefault
	return r
}

// RegisterHandler binds a handler to a task type.
func (r *Runner) RegisterHandler(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		return
	}
	r.handlers[taskType] = handler
}

// Run executes the main loop until context cancellation.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := r.esc.broker.PromoteDue(ctx, time.Now(), promoteBatch); err != nil {
			log.Printf("escalate: promote due retries: %v", err)
		}
		if reclaimed, err := r.esc.broker.ReclaimExpired(ctx, time.Now(), reclaimBatch); err == nil && reclaimed > 0 {
			telemetry.EscalateReclaimed.Add(float64(reclaimed))
			log.Printf("escalate: reclaimed %d expired leases", reclaimed)
		}

		envelope, err := r.esc.broker.PopWithLease(ctx)
		if err != nil {
			time.Sleep(r.pollInterval)
			continue
		}
		if envelope == "" {
			time.Sleep(r.pollInterval)
			continue
		}

		r.process(ctx, envelope)
	}
}

// process executes a single popped envelope and settles it: ack on
// success, schedule a retry, or dead-letter after the final attempt.
func (r *Runner) process(ctx context.Context, envelope string) {
	var task Task
	if err := json.Unmarshal([]byte(envelope), &task); err != nil {
		log.Printf("escalate: malformed envelope moved to DLQ: %v", err)
		_ = r.esc.broker.DLQPush(ctx, envelope)
		_ = r.esc.broker.Ack(ctx, envelope)
		return
	}
	maxAttempts := task.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = r.esc.maxAttempts
	}

	// Simulated slow tasks extend their lease up front so they are not
	// reclaimed mid-run.
	if ms, ok := asInt(task.Payload["duration_ms"]); ok && ms > 0 {
		if sleep := time.Duration(ms) * time.Millisecond; sleep > r.esc.broker.visibility/2 {
			_ = r.esc.broker.ExtendLease(ctx, envelope, sleep+r.esc.broker.visibility)
		}
	}

	r.esc.writeStatus(ctx, &Result{
		TaskID:   task.ID,
		Type:     task.Type,
		Status:   models.StatusRunning,
		Attempts: task.Attempts + 1,
	})

	result, err := r.execute(ctx, &task)
	task.Attempts++

	if err == nil {
		now := time.Now().UTC()
		res := &Result{
			TaskID:      task.ID,
			Type:        task.Type,
			Status:      models.StatusCompleted,
			Result:      result,
			Attempts:    task.Attempts,
			CompletedAt: &now,
		}
		r.esc.writeStatus(ctx, res)
		if r.esc.archive != nil {
			_ = r.esc.archive.RecordOutcome(ctx, res)
		}
		_ = r.esc.broker.Ack(ctx, envelope)
		telemetry.EscalateCompleted.Inc()
		return
	}

	if task.Attempts >= maxAttempts {
		now := time.Now().UTC()
		final := fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, task.Attempts, err)
		res := &Result{
			TaskID:   task.ID,
			Type:     task.Type,
			Status:   models.StatusFailed,
			Error:    final.Error(),
			Attempts: task.Attempts,
			FailedAt: &now,
		}
		r.esc.writeStatus(ctx, res)
		if r.esc.archive != nil {
			_ = r.esc.archive.RecordOutcome(ctx, res)
		}
		if updated, merr := json.Marshal(task); merr == nil {
			_ = r.esc.broker.DLQPush(ctx, string(updated))
		}
		_ = r.esc.broker.Ack(ctx, envelope)
		telemetry.EscalateDeadLetter.Inc()
		log.Printf("escalate: task %s type=%s dead-lettered after %d attempts: %v", task.ID, task.Type, task.Attempts, err)
		return
	}

	// Fixed-interval retry. Schedule before ack so a crash between the two
	// re-delivers instead of losing the task.
	nextRun := time.Now().Add(r.retryDelay)
	updated, merr := json.Marshal(task)
	if merr != nil {
		_ = r.esc.broker.DLQPush(ctx, envelope)
		_ = r.esc.broker.Ack(ctx, envelope)
		return
	}
	_ = r.esc.broker.Schedule(ctx, string(updated), nextRun)
	_ = r.esc.broker.Ack(ctx, envelope)
	r.esc.writeStatus(ctx, &Result{
		TaskID:   task.ID,
		Type:     task.Type,
		Status:   models.StatusQueued,
		Error:    err.Error(),
		Attempts: task.Attempts,
	})
	if r.esc.archive != nil {
		_ = r.esc.archive.RecordAttempt(ctx, task.ID, task.Attempts, err.Error())
	}
	telemetry.EscalateRetries.Inc()
	log.Printf("escalate: task %s type=%s attempt %d failed, retry at %s: %v",
		task.ID, task.Type, task.Attempts, nextRun.UTC().Format(time.RFC3339), err)
}

// execute resolves the handler and runs it with panic recovery.
func (r *Runner) execute(ctx context.Context, task *Task) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	handler, ok := r.handlers[task.Type]
	if !ok {
		if r.defaultHandler == nil {
			return nil, fmt.Errorf("no handler registered for type %q", task.Type)
		}
		handler = r.defaultHandler
	}
	return handler(ctx, task)
}

// handleDefault simulates execution for task types with no registered
// handler, honoring the shared simulation payload keys.
func (r *Runner) handleDefault(ctx context.Context, task *Task) (any, error) {
	// Simulate a failure for testing when payload contains {"should_fail": true}.
	if fail, ok := task.Payload["should_fail"].(bool); ok && fail {
		return nil, errors.New("simulated failure requested by payload.should_fail")
	}
	// Simulate slow tasks when payload includes duration_ms.
	if ms, ok := asInt(task.Payload["duration_ms"]); ok && ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
	return map[string]any{"processed": true}, nil
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
