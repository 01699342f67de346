package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/telemetry"
)

var (
	// ErrTaskNotFound is returned when a task ID matches neither a cached
	// status nor an archived outcome.
	ErrTaskNotFound = errors.New("escalated task not found")
	// ErrRetryExhausted marks a task that failed on every allowed attempt.
	ErrRetryExhausted = errors.New("retry attempts exhausted")
)

const (
	defaultMaxAttempts = 3
	defaultResultTTL   = time.Hour

	resultKeyPrefix = "escalate:result:"
)

// Task is the self-contained envelope the broker carries. It holds
// everything needed to execute, so delivery needs no database read.
type Task struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	OwnerID     string         `json:"owner_id,omitempty"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Result is the cached status of an escalated task. Terminal results keep
// the handler output or the final error.
type Result struct {
	TaskID      string     `json:"task_id"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Archive persists escalated task history beyond the Redis cache TTL.
// Optional; the escalator works from Redis alone when none is configured.
type Archive interface {
	RecordEnqueued(ctx context.Context, task *Task) error
	RecordAttempt(ctx context.Context, taskID string, attempts int, lastError string) error
	RecordOutcome(ctx context.Context, res *Result) error
	FetchOutcome(ctx context.Context, taskID string) (*Result, bool, error)
}

// Options configure an Escalator. Zero values fall back to defaults.
type Options struct {
	MaxAttempts int
	ResultTTL   time.Duration
}

// Escalator is the client side of the durable retry tier: it enqueues
// task envelopes onto the broker and answers status queries from the
// result cache, falling back to the archive.
type Escalator struct {
	client      *redis.Client
	broker      *Broker
	archive     Archive
	maxAttempts int
	resultTTL   time.Duration
}

func New(client *redis.Client, broker *Broker, archive Archive, opts Options) *Escalator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	return &Escalator{
		client:      client,
		broker:      broker,
		archive:     archive,
		maxAttempts: opts.MaxAttempts,
		resultTTL:   opts.ResultTTL,
	}
}

// Enqueue pushes a new task envelope onto the ready list and returns its
// ID immediately. Execution happens in a separate runner process.
func (e *Escalator) Enqueue(ctx context.Context, taskType string, payload map[string]any, ownerID string) (string, error) {
	task := &Task{
		ID:          uuid.NewString(),
		Type:        taskType,
		Payload:     payload,
		OwnerID:     ownerID,
		MaxAttempts: e.maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task envelope: %w", err)
	}
	if err := e.broker.Enqueue(ctx, string(raw)); err != nil {
		return "", fmt.Errorf("enqueue escalated task: %w", err)
	}

	e.writeStatus(ctx, &Result{TaskID: task.ID, Type: task.Type, Status: models.StatusQueued})
	if e.archive != nil {
		if err := e.archive.RecordEnqueued(ctx, task); err != nil {
			log.Printf("escalate: archive enqueue of %s: %v", task.ID, err)
		}
	}
	telemetry.EscalateEnqueued.Inc()
	return task.ID, nil
}

// Status reads the cached task status, falling back to the archive once
// the cache entry expired.
func (e *Escalator) Status(ctx context.Context, taskID string) (*Result, error) {
	raw, err := e.client.Get(ctx, resultKey(taskID)).Result()
	if err == nil {
		var res Result
		if uerr := json.Unmarshal([]byte(raw), &res); uerr != nil {
			return nil, fmt.Errorf("decode cached status: %w", uerr)
		}
		return &res, nil
	}
	if err != redis.Nil {
		return nil, err
	}

	if e.archive != nil {
		res, found, aerr := e.archive.FetchOutcome(ctx, taskID)
		if aerr != nil {
			return nil, aerr
		}
		if found {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// DeadLetters peeks the most recent dead-lettered envelopes.
func (e *Escalator) DeadLetters(ctx context.Context, count int64) ([]*Task, error) {
	raws, err := e.broker.DLQPeek(ctx, count)
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(raws))
	for _, raw := range raws {
		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// writeStatus caches the task status with the configured TTL. Best effort:
// losing a cache write degrades status queries, not delivery.
func (e *Escalator) writeStatus(ctx context.Context, res *Result) {
	raw, err := json.Marshal(res)
	if err != nil {
		log.Printf("escalate: encode status of %s: %v", res.TaskID, err)
		return
	}
	if err := e.client.Set(ctx, resultKey(res.TaskID), raw, e.resultTTL).Err(); err != nil {
		log.Printf("escalate: cache status of %s: %v", res.TaskID, err)
	}
}

func resultKey(taskID string) string {
	return resultKeyPrefix + taskID
}
