package models

import (
	"time"
)

// Job lifecycle states. Terminal states are immutable once entered.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// JobRecord tracks one background job through its lifecycle. The queue owns
// the record for its lifetime; status queries hand out snapshots only.
type JobRecord struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority,omitempty"`
	OwnerID     *string        `json:"owner_id,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// IsTerminal reports whether the record reached a final state.
func (j *JobRecord) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed || j.Status == StatusCancelled
}

// Snapshot returns a copy safe to hand to callers. The payload map is
// copied shallowly; values inside it are treated as immutable after submit.
func (j *JobRecord) Snapshot() *JobRecord {
	if j == nil {
		return nil
	}

	cp := *j

	if j.Payload != nil {
		cp.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	if j.OwnerID != nil {
		owner := *j.OwnerID
		cp.OwnerID = &owner
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}

	return &cp
}

// PoolStats is a consistent snapshot of one worker pool's counters.
type PoolStats struct {
	Name       string `json:"name"`
	MaxWorkers int    `json:"max_workers"`
	Total      int64  `json:"total"`
	Active     int64  `json:"active"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
	Backlog    int64  `json:"backlog"`
}

// QueueStats aggregates the serialized job queue's counters.
type QueueStats struct {
	Capacity    int   `json:"capacity"`
	Queued      int   `json:"queued"`
	Running     int   `json:"running"`
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Cancelled   int64 `json:"cancelled"`
	HistorySize int   `json:"history_size"`
}
