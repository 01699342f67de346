package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/workerpool"
)

const sendPoolName = "document-send"

// DocumentSender fans a batch of documents out to a worker pool and waits
// for the whole batch. It backs the bulk_document_send job type; real
// delivery is out of scope, so each send is simulated.
type DocumentSender struct {
	pools   *workerpool.Manager
	workers int
}

func NewDocumentSender(pools *workerpool.Manager, workers int) *DocumentSender {
	return &DocumentSender{pools: pools, workers: workers}
}

type sendPayload struct {
	Documents  []string `json:"documents"`
	Count      int      `json:"count"`
	DurationMS int      `json:"duration_ms"`
	ShouldFail bool     `json:"should_fail"`
}

// Send dispatches one pool task per document and blocks until every send
// finished or the context is cancelled. A batch with nothing to send is
// an error so misshaped payloads surface instead of silently succeeding.
func (d *DocumentSender) Send(ctx context.Context, payload map[string]any) (any, error) {
	p, err := decodeSendPayload(payload)
	if err != nil {
		return nil, err
	}

	docs := p.Documents
	if len(docs) == 0 {
		for i := 1; i <= p.Count; i++ {
			docs = append(docs, fmt.Sprintf("doc-%d", i))
		}
	}
	if len(docs) == 0 {
		return nil, errors.New("documents or count is required")
	}

	var sent atomic.Int64
	var wg sync.WaitGroup
	for _, doc := range docs {
		wg.Add(1)
		_, err := d.pools.Submit(sendPoolName, d.workers, func(taskCtx context.Context) error {
			defer wg.Done()
			if p.DurationMS > 0 {
				select {
				case <-time.After(time.Duration(p.DurationMS) * time.Millisecond):
				case <-taskCtx.Done():
					return taskCtx.Err()
				}
			}
			sent.Add(1)
			return nil
		})
		if err != nil {
			wg.Done()
			return nil, fmt.Errorf("dispatch %s: %w", doc, err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if p.ShouldFail {
		return nil, fmt.Errorf("simulated send failure after %d documents", sent.Load())
	}
	return map[string]any{"sent": sent.Load(), "pool": sendPoolName}, nil
}

func decodeSendPayload(payload map[string]any) (sendPayload, error) {
	var p sendPayload
	raw, err := json.Marshal(payload)
	if err != nil {
		return p, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}
