package jobqueue

import (
	"sync"

	"github.com/Bengo-Hub/bengobox-erp-api-sub001/internal/models"
)

const defaultHistoryCapacity = 1000

// historyRing keeps the most recent terminal job records in a fixed-size
// ring. Once full, each Add overwrites the oldest entry.
type historyRing struct {
	mu    sync.Mutex
	items []*models.JobRecord
	head  int
	count int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity < 1 {
		capacity = defaultHistoryCapacity
	}
	return &historyRing{items: make([]*models.JobRecord, capacity)}
}

// Add stores a terminal record. Records are not mutated after they enter
// the ring.
func (h *historyRing) Add(rec *models.JobRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = rec
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Find scans from newest to oldest for the given job ID.
func (h *historyRing) Find(id string) (*models.JobRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.count; i++ {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		if rec := h.items[idx]; rec != nil && rec.ID == id {
			return rec, true
		}
	}
	return nil, false
}

func (h *historyRing) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}
