package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/joeysapp/axi-server-sub001/pkg/errors"
)

// DefaultHistorySize is how many terminal jobs are retained.
const DefaultHistorySize = 100

// HistoryStore retains terminal jobs.
type HistoryStore interface {
	// Add records a terminal job, evicting the oldest beyond the limit.
	Add(ctx context.Context, job Job) error
	// Get returns a retained job or a NOT_FOUND error.
	Get(ctx context.Context, id string) (Job, error)
	// List returns up to limit jobs newest first; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Job, error)
}

func jobNotFound(id string) error {
	return errors.New(errors.ErrNotFound, fmt.Sprintf("job %s not found", id)).SetContext("job_id", id)
}

// MemoryHistory is a bounded in-process HistoryStore.
type MemoryHistory struct {
	mu    sync.RWMutex
	limit int
	jobs  []Job // newest first
}

// NewMemoryHistory retains at most limit jobs.
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &MemoryHistory{limit: limit}
}

func (h *MemoryHistory) Add(_ context.Context, job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append([]Job{job}, h.jobs...)
	if len(h.jobs) > h.limit {
		h.jobs = h.jobs[:h.limit]
	}
	return nil
}

func (h *MemoryHistory) Get(_ context.Context, id string) (Job, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, j := range h.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, jobNotFound(id)
}

func (h *MemoryHistory) List(_ context.Context, limit int) ([]Job, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.jobs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Job, n)
	copy(out, h.jobs[:n])
	return out, nil
}
