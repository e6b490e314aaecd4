package task

import (
	"fmt"
	"sync"
	"time"

	"mediafetch/progress"

	"github.com/rs/zerolog/log"
)

type batch struct {
	title     string
	total     int
	completed int
	createdAt time.Time
	updatedAt time.Time
}

// BatchView is a point-in-time copy of a batch's counters.
type BatchView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// BatchTracker aggregates child job completions into playlist_progress events.
// A batch is removed as soon as all of its children finished.
type BatchTracker struct {
	mu      sync.Mutex
	batches map[string]*batch
	hub     *progress.Hub
	now     func() time.Time
}

func NewBatchTracker(hub *progress.Hub) *BatchTracker {
	return &BatchTracker{
		batches: make(map[string]*batch),
		hub:     hub,
		now:     time.Now,
	}
}

func (b *BatchTracker) Create(id, title string, total int) error {
	if total < 1 {
		return fmt.Errorf("%w: batch %s has no items", ErrInvalidRequest, id)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.batches[id]; ok {
		return fmt.Errorf("%w: batch %s", ErrDuplicateID, id)
	}
	now := b.now()
	b.batches[id] = &batch{title: title, total: total, createdAt: now, updatedAt: now}
	return nil
}

func (b *BatchTracker) Get(id string) (BatchView, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bt, ok := b.batches[id]
	if !ok {
		return BatchView{}, false
	}
	return BatchView{ID: id, Title: bt.title, Total: bt.total, Completed: bt.completed, CreatedAt: bt.createdAt}, true
}

func (b *BatchTracker) Exists(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.batches[id]
	return ok
}

// Complete counts one finished child of batch id, publishes the new counters
// and drops the batch once every child finished. ok is false for unknown ids.
func (b *BatchTracker) Complete(id string) (completed, total int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bt, ok := b.batches[id]
	if !ok {
		return 0, 0, false
	}
	if bt.completed < bt.total {
		bt.completed++
	}
	bt.updatedAt = b.now()
	completed, total = bt.completed, bt.total

	b.hub.Publish(id, progress.PlaylistProgress(completed, total))
	if completed == total {
		delete(b.batches, id)
		log.Info().Str("batch_id", id).Int("total", total).Msg("Batch completed")
	}
	return completed, total, true
}

// Sweep drops batches that have not advanced for idle. Batches whose remaining
// children failed or were canceled never complete on their own.
func (b *BatchTracker) Sweep(idle time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	cutoff := b.now().Add(-idle)
	for id, bt := range b.batches {
		if bt.updatedAt.Before(cutoff) {
			delete(b.batches, id)
			removed++
			log.Info().Str("batch_id", id).Int("completed", bt.completed).Int("total", bt.total).Msg("Evicted stale batch")
		}
	}
	return removed
}

func (b *BatchTracker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.batches)
}
