package task

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Store maps job ids to live Job records. It is the single source of truth for
// whether a job is still alive. Retired ids are remembered so they are never
// handed to a different job.
type Store struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	retired  map[string]struct{}
	interval time.Duration
	now      func() time.Time
}

func NewStore(sampleInterval time.Duration) *Store {
	return &Store{
		jobs:     make(map[string]*Job),
		retired:  make(map[string]struct{}),
		interval: sampleInterval,
		now:      time.Now,
	}
}

// Create registers j as running. It fails with ErrDuplicateID when the id is
// live or was used before.
func (s *Store) Create(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.JobID]; ok {
		return fmt.Errorf("%w: job %s", ErrDuplicateID, j.JobID)
	}
	if _, ok := s.retired[j.JobID]; ok {
		return fmt.Errorf("%w: job %s was already used", ErrDuplicateID, j.JobID)
	}

	now := s.now()
	j.mu.Lock()
	j.status = StatusRunning
	j.startedAt = now
	j.lastSampleAt = now
	j.mu.Unlock()

	s.jobs[j.JobID] = j
	return nil
}

func (s *Store) lookup(id string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Store) Get(id string) (JobView, bool) {
	j, ok := s.lookup(id)
	if !ok {
		return JobView{}, false
	}
	return j.view(), true
}

// Known reports whether id is live or has been retired.
func (s *Store) Known(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.jobs[id]; ok {
		return true
	}
	_, ok := s.retired[id]
	return ok
}

// MarkCanceled sets the job's cancellation flag and interrupts any blocked
// external call. It returns true only for the call that flipped the flag, and
// false once the job's outcome was fixed by Finalize.
func (s *Store) MarkCanceled(id string) bool {
	j, ok := s.lookup(id)
	if !ok {
		return false
	}
	j.mu.Lock()
	if j.finalized || !j.canceled.CompareAndSwap(false, true) {
		j.mu.Unlock()
		return false
	}
	j.mu.Unlock()

	if j.cancelFunc != nil {
		j.cancelFunc()
	}
	return true
}

// Finalize fixes the job's outcome and reports whether it was canceled. Later
// MarkCanceled calls fail.
func (s *Store) Finalize(id string) (canceled bool) {
	j, ok := s.lookup(id)
	if !ok {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finalized = true
	return j.canceled.Load()
}

func (s *Store) IsCanceled(id string) bool {
	j, ok := s.lookup(id)
	return ok && j.canceled.Load()
}

// SetTotal records the size estimate used for percent and ETA.
func (s *Store) SetTotal(id string, total int64) {
	if j, ok := s.lookup(id); ok {
		j.mu.Lock()
		j.totalBytes = total
		j.mu.Unlock()
	}
}

func (s *Store) SetOutput(id, path string) {
	if j, ok := s.lookup(id); ok {
		j.mu.Lock()
		j.outputPath = path
		j.mu.Unlock()
	}
}

func (s *Store) SetStatus(id string, status Status) {
	if j, ok := s.lookup(id); ok {
		j.mu.Lock()
		j.status = status
		j.mu.Unlock()
	}
}

// UpdateProgress adds bytesDelta to the job's counters and returns a sample
// when the sampling interval has elapsed.
func (s *Store) UpdateProgress(id string, bytesDelta int64) (Sample, bool) {
	j, ok := s.lookup(id)
	if !ok {
		return Sample{}, false
	}
	return j.addBytes(bytesDelta, s.now(), s.interval)
}

// Retire removes the job and tombstones its id. It must run after the job's
// terminal event was published. Tombstones are kept for the life of the process.
func (s *Store) Retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	s.retired[id] = struct{}{}
}

// List returns the live jobs ordered by start time.
func (s *Store) List() []JobView {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.RUnlock()

	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, j.view())
	}
	sort.Slice(views, func(a, b int) bool { return views[a].StartedAt.Before(views[b].StartedAt) })
	return views
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
