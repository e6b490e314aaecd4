package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether no further transitions follow s.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCanceled
}

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

var (
	ErrResolution      = errors.New("resolution failed")
	ErrDuplicateID     = errors.New("duplicate id")
	ErrNotFound        = errors.New("not found")
	ErrAlreadyInactive = errors.New("already inactive")
	ErrBatchNotFound   = errors.New("batch not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrTransfer        = errors.New("transfer failed")
	ErrCanceledByUser  = errors.New("canceled by user")
)

var containers = map[Kind][]string{
	KindVideo: {"mp4", "webm"},
	KindAudio: {"mp3", "m4a", "mp4"},
}

// Request is everything needed to start fetching one item.
type Request struct {
	JobID     string `json:"jobId"`
	BatchID   string `json:"batchId,omitempty"`
	SourceRef string `json:"sourceRef"`
	Kind      Kind   `json:"kind"`
	Container string `json:"container"`
	Quality   string `json:"quality,omitempty"`
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.SourceRef) == "" {
		return fmt.Errorf("%w: sourceRef is required", ErrInvalidRequest)
	}
	allowed, ok := containers[r.Kind]
	if !ok {
		return fmt.Errorf("%w: kind must be video or audio, got %q", ErrInvalidRequest, r.Kind)
	}
	for _, c := range allowed {
		if c == r.Container {
			return nil
		}
	}
	return fmt.Errorf("%w: container %q not supported for %s (want one of %s)",
		ErrInvalidRequest, r.Container, r.Kind, strings.Join(allowed, ", "))
}

// Job is the live record of an admitted request. Counters are owned by the
// fetcher running the job; the canceled flag may be set from any goroutine.
type Job struct {
	Request

	mu                   sync.Mutex
	status               Status
	bytesTransferred     int64
	totalBytes           int64
	startedAt            time.Time
	lastSampleAt         time.Time
	bytesSinceLastSample int64
	outputPath           string
	finalized            bool

	canceled   atomic.Bool
	cancelFunc context.CancelFunc
}

func newJob(req Request, cancel context.CancelFunc) *Job {
	return &Job{Request: req, status: StatusQueued, cancelFunc: cancel}
}

// JobView is a point-in-time copy of a Job.
type JobView struct {
	ID               string    `json:"id"`
	BatchID          string    `json:"batchId,omitempty"`
	SourceRef        string    `json:"sourceRef"`
	Kind             Kind      `json:"kind"`
	Container        string    `json:"container"`
	Quality          string    `json:"quality,omitempty"`
	Status           Status    `json:"status"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"totalBytes"`
	StartedAt        time.Time `json:"startedAt,omitempty"`
	Canceled         bool      `json:"canceled"`
	OutputPath       string    `json:"-"`
}

func (j *Job) view() JobView {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobView{
		ID:               j.JobID,
		BatchID:          j.BatchID,
		SourceRef:        j.SourceRef,
		Kind:             j.Kind,
		Container:        j.Container,
		Quality:          j.Quality,
		Status:           j.status,
		BytesTransferred: j.bytesTransferred,
		TotalBytes:       j.totalBytes,
		StartedAt:        j.startedAt,
		Canceled:         j.canceled.Load(),
		OutputPath:       j.outputPath,
	}
}

// Sample is one throughput measurement taken while a job transfers data.
type Sample struct {
	Percent float64
	Speed   float64 // bytes per second
	ETA     float64 // seconds
}

// addBytes accounts delta bytes at now and returns a sample once interval has
// elapsed since the previous one.
func (j *Job) addBytes(delta int64, now time.Time, interval time.Duration) (Sample, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.bytesTransferred += delta
	j.bytesSinceLastSample += delta

	elapsed := now.Sub(j.lastSampleAt)
	if elapsed < interval {
		return Sample{}, false
	}

	var s Sample
	if secs := elapsed.Seconds(); secs > 0 {
		s.Speed = float64(j.bytesSinceLastSample) / secs
	}
	if j.totalBytes > 0 {
		s.Percent = min(100, float64(j.bytesTransferred)/float64(j.totalBytes)*100)
		if s.Speed > 0 {
			s.ETA = max(0, float64(j.totalBytes-j.bytesTransferred)/s.Speed)
		}
	}
	j.lastSampleAt = now
	j.bytesSinceLastSample = 0
	return s, true
}
