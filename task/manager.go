package task

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mediafetch/config"
	"mediafetch/progress"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
)

// CancelResult tells which kind of job a successful Cancel stopped.
type CancelResult string

const (
	CanceledQueued  CancelResult = "queued"
	CanceledRunning CancelResult = "running"
)

// BatchRequest asks for every item behind a playlist locator.
type BatchRequest struct {
	SourceRef string `json:"sourceRef"`
	Kind      Kind   `json:"kind"`
	Container string `json:"container"`
	Quality   string `json:"quality,omitempty"`
}

// Resolution is the answer of the info lookup. BatchID is set for playlists.
type Resolution struct {
	*MediaInfo
	BatchID string `json:"batchId,omitempty"`
}

type artifact struct {
	path       string
	finishedAt time.Time
}

// Manager admits jobs under a fixed concurrency bound. Requests beyond the
// bound wait in a FIFO queue and are admitted as running jobs finish.
type Manager struct {
	cfg      *config.Config
	hub      *progress.Hub
	jobs     *Store
	batches  *BatchTracker
	resolver Resolver
	fetcher  *Fetcher

	mu      sync.Mutex
	active  int
	pending *queue
	baseCtx context.Context
	wg      sync.WaitGroup

	artifacts sync.Map
}

func NewManager(cfg *config.Config, hub *progress.Hub, resolver Resolver, streamer Streamer) (*Manager, error) {
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create download directory: %w", err)
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}

	m := &Manager{
		cfg:      cfg,
		hub:      hub,
		jobs:     NewStore(cfg.ProgressInterval),
		batches:  NewBatchTracker(hub),
		resolver: resolver,
		pending:  newQueue(),
		baseCtx:  context.Background(),
	}
	m.fetcher = &Fetcher{
		store:         m.jobs,
		batches:       m.batches,
		hub:           hub,
		resolver:      resolver,
		streamer:      streamer,
		dir:           cfg.DownloadDir,
		chunkSize:     chunkSize,
		fallbackTotal: cfg.FallbackTotalSize,
		onArtifact:    m.addArtifact,
	}
	return m, nil
}

// Start binds running jobs to ctx and launches the cleanup loop. Jobs admitted
// before Start run under a background context.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()

	log.Info().Int("max_concurrency", m.cfg.MaxConcurrency).Msg("Task manager started")
	if m.cfg.OutputLocalLifetime > 0 {
		go m.cleanupLoop(ctx)
	}
}

// Wait blocks until no job is running.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit admits req immediately when a worker slot is free and queues it
// otherwise. It never waits for the job to run.
func (m *Manager) Submit(req Request) (string, error) {
	if req.JobID == "" {
		req.JobID = newJobID()
	}
	if err := req.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.jobs.Known(req.JobID) || m.pending.contains(req.JobID) {
		return "", fmt.Errorf("%w: job %s", ErrDuplicateID, req.JobID)
	}
	if req.BatchID != "" && !m.batches.Exists(req.BatchID) {
		return "", fmt.Errorf("%w: %s", ErrBatchNotFound, req.BatchID)
	}

	if m.active < m.cfg.MaxConcurrency {
		if err := m.admitLocked(req); err != nil {
			return "", err
		}
		return req.JobID, nil
	}

	position := m.pending.push(&queueEntry{req: req, enqueuedAt: time.Now()})
	m.hub.Publish(req.JobID, progress.Queued(position, req.BatchID))
	log.Info().Str("job_id", req.JobID).Int("position", position).Msg("Job queued")
	return req.JobID, nil
}

// admitLocked creates the job record and starts its worker. m.mu must be held.
func (m *Manager) admitLocked(req Request) error {
	ctx, cancel := context.WithCancel(m.baseCtx)
	j := newJob(req, cancel)
	if err := m.jobs.Create(j); err != nil {
		cancel()
		return err
	}
	m.active++
	m.wg.Add(1)
	log.Info().Str("job_id", req.JobID).Int("active", m.active).Msg("Job admitted")
	go m.run(ctx, cancel, j.view())
	return nil
}

func (m *Manager) run(ctx context.Context, cancel context.CancelFunc, j JobView) {
	defer m.wg.Done()
	defer m.onWorkerFree()
	defer cancel()

	if m.cfg.JobTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, m.cfg.JobTimeout)
		defer stop()
	}

	status := m.fetcher.Run(ctx, j)
	log.Info().Str("job_id", j.ID).Str("status", string(status)).Msg("Job done")
}

// onWorkerFree releases a slot and admits queued requests in FIFO order.
func (m *Manager) onWorkerFree() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active--
	for m.active < m.cfg.MaxConcurrency {
		e, ok := m.pending.pop()
		if !ok {
			return
		}
		if err := m.admitLocked(e.req); err != nil {
			log.Error().Err(err).Str("job_id", e.req.JobID).Msg("Could not admit queued job")
			m.hub.Publish(e.req.JobID, progress.Failed(err.Error(), e.req.BatchID))
		}
	}
}

// Cancel stops a queued or running job. A queued job is dropped without ever
// taking a slot; a running job is flagged and unwinds on its own.
func (m *Manager) Cancel(id string) (CancelResult, error) {
	m.mu.Lock()
	if e, ok := m.pending.remove(id); ok {
		m.jobs.Retire(id)
		m.hub.Publish(id, progress.Canceled("Download canceled from queue", e.req.BatchID))
		m.mu.Unlock()
		log.Info().Str("job_id", id).Msg("Queued job canceled")
		return CanceledQueued, nil
	}
	m.mu.Unlock()

	if m.jobs.MarkCanceled(id) {
		log.Info().Str("job_id", id).Msg("Cancellation signal sent to running job")
		return CanceledRunning, nil
	}
	if m.jobs.Known(id) {
		return "", fmt.Errorf("%w: job %s", ErrAlreadyInactive, id)
	}
	return "", fmt.Errorf("%w: job %s", ErrNotFound, id)
}

// Get returns a running or queued job.
func (m *Manager) Get(id string) (JobView, bool) {
	if v, ok := m.jobs.Get(id); ok {
		return v, true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.pending.requests() {
		if req.JobID == id {
			return queuedView(req), true
		}
	}
	return JobView{}, false
}

// List returns running jobs followed by queued ones in queue order.
func (m *Manager) List() []JobView {
	views := m.jobs.List()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.pending.requests() {
		views = append(views, queuedView(req))
	}
	return views
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending.len()
}

// Resolve looks up a source locator. Playlists are registered as a batch
// whose id the caller passes along with each child submission.
func (m *Manager) Resolve(ctx context.Context, sourceRef string) (*Resolution, error) {
	info, err := m.resolver.Resolve(ctx, sourceRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	res := &Resolution{MediaInfo: info}
	if !info.IsPlaylist {
		return res, nil
	}
	if len(info.Children) == 0 {
		return nil, fmt.Errorf("%w: playlist %s is empty", ErrResolution, sourceRef)
	}
	res.BatchID = uuid.NewString()
	if err := m.batches.Create(res.BatchID, info.Title, len(info.Children)); err != nil {
		return nil, err
	}
	log.Info().Str("batch_id", res.BatchID).Int("total", len(info.Children)).Msg("Batch registered")
	return res, nil
}

// SubmitBatch resolves req.SourceRef and submits every item it contains as
// one batch. A single item is treated as a batch of one.
func (m *Manager) SubmitBatch(ctx context.Context, req BatchRequest) (string, []string, error) {
	probe := Request{SourceRef: req.SourceRef, Kind: req.Kind, Container: req.Container, Quality: req.Quality}
	if err := probe.Validate(); err != nil {
		return "", nil, err
	}

	res, err := m.Resolve(ctx, req.SourceRef)
	if err != nil {
		return "", nil, err
	}
	children := res.Children
	if !res.IsPlaylist {
		children = []MediaRef{{Title: res.Title, SourceRef: req.SourceRef}}
		res.BatchID = uuid.NewString()
		if err := m.batches.Create(res.BatchID, res.Title, 1); err != nil {
			return "", nil, err
		}
	}

	ids := make([]string, 0, len(children))
	for _, child := range children {
		id, err := m.Submit(Request{
			BatchID:   res.BatchID,
			SourceRef: child.SourceRef,
			Kind:      req.Kind,
			Container: req.Container,
			Quality:   req.Quality,
		})
		if err != nil {
			return res.BatchID, ids, err
		}
		ids = append(ids, id)
	}
	return res.BatchID, ids, nil
}

func (m *Manager) Batch(id string) (BatchView, bool) {
	return m.batches.Get(id)
}

func (m *Manager) addArtifact(jobID, path string) {
	m.artifacts.Store(jobID, artifact{path: path, finishedAt: time.Now()})
}

// cleanupLoop removes expired output files and stale batches.
func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.OutputLocalLifetime / 4) // Check 4 times per lifetime
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Cleanup loop shutting down")
			return
		case <-ticker.C:
			m.cleanup(time.Now())
		}
	}
}

func (m *Manager) cleanup(now time.Time) {
	m.artifacts.Range(func(key, value interface{}) bool {
		a := value.(artifact)
		if now.Sub(a.finishedAt) > m.cfg.OutputLocalLifetime {
			log.Info().Str("path", a.path).Msg("Cleaning up old output file")
			removePartial(a.path)
			m.artifacts.Delete(key)
		}
		return true
	})
	m.batches.Sweep(m.cfg.OutputLocalLifetime)
}

// GetFilePath resolves a finished artifact by file name.
func (m *Manager) GetFilePath(filename string) (string, error) {
	// Prevent path traversal
	cleanFilename := filepath.Base(filename)
	if cleanFilename != filename {
		return "", fmt.Errorf("invalid filename")
	}

	fullPath := filepath.Join(m.cfg.DownloadDir, cleanFilename)
	if !m.isArtifact(fullPath) {
		// Partial outputs of running jobs live in the same directory.
		return "", fmt.Errorf("file not found")
	}
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return "", fmt.Errorf("file not found")
	}
	return fullPath, nil
}

func (m *Manager) isArtifact(path string) bool {
	found := false
	m.artifacts.Range(func(_, value interface{}) bool {
		found = value.(artifact).path == path
		return !found
	})
	return found
}

func queuedView(req Request) JobView {
	return JobView{
		ID:        req.JobID,
		BatchID:   req.BatchID,
		SourceRef: req.SourceRef,
		Kind:      req.Kind,
		Container: req.Container,
		Quality:   req.Quality,
		Status:    StatusQueued,
	}
}

func newJobID() string {
	return fmt.Sprintf("%s_%d", shortuuid.New(), time.Now().Unix())
}
