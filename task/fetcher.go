package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mediafetch/progress"

	"github.com/rs/zerolog/log"
)

// MediaRef points at one item of a resolved playlist.
type MediaRef struct {
	Title     string `json:"title"`
	SourceRef string `json:"url"`
}

// MediaInfo is what the content resolver knows about a source locator.
type MediaInfo struct {
	Title               string     `json:"title"`
	EstimatedTotalBytes int64      `json:"estimatedTotalBytes,omitempty"`
	IsPlaylist          bool       `json:"isPlaylist"`
	Children            []MediaRef `json:"children,omitempty"`
}

// Resolver looks up metadata for a source locator.
type Resolver interface {
	Resolve(ctx context.Context, sourceRef string) (*MediaInfo, error)
}

// Streamer opens the byte stream of a job, already converted to the job's
// container. Reads end with io.EOF on success.
type Streamer interface {
	Open(ctx context.Context, j JobView) (io.ReadCloser, error)
}

// Fetcher runs the probe, transfer and persist pipeline of one admitted job.
type Fetcher struct {
	store         *Store
	batches       *BatchTracker
	hub           *progress.Hub
	resolver      Resolver
	streamer      Streamer
	dir           string
	chunkSize     int64
	fallbackTotal int64
	onArtifact    func(jobID, path string)
}

// Run fetches j and returns its terminal status. Exactly one terminal event is
// published and the job is retired from the store before Run returns.
func (f *Fetcher) Run(ctx context.Context, j JobView) (status Status) {
	outputPath := filepath.Join(f.dir, fmt.Sprintf("%s.%s", j.ID, j.Container))
	published := false

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", j.ID).Interface("panic", r).Msg("Fetcher panicked")
			if !published {
				f.store.Finalize(j.ID)
				f.hub.Publish(j.ID, f.fail(j, outputPath, fmt.Errorf("%w: internal error: %v", ErrTransfer, r)))
				status = StatusFailed
			}
		}
		f.store.SetStatus(j.ID, status)
		f.store.Retire(j.ID)
	}()

	err := f.fetch(ctx, j, outputPath)

	// Past Finalize a cancel request is refused, so the outcome below is final.
	canceled := f.store.Finalize(j.ID)
	var ev progress.Event
	switch {
	case canceled || errors.Is(err, ErrCanceledByUser):
		status, ev = StatusCanceled, f.cancel(outputPath, j.BatchID)
	case err == nil:
		status, ev = StatusFinished, f.finish(j, outputPath)
	default:
		status, ev = StatusFailed, f.fail(j, outputPath, err)
	}
	f.hub.Publish(j.ID, ev)
	published = true

	if status == StatusFinished && j.BatchID != "" {
		if completed, total, ok := f.batches.Complete(j.BatchID); ok {
			log.Info().Str("job_id", j.ID).Str("batch_id", j.BatchID).Int("completed", completed).Int("total", total).Msg("Batch item finished")
		}
	}
	return status
}

func (f *Fetcher) fetch(ctx context.Context, j JobView, outputPath string) error {
	if f.store.IsCanceled(j.ID) {
		return ErrCanceledByUser
	}
	f.hub.Publish(j.ID, progress.Downloading(0, 0, 0, j.BatchID))

	info, err := f.resolver.Resolve(ctx, j.SourceRef)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrResolution, err)
	}
	total := info.EstimatedTotalBytes
	if total <= 0 {
		total = f.fallbackTotal
	}
	f.store.SetTotal(j.ID, total)

	if f.store.IsCanceled(j.ID) {
		return ErrCanceledByUser
	}
	stream, err := f.streamer.Open(ctx, j)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	streamOpen := true
	defer func() {
		if streamOpen {
			stream.Close()
		}
	}()

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: create output: %w", ErrTransfer, err)
	}
	f.store.SetOutput(j.ID, outputPath)

	buf := make([]byte, f.chunkSize)
	for {
		if f.store.IsCanceled(j.ID) {
			out.Close()
			return ErrCanceledByUser
		}

		n, rerr := stream.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return fmt.Errorf("%w: write output: %w", ErrTransfer, werr)
			}
			if s, ok := f.store.UpdateProgress(j.ID, int64(n)); ok {
				f.hub.Publish(j.ID, progress.Downloading(s.Percent, s.Speed, s.ETA, j.BatchID))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close()
			return fmt.Errorf("%w: %w", ErrTransfer, rerr)
		}
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("%w: close output: %w", ErrTransfer, err)
	}
	// Closing waits for the producing process to exit, which can take a while.
	streamOpen = false
	stream.Close()
	if f.store.IsCanceled(j.ID) {
		return ErrCanceledByUser
	}
	return nil
}

func (f *Fetcher) finish(j JobView, outputPath string) progress.Event {
	// Registered before publishing so the file is servable once clients hear about it.
	if f.onArtifact != nil {
		f.onArtifact(j.ID, outputPath)
	}
	return progress.Finished(filepath.Base(outputPath), j.BatchID)
}

func (f *Fetcher) cancel(outputPath string, batchID string) progress.Event {
	removePartial(outputPath)
	return progress.Canceled("Download canceled", batchID)
}

func (f *Fetcher) fail(j JobView, outputPath string, err error) progress.Event {
	removePartial(outputPath)
	log.Error().Err(err).Str("job_id", j.ID).Msg("Job failed")
	return progress.Failed(fmt.Sprintf("Download failed: %v", err), j.BatchID)
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Could not remove partial output")
	}
}
