package task

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"mediafetch/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowCloseStreamer serves a short payload whose Close blocks until released,
// like a producer process that takes its time to exit.
type slowCloseStreamer struct {
	closing chan struct{}
	release chan struct{}
}

func newSlowCloseStreamer() *slowCloseStreamer {
	return &slowCloseStreamer{closing: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *slowCloseStreamer) Open(ctx context.Context, j JobView) (io.ReadCloser, error) {
	return &slowCloseStream{Reader: strings.NewReader("payload"), s: s}, nil
}

type slowCloseStream struct {
	*strings.Reader
	s *slowCloseStreamer
}

func (r *slowCloseStream) Close() error {
	select {
	case r.s.closing <- struct{}{}:
	default:
	}
	<-r.s.release
	return nil
}

// drain returns the events already buffered for s.
func drain(s *progress.Subscriber) []progress.Event {
	var events []progress.Event
	for {
		select {
		case ev, ok := <-s.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
}

func TestFetcher_CancelWhileStreamCloses(t *testing.T) {
	cfg := testConfig(t)
	hub := progress.NewHub(cfg.ProgressBuffer)
	streamer := newSlowCloseStreamer()
	mgr, err := NewManager(cfg, hub, &fakeResolver{}, streamer)
	require.NoError(t, err)
	sub := hub.Subscribe("a")

	_, err = mgr.Submit(video("a"))
	require.NoError(t, err)

	select {
	case <-streamer.closing:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "stream was never closed")
	}

	result, err := mgr.Cancel("a")
	require.NoError(t, err)
	assert.Equal(t, CanceledRunning, result)
	close(streamer.release)

	events := untilTerminal(t, sub)
	assert.Equal(t, progress.StatusCanceled, events[len(events)-1].Status,
		"a job reported as canceled must not finish")
	mgr.Wait()

	_, err = mgr.Cancel("a")
	assert.ErrorIs(t, err, ErrAlreadyInactive)
	_, err = mgr.GetFilePath("a.mp4")
	assert.Error(t, err)
}

func TestFetcher_PanicAfterFinishedPublishesOnce(t *testing.T) {
	cfg := testConfig(t)
	hub := progress.NewHub(cfg.ProgressBuffer)
	store := NewStore(cfg.ProgressInterval)
	streamer := newSlowCloseStreamer()
	close(streamer.release)

	// A nil tracker makes the batch bookkeeping after the finished event panic.
	f := &Fetcher{
		store:         store,
		hub:           hub,
		resolver:      &fakeResolver{},
		streamer:      streamer,
		dir:           cfg.DownloadDir,
		chunkSize:     cfg.ChunkSize,
		fallbackTotal: cfg.FallbackTotalSize,
	}
	req := video("a")
	req.BatchID = "b1"
	require.NoError(t, store.Create(newJob(req, nil)))
	view, _ := store.Get("a")
	sub := hub.Subscribe("a")

	status := f.Run(context.Background(), view)
	assert.Equal(t, StatusFinished, status)

	var terminal []progress.Status
	for _, ev := range drain(sub) {
		if ev.Terminal() {
			terminal = append(terminal, ev.Status)
		}
	}
	assert.Equal(t, []progress.Status{progress.StatusFinished}, terminal)
	assert.True(t, store.Known("a"))
	_, live := store.Get("a")
	assert.False(t, live, "job is retired even after a panic")
}
