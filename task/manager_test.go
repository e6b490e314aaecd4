package task

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mediafetch/config"
	"mediafetch/progress"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeResolver answers every lookup with a fixed size unless resolveFunc is set.
type fakeResolver struct {
	resolveFunc func(ctx context.Context, ref string) (*MediaInfo, error)
}

func (r *fakeResolver) Resolve(ctx context.Context, ref string) (*MediaInfo, error) {
	if r.resolveFunc != nil {
		return r.resolveFunc(ctx, ref)
	}
	return &MediaInfo{Title: ref, EstimatedTotalBytes: 300}, nil
}

// chunkStream yields whatever is sent on chunks and ends when chunks is closed.
type chunkStream struct {
	ctx    context.Context
	chunks chan []byte
}

func (s *chunkStream) Read(p []byte) (int, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return 0, io.EOF
		}
		if string(c) == "fail" {
			return 0, errors.New("connection reset")
		}
		return copy(p, c), nil
	case <-s.ctx.Done():
		return 0, s.ctx.Err()
	}
}

func (s *chunkStream) Close() error { return nil }

// fakeStreamer hands every job a stream fed by the test through feed(id).
type fakeStreamer struct {
	mu       sync.Mutex
	feeds    map[string]chan []byte
	opened   chan string
	openFunc func(j JobView) error
}

func newFakeStreamer() *fakeStreamer {
	return &fakeStreamer{feeds: make(map[string]chan []byte), opened: make(chan string, 64)}
}

func (s *fakeStreamer) feed(id string) chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.feeds[id]
	if !ok {
		ch = make(chan []byte, 16)
		s.feeds[id] = ch
	}
	return ch
}

func (s *fakeStreamer) Open(ctx context.Context, j JobView) (io.ReadCloser, error) {
	if s.openFunc != nil {
		if err := s.openFunc(j); err != nil {
			return nil, err
		}
	}
	ch := s.feed(j.ID)
	s.opened <- j.ID
	return &chunkStream{ctx: ctx, chunks: ch}, nil
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		MaxConcurrency:      2,
		DownloadDir:         t.TempDir(),
		ChunkSize:           1024,
		ProgressInterval:    time.Nanosecond,
		ProgressBuffer:      64,
		FallbackTotalSize:   1000,
		OutputLocalLifetime: time.Hour,
	}
}

func newTestManager(t *testing.T, cfg *config.Config, resolver Resolver) (*Manager, *fakeStreamer, *progress.Hub) {
	t.Helper()
	hub := progress.NewHub(cfg.ProgressBuffer)
	streamer := newFakeStreamer()
	if resolver == nil {
		resolver = &fakeResolver{}
	}
	mgr, err := NewManager(cfg, hub, resolver, streamer)
	require.NoError(t, err)
	return mgr, streamer, hub
}

func video(id string) Request {
	return Request{JobID: id, SourceRef: "https://example.com/watch?v=" + id, Kind: KindVideo, Container: "mp4"}
}

func next(t *testing.T, s *progress.Subscriber) progress.Event {
	t.Helper()
	select {
	case ev, ok := <-s.C():
		require.True(t, ok, "subscriber closed")
		return ev
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for progress event")
	}
	return progress.Event{}
}

// untilTerminal collects events up to and including the terminal one.
func untilTerminal(t *testing.T, s *progress.Subscriber) []progress.Event {
	t.Helper()
	var events []progress.Event
	for {
		ev := next(t, s)
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

func waitOpened(t *testing.T, fs *fakeStreamer, id string) {
	t.Helper()
	select {
	case got := <-fs.opened:
		require.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "timed out waiting for stream of "+id)
	}
}

// waitOpenedAll waits for the streams of ids in any order.
func waitOpenedAll(t *testing.T, fs *fakeStreamer, ids ...string) {
	t.Helper()
	var got []string
	for range ids {
		select {
		case id := <-fs.opened:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			require.FailNow(t, "timed out waiting for streams")
		}
	}
	assert.ElementsMatch(t, ids, got)
}

func statuses(events []progress.Event) []progress.Status {
	out := make([]progress.Status, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Status)
	}
	return out
}

func TestManager_Submit(t *testing.T) {
	t.Run("admits immediately below capacity", func(t *testing.T) {
		mgr, fs, hub := newTestManager(t, testConfig(t), nil)
		sub := hub.Subscribe("a")

		id, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		assert.Equal(t, "a", id)
		waitOpened(t, fs, "a")
		assert.Equal(t, 1, mgr.Active())
		assert.Equal(t, 0, mgr.Queued())

		view, found := mgr.Get("a")
		require.True(t, found)
		assert.Equal(t, StatusRunning, view.Status)

		close(fs.feed("a"))
		events := untilTerminal(t, sub)
		assert.NotContains(t, statuses(events), progress.StatusQueued)
		mgr.Wait()
	})

	t.Run("generates an id when none is given", func(t *testing.T) {
		mgr, fs, _ := newTestManager(t, testConfig(t), nil)
		req := video("")
		id, err := mgr.Submit(req)
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		waitOpened(t, fs, id)
		close(fs.feed(id))
		mgr.Wait()
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, testConfig(t), nil)

		_, err := mgr.Submit(Request{JobID: "x", SourceRef: "ref", Kind: "image", Container: "png"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = mgr.Submit(Request{JobID: "y", SourceRef: "ref", Kind: KindVideo, Container: "mp3"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = mgr.Submit(Request{JobID: "z", Kind: KindAudio, Container: "mp3"})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Equal(t, 0, mgr.Active())
	})

	t.Run("rejects duplicate and reused ids", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrency = 1
		mgr, fs, _ := newTestManager(t, cfg, nil)

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		_, err = mgr.Submit(video("a"))
		assert.ErrorIs(t, err, ErrDuplicateID)

		_, err = mgr.Submit(video("b"))
		require.NoError(t, err)
		_, err = mgr.Submit(video("b"))
		assert.ErrorIs(t, err, ErrDuplicateID, "queued ids are taken too")

		close(fs.feed("a"))
		close(fs.feed("b"))
		mgr.Wait()

		_, err = mgr.Submit(video("a"))
		assert.ErrorIs(t, err, ErrDuplicateID, "retired ids are never reused")
	})

	t.Run("rejects unknown batch", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, testConfig(t), nil)
		req := video("a")
		req.BatchID = "missing"
		_, err := mgr.Submit(req)
		assert.ErrorIs(t, err, ErrBatchNotFound)
	})
}

func TestManager_QueueAdmission(t *testing.T) {
	t.Run("third job waits for a free slot", func(t *testing.T) {
		mgr, fs, hub := newTestManager(t, testConfig(t), nil)
		subC := hub.Subscribe("c")

		for _, id := range []string{"a", "b", "c"} {
			_, err := mgr.Submit(video(id))
			require.NoError(t, err)
		}
		ev := next(t, subC)
		assert.Equal(t, progress.StatusQueued, ev.Status)
		assert.Equal(t, 1, ev.Position)
		assert.Equal(t, 2, mgr.Active())
		assert.Equal(t, 1, mgr.Queued())

		view, found := mgr.Get("c")
		require.True(t, found)
		assert.Equal(t, StatusQueued, view.Status)

		waitOpenedAll(t, fs, "a", "b")
		close(fs.feed("a"))
		waitOpened(t, fs, "c")
		assert.Equal(t, 0, mgr.Queued())

		close(fs.feed("b"))
		close(fs.feed("c"))
		events := untilTerminal(t, subC)
		assert.NotContains(t, statuses(events), progress.StatusQueued, "queued event is never resent")
		assert.Equal(t, progress.StatusFinished, events[len(events)-1].Status)
		mgr.Wait()
		assert.Equal(t, 0, mgr.Active())
	})

	t.Run("positions are fixed at enqueue time", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrency = 1
		mgr, fs, hub := newTestManager(t, cfg, nil)

		subs := map[string]*progress.Subscriber{}
		for _, id := range []string{"b", "c", "d", "e"} {
			subs[id] = hub.Subscribe(id)
		}
		for _, id := range []string{"a", "b", "c", "d"} {
			_, err := mgr.Submit(video(id))
			require.NoError(t, err)
		}
		assert.Equal(t, 1, next(t, subs["b"]).Position)
		assert.Equal(t, 2, next(t, subs["c"]).Position)
		assert.Equal(t, 3, next(t, subs["d"]).Position)

		_, err := mgr.Cancel("b")
		require.NoError(t, err)
		_, err = mgr.Submit(video("e"))
		require.NoError(t, err)
		assert.Equal(t, 3, next(t, subs["e"]).Position)

		for _, id := range []string{"a", "c", "d", "e"} {
			close(fs.feed(id))
		}
		for _, id := range []string{"c", "d"} {
			events := untilTerminal(t, subs[id])
			assert.NotContains(t, statuses(events), progress.StatusQueued)
		}
		mgr.Wait()
	})
}

func TestManager_Cancel(t *testing.T) {
	t.Run("cancel queued job", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrency = 1
		mgr, fs, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("b")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		_, err = mgr.Submit(video("b"))
		require.NoError(t, err)
		waitOpened(t, fs, "a")

		result, err := mgr.Cancel("b")
		require.NoError(t, err)
		assert.Equal(t, CanceledQueued, result)
		assert.Equal(t, 1, mgr.Active(), "canceling a queued job leaves slots alone")
		assert.Equal(t, 0, mgr.Queued())

		assert.Equal(t, []progress.Status{progress.StatusQueued, progress.StatusCanceled}, statuses(untilTerminal(t, sub)))

		_, err = mgr.Cancel("b")
		assert.ErrorIs(t, err, ErrAlreadyInactive)

		close(fs.feed("a"))
		mgr.Wait()
		select {
		case id := <-fs.opened:
			assert.Failf(t, "unexpected stream", "job %s was started", id)
		default:
		}
		_, found := mgr.Get("b")
		assert.False(t, found)
	})

	t.Run("cancel running job before any chunk", func(t *testing.T) {
		cfg := testConfig(t)
		mgr, fs, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		waitOpened(t, fs, "a")

		result, err := mgr.Cancel("a")
		require.NoError(t, err)
		assert.Equal(t, CanceledRunning, result)

		_, err = mgr.Cancel("a")
		assert.ErrorIs(t, err, ErrAlreadyInactive)

		events := untilTerminal(t, sub)
		assert.Equal(t, progress.StatusCanceled, events[len(events)-1].Status)
		assert.NotContains(t, statuses(events), progress.StatusFinished)
		mgr.Wait()

		_, statErr := os.Stat(filepath.Join(cfg.DownloadDir, "a.mp4"))
		assert.True(t, os.IsNotExist(statErr), "partial artifact must be discarded")

		_, err = mgr.Cancel("a")
		assert.ErrorIs(t, err, ErrAlreadyInactive)
		select {
		case ev := <-sub.C():
			assert.Failf(t, "unexpected event", "%+v", ev)
		default:
		}
	})

	t.Run("cancel running job mid transfer", func(t *testing.T) {
		cfg := testConfig(t)
		mgr, fs, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		waitOpened(t, fs, "a")
		fs.feed("a") <- []byte("0123456789")
		for {
			if ev := next(t, sub); ev.Status == progress.StatusDownloading && ev.Percent > 0 {
				break
			}
		}

		_, err = mgr.Cancel("a")
		require.NoError(t, err)
		events := untilTerminal(t, sub)
		assert.Equal(t, progress.StatusCanceled, events[len(events)-1].Status)
		mgr.Wait()

		_, statErr := os.Stat(filepath.Join(cfg.DownloadDir, "a.mp4"))
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("cancel unknown job", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, testConfig(t), nil)
		_, err := mgr.Cancel("nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestManager_Transfer(t *testing.T) {
	t.Run("successful transfer", func(t *testing.T) {
		cfg := testConfig(t)
		mgr, fs, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		waitOpened(t, fs, "a")
		for i := 0; i < 4; i++ {
			fs.feed("a") <- []byte(strings.Repeat("x", 100))
		}
		close(fs.feed("a"))

		events := untilTerminal(t, sub)
		last := events[len(events)-1]
		assert.Equal(t, progress.StatusFinished, last.Status)
		assert.Equal(t, float64(100), last.Percent)
		assert.Equal(t, "a.mp4", last.File)

		prev := -1.0
		for _, ev := range events[:len(events)-1] {
			require.Equal(t, progress.StatusDownloading, ev.Status)
			assert.GreaterOrEqual(t, ev.Percent, prev, "percent must not decrease")
			assert.LessOrEqual(t, ev.Percent, 100.0)
			prev = ev.Percent
		}

		mgr.Wait()
		_, found := mgr.Get("a")
		assert.False(t, found, "finished jobs are retired")

		path, err := mgr.GetFilePath("a.mp4")
		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Len(t, data, 400)
	})

	t.Run("resolution failure is terminal", func(t *testing.T) {
		cfg := testConfig(t)
		resolver := &fakeResolver{resolveFunc: func(ctx context.Context, ref string) (*MediaInfo, error) {
			return nil, errors.New("video unavailable")
		}}
		mgr, _, hub := newTestManager(t, cfg, resolver)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)

		events := untilTerminal(t, sub)
		last := events[len(events)-1]
		assert.Equal(t, progress.StatusError, last.Status)
		assert.Contains(t, last.Message, "Download failed")
		assert.Contains(t, last.Message, "video unavailable")
		mgr.Wait()
		assert.Equal(t, 0, mgr.Active())
	})

	t.Run("stream failure discards partial output and frees the slot", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrency = 1
		mgr, fs, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		_, err = mgr.Submit(video("b"))
		require.NoError(t, err)

		waitOpened(t, fs, "a")
		fs.feed("a") <- []byte("partial")
		fs.feed("a") <- []byte("fail")

		events := untilTerminal(t, sub)
		assert.Equal(t, progress.StatusError, events[len(events)-1].Status)
		assert.Contains(t, events[len(events)-1].Message, "connection reset")

		waitOpened(t, fs, "b")
		_, statErr := os.Stat(filepath.Join(cfg.DownloadDir, "a.mp4"))
		assert.True(t, os.IsNotExist(statErr))

		close(fs.feed("b"))
		mgr.Wait()
	})

	t.Run("open failure is terminal", func(t *testing.T) {
		cfg := testConfig(t)
		mgr, fs, hub := newTestManager(t, cfg, nil)
		fs.openFunc = func(j JobView) error { return errors.New("not enough free disk space") }
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		events := untilTerminal(t, sub)
		assert.Equal(t, progress.StatusError, events[len(events)-1].Status)
		mgr.Wait()
	})

	t.Run("panicking collaborator still frees the slot", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.MaxConcurrency = 1
		mgr, fs, hub := newTestManager(t, cfg, nil)
		fs.openFunc = func(j JobView) error {
			if j.ID == "a" {
				panic("boom")
			}
			return nil
		}
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		_, err = mgr.Submit(video("b"))
		require.NoError(t, err)

		events := untilTerminal(t, sub)
		assert.Equal(t, progress.StatusError, events[len(events)-1].Status)
		waitOpened(t, fs, "b")
		close(fs.feed("b"))
		mgr.Wait()
	})

	t.Run("job timeout", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.JobTimeout = 30 * time.Millisecond
		mgr, _, hub := newTestManager(t, cfg, nil)
		sub := hub.Subscribe("a")

		_, err := mgr.Submit(video("a"))
		require.NoError(t, err)
		events := untilTerminal(t, sub)
		last := events[len(events)-1]
		assert.Equal(t, progress.StatusError, last.Status)
		assert.Contains(t, last.Message, "deadline exceeded")
		mgr.Wait()
	})
}

func playlistResolver(children ...string) *fakeResolver {
	return &fakeResolver{resolveFunc: func(ctx context.Context, ref string) (*MediaInfo, error) {
		if ref != "playlist" {
			return &MediaInfo{Title: ref, EstimatedTotalBytes: 100}, nil
		}
		info := &MediaInfo{Title: "Mix", IsPlaylist: true}
		for _, c := range children {
			info.Children = append(info.Children, MediaRef{Title: c, SourceRef: c})
		}
		return info, nil
	}}
}

func TestManager_Batch(t *testing.T) {
	t.Run("batch progress counts every finished child", func(t *testing.T) {
		mgr, fs, hub := newTestManager(t, testConfig(t), playlistResolver("one", "two", "three"))

		batchID, ids, err := mgr.SubmitBatch(context.Background(), BatchRequest{SourceRef: "playlist", Kind: KindAudio, Container: "mp3"})
		require.NoError(t, err)
		require.Len(t, ids, 3)
		sub := hub.Subscribe(batchID)

		view, found := mgr.Batch(batchID)
		require.True(t, found)
		assert.Equal(t, 3, view.Total)
		assert.Equal(t, 0, view.Completed)

		for k, id := range ids {
			close(fs.feed(id))
			ev := next(t, sub)
			assert.Equal(t, progress.StatusPlaylistProgress, ev.Status)
			assert.Equal(t, k+1, ev.Completed)
			assert.Equal(t, 3, ev.Total)
		}
		mgr.Wait()

		_, found = mgr.Batch(batchID)
		assert.False(t, found, "batch is removed once complete")
	})

	t.Run("child events carry the playlist id", func(t *testing.T) {
		mgr, fs, hub := newTestManager(t, testConfig(t), playlistResolver("one"))

		res, err := mgr.Resolve(context.Background(), "playlist")
		require.NoError(t, err)
		require.NotEmpty(t, res.BatchID)
		assert.True(t, res.IsPlaylist)

		req := video("child")
		req.BatchID = res.BatchID
		sub := hub.Subscribe("child")
		_, err = mgr.Submit(req)
		require.NoError(t, err)
		close(fs.feed("child"))

		for _, ev := range untilTerminal(t, sub) {
			assert.Equal(t, res.BatchID, ev.PlaylistID)
		}
		mgr.Wait()
	})

	t.Run("single item is a batch of one", func(t *testing.T) {
		mgr, fs, _ := newTestManager(t, testConfig(t), playlistResolver())

		batchID, ids, err := mgr.SubmitBatch(context.Background(), BatchRequest{SourceRef: "solo", Kind: KindVideo, Container: "mp4"})
		require.NoError(t, err)
		require.Len(t, ids, 1)
		view, found := mgr.Batch(batchID)
		require.True(t, found)
		assert.Equal(t, 1, view.Total)

		close(fs.feed(ids[0]))
		mgr.Wait()
		_, found = mgr.Batch(batchID)
		assert.False(t, found)
	})

	t.Run("resolution failure is synchronous", func(t *testing.T) {
		resolver := &fakeResolver{resolveFunc: func(ctx context.Context, ref string) (*MediaInfo, error) {
			return nil, errors.New("private playlist")
		}}
		mgr, _, _ := newTestManager(t, testConfig(t), resolver)

		_, _, err := mgr.SubmitBatch(context.Background(), BatchRequest{SourceRef: "playlist", Kind: KindVideo, Container: "mp4"})
		assert.ErrorIs(t, err, ErrResolution)
		assert.Equal(t, 0, mgr.Active())
		assert.Equal(t, 0, mgr.batches.Len())
	})

	t.Run("empty playlist", func(t *testing.T) {
		mgr, _, _ := newTestManager(t, testConfig(t), playlistResolver())
		_, err := mgr.Resolve(context.Background(), "playlist")
		assert.ErrorIs(t, err, ErrResolution)
	})
}

func TestManager_Cleanup(t *testing.T) {
	cfg := testConfig(t)
	mgr, _, _ := newTestManager(t, cfg, nil)

	path := filepath.Join(cfg.DownloadDir, "old.mp4")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	mgr.addArtifact("old", path)

	found, err := mgr.GetFilePath("old.mp4")
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = mgr.GetFilePath("../old.mp4")
	assert.Error(t, err)

	mgr.cleanup(time.Now().Add(cfg.OutputLocalLifetime + time.Minute))
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	_, err = mgr.GetFilePath("old.mp4")
	assert.Error(t, err)
}
