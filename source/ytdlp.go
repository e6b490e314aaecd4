// Package source talks to the external content source through the yt-dlp
// command line tool.
package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"mediafetch/config"
	"mediafetch/ffmpeg"
	"mediafetch/task"

	"github.com/rs/zerolog/log"
)

// Flags that would move yt-dlp's output off stdout or run arbitrary commands.
var deniedYTDLPArgs = []string{
	"-o", "--output", "-P", "--paths", "--exec", "-f", "--format",
	"-a", "--batch-file", "--config-location",
}

const watchURLTemplate = "https://www.youtube.com/watch?v=%s"

// Transcoder converts a stream to the requested container.
type Transcoder interface {
	NeedsTranscode(kind, container string) bool
	Transcode(ctx context.Context, in io.Reader, container string) (*ffmpeg.Process, error)
}

// ResourceChecker refuses new transfers while the host is short on resources.
type ResourceChecker interface {
	CheckResources() error
}

// YTDLP resolves and streams media with yt-dlp.
type YTDLP struct {
	bin        string
	extraArgs  []string
	transcoder Transcoder
	resources  ResourceChecker
	playlists  PlaylistLister
}

func NewYTDLP(cfg *config.Config, runner *ffmpeg.Runner) (*YTDLP, error) {
	if _, err := exec.LookPath(cfg.YTDLPBin); err != nil {
		return nil, fmt.Errorf("yt-dlp binary not found or not in PATH: %s", cfg.YTDLPBin)
	}
	extra, err := ffmpeg.SplitCommand(cfg.YTDLPArgs)
	if err != nil {
		return nil, fmt.Errorf("YTDLP_ARGS: %w", err)
	}
	if err := ffmpeg.SanitizeArgs(extra, deniedYTDLPArgs...); err != nil {
		return nil, fmt.Errorf("YTDLP_ARGS: %w", err)
	}
	return &YTDLP{
		bin:        cfg.YTDLPBin,
		extraArgs:  extra,
		transcoder: runner,
		resources:  runner,
		playlists:  libraryPlaylists{},
	}, nil
}

// Resolve looks up title, size estimate and playlist items of sourceRef.
func (y *YTDLP) Resolve(ctx context.Context, sourceRef string) (*task.MediaInfo, error) {
	if id := playlistID(sourceRef); id != "" && y.playlists != nil {
		refs, err := y.playlists.List(ctx, id)
		if err == nil && len(refs) > 0 {
			return &task.MediaInfo{Title: playlistTitle(refs), IsPlaylist: true, Children: refs}, nil
		}
		log.Warn().Err(err).Str("playlist", id).Msg("Playlist listing failed, falling back to yt-dlp")
	}

	args := []string{"-J", "--flat-playlist", "--no-warnings"}
	args = append(args, y.extraArgs...)
	args = append(args, sourceRef)

	cmd := exec.CommandContext(ctx, y.bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("yt-dlp returned empty output")
	}
	return parseInfo(stdout.Bytes())
}

// Open starts streaming j's media on stdout, converted when the container needs it.
func (y *YTDLP) Open(ctx context.Context, j task.JobView) (io.ReadCloser, error) {
	if y.resources != nil {
		if err := y.resources.CheckResources(); err != nil {
			return nil, fmt.Errorf("insufficient system resources: %w", err)
		}
	}

	args := []string{
		"--no-playlist",
		"--quiet",
		"--no-warnings",
		"--no-part",
		"-f", selectFormat(string(j.Kind), j.Container, j.Quality),
		"-o", "-",
	}
	args = append(args, y.extraArgs...)
	args = append(args, j.SourceRef)

	p, err := ffmpeg.StartPiped(ctx, y.bin, args, nil)
	if err != nil {
		return nil, err
	}
	if y.transcoder == nil || !y.transcoder.NeedsTranscode(string(j.Kind), j.Container) {
		return p, nil
	}

	out, err := y.transcoder.Transcode(ctx, p, j.Container)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("start conversion: %w", err)
	}
	return out, nil
}

type infoJSON struct {
	Type           string     `json:"_type"`
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	URL            string     `json:"url"`
	WebpageURL     string     `json:"webpage_url"`
	Filesize       int64      `json:"filesize"`
	FilesizeApprox int64      `json:"filesize_approx"`
	IsLive         bool       `json:"is_live"`
	Entries        []infoJSON `json:"entries"`
}

func parseInfo(data []byte) (*task.MediaInfo, error) {
	var raw infoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}
	if raw.IsLive {
		return nil, fmt.Errorf("live content not supported")
	}

	info := &task.MediaInfo{Title: raw.Title}
	if raw.Type != "playlist" {
		info.EstimatedTotalBytes = raw.Filesize
		if info.EstimatedTotalBytes <= 0 {
			info.EstimatedTotalBytes = raw.FilesizeApprox
		}
		return info, nil
	}

	info.IsPlaylist = true
	for _, e := range raw.Entries {
		ref := e.WebpageURL
		if ref == "" {
			ref = e.URL
		}
		if ref == "" && e.ID != "" {
			ref = fmt.Sprintf(watchURLTemplate, e.ID)
		}
		if ref == "" {
			continue
		}
		title := e.Title
		if title == "" {
			title = "Unknown Title"
		}
		info.Children = append(info.Children, task.MediaRef{Title: title, SourceRef: ref})
	}
	return info, nil
}

var heightPattern = regexp.MustCompile(`\d{3,4}`)

// selectFormat picks a single-file yt-dlp format, since merged formats cannot
// be written to stdout.
func selectFormat(kind, container, quality string) string {
	if kind == "audio" {
		switch container {
		case "m4a", "mp4":
			return "ba[ext=m4a]/ba"
		default:
			return "ba/b"
		}
	}

	height := heightPattern.FindString(quality)
	if height == "" {
		return fmt.Sprintf("b[ext=%s]/b", container)
	}
	return fmt.Sprintf("b[ext=%s][height<=%s]/b[height<=%s]/b", container, height, height)
}
