package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"mediafetch/config"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Flags that would redirect ffmpeg's input or output away from the pipes.
var deniedFFmpegArgs = []string{"-i", "-f", "-y", "-n"}

type Runner struct {
	cfg       *config.Config
	extraArgs []string
}

func NewRunner(cfg *config.Config) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	extra, err := SplitCommand(cfg.FFArgs)
	if err != nil {
		return nil, fmt.Errorf("FFMPEG_ARGS: %w", err)
	}
	if err := SanitizeArgs(extra, deniedFFmpegArgs...); err != nil {
		return nil, fmt.Errorf("FFMPEG_ARGS: %w", err)
	}

	return &Runner{cfg: cfg, extraArgs: extra}, nil
}

// NeedsTranscode reports whether the source stream must be converted to reach
// container. Only mp3 audio is converted; every other container is fetched as is.
func (r *Runner) NeedsTranscode(kind, container string) bool {
	return kind == "audio" && container == "mp3"
}

// Transcode converts in to container and returns the converted stream.
func (r *Runner) Transcode(ctx context.Context, in io.Reader, container string) (*Process, error) {
	args := r.transcodeArgs(container)
	if args == nil {
		return nil, fmt.Errorf("no conversion to %s", container)
	}
	return StartPiped(ctx, r.cfg.FFBin, args, in)
}

func (r *Runner) transcodeArgs(container string) []string {
	var codec []string
	switch container {
	case "mp3":
		codec = []string{"-vn", "-acodec", "libmp3lame", "-f", "mp3"}
	default:
		return nil
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-i", "pipe:0"}
	args = append(args, r.extraArgs...)
	args = append(args, codec...)
	return append(args, "pipe:1")
}

// CheckResources verifies that the host has enough idle capacity to start a new transfer.
func (r *Runner) CheckResources() error {
	p, err := cpu.Percent(500*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("Could not get CPU usage")
	} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
		return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("Could not get memory usage")
	} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
		return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
	}

	d, err := disk.Usage(r.cfg.DownloadDir)
	if err != nil {
		log.Warn().Err(err).Str("dir", r.cfg.DownloadDir).Msg("Could not get disk usage")
	} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
		return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
	}
	return nil
}
