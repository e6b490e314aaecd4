package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Process is a running external command whose stdout is consumed as a stream.
// Reading past the end reports the command's exit status; Close kills it.
type Process struct {
	name     string
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	stderr   *limitWriter
	upstream *Process

	waitOnce sync.Once
	waitErr  error
}

// StartPiped starts bin with args, feeding it stdin when non-nil. When stdin is
// itself a Process, its exit status is checked once this one finishes.
func StartPiped(ctx context.Context, bin string, args []string, stdin io.Reader) (*Process, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	p := &Process{name: bin, cmd: cmd, stderr: &limitWriter{max: 4096}}
	if up, ok := stdin.(*Process); ok {
		p.upstream = up
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}
	cmd.Stderr = p.stderr
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("setup stdout pipe: %w", err)
	}
	p.stdout = stdout

	log.Debug().Str("cmd", bin).Str("args", strings.Join(args, " ")).Msg("Starting process")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return p, nil
}

func (p *Process) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err != io.EOF {
		return n, err
	}
	if werr := p.wait(); werr != nil {
		return n, werr
	}
	if p.upstream != nil {
		if uerr := p.upstream.wait(); uerr != nil {
			return n, uerr
		}
	}
	return n, io.EOF
}

// Close stops the command, and the upstream command feeding it, if still running.
func (p *Process) Close() error {
	p.kill()
	p.wait()
	if p.upstream != nil {
		p.upstream.wait()
	}
	return nil
}

// kill stops upstream first so a stalled producer cannot block our stdin copy.
func (p *Process) kill() {
	if p.upstream != nil {
		p.upstream.kill()
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) wait() error {
	p.waitOnce.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			p.waitErr = fmt.Errorf("%s failed: %w: %s", p.name, err, strings.TrimSpace(p.stderr.String()))
		}
	})
	return p.waitErr
}

// limitWriter keeps the first max bytes written to it.
type limitWriter struct {
	mu  sync.Mutex
	buf strings.Builder
	max int
}

func (w *limitWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if remain := w.max - w.buf.Len(); remain > 0 {
		if len(b) > remain {
			w.buf.Write(b[:remain])
		} else {
			w.buf.Write(b)
		}
	}
	return len(b), nil
}

func (w *limitWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
