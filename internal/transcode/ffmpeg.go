// Package transcode converts encoded synthesis output into raw PCM.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/mattn/go-shellwords"
)

// PCMStream is a lazily produced PCM byte stream. Read reports a *tts.Failure
// in place of io.EOF when the producer failed. Close releases the producer and
// is safe to call more than once and concurrently with Read.
type PCMStream interface {
	io.Reader
	Close() error
}

// Transcoder converts an AudioBuffer into PCM in the target format.
type Transcoder interface {
	Transcode(ctx context.Context, buf tts.AudioBuffer, target Format) (PCMStream, error)
}

// FFmpeg pipes the buffer through an ffmpeg-compatible subprocess.
type FFmpeg struct {
	cmd    []string
	logger *slog.Logger
}

func NewFFmpeg(command string, logger *slog.Logger) (*FFmpeg, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("transcoder command empty")
	}
	return &FFmpeg{cmd: args, logger: logger.With(slog.String("component", "transcoder"))}, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, buf tts.AudioBuffer, target Format) (PCMStream, error) {
	if len(buf.Data) == 0 {
		return nil, tts.Fail(tts.KindTranscode, "transcode", errors.New("empty audio buffer"))
	}
	if buf.Encoding == tts.EncodingLinear16 {
		if stream, ok := decodeWAV(buf.Data, target); ok {
			return stream, nil
		}
	}
	return f.spawn(ctx, buf.Data, target)
}

func (f *FFmpeg) spawn(parent context.Context, data []byte, target Format) (PCMStream, error) {
	ctx, cancel := context.WithCancel(parent)

	args := append([]string{}, f.cmd[1:]...)
	args = append(args,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", target.Muxer(),
		"-acodec", target.Codec(),
		"-ar", strconv.Itoa(target.SampleRate),
		"-ac", strconv.Itoa(target.Channels),
		"pipe:1",
	)
	cmd := exec.CommandContext(ctx, f.cmd[0], args...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.WaitDelay = 2 * time.Second
	stderr := &boundedBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, tts.Fail(tts.KindTranscode, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, tts.Fail(tts.KindTranscode, "start", err)
	}
	f.logger.Debug("transcoder started", slog.Int("pid", cmd.Process.Pid), slog.String("target", target.String()))

	return &processStream{
		ctx:    ctx,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		cancel: cancel,
		align:  target.BlockAlign(),
	}, nil
}

type processStream struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *boundedBuffer
	cancel context.CancelFunc
	align  int

	total   int64
	err     error
	once    sync.Once
	waitErr error
}

func (p *processStream) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	n, err := p.stdout.Read(b)
	p.total += int64(n)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF):
		p.err = p.finish()
	default:
		_ = p.wait()
		p.err = p.failure("read output", err)
	}
	return n, p.err
}

func (p *processStream) finish() error {
	if err := p.wait(); err != nil {
		return p.failure("ffmpeg", fmt.Errorf("%w: %s", err, strings.TrimSpace(p.stderr.String())))
	}
	if p.total == 0 {
		return tts.Fail(tts.KindTranscode, "ffmpeg", errors.New("no audio output"))
	}
	if p.total%int64(p.align) != 0 {
		return tts.Fail(tts.KindTranscode, "ffmpeg", fmt.Errorf("output of %d bytes is not aligned to %d-byte samples", p.total, p.align))
	}
	return io.EOF
}

func (p *processStream) failure(op string, err error) error {
	if p.ctx.Err() != nil {
		return tts.Fail(tts.KindCancelled, op, p.ctx.Err())
	}
	return tts.Fail(tts.KindTranscode, op, err)
}

func (p *processStream) wait() error {
	p.once.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.cancel()
	})
	return p.waitErr
}

// Close kills the subprocess if it is still running and reaps it.
func (p *processStream) Close() error {
	p.cancel()
	_ = p.wait()
	return nil
}

type boundedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
