package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var mono16k = Format{SampleRate: 16000, Channels: 1, SampleWidth: 2}

// fakeFFmpeg writes a shell script that ignores ffmpeg arguments.
func fakeFFmpeg(t *testing.T, body string) *FFmpeg {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	f, err := NewFFmpeg(path, newLogger())
	if err != nil {
		t.Fatalf("new ffmpeg: %v", err)
	}
	return f
}

func TestFormatFrameBytes(t *testing.T) {
	f := Format{SampleRate: 44100, Channels: 2, SampleWidth: 2}
	if got := f.FrameBytes(20 * time.Millisecond); got != 882*4 {
		t.Fatalf("expected %d, got %d", 882*4, got)
	}
	if got := f.FrameBytes(time.Nanosecond); got != 4 {
		t.Fatalf("expected one sample minimum, got %d", got)
	}
	if f.Codec() != "pcm_s16le" || f.Muxer() != "s16le" {
		t.Fatalf("unexpected codec %s/%s", f.Codec(), f.Muxer())
	}
	if (Format{SampleWidth: 1}).Codec() != "pcm_u8" {
		t.Fatal("expected pcm_u8 for 8-bit output")
	}
	if d := f.Duration(f.BytesPerSecond() / 2); d != 500*time.Millisecond {
		t.Fatalf("unexpected duration %s", d)
	}
}

func TestTranscodePassthroughStream(t *testing.T) {
	f := fakeFFmpeg(t, "cat\n")
	input := bytes.Repeat([]byte{1, 2}, 1000)
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: input, Encoding: tts.EncodingMP3}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, input) {
		t.Fatalf("expected passthrough of %d bytes, got %d", len(input), len(out))
	}
}

func TestTranscodeNonZeroExit(t *testing.T) {
	f := fakeFFmpeg(t, "head -c 640 /dev/zero\necho 'Invalid data found' >&2\nexit 3\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: []byte("junk"), Encoding: tts.EncodingMP3}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	out, err := io.ReadAll(stream)
	if !errors.Is(err, tts.ErrTranscode) {
		t.Fatalf("expected transcode failure, got %v", err)
	}
	if len(out) != 640 {
		t.Fatalf("expected the 640 bytes produced before failure, got %d", len(out))
	}
}

func TestTranscodeMisalignedOutput(t *testing.T) {
	f := fakeFFmpeg(t, "head -c 5 /dev/zero\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: []byte("x"), Encoding: tts.EncodingMP3}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	if _, err := io.ReadAll(stream); !errors.Is(err, tts.ErrTranscode) {
		t.Fatalf("expected transcode failure, got %v", err)
	}
}

func TestTranscodeEmptyOutput(t *testing.T) {
	f := fakeFFmpeg(t, "cat >/dev/null\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: []byte("x"), Encoding: tts.EncodingMP3}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	if _, err := io.ReadAll(stream); !errors.Is(err, tts.ErrTranscode) {
		t.Fatalf("expected transcode failure, got %v", err)
	}
}

func TestTranscodeMissingUtility(t *testing.T) {
	f, err := NewFFmpeg(filepath.Join(t.TempDir(), "no-such-ffmpeg"), newLogger())
	if err != nil {
		t.Fatalf("new ffmpeg: %v", err)
	}
	_, err = f.Transcode(context.Background(), tts.AudioBuffer{Data: []byte("x"), Encoding: tts.EncodingMP3}, mono16k)
	if !errors.Is(err, tts.ErrTranscode) {
		t.Fatalf("expected transcode failure, got %v", err)
	}
}

func TestTranscodeCloseKillsSubprocess(t *testing.T) {
	f := fakeFFmpeg(t, "exec sleep 30\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: []byte("x"), Encoding: tts.EncodingMP3}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(stream)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	_ = stream.Close()
	select {
	case err := <-done:
		if !errors.Is(err, tts.ErrCancelled) {
			t.Fatalf("expected cancelled read, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subprocess was not released by Close")
	}
}

func TestTranscodeWAVFastPath(t *testing.T) {
	samples := []int{0, 1000, -1000, 32767, -32768, 5}
	body, err := tts.EncodeWAV(samples, 16000, 1, 16)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	// a failing command proves the subprocess is not used
	f := fakeFFmpeg(t, "exit 1\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: body, Encoding: tts.EncodingLinear16}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(out, samplesToPCM(samples, 2)) {
		t.Fatalf("unexpected pcm % x", out)
	}
}

func TestTranscodeWAVMismatchUsesSubprocess(t *testing.T) {
	body, err := tts.EncodeWAV([]int{1, 2, 3, 4}, 22050, 1, 16)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	f := fakeFFmpeg(t, "cat >/dev/null\nhead -c 320 /dev/zero\n")
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: body, Encoding: tts.EncodingLinear16}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(out) != 320 {
		t.Fatalf("expected subprocess output, got %d bytes", len(out))
	}
}

func TestTranscodeRealFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not on PATH")
	}
	body, err := tts.EncodeWAV(make([]int, 22050), 22050, 1, 16)
	if err != nil {
		t.Fatalf("encode wav: %v", err)
	}
	f, err := NewFFmpeg("ffmpeg", newLogger())
	if err != nil {
		t.Fatalf("new ffmpeg: %v", err)
	}
	stream, err := f.Transcode(context.Background(), tts.AudioBuffer{Data: body, Encoding: tts.EncodingLinear16}, mono16k)
	if err != nil {
		t.Fatalf("transcode: %v", err)
	}
	defer stream.Close()
	out, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	// one second of audio, allow resampler padding
	if len(out) < 31000 || len(out) > 33000 {
		t.Fatalf("unexpected output length %d", len(out))
	}
}
