package tts

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "synth.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecSynthDecodesAudio(t *testing.T) {
	// "aGVsbG8=" is base64 for "hello"
	script := writeScript(t, `cat >/dev/null
echo '{"audio_base64":"aGVsbG8=","encoding":"linear16"}'
`)
	synth, err := NewExecSynth(script, 1.0, EncodingMP3)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	buf, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello", Language: "en-US", Voice: "v"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(buf.Data) != "hello" || buf.Encoding != EncodingLinear16 {
		t.Fatalf("unexpected buffer %q %s", buf.Data, buf.Encoding)
	}
}

func TestExecSynthReportedError(t *testing.T) {
	script := writeScript(t, `cat >/dev/null
echo '{"error":{"kind":"invalid","message":"unsupported voice"}}'
`)
	synth, err := NewExecSynth(script, 1.0, EncodingMP3)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "x"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestExecSynthNonZeroExitIsRetryable(t *testing.T) {
	script := writeScript(t, "exit 7\n")
	synth, err := NewExecSynth(script, 1.0, EncodingMP3)
	if err != nil {
		t.Fatalf("new exec synth: %v", err)
	}
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "x"}); !errors.Is(err, ErrRemoteUnavailable) {
		t.Fatalf("expected remote unavailable, got %v", err)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 1.0, EncodingMP3); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestCommandTokenSource(t *testing.T) {
	script := writeScript(t, "echo '  ya29.token  '\n")
	src, err := newCommandSource(script, time.Minute)
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return fixed }
	tok, err := src.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok.AccessToken != "ya29.token" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token %+v", tok)
	}
	if !tok.Expiry.Equal(fixed.Add(time.Minute)) {
		t.Fatalf("unexpected expiry %s", tok.Expiry)
	}
}

func TestGoogleWarmSurfacesAuthFailure(t *testing.T) {
	script := writeScript(t, "echo 'not logged in' >&2\nexit 1\n")
	tokens, err := NewCommandTokenSource(script, time.Minute)
	if err != nil {
		t.Fatalf("new token source: %v", err)
	}
	synth := &GoogleSynth{tokens: tokens}
	if err := synth.Warm(context.Background()); !errors.Is(err, ErrAuth) {
		t.Fatalf("expected auth failure, got %v", err)
	}
}

func TestMockSynthProducesWAV(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	buf, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if buf.Encoding != EncodingLinear16 || len(buf.Data) < 44 || string(buf.Data[:4]) != "RIFF" {
		t.Fatalf("expected a WAV body, got %d bytes", len(buf.Data))
	}
}
