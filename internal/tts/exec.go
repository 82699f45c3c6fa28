package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs an external program per request. The program reads one JSON
// request on stdin and writes one JSON response on stdout.
type execSynth struct {
	cmd          []string
	speakingRate float64
	encoding     Encoding
}

type execRequest struct {
	Text         string  `json:"text"`
	Language     string  `json:"language"`
	Voice        string  `json:"voice"`
	SpeakingRate float64 `json:"speaking_rate,omitempty"`
	Encoding     string  `json:"encoding"`
}

type execResponse struct {
	AudioBase64 string     `json:"audio_base64"`
	Encoding    string     `json:"encoding"`
	Error       *execError `json:"error,omitempty"`
}

type execError struct {
	Kind    string `json:"kind"` // auth, invalid, unavailable
	Message string `json:"message"`
}

func NewExecSynth(command string, speakingRate float64, encoding Encoding) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, speakingRate: speakingRate, encoding: encoding}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioBuffer, error) {
	data, err := json.Marshal(execRequest{
		Text:         req.Text,
		Language:     req.Language,
		Voice:        req.Voice,
		SpeakingRate: e.speakingRate,
		Encoding:     string(e.encoding),
	})
	if err != nil {
		return AudioBuffer{}, Fail(KindInvalidRequest, "encode request", err)
	}

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return AudioBuffer{}, Fail(KindCancelled, "exec", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return AudioBuffer{}, Fail(KindRemoteUnavailable, "exec", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())))
		}
		// binary missing or not executable
		return AudioBuffer{}, Fail(KindInvalidRequest, "exec", err)
	}

	var resp execResponse
	if err := json.Unmarshal(bytes.TrimSpace(output), &resp); err != nil {
		return AudioBuffer{}, Fail(KindRemoteUnavailable, "decode response", err)
	}
	if resp.Error != nil {
		return AudioBuffer{}, Fail(execErrorKind(resp.Error.Kind), "exec", errors.New(resp.Error.Message))
	}
	audio, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		return AudioBuffer{}, Fail(KindRemoteUnavailable, "decode audio", err)
	}
	encoding := e.encoding
	if resp.Encoding != "" {
		encoding = ParseEncoding(resp.Encoding)
	}
	return AudioBuffer{Data: audio, Encoding: encoding}, nil
}

func execErrorKind(kind string) Kind {
	switch strings.ToLower(kind) {
	case "auth":
		return KindAuth
	case "invalid":
		return KindInvalidRequest
	default:
		return KindRemoteUnavailable
	}
}
