package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"golang.org/x/oauth2"
	"google.golang.org/api/option"
)

// GoogleOptions configures the Cloud Text-to-Speech adapter.
type GoogleOptions struct {
	Endpoint     string
	Tokens       oauth2.TokenSource
	SSMLGender   string
	SpeakingRate float64
	Encoding     Encoding
	SampleRate   int
	// ClientOptions are appended after the endpoint and token options.
	ClientOptions []option.ClientOption
}

// GoogleSynth calls Cloud Text-to-Speech. One call per request, no retries.
type GoogleSynth struct {
	client *texttospeech.Client
	tokens oauth2.TokenSource
	opts   GoogleOptions
}

func NewGoogleSynth(ctx context.Context, opts GoogleOptions) (*GoogleSynth, error) {
	var clientOpts []option.ClientOption
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	if opts.Tokens != nil {
		clientOpts = append(clientOpts, option.WithTokenSource(opts.Tokens))
	}
	clientOpts = append(clientOpts, opts.ClientOptions...)

	client, err := texttospeech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google TTS client: %w", err)
	}
	if opts.Encoding == "" {
		opts.Encoding = EncodingMP3
	}
	return &GoogleSynth{client: client, tokens: opts.Tokens, opts: opts}, nil
}

// Warm fetches the access token ahead of the first synthesis.
func (g *GoogleSynth) Warm(context.Context) error {
	if g.tokens == nil {
		return nil
	}
	if _, err := g.tokens.Token(); err != nil {
		return Fail(KindAuth, "token", err)
	}
	return nil
}

func (g *GoogleSynth) Synthesize(ctx context.Context, req SynthRequest) (AudioBuffer, error) {
	if strings.TrimSpace(req.Text) == "" {
		return AudioBuffer{}, Fail(KindInvalidRequest, "synthesize", fmt.Errorf("text cannot be empty"))
	}
	if g.tokens != nil {
		if _, err := g.tokens.Token(); err != nil {
			return AudioBuffer{}, Fail(KindAuth, "token", err)
		}
	}

	audioCfg := &ttspb.AudioConfig{
		AudioEncoding: audioEncoding(g.opts.Encoding),
		SpeakingRate:  g.opts.SpeakingRate,
	}
	if g.opts.Encoding == EncodingLinear16 && g.opts.SampleRate > 0 {
		audioCfg.SampleRateHertz = int32(g.opts.SampleRate)
	}

	resp, err := g.client.SynthesizeSpeech(ctx, &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{
			InputSource: &ttspb.SynthesisInput_Text{Text: req.Text},
		},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: req.Language,
			Name:         req.Voice,
			SsmlGender:   ssmlGender(g.opts.SSMLGender),
		},
		AudioConfig: audioCfg,
	})
	if err != nil {
		return AudioBuffer{}, Classify(ctx, "synthesize", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return AudioBuffer{}, Fail(KindRemoteUnavailable, "synthesize", fmt.Errorf("empty audio content received"))
	}
	return AudioBuffer{Data: resp.GetAudioContent(), Encoding: g.opts.Encoding}, nil
}

func (g *GoogleSynth) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func audioEncoding(e Encoding) ttspb.AudioEncoding {
	switch e {
	case EncodingLinear16:
		return ttspb.AudioEncoding_LINEAR16
	case EncodingOggOpus:
		return ttspb.AudioEncoding_OGG_OPUS
	default:
		return ttspb.AudioEncoding_MP3
	}
}

func ssmlGender(s string) ttspb.SsmlVoiceGender {
	switch strings.ToUpper(s) {
	case "FEMALE":
		return ttspb.SsmlVoiceGender_FEMALE
	case "MALE":
		return ttspb.SsmlVoiceGender_MALE
	case "NEUTRAL":
		return ttspb.SsmlVoiceGender_NEUTRAL
	default:
		return ttspb.SsmlVoiceGender_SSML_VOICE_GENDER_UNSPECIFIED
	}
}
