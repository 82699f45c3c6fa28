package tts

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

type fakeTTSServer struct {
	ttspb.UnimplementedTextToSpeechServer

	mu      sync.Mutex
	err     error
	lastReq *ttspb.SynthesizeSpeechRequest
}

func (f *fakeTTSServer) SynthesizeSpeech(_ context.Context, req *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &ttspb.SynthesizeSpeechResponse{AudioContent: []byte("ID3-fake-mp3")}, nil
}

func startFakeTTS(t *testing.T, fake *fakeTTSServer) *GoogleSynth {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	ttspb.RegisterTextToSpeechServer(srv, fake)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	synth, err := NewGoogleSynth(context.Background(), GoogleOptions{
		Endpoint:     lis.Addr().String(),
		SSMLGender:   "female",
		SpeakingRate: 1.4,
		Encoding:     EncodingMP3,
		ClientOptions: []option.ClientOption{
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		},
	})
	if err != nil {
		t.Fatalf("new google synth: %v", err)
	}
	t.Cleanup(func() { _ = synth.Close() })
	return synth
}

func TestGoogleSynthRequestShape(t *testing.T) {
	fake := &fakeTTSServer{}
	synth := startFakeTTS(t, fake)

	buf, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hello world", Language: "en-US", Voice: "en-US-Wavenet-A", Generation: 4})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(buf.Data) != "ID3-fake-mp3" || buf.Encoding != EncodingMP3 {
		t.Fatalf("unexpected buffer: %q %s", buf.Data, buf.Encoding)
	}

	fake.mu.Lock()
	req := fake.lastReq
	fake.mu.Unlock()
	if req.GetInput().GetText() != "hello world" {
		t.Fatalf("unexpected text %q", req.GetInput().GetText())
	}
	if req.GetVoice().GetLanguageCode() != "en-US" || req.GetVoice().GetName() != "en-US-Wavenet-A" {
		t.Fatalf("unexpected voice %+v", req.GetVoice())
	}
	if req.GetVoice().GetSsmlGender() != ttspb.SsmlVoiceGender_FEMALE {
		t.Fatalf("expected female gender")
	}
	if req.GetAudioConfig().GetAudioEncoding() != ttspb.AudioEncoding_MP3 || req.GetAudioConfig().GetSpeakingRate() != 1.4 {
		t.Fatalf("unexpected audio config %+v", req.GetAudioConfig())
	}
}

func TestGoogleSynthClassifiesStatus(t *testing.T) {
	cases := []struct {
		err  error
		want error
	}{
		{status.Error(codes.InvalidArgument, "voice en-US-Nope does not exist"), ErrInvalidRequest},
		{status.Error(codes.Unauthenticated, "token expired"), ErrAuth},
		{status.Error(codes.Internal, "backend"), ErrRemoteUnavailable},
	}
	for _, tc := range cases {
		fake := &fakeTTSServer{err: tc.err}
		synth := startFakeTTS(t, fake)
		_, err := synth.Synthesize(context.Background(), SynthRequest{Text: "hi", Language: "en-US", Voice: "en-US-Nope"})
		if !errors.Is(err, tc.want) {
			t.Fatalf("expected %v, got %v", tc.want, err)
		}
	}
}

func TestGoogleSynthRejectsEmptyText(t *testing.T) {
	synth := startFakeTTS(t, &fakeTTSServer{})
	if _, err := synth.Synthesize(context.Background(), SynthRequest{Text: "   "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
