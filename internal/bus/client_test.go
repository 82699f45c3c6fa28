package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

func connect(t *testing.T) (*Client, *nats.Conn) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ns, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(ns.Shutdown)

	client, err := Connect(context.Background(), config.BusConfig{Servers: []string{ns.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	peer, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	t.Cleanup(peer.Close)
	return client, peer
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), config.BusConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error without servers")
	}
}

func TestSubscribeFragmentsSkipsUndecodable(t *testing.T) {
	client, peer := connect(t)
	got := make(chan protocol.TextFragment, 4)
	sub, err := client.SubscribeFragments(func(f protocol.TextFragment) { got <- f })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := peer.Publish(protocol.SubjectTextFragment, []byte("not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, _ := json.Marshal(protocol.TextFragment{SessionID: "s1", Content: "hello", Final: true, SequenceID: 7})
	if err := peer.Publish(protocol.SubjectTextFragment, data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case f := <-got:
		if f.SessionID != "s1" || f.Content != "hello" || !f.Final || f.SequenceID != 7 {
			t.Fatalf("unexpected fragment %+v", f)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fragment not delivered")
	}
	select {
	case f := <-got:
		t.Fatalf("unexpected extra fragment %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAudioEvents(t *testing.T) {
	client, peer := connect(t)
	frames := make(chan *nats.Msg, 1)
	revokes := make(chan *nats.Msg, 1)
	if _, err := peer.ChanSubscribe(protocol.SubjectAudioFrame, frames); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := peer.ChanSubscribe(protocol.SubjectAudioRevoke, revokes); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := peer.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	pcm := []byte{1, 2, 3, 4}
	if err := client.PublishFrame(protocol.AudioFrame{SessionID: "s1", Generation: 2, FrameIndex: 3, PCM: pcm, Last: true}); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	if err := client.PublishRevoke(protocol.Revoke{SessionID: "s1", Generation: 2}); err != nil {
		t.Fatalf("publish revoke: %v", err)
	}

	var frame protocol.AudioFrame
	select {
	case msg := <-frames:
		if err := json.Unmarshal(msg.Data, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame not published")
	}
	if frame.Generation != 2 || frame.FrameIndex != 3 || !frame.Last || string(frame.PCM) != string(pcm) {
		t.Fatalf("unexpected frame %+v", frame)
	}

	var revoke protocol.Revoke
	select {
	case msg := <-revokes:
		if err := json.Unmarshal(msg.Data, &revoke); err != nil {
			t.Fatalf("decode revoke: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("revoke not published")
	}
	if revoke.SessionID != "s1" || revoke.Generation != 2 {
		t.Fatalf("unexpected revoke %+v", revoke)
	}
}
