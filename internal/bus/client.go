// Package bus carries text fragments in and audio events out over NATS.
package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Client wraps the NATS connection with the subjects of the synthesis stage.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name("loqa-tts"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		// audio frames are useless once stale, so nothing is buffered while disconnected
		nats.ReconnectBufSize(-1),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", slog.String("server", nc.ConnectedUrlRedacted()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

// SubscribeFragments delivers decoded text fragments to handler. Payloads that
// do not decode are logged and dropped.
func (c *Client) SubscribeFragments(handler func(protocol.TextFragment)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(protocol.SubjectTextFragment, func(msg *nats.Msg) {
		var frag protocol.TextFragment
		if err := json.Unmarshal(msg.Data, &frag); err != nil {
			c.log.Warn("failed to decode text fragment", slog.String("error", err.Error()))
			return
		}
		handler(frag)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectTextFragment, err)
	}
	return sub, nil
}

func (c *Client) PublishFrame(frame protocol.AudioFrame) error {
	return c.publish(protocol.SubjectAudioFrame, frame)
}

func (c *Client) PublishRevoke(revoke protocol.Revoke) error {
	return c.publish(protocol.SubjectAudioRevoke, revoke)
}

func (c *Client) PublishStatus(status protocol.Status) error {
	return c.publish(protocol.SubjectStatus, status)
}

func (c *Client) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
