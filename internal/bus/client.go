// Package bus publishes run events and serves generate requests over NATS.
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

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
)

// Client wraps a NATS connection and JetStream context with subject helpers.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	prefix string
	log    *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "bus"))

	options := []nats.Option{
		nats.Name("loqa-podcast"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
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

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = "podcast"
	}
	return &Client{conn: conn, js: js, prefix: prefix, log: log}, nil
}

// Subject joins parts under the configured prefix, e.g. podcast.runs.<id>.
func (c *Client) Subject(parts ...string) string {
	return strings.Join(append([]string{c.prefix}, parts...), ".")
}

// EnsureRunStream creates the JetStream stream that retains run events when
// the server supports JetStream. It is a no-op when the stream already exists.
func (c *Client) EnsureRunStream(maxAge time.Duration) error {
	name := strings.ToUpper(c.prefix) + "_RUNS"
	if _, err := c.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{c.Subject(protocol.SubjectRuns, ">")},
		Storage:  nats.FileStorage,
		MaxAge:   maxAge,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", name, err)
	}
	c.log.Info("run event stream ready", slog.String("stream", name))
	return nil
}

// PublishJSON encodes v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", subject, err)
	}
	return c.conn.Publish(subject, data)
}

// HandleRequests subscribes to subject in queue group queue and replies with
// whatever handle returns. Each request runs on its own goroutine.
func (c *Client) HandleRequests(subject, queue string, handle func(ctx context.Context, data []byte) []byte) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		go func() {
			reply := handle(context.Background(), msg.Data)
			if msg.Reply == "" {
				return
			}
			if err := msg.Respond(reply); err != nil {
				c.log.Warn("failed to respond", slog.String("subject", subject), slog.String("error", err.Error()))
			}
		}()
	})
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
