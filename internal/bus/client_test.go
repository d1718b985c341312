package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
)

func startBus(t *testing.T) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000, SubjectPrefix: "podcast"}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPublishRunEvent(t *testing.T) {
	client := startBus(t)
	if err := client.EnsureRunStream(time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := client.EnsureRunStream(time.Hour); err != nil {
		t.Fatalf("ensure stream twice: %v", err)
	}

	sub, err := client.Conn().SubscribeSync(client.Subject("runs", ">"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := client.PublishJSON(client.Subject("runs", "abc"), map[string]string{"state": "Done"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("next msg: %v", err)
	}
	if msg.Subject != "podcast.runs.abc" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}
	var payload map[string]string
	if err := json.Unmarshal(msg.Data, &payload); err != nil || payload["state"] != "Done" {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}
}

func TestHandleRequestsReplies(t *testing.T) {
	client := startBus(t)
	subject := client.Subject("generate")
	if _, err := client.HandleRequests(subject, "workers", func(ctx context.Context, data []byte) []byte {
		return append([]byte("echo:"), data...)
	}); err != nil {
		t.Fatalf("handle requests: %v", err)
	}
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !client.Healthy() {
		t.Fatal("expected healthy connection")
	}

	resp, err := client.Conn().Request(subject, []byte("hi"), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Data) != "echo:hi" {
		t.Fatalf("unexpected reply %q", resp.Data)
	}
}
