package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/natsserver"
	"github.com/loqalabs/loqa-podcast/internal/pipeline"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return newServiceWithBus(t, nil)
}

func newServiceWithBus(t *testing.T, busClient *bus.Client) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Store.DataDir = dir
	cfg.Store.DSN = filepath.Join(dir, "podcast.db")
	cfg.Audio.PauseMS = 50
	cfg.TTS.Mock.SampleRate = 8000

	st, err := store.Open(context.Background(), cfg.Store, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := New(cfg, st, busClient, logger)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func rawText(text string) []podcast.SourceItem {
	return []podcast.SourceItem{{Kind: podcast.SourceRawText, Locator: text}}
}

func TestGenerateAndOpen(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	artifact, err := svc.Generate(ctx, Request{Sources: rawText("Notes about the history of radio.")})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if artifact.ID == "" || artifact.UtteranceCount == 0 || artifact.TotalDurationMs == 0 {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	rc, meta, err := svc.Open(ctx, artifact.ID)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if len(data) < 44 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("artifact is not a wav file")
	}
	if meta.RunID != artifact.RunID || len(meta.SourceItems) != 1 {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	events, err := svc.RunEvents(ctx, artifact.RunID)
	if err != nil {
		t.Fatalf("run events: %v", err)
	}
	if len(events) != 7 || events[0].State != string(pipeline.StateCreated) || events[6].State != string(pipeline.StateDone) {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestOpenUnknownArtifact(t *testing.T) {
	svc := newTestService(t)
	if _, _, err := svc.Open(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveMergesOverrides(t *testing.T) {
	svc := newTestService(t)
	cfg := svc.Resolve(Request{
		TTSProvider: "openai",
		Voices:      map[string]string{"speaker-2": "shimmer"},
		Conversation: &podcast.ConversationStyle{
			PodcastName: "Deep Dive",
			Roles:       map[string]string{"speaker-1": "host"},
			LongForm:    true,
		},
	})
	if cfg.TTSProvider != "openai" || cfg.Language != "English" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.VoiceMap["speaker-1"] != "onyx" || cfg.VoiceMap["speaker-2"] != "shimmer" {
		t.Fatalf("unexpected voices %v", cfg.VoiceMap)
	}
	style := cfg.ConversationStyle
	if style.PodcastName != "Deep Dive" || !style.LongForm || style.Tagline == "" {
		t.Fatalf("unexpected style %+v", style)
	}
	if style.Roles["speaker-1"] != "host" || style.Roles["speaker-2"] == "" {
		t.Fatalf("unexpected roles %v", style.Roles)
	}

	cfg.VoiceMap["speaker-1"] = "changed"
	if svc.Resolve(Request{}).VoiceMap["speaker-1"] != "onyx" {
		t.Fatal("resolved config shares state with defaults")
	}
}

func TestHandleGenerateReportsFailure(t *testing.T) {
	svc := newTestService(t)
	data, _ := json.Marshal(Request{Sources: rawText("hello"), TTSProvider: "nope"})

	var reply protocol.GenerateReply
	if err := json.Unmarshal(svc.handleGenerate(context.Background(), data), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" || reply.Stage != string(pipeline.StateCreated) || reply.RunID == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	if err := json.Unmarshal(svc.handleGenerate(context.Background(), []byte("{")), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error == "" {
		t.Fatal("expected error for malformed request")
	}
}

func TestHandleGenerateSucceeds(t *testing.T) {
	svc := newTestService(t)
	data, _ := json.Marshal(Request{Sources: rawText("A short article about bees.")})
	var reply protocol.GenerateReply
	if err := json.Unmarshal(svc.handleGenerate(context.Background(), data), &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Error != "" || reply.ArtifactID == "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestGenerateOverBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	busCfg := config.BusConfig{Enabled: true, Embedded: true, Port: -1, StoreDir: t.TempDir(), ConnectTimeout: 2000, SubjectPrefix: "podcast"}
	srv, err := natsserver.Start(busCfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := newServiceWithBus(t, client)
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)

	events, err := client.Conn().SubscribeSync(client.Subject(protocol.SubjectRuns, ">"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	data, _ := json.Marshal(Request{Sources: rawText("Why lighthouses are painted in stripes.")})
	msg, err := client.Conn().Request(client.Subject(protocol.SubjectGenerate), data, 10*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var reply protocol.GenerateReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.ArtifactID == "" {
		t.Fatalf("unexpected reply %s (%v)", msg.Data, err)
	}

	var states []string
	for len(states) < 7 {
		next, err := events.NextMsg(2 * time.Second)
		if err != nil {
			t.Fatalf("expected 7 run events, got %v: %v", states, err)
		}
		var evt protocol.RunEvent
		if err := json.Unmarshal(next.Data, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.RunID != reply.RunID || next.Subject != "podcast.runs."+reply.RunID {
			t.Fatalf("event for wrong run: %s %+v", next.Subject, evt)
		}
		states = append(states, evt.State)
	}
	if states[0] != string(pipeline.StateCreated) || states[6] != string(pipeline.StateDone) {
		t.Fatalf("unexpected states %v", states)
	}
}

func TestResolveHonoursZeroCreativity(t *testing.T) {
	svc := newTestService(t)
	if got := svc.Resolve(Request{}).ConversationStyle.Creativity; got != 0.7 {
		t.Fatalf("expected default creativity 0.7, got %v", got)
	}
	zero := 0.0
	if got := svc.Resolve(Request{Creativity: &zero}).ConversationStyle.Creativity; got != 0 {
		t.Fatalf("expected explicit 0 to override the default, got %v", got)
	}
}
