// Package service exposes generatePodcast and fetchArtifact on top of the
// pipeline, the artifact store and, when enabled, the NATS bus.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-podcast/internal/audio"
	"github.com/loqalabs/loqa-podcast/internal/bus"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/extract"
	"github.com/loqalabs/loqa-podcast/internal/llm"
	"github.com/loqalabs/loqa-podcast/internal/pipeline"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/protocol"
	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/store"
	"github.com/loqalabs/loqa-podcast/internal/transcript"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

// Request asks for one podcast. Zero-valued overrides fall back to the
// configured generation defaults.
type Request struct {
	Sources      []podcast.SourceItem       `json:"sources"`
	TTSProvider  string                     `json:"tts_model,omitempty"`
	LLMModel     string                     `json:"llm_model,omitempty"`
	Voices       map[string]string          `json:"voices,omitempty"`
	Language     string                     `json:"output_language,omitempty"`
	Conversation *podcast.ConversationStyle `json:"conversation,omitempty"`
	// Creativity overrides the model temperature when set, including to 0.
	// Conversation.Creativity is ignored.
	Creativity *float64 `json:"creativity,omitempty"`
}

// Service owns the long-lived pipeline components for a process.
type Service struct {
	orch     *pipeline.Orchestrator
	store    *store.Store
	bus      *bus.Client
	sub      *nats.Subscription
	defaults config.GenerationConfig
	logger   *slog.Logger
}

// New builds every stage from cfg. busClient may be nil.
func New(cfg config.Config, st *store.Store, busClient *bus.Client, logger *slog.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("service: store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	gen, err := llm.NewFromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm backend: %w", err)
	}
	pattern := cfg.Generation.TagPattern
	if pattern == "" {
		pattern = segment.DefaultTagPattern
	}
	seg, err := segment.New(pattern)
	if err != nil {
		return nil, fmt.Errorf("init segmenter: %w", err)
	}
	writer, err := transcript.New(llm.NewCompleter(gen), seg, transcript.Options{
		PromptPath:   cfg.Generation.PromptPath,
		MaxTokens:    cfg.LLM.MaxTokens,
		DefaultModel: cfg.LLM.Model,
	}, logger)
	if err != nil {
		return nil, err
	}
	registry, err := tts.BuildRegistry(cfg.TTS, logger)
	if err != nil {
		return nil, err
	}

	observers := pipeline.MultiObserver{storeObserver{store: st, logger: logger}}
	if busClient != nil {
		observers = append(observers, busObserver{bus: busClient, logger: logger})
	}
	orch, err := pipeline.New(pipeline.Deps{
		Extractor:    extract.New(cfg.Extract, logger),
		Generator:    writer,
		Segmenter:    seg,
		Synthesizers: registry,
		Assembler: audio.New(audio.Options{
			Pause:    time.Duration(cfg.Audio.PauseMS) * time.Millisecond,
			FileName: cfg.Audio.FileName,
		}, logger),
		Observer: observers,
	}, pipeline.Options{
		RunsDir:              filepath.Join(cfg.Store.DataDir, "runs"),
		SynthesisConcurrency: cfg.Pipeline.SynthesisConcurrency,
	}, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("podcast service ready",
		slog.String("llm_mode", cfg.LLM.Mode),
		slog.Any("tts_providers", registry.Names()),
	)
	return &Service{
		orch:     orch,
		store:    st,
		bus:      busClient,
		defaults: cfg.Generation,
		logger:   logger.With(slog.String("component", "service")),
	}, nil
}

// Resolve merges req's overrides into the configured defaults. The result is
// a private copy the run may not share with anyone.
func (s *Service) Resolve(req Request) podcast.GenerationConfig {
	d := s.defaults
	cfg := podcast.GenerationConfig{
		TTSProvider: d.TTSProvider,
		LLMModel:    d.LLMModel,
		VoiceMap:    make(map[string]string, len(d.Voices)),
		Language:    d.Language,
		ConversationStyle: podcast.ConversationStyle{
			PodcastName:          d.PodcastName,
			Tagline:              d.Tagline,
			Styles:               d.ConversationStyle,
			Roles:                d.Roles,
			DialogueStructure:    d.DialogueStructure,
			EngagementTechniques: d.EngagementTechniques,
			UserInstructions:     d.UserInstructions,
			Creativity:           d.Creativity,
		},
	}
	for speaker, voice := range d.Voices {
		cfg.VoiceMap[speaker] = voice
	}

	if req.TTSProvider != "" {
		cfg.TTSProvider = req.TTSProvider
	}
	if req.LLMModel != "" {
		cfg.LLMModel = req.LLMModel
	}
	if req.Language != "" {
		cfg.Language = req.Language
	}
	for speaker, voice := range req.Voices {
		if voice != "" {
			cfg.VoiceMap[speaker] = voice
		}
	}
	if o := req.Conversation; o != nil {
		style := &cfg.ConversationStyle
		if o.PodcastName != "" {
			style.PodcastName = o.PodcastName
		}
		if o.Tagline != "" {
			style.Tagline = o.Tagline
		}
		if len(o.Styles) > 0 {
			style.Styles = o.Styles
		}
		if len(o.Roles) > 0 {
			roles := make(map[string]string, len(style.Roles)+len(o.Roles))
			for k, v := range style.Roles {
				roles[k] = v
			}
			for k, v := range o.Roles {
				roles[k] = v
			}
			style.Roles = roles
		}
		if len(o.DialogueStructure) > 0 {
			style.DialogueStructure = o.DialogueStructure
		}
		if len(o.EngagementTechniques) > 0 {
			style.EngagementTechniques = o.EngagementTechniques
		}
		if o.UserInstructions != "" {
			style.UserInstructions = o.UserInstructions
		}
		style.LongForm = o.LongForm
	}
	if req.Creativity != nil {
		cfg.ConversationStyle.Creativity = *req.Creativity
	}
	return cfg.Clone()
}

// Generate runs the pipeline for req and records the artifact. The returned
// artifact ID is the handle accepted by Open.
func (s *Service) Generate(ctx context.Context, req Request) (podcast.PodcastArtifact, error) {
	artifact, err := s.orch.Run(ctx, req.Sources, s.Resolve(req))
	if err != nil {
		return podcast.PodcastArtifact{}, err
	}
	if err := s.store.SaveArtifact(context.WithoutCancel(ctx), artifact); err != nil {
		return podcast.PodcastArtifact{}, fmt.Errorf("record artifact: %w", err)
	}
	return artifact, nil
}

// Open streams the audio of a finished artifact. The caller closes the reader.
func (s *Service) Open(ctx context.Context, artifactID string) (io.ReadCloser, podcast.PodcastArtifact, error) {
	return s.store.OpenArtifact(ctx, artifactID)
}

// RunEvents returns the recorded transitions of a run.
func (s *Service) RunEvents(ctx context.Context, runID string) ([]store.RunEvent, error) {
	return s.store.ListRunEvents(ctx, runID, 0)
}

// Prune applies artifact retention.
func (s *Service) Prune(ctx context.Context) error {
	return s.store.Prune(ctx)
}

// Start serves generate requests on <prefix>.generate when the bus is enabled.
func (s *Service) Start() error {
	if s.bus == nil {
		return nil
	}
	subject := s.bus.Subject(protocol.SubjectGenerate)
	sub, err := s.bus.HandleRequests(subject, protocol.QueueWorkers, s.handleGenerate)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("serving generate requests", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}

func (s *Service) handleGenerate(ctx context.Context, data []byte) []byte {
	var req Request
	var reply protocol.GenerateReply
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid request: %v", err)
	} else if artifact, err := s.Generate(ctx, req); err != nil {
		reply = failureReply(err)
	} else {
		reply = protocol.GenerateReply{ArtifactID: artifact.ID, RunID: artifact.RunID, DurationMs: artifact.TotalDurationMs}
	}
	out, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("failed to encode reply", slog.String("error", err.Error()))
	}
	return out
}

func failureReply(err error) protocol.GenerateReply {
	reply := protocol.GenerateReply{Error: err.Error(), Kind: podcast.KindOf(err)}
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		reply.RunID = runErr.RunID
		reply.Stage = string(runErr.Stage)
	}
	return reply
}

type storeObserver struct {
	store  *store.Store
	logger *slog.Logger
}

func (o storeObserver) Observe(ctx context.Context, evt pipeline.Event) {
	err := o.store.AppendEvent(ctx, store.RunEvent{
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		State:     string(evt.State),
		Kind:      evt.Kind,
		Message:   evt.Error,
		CreatedAt: evt.At,
	})
	if err != nil {
		o.logger.Warn("failed to record run event", slog.String("run_id", evt.RunID), slog.String("error", err.Error()))
	}
}

type busObserver struct {
	bus    *bus.Client
	logger *slog.Logger
}

func (o busObserver) Observe(_ context.Context, evt pipeline.Event) {
	msg := protocol.RunEvent{
		RunID:     evt.RunID,
		Seq:       evt.Seq,
		State:     string(evt.State),
		Stage:     string(evt.Stage),
		Kind:      evt.Kind,
		Error:     evt.Error,
		Timestamp: evt.At,
	}
	if err := o.bus.PublishJSON(o.bus.Subject(protocol.SubjectRuns, evt.RunID), msg); err != nil {
		o.logger.Warn("failed to publish run event", slog.String("run_id", evt.RunID), slog.String("error", err.Error()))
	}
}
