// Package pipeline drives one podcast run from sources to an assembled audio file.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-podcast/internal/extract"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/transcript"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

const instrumentation = "github.com/loqalabs/loqa-podcast/pipeline"

// ErrUnknownProvider is returned when a run names a TTS provider that is not enabled.
var ErrUnknownProvider = errors.New("unknown tts provider")

type Extractor interface {
	ExtractAll(ctx context.Context, items []podcast.SourceItem) []extract.Result
}

type TranscriptGenerator interface {
	Generate(ctx context.Context, runID, text string, cfg podcast.GenerationConfig) (podcast.Transcript, error)
}

type Segmenter interface {
	Segment(t podcast.Transcript, voiceMap map[string]string) ([]podcast.Utterance, error)
}

type Synthesizers interface {
	Lookup(name string) (*tts.Adapter, error)
}

type Assembler interface {
	Assemble(clips []podcast.AudioClip, expected int, outDir string) (podcast.PodcastArtifact, error)
}

// Deps are the stage components. All are required except Observer.
type Deps struct {
	Extractor    Extractor
	Generator    TranscriptGenerator
	Segmenter    Segmenter
	Synthesizers Synthesizers
	Assembler    Assembler
	Observer     Observer
}

type Options struct {
	// RunsDir holds one directory per run, named by run id.
	RunsDir              string
	SynthesisConcurrency int
}

type Orchestrator struct {
	deps        Deps
	runsDir     string
	concurrency int
	newID       func() string
	clock       func() time.Time
	tracer      trace.Tracer
	runs        metric.Int64Counter
	stageTime   metric.Float64Histogram
	logger      *slog.Logger
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	switch {
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: transcript generator is required")
	case deps.Segmenter == nil:
		return nil, errors.New("pipeline: segmenter is required")
	case deps.Synthesizers == nil:
		return nil, errors.New("pipeline: tts registry is required")
	case deps.Assembler == nil:
		return nil, errors.New("pipeline: assembler is required")
	}
	if deps.Observer == nil {
		deps.Observer = MultiObserver(nil)
	}
	if opts.SynthesisConcurrency <= 0 {
		opts.SynthesisConcurrency = 1
	}
	if opts.RunsDir == "" {
		opts.RunsDir = filepath.Join(os.TempDir(), "loqa-podcast", "runs")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))

	meter := otel.Meter(instrumentation)
	runs, err := meter.Int64Counter("podcast.runs", metric.WithDescription("Pipeline runs by terminal state"))
	if err != nil {
		return nil, fmt.Errorf("create run counter: %w", err)
	}
	stageTime, err := meter.Float64Histogram("podcast.stage.duration",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}

	return &Orchestrator{
		deps:        deps,
		runsDir:     opts.RunsDir,
		concurrency: opts.SynthesisConcurrency,
		newID:       uuid.NewString,
		clock:       time.Now,
		tracer:      otel.Tracer(instrumentation),
		runs:        runs,
		stageTime:   stageTime,
		logger:      logger,
	}, nil
}

// Run executes one run. On failure the error is a *RunError and no artifact
// file is left behind. Cancelling ctx stops the run at the next stage boundary.
func (o *Orchestrator) Run(ctx context.Context, sources []podcast.SourceItem, cfg podcast.GenerationConfig) (podcast.PodcastArtifact, error) {
	cfg = cfg.Clone()
	sources = append([]podcast.SourceItem(nil), sources...)

	r := o.start(ctx)
	ctx = r.ctx
	defer r.span.End()

	if len(sources) == 0 {
		return podcast.PodcastArtifact{}, r.fail(podcast.ErrNoSources)
	}
	adapter, err := o.deps.Synthesizers.Lookup(cfg.TTSProvider)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(fmt.Errorf("%w: %v", ErrUnknownProvider, err))
	}

	stageCtx, err := r.enter(StateExtracting)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	docs, err := o.extract(stageCtx, r, sources)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}

	if stageCtx, err = r.enter(StateGenerating); err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	script, err := o.deps.Generator.Generate(stageCtx, r.id, transcript.JoinDocuments(docs), cfg)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}

	if _, err = r.enter(StateSegmenting); err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	utterances, err := o.deps.Segmenter.Segment(script, cfg.VoiceMap)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	r.logger.Info("transcript segmented", slog.Int("utterances", len(utterances)))

	if stageCtx, err = r.enter(StateSynthesizing); err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	clips, err := o.synthesize(stageCtx, r.id, adapter, utterances, cfg)
	if err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}

	if _, err = r.enter(StateAssembling); err != nil {
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	runDir := filepath.Join(o.runsDir, r.id)
	artifact, err := o.deps.Assembler.Assemble(clips, len(utterances), runDir)
	if err != nil {
		_ = os.RemoveAll(runDir)
		return podcast.PodcastArtifact{}, r.fail(err)
	}
	artifact.ID = o.newID()
	artifact.RunID = r.id
	artifact.SourceItems = sources

	r.done(artifact)
	return artifact, nil
}

func (o *Orchestrator) extract(ctx context.Context, r *run, sources []podcast.SourceItem) ([]podcast.ExtractedDocument, error) {
	results := o.deps.Extractor.ExtractAll(ctx, sources)
	docs := make([]podcast.ExtractedDocument, 0, len(results))
	var errs []error
	for _, res := range results {
		if res.Err != nil {
			r.logger.Warn("source excluded", slog.String("kind", podcast.KindOf(res.Err)), slogError(res.Err))
			errs = append(errs, res.Err)
			continue
		}
		docs = append(docs, res.Document)
	}
	if len(docs) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("all %d sources failed: %w", len(errs), errors.Join(errs...))
	}
	r.logger.Info("sources extracted", slog.Int("ok", len(docs)), slog.Int("failed", len(errs)))
	return docs, nil
}

// synthesize fans out one call per utterance and waits for every launched
// call to return. Clips are indexed by sequence, never by completion order.
func (o *Orchestrator) synthesize(ctx context.Context, runID string, adapter *tts.Adapter, utterances []podcast.Utterance, cfg podcast.GenerationConfig) ([]podcast.AudioClip, error) {
	clips := make([]podcast.AudioClip, len(utterances))
	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(o.concurrency)
	for i, u := range utterances {
		if ctx.Err() != nil || failed.Load() {
			break
		}
		g.Go(func() error {
			clip, err := adapter.Synthesize(ctx, runID, u, cfg.VoiceMap[u.SpeakerID], cfg.Language)
			if err != nil {
				failed.Store(true)
				return err
			}
			clips[i] = clip
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return clips, nil
}

// run tracks the state of one Run call. Transitions happen on the calling goroutine only.
type run struct {
	o          *Orchestrator
	id         string
	ctx        context.Context
	span       trace.Span
	state      State
	seq        int
	stageSpan  trace.Span
	stageStart time.Time
	logger     *slog.Logger
}

func (o *Orchestrator) start(ctx context.Context) *run {
	id := o.newID()
	ctx, span := o.tracer.Start(ctx, "podcast.run", trace.WithAttributes(attribute.String("run_id", id)))
	r := &run{o: o, id: id, ctx: ctx, span: span, state: StateCreated, logger: o.logger.With(slog.String("run_id", id))}
	r.emit(Event{State: StateCreated})
	r.logger.Info("run created")
	return r
}

// enter moves to next unless the run was cancelled. The returned context
// carries the stage span.
func (r *run) enter(next State) (context.Context, error) {
	if err := r.ctx.Err(); err != nil {
		return r.ctx, err
	}
	r.endStage(nil)
	r.state = next
	r.stageStart = r.o.clock()
	var stageCtx context.Context
	stageCtx, r.stageSpan = r.o.tracer.Start(r.ctx, "podcast."+strings.ToLower(string(next)))
	r.emit(Event{State: next})
	r.logger.Info("run stage started", slog.String("state", string(next)))
	return stageCtx, nil
}

func (r *run) endStage(err error) {
	if r.stageSpan == nil {
		return
	}
	elapsed := r.o.clock().Sub(r.stageStart).Seconds()
	r.o.stageTime.Record(r.ctx, elapsed, metric.WithAttributes(attribute.String("stage", string(r.state))))
	if err != nil {
		r.stageSpan.RecordError(err)
		r.stageSpan.SetStatus(codes.Error, err.Error())
	}
	r.stageSpan.End()
	r.stageSpan = nil
}

func (r *run) fail(err error) error {
	stage := r.state
	r.endStage(err)
	r.state = StateFailed
	kind := podcast.KindOf(err)
	r.emit(Event{State: StateFailed, Stage: stage, Kind: kind, Error: err.Error()})
	r.o.runs.Add(context.WithoutCancel(r.ctx), 1, metric.WithAttributes(attribute.String("state", string(StateFailed))))
	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	r.logger.Error("run failed",
		slog.String("stage", string(stage)),
		slog.String("kind", kind),
		slogError(err),
	)
	return &RunError{RunID: r.id, Stage: stage, Err: err}
}

func (r *run) done(artifact podcast.PodcastArtifact) {
	r.endStage(nil)
	r.state = StateDone
	r.emit(Event{State: StateDone})
	r.o.runs.Add(r.ctx, 1, metric.WithAttributes(attribute.String("state", string(StateDone))))
	r.span.SetAttributes(attribute.Int("utterances", artifact.UtteranceCount))
	r.logger.Info("run done",
		slog.String("artifact_id", artifact.ID),
		slog.String("path", artifact.FilePath),
		slog.Int("duration_ms", artifact.TotalDurationMs),
	)
}

// emit delivers evt even after cancellation so the terminal state is always recorded.
func (r *run) emit(evt Event) {
	evt.RunID = r.id
	evt.Seq = r.seq
	evt.At = r.o.clock().UTC()
	r.seq++
	r.o.deps.Observer.Observe(context.WithoutCancel(r.ctx), evt)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
