package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-podcast/internal/audio"
	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/extract"
	"github.com/loqalabs/loqa-podcast/internal/llm"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/segment"
	"github.com/loqalabs/loqa-podcast/internal/transcript"
	"github.com/loqalabs/loqa-podcast/internal/tts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// webStub serves url sources from memory; locators containing "down" are unreachable.
type webStub struct{}

func (webStub) Kind() podcast.SourceKind { return podcast.SourceURL }

func (webStub) FetchText(ctx context.Context, locator string) (string, error) {
	if strings.Contains(locator, "down") {
		return "", errors.New("dial tcp: connection refused")
	}
	return "Article text behind " + locator, nil
}

// flakyVoice fails the listed sequences with the given kinds, in order, then succeeds.
type flakyVoice struct {
	mu    sync.Mutex
	fails map[int][]podcast.SynthesisKind
	calls map[int]int
}

func newFlakyVoice(fails map[int][]podcast.SynthesisKind) *flakyVoice {
	return &flakyVoice{fails: fails, calls: make(map[int]int)}
}

func (f *flakyVoice) Name() string { return "flaky" }

func (f *flakyVoice) Synthesize(ctx context.Context, req tts.SynthRequest) (tts.Audio, error) {
	f.mu.Lock()
	n := f.calls[req.Sequence]
	f.calls[req.Sequence] = n + 1
	script := f.fails[req.Sequence]
	f.mu.Unlock()
	if n < len(script) {
		return tts.Audio{}, &podcast.SynthesisError{Kind: script[n], Provider: f.Name(), Err: errors.New("scripted")}
	}
	return tts.Audio{PCM: make([]byte, 160), SampleRate: 8000, Channels: 1}, nil
}

func (f *flakyVoice) callsFor(seq int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[seq]
}

// cannedModel answers every completion with the same text.
type cannedModel string

func (c cannedModel) Complete(ctx context.Context, prompt string, p llm.Params) (string, error) {
	return string(c), nil
}

// droppingAssembler loses one clip before handing the rest to the real assembler.
type droppingAssembler struct {
	next Assembler
	drop int
}

func (d droppingAssembler) Assemble(clips []podcast.AudioClip, expected int, outDir string) (podcast.PodcastArtifact, error) {
	kept := clips[:0:0]
	for _, c := range clips {
		if c.UtteranceSequence != d.drop {
			kept = append(kept, c)
		}
	}
	return d.next.Assemble(kept, expected, outDir)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Observe(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func (r *recorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	deps    Deps
	voice   *flakyVoice
	events  *recorder
	runsDir string
}

func newHarness(t *testing.T, fails map[int][]podcast.SynthesisKind) *harness {
	t.Helper()
	logger := quietLogger()
	seg := segment.MustDefault()
	gen, err := transcript.New(llm.NewCompleter(llm.NewMockGenerator()), seg, transcript.Options{MaxTokens: 512, DefaultModel: "mock"}, logger)
	if err != nil {
		t.Fatalf("new transcript generator: %v", err)
	}
	voice := newFlakyVoice(fails)
	reg := tts.NewRegistry(tts.RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}, logger)
	reg.Register(voice, config.RateLimit{})

	events := &recorder{}
	return &harness{
		deps: Deps{
			Extractor:    extract.New(config.ExtractConfig{MaxChars: 10000, TimeoutMS: 2000, Concurrency: 2}, logger, extract.WithStrategy(webStub{})),
			Generator:    gen,
			Segmenter:    seg,
			Synthesizers: reg,
			Assembler:    audio.New(audio.Options{Pause: 10 * time.Millisecond}, logger),
			Observer:     MultiObserver{events},
		},
		voice:   voice,
		events:  events,
		runsDir: t.TempDir(),
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(h.deps, Options{RunsDir: h.runsDir, SynthesisConcurrency: 3}, quietLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return o
}

func runConfig() podcast.GenerationConfig {
	return podcast.GenerationConfig{
		TTSProvider: "flaky",
		VoiceMap:    map[string]string{"speaker-1": "onyx", "speaker-2": "nova"},
		Language:    "English",
	}
}

func twoGoodOneDown() []podcast.SourceItem {
	return []podcast.SourceItem{
		{Kind: podcast.SourceURL, Locator: "https://one.example/post"},
		{Kind: podcast.SourceURL, Locator: "https://down.example/post"},
		{Kind: podcast.SourceRawText, Locator: "Some notes pasted by the user."},
	}
}

func TestRunSucceedsWhenOneSourceIsUnreachable(t *testing.T) {
	h := newHarness(t, nil)
	artifact, err := h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	utterances, err := segment.MustDefault().Segment(fixedMockTranscript(t), runConfig().VoiceMap)
	if err != nil {
		t.Fatalf("segment mock transcript: %v", err)
	}
	if artifact.UtteranceCount != len(utterances) {
		t.Fatalf("expected %d utterances, got %d", len(utterances), artifact.UtteranceCount)
	}
	if _, err := os.Stat(artifact.FilePath); err != nil {
		t.Fatalf("artifact file missing: %v", err)
	}
	if !strings.HasPrefix(artifact.FilePath, filepath.Join(h.runsDir, artifact.RunID)) {
		t.Fatalf("artifact %s outside its run dir", artifact.FilePath)
	}
	if len(artifact.SourceItems) != 3 || artifact.ID == "" || artifact.ID == artifact.RunID {
		t.Fatalf("unexpected artifact metadata %+v", artifact)
	}

	want := []State{StateCreated, StateExtracting, StateGenerating, StateSegmenting, StateSynthesizing, StateAssembling, StateDone}
	got := h.events.states()
	if len(got) != len(want) {
		t.Fatalf("expected states %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected states %v, got %v", want, got)
		}
	}
	for i, e := range h.events.events {
		if e.Seq != i || e.RunID != artifact.RunID {
			t.Fatalf("event %d has seq %d run %s", i, e.Seq, e.RunID)
		}
	}
}

func fixedMockTranscript(t *testing.T) podcast.Transcript {
	t.Helper()
	out, err := llm.NewCompleter(llm.NewMockGenerator()).Complete(context.Background(), "", llm.Params{Speakers: []string{"speaker-1", "speaker-2"}})
	if err != nil {
		t.Fatalf("mock completion: %v", err)
	}
	return podcast.Transcript{RawText: out}
}

func TestRunFailsWhenEverySourceFails(t *testing.T) {
	h := newHarness(t, nil)
	sources := []podcast.SourceItem{
		{Kind: podcast.SourceURL, Locator: "https://down.example/a"},
		{Kind: podcast.SourceURL, Locator: "https://down.example/b"},
	}
	_, err := h.orchestrator(t).Run(context.Background(), sources, runConfig())
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateExtracting {
		t.Fatalf("expected failure in Extracting, got %v", err)
	}
	if podcast.KindOf(err) != string(podcast.ExtractionUnreachable) {
		t.Fatalf("expected unreachable, got %q", podcast.KindOf(err))
	}
}

func TestRunUnknownSpeakerTagsFailSegmentation(t *testing.T) {
	h := newHarness(t, nil)
	gen, err := transcript.New(cannedModel("<host>Welcome to the show.</host>\n<guest>Thanks for having me.</guest>"),
		segment.MustDefault(), transcript.Options{}, quietLogger())
	if err != nil {
		t.Fatalf("new transcript generator: %v", err)
	}
	h.deps.Generator = gen
	_, err = h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())

	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateSegmenting {
		t.Fatalf("expected failure in Segmenting, got %v", err)
	}
	if podcast.KindOf(err) != string(podcast.SegmentationUnrecognizedSpeaker) {
		t.Fatalf("expected unrecognizedSpeaker, got %q", podcast.KindOf(err))
	}
	last := h.events.last()
	if last.State != StateFailed || last.Stage != StateSegmenting || last.Kind != string(podcast.SegmentationUnrecognizedSpeaker) {
		t.Fatalf("unexpected terminal event %+v", last)
	}
	if h.voice.callsFor(0) != 0 {
		t.Fatal("synthesis ran after segmentation failed")
	}
}

func TestRunUntaggedTranscriptFailsGeneration(t *testing.T) {
	h := newHarness(t, nil)
	gen, err := transcript.New(cannedModel("Welcome to the show.\nToday we talk about things."),
		segment.MustDefault(), transcript.Options{}, quietLogger())
	if err != nil {
		t.Fatalf("new transcript generator: %v", err)
	}
	h.deps.Generator = gen
	_, err = h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())

	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateGenerating {
		t.Fatalf("expected failure in Generating, got %v", err)
	}
	if podcast.KindOf(err) != string(podcast.GenerationMalformedOutput) {
		t.Fatalf("expected malformedOutput, got %q", podcast.KindOf(err))
	}
}

func TestRunRetriesRateLimitedUtterance(t *testing.T) {
	h := newHarness(t, map[int][]podcast.SynthesisKind{
		2: {podcast.SynthesisRateLimited, podcast.SynthesisRateLimited},
	})
	artifact, err := h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.voice.callsFor(2) != 3 {
		t.Fatalf("expected 3 calls for utterance 2, got %d", h.voice.callsFor(2))
	}
	if h.voice.callsFor(0) != 1 {
		t.Fatalf("expected a single call for utterance 0, got %d", h.voice.callsFor(0))
	}
	if h.events.last().State != StateDone || artifact.UtteranceCount == 0 {
		t.Fatalf("expected Done, got %+v", h.events.last())
	}
}

func TestRunSynthesisFailureLeavesNoArtifact(t *testing.T) {
	h := newHarness(t, map[int][]podcast.SynthesisKind{
		1: {podcast.SynthesisVoiceNotFound},
	})
	_, err := h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Stage != StateSynthesizing {
		t.Fatalf("expected failure in Synthesizing, got %v", err)
	}
	var synthErr *podcast.SynthesisError
	if !errors.As(err, &synthErr) || synthErr.Kind != podcast.SynthesisVoiceNotFound || synthErr.Sequence != 1 {
		t.Fatalf("expected voiceNotFound for utterance 1, got %v", err)
	}
	assertNoArtifacts(t, h.runsDir)
}

func TestRunMissingClipFailsAssembly(t *testing.T) {
	h := newHarness(t, nil)
	h.deps.Assembler = droppingAssembler{next: h.deps.Assembler, drop: 2}
	_, err := h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), runConfig())

	var asmErr *podcast.AssemblyError
	if !errors.As(err, &asmErr) || asmErr.Kind != podcast.AssemblyMissingClip || asmErr.Sequence != 2 {
		t.Fatalf("expected missingClip for sequence 2, got %v", err)
	}
	if h.events.last().State != StateFailed {
		t.Fatalf("expected Failed, got %+v", h.events.last())
	}
	assertNoArtifacts(t, h.runsDir)
}

func TestRunRejectsUnknownProviderBeforeExtracting(t *testing.T) {
	h := newHarness(t, nil)
	cfg := runConfig()
	cfg.TTSProvider = "nope"
	_, err := h.orchestrator(t).Run(context.Background(), twoGoodOneDown(), cfg)
	if !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if got := h.events.states(); len(got) != 2 || got[1] != StateFailed {
		t.Fatalf("expected Created then Failed, got %v", got)
	}
}

func TestRunWithoutSources(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.orchestrator(t).Run(context.Background(), nil, runConfig()); !errors.Is(err, podcast.ErrNoSources) {
		t.Fatalf("expected ErrNoSources, got %v", err)
	}
}

func TestRunCancelledStopsAtStageBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.deps.Observer = ObserverFunc(func(_ context.Context, evt Event) {
		if evt.State == StateGenerating {
			cancel()
		}
	})
	_, err := h.orchestrator(t).Run(ctx, twoGoodOneDown(), runConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if h.voice.callsFor(0) != 0 {
		t.Fatal("expected no synthesis after cancellation")
	}
}

func TestNewRequiresStages(t *testing.T) {
	if _, err := New(Deps{}, Options{}, quietLogger()); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func assertNoArtifacts(t *testing.T, root string) {
	t.Helper()
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			t.Fatalf("unexpected file left behind: %s", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk runs dir: %v", err)
	}
}
