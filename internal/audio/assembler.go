// Package audio concatenates synthesized clips into one WAV file.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

const (
	bitDepth      = 16
	wavFormatPCM  = 1
	defaultOutput = "podcast.wav"
)

type Options struct {
	Pause    time.Duration
	FileName string
}

type Assembler struct {
	opts   Options
	clock  func() time.Time
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Assembler {
	if opts.FileName == "" {
		opts.FileName = defaultOutput
	}
	if opts.Pause < 0 {
		opts.Pause = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{opts: opts, clock: time.Now, logger: logger.With(slog.String("component", "audio"))}
}

// Assemble orders clips by utterance sequence, checks that exactly the
// sequences [0, expected) are present in one format, and writes them with a
// pause between clips to outDir. Nothing is left in outDir on failure.
func (a *Assembler) Assemble(clips []podcast.AudioClip, expected int, outDir string) (podcast.PodcastArtifact, error) {
	ordered, err := order(clips, expected)
	if err != nil {
		return podcast.PodcastArtifact{}, err
	}
	sampleRate, channels := ordered[0].SampleRate, ordered[0].Channels
	if sampleRate <= 0 || channels <= 0 {
		return podcast.PodcastArtifact{}, &podcast.AssemblyError{
			Kind:     podcast.AssemblyFormatMismatch,
			Sequence: 0,
			Err:      fmt.Errorf("invalid format %dHz/%dch", sampleRate, channels),
		}
	}
	for _, c := range ordered {
		if c.SampleRate != sampleRate || c.Channels != channels {
			return podcast.PodcastArtifact{}, &podcast.AssemblyError{
				Kind:     podcast.AssemblyFormatMismatch,
				Sequence: c.UtteranceSequence,
				Err:      fmt.Errorf("clip is %dHz/%dch, expected %dHz/%dch", c.SampleRate, c.Channels, sampleRate, channels),
			}
		}
		if len(c.PCM)%(2*channels) != 0 {
			return podcast.PodcastArtifact{}, &podcast.AssemblyError{
				Kind:     podcast.AssemblyFormatMismatch,
				Sequence: c.UtteranceSequence,
				Err:      errors.New("pcm length is not a whole number of frames"),
			}
		}
	}

	path := filepath.Join(outDir, a.opts.FileName)
	frames, err := a.write(path, ordered, sampleRate, channels)
	if err != nil {
		return podcast.PodcastArtifact{}, &podcast.AssemblyError{Kind: podcast.AssemblyWriteFailure, Sequence: -1, Err: err}
	}
	duration := int(frames * 1000 / int64(sampleRate))
	a.logger.Info("podcast audio written",
		slog.String("path", path),
		slog.Int("clips", len(ordered)),
		slog.Int("duration_ms", duration),
	)
	return podcast.PodcastArtifact{
		FilePath:        path,
		TotalDurationMs: duration,
		UtteranceCount:  len(ordered),
		CreatedAt:       a.clock().UTC(),
	}, nil
}

func order(clips []podcast.AudioClip, expected int) ([]podcast.AudioClip, error) {
	if expected <= 0 {
		return nil, &podcast.AssemblyError{Kind: podcast.AssemblyMissingClip, Sequence: -1, Err: errors.New("no utterances to assemble")}
	}
	bySeq := make(map[int]podcast.AudioClip, len(clips))
	for _, c := range clips {
		if c.UtteranceSequence < 0 || c.UtteranceSequence >= expected {
			return nil, &podcast.AssemblyError{
				Kind:     podcast.AssemblyFormatMismatch,
				Sequence: c.UtteranceSequence,
				Err:      fmt.Errorf("sequence outside [0, %d)", expected),
			}
		}
		if _, dup := bySeq[c.UtteranceSequence]; dup {
			return nil, &podcast.AssemblyError{
				Kind:     podcast.AssemblyFormatMismatch,
				Sequence: c.UtteranceSequence,
				Err:      errors.New("duplicate clip"),
			}
		}
		bySeq[c.UtteranceSequence] = c
	}
	for seq := 0; seq < expected; seq++ {
		if _, ok := bySeq[seq]; !ok {
			return nil, &podcast.AssemblyError{Kind: podcast.AssemblyMissingClip, Sequence: seq}
		}
	}
	ordered := make([]podcast.AudioClip, 0, expected)
	for _, c := range bySeq {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].UtteranceSequence < ordered[j].UtteranceSequence })
	return ordered, nil
}

// write encodes to a temp file in the same directory and renames it into place.
func (a *Assembler) write(path string, clips []podcast.AudioClip, sampleRate, channels int) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".assemble-*.wav.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	format := &goaudio.Format{NumChannels: channels, SampleRate: sampleRate}
	enc := wav.NewEncoder(tmp, sampleRate, bitDepth, channels, wavFormatPCM)
	pauseFrames := int(int64(sampleRate) * a.opts.Pause.Milliseconds() / 1000)
	silence := &goaudio.IntBuffer{Format: format, Data: make([]int, pauseFrames*channels), SourceBitDepth: bitDepth}

	var frames int64
	for i, c := range clips {
		if i > 0 && pauseFrames > 0 {
			if err := enc.Write(silence); err != nil {
				cleanup()
				return 0, fmt.Errorf("write pause: %w", err)
			}
			frames += int64(pauseFrames)
		}
		buf := &goaudio.IntBuffer{Format: format, Data: samples(c.PCM), SourceBitDepth: bitDepth}
		if err := enc.Write(buf); err != nil {
			cleanup()
			return 0, fmt.Errorf("write clip %d: %w", c.UtteranceSequence, err)
		}
		frames += int64(len(buf.Data) / channels)
	}
	if err := enc.Close(); err != nil {
		cleanup()
		return 0, fmt.Errorf("finalize wav: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return 0, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return 0, fmt.Errorf("rename: %w", err)
	}
	return frames, nil
}

func samples(pcm []byte) []int {
	out := make([]int, len(pcm)/2)
	for i := range out {
		out[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	return out
}
