package tts

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"strings"
	"time"
)

const mockMsPerWord = 60

// mockProvider renders a short tone per utterance, pitched by voice and sized
// by word count, so runs produce audible output without a vendor.
type mockProvider struct {
	sampleRate int
	channels   int
}

func NewMockProvider(sampleRate, channels int) Provider {
	return &mockProvider{sampleRate: sampleRateOr(sampleRate, 24000), channels: max(channels, 1)}
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	words := max(len(strings.Fields(req.Text)), 1)
	frames := m.sampleRate * words * mockMsPerWord / 1000

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Voice))
	freq := 180 + float64(h.Sum32()%200)

	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		sample := int16(1200 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(sample))
		}
	}
	return Audio{PCM: pcm, SampleRate: m.sampleRate, Channels: m.channels}, nil
}
