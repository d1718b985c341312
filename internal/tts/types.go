package tts

import "context"

// SynthRequest contains parameters to synthesize one utterance.
type SynthRequest struct {
	RunID    string
	Sequence int
	Text     string
	Voice    string
	Language string
}

// Audio is signed 16-bit little-endian PCM, interleaved when Channels > 1.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Provider is the contract every speech backend implements. Implementations
// must be safe for concurrent use and report failures as *podcast.SynthesisError.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}
