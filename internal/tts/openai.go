package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/config"
)

// openAIProvider calls /audio/speech with response_format=pcm, which returns
// raw 24kHz mono 16-bit PCM.
type openAIProvider struct {
	cfg    config.OpenAITTSConfig
	client *http.Client
}

func NewOpenAIProvider(cfg config.OpenAITTSConfig, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &openAIProvider{cfg: cfg, client: client}
}

func (p *openAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	Speed          float64 `json:"speed,omitempty"`
}

func (p *openAIProvider) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	body, err := json.Marshal(openAIRequest{
		Model:          p.cfg.Model,
		Input:          req.Text,
		Voice:          req.Voice,
		ResponseFormat: "pcm",
		Speed:          p.cfg.Speed,
	})
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	httpReq, err := http.NewRequest(http.MethodPost, strings.TrimRight(p.cfg.BaseURL, "/")+"/audio/speech", bytes.NewReader(body))
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	pcm, err := doAudioRequest(ctx, p.client, p.Name(), httpReq)
	if err != nil {
		return Audio{}, err
	}
	return Audio{PCM: pcm, SampleRate: sampleRateOr(p.cfg.SampleRate, 24000), Channels: 1}, nil
}

func sampleRateOr(rate, fallback int) int {
	if rate > 0 {
		return rate
	}
	return fallback
}
