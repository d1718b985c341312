package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/config"
)

type elevenLabsProvider struct {
	cfg    config.ElevenLabsTTSConfig
	client *http.Client
}

func NewElevenLabsProvider(cfg config.ElevenLabsTTSConfig, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &elevenLabsProvider{cfg: cfg, client: client}
}

func (p *elevenLabsProvider) Name() string { return "elevenlabs" }

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func (p *elevenLabsProvider) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	rate := sampleRateOr(p.cfg.SampleRate, 24000)
	body, err := json.Marshal(elevenLabsRequest{Text: req.Text, ModelID: p.cfg.Model})
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	endpoint := fmt.Sprintf("%s/text-to-speech/%s?output_format=pcm_%d",
		strings.TrimRight(p.cfg.BaseURL, "/"), url.PathEscape(req.Voice), rate)
	httpReq, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	httpReq.Header.Set("xi-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/pcm")

	pcm, err := doAudioRequest(ctx, p.client, p.Name(), httpReq)
	if err != nil {
		return Audio{}, err
	}
	return Audio{PCM: pcm, SampleRate: rate, Channels: 1}, nil
}
