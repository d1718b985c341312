package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/config"
)

// geminiProvider uses generateContent with the AUDIO response modality.
// Audio comes back base64 encoded as audio/L16 PCM.
type geminiProvider struct {
	cfg    config.GeminiTTSConfig
	client *http.Client
}

func NewGeminiProvider(cfg config.GeminiTTSConfig, client *http.Client) Provider {
	if client == nil {
		client = http.DefaultClient
	}
	return &geminiProvider{cfg: cfg, client: client}
}

func (p *geminiProvider) Name() string { return "gemini" }

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities"`
	SpeechConfig       geminiSpeechConfig `json:"speechConfig"`
}

type geminiSpeechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
	LanguageCode string `json:"languageCode,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *geminiProvider) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: req.Text}}}},
		GenerationConfig: geminiGenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}
	payload.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = req.Voice
	payload.GenerationConfig.SpeechConfig.LanguageCode = languageCode(req.Language)
	body, err := json.Marshal(payload)
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(p.cfg.BaseURL, "/"), p.cfg.Model)
	httpReq, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Audio{}, unavailable(p.Name(), err)
	}
	httpReq.Header.Set("x-goog-api-key", p.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	raw, err := doAudioRequest(ctx, p.client, p.Name(), httpReq)
	if err != nil {
		return Audio{}, err
	}
	var resp geminiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Audio{}, unavailable(p.Name(), fmt.Errorf("decode response: %w", err))
	}
	for _, c := range resp.Candidates {
		for _, part := range c.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return Audio{}, unavailable(p.Name(), fmt.Errorf("decode audio: %w", err))
			}
			rate := mimeRate(part.InlineData.MimeType)
			if rate == 0 {
				rate = sampleRateOr(p.cfg.SampleRate, 24000)
			}
			return Audio{PCM: pcm, SampleRate: rate, Channels: 1}, nil
		}
	}
	return Audio{}, unavailable(p.Name(), errors.New("response contained no audio"))
}

// mimeRate reads the rate parameter from a type like "audio/L16;codec=pcm;rate=24000".
func mimeRate(mimeType string) int {
	for _, param := range strings.Split(mimeType, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if n, err := strconv.Atoi(value); err == nil {
				return n
			}
		}
	}
	return 0
}
