package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

const maxErrorBody = 4 << 10

// classifyStatus maps a failed HTTP response to a synthesis error kind.
// Quota errors are checked first since some vendors report them as 429.
// A 404 only means a missing voice when the body says so; a wrong base URL
// or model path is the provider being unavailable.
func classifyStatus(provider string, status int, body []byte) error {
	lower := strings.ToLower(string(body))
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := fmt.Errorf("status %d: %s", status, snippet)

	kind := podcast.SynthesisProviderUnavailable
	switch {
	case status == http.StatusPaymentRequired,
		strings.Contains(lower, "insufficient_quota"),
		strings.Contains(lower, "quota_exceeded"):
		kind = podcast.SynthesisQuotaExceeded
	case status == http.StatusTooManyRequests:
		kind = podcast.SynthesisRateLimited
	case (status == http.StatusNotFound || status == http.StatusUnprocessableEntity || status == http.StatusBadRequest) &&
		strings.Contains(lower, "voice"):
		kind = podcast.SynthesisVoiceNotFound
	}
	return &podcast.SynthesisError{Kind: kind, Provider: provider, Err: cause}
}

func unavailable(provider string, err error) error {
	return &podcast.SynthesisError{Kind: podcast.SynthesisProviderUnavailable, Provider: provider, Err: err}
}

// doAudioRequest sends req and returns the response body on 2xx.
func doAudioRequest(ctx context.Context, client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, classifyStatus(provider, resp.StatusCode, body)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, unavailable(provider, fmt.Errorf("read audio: %w", err))
	}
	return buf.Bytes(), nil
}
