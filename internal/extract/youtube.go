package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,64}$`)

// YouTubeStrategy fetches a video transcript from a transcript API and caches
// it on disk by video ID.
type YouTubeStrategy struct {
	client   *HTTPClient
	apiURL   string
	apiKey   string
	cacheDir string
	retries  uint
}

func NewYouTubeStrategy(client *HTTPClient, cfg config.YouTubeConfig) *YouTubeStrategy {
	return &YouTubeStrategy{
		client:   client,
		apiURL:   cfg.TranscriptAPIURL,
		apiKey:   cfg.TranscriptAPIKey,
		cacheDir: cfg.CacheDir,
		retries:  3,
	}
}

func (y *YouTubeStrategy) Kind() podcast.SourceKind { return podcast.SourceYouTube }

func (y *YouTubeStrategy) FetchText(ctx context.Context, locator string) (string, error) {
	videoID, err := VideoID(locator)
	if err != nil {
		return "", failure(podcast.ExtractionUnsupported, err)
	}
	if cached, ok := y.readCache(videoID); ok {
		return cached, nil
	}
	if y.apiURL == "" {
		return "", failure(podcast.ExtractionUnsupported, errors.New("youtube transcript api url not configured"))
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	text, err := backoff.Retry(ctx, func() (string, error) {
		text, err := y.fetch(ctx, videoID)
		var httpErr *HTTPError
		if err != nil && !(errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests) {
			return "", backoff.Permanent(err)
		}
		return text, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(y.retries))
	if err != nil {
		return "", err
	}
	y.writeCache(videoID, text)
	return text, nil
}

type transcriptSegment struct {
	Text string `json:"text"`
}

type transcriptResponse struct {
	Content json.RawMessage `json:"content"`
}

func (y *YouTubeStrategy) fetch(ctx context.Context, videoID string) (string, error) {
	endpoint, err := url.Parse(y.apiURL)
	if err != nil {
		return "", failure(podcast.ExtractionUnsupported, fmt.Errorf("parse transcript api url: %w", err))
	}
	q := endpoint.Query()
	q.Set("url", "https://www.youtube.com/watch?v="+videoID)
	q.Set("text", "true")
	endpoint.RawQuery = q.Encode()

	header := http.Header{}
	if y.apiKey != "" {
		header.Set("x-api-key", y.apiKey)
	}
	resp, err := y.client.get(ctx, endpoint.String(), header)
	if err != nil {
		return "", err
	}
	if !strings.Contains(resp.contentType, "json") {
		return string(resp.body), nil
	}

	var decoded transcriptResponse
	if err := json.Unmarshal(resp.body, &decoded); err != nil {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("decode transcript: %w", err))
	}
	var text string
	if err := json.Unmarshal(decoded.Content, &text); err == nil {
		return text, nil
	}
	var segments []transcriptSegment
	if err := json.Unmarshal(decoded.Content, &segments); err != nil {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("decode transcript content: %w", err))
	}
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), nil
}

func (y *YouTubeStrategy) readCache(videoID string) (string, bool) {
	if y.cacheDir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(y.cacheDir, videoID+".txt"))
	if err != nil || len(data) == 0 {
		return "", false
	}
	return string(data), true
}

func (y *YouTubeStrategy) writeCache(videoID, text string) {
	if y.cacheDir == "" || strings.TrimSpace(text) == "" {
		return
	}
	if err := os.MkdirAll(y.cacheDir, 0o755); err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(y.cacheDir, videoID+".txt"), []byte(text), 0o644)
}

// VideoID returns the video ID from a watch, youtu.be, shorts or embed URL,
// or from a bare ID.
func VideoID(locator string) (string, error) {
	locator = strings.TrimSpace(locator)
	if videoIDPattern.MatchString(locator) && !strings.Contains(locator, ".") {
		return locator, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parse youtube url: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	host = strings.TrimPrefix(host, "m.")
	var id string
	switch {
	case host == "youtu.be":
		id = strings.Trim(u.Path, "/")
	case host == "youtube.com" || host == "music.youtube.com":
		switch {
		case u.Path == "/watch":
			id = u.Query().Get("v")
		case strings.HasPrefix(u.Path, "/shorts/"):
			id = strings.TrimPrefix(u.Path, "/shorts/")
		case strings.HasPrefix(u.Path, "/embed/"):
			id = strings.TrimPrefix(u.Path, "/embed/")
		case strings.HasPrefix(u.Path, "/live/"):
			id = strings.TrimPrefix(u.Path, "/live/")
		}
	default:
		return "", fmt.Errorf("not a youtube url: %q", locator)
	}
	id = strings.Trim(id, "/")
	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("no video id in %q", locator)
	}
	return id, nil
}
