package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// RetryPolicy bounds the backoff applied to rateLimited failures.
type RetryPolicy struct {
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
}

func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:         cfg.MaxAttempts,
		InitialInterval:     time.Duration(cfg.InitialIntervalMS) * time.Millisecond,
		MaxInterval:         time.Duration(cfg.MaxIntervalMS) * time.Millisecond,
		RandomizationFactor: cfg.RandomizationFactor,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.RandomizationFactor > 0 {
		b.RandomizationFactor = p.RandomizationFactor
	}
	return b
}

// Adapter wraps one Provider with its rate limiter and retry policy.
// The limiter is the only state shared between concurrent calls.
type Adapter struct {
	provider Provider
	limiter  *rate.Limiter
	retry    RetryPolicy
	retries  metric.Int64Counter
	logger   *slog.Logger
}

func NewAdapter(provider Provider, limiter *rate.Limiter, retry RetryPolicy, logger *slog.Logger) *Adapter {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("github.com/loqalabs/loqa-podcast/tts")
	retries, err := meter.Int64Counter("podcast.tts.retries", metric.WithDescription("TTS calls retried after a rate limit"))
	if err != nil {
		logger.Warn("failed to create tts retry counter", slogError(err))
	}
	return &Adapter{
		provider: provider,
		limiter:  limiter,
		retry:    retry,
		retries:  retries,
		logger:   logger.With(slog.String("component", "tts"), slog.String("provider", provider.Name())),
	}
}

func (a *Adapter) Name() string { return a.provider.Name() }

// Synthesize renders one utterance with voiceID. Only rateLimited failures
// are retried; every other failure is returned at once.
func (a *Adapter) Synthesize(ctx context.Context, runID string, u podcast.Utterance, voiceID, language string) (podcast.AudioClip, error) {
	req := SynthRequest{RunID: runID, Sequence: u.Sequence, Text: u.Text, Voice: voiceID, Language: language}

	audio, err := backoff.Retry(ctx, func() (Audio, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return Audio{}, backoff.Permanent(err)
		}
		audio, err := a.provider.Synthesize(ctx, req)
		if err == nil {
			return audio, nil
		}
		var synthErr *podcast.SynthesisError
		if errors.As(err, &synthErr) && synthErr.Kind == podcast.SynthesisRateLimited {
			return Audio{}, err
		}
		return Audio{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(a.retry.backOff()),
		backoff.WithMaxTries(uint(a.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.logger.Info("tts rate limited, backing off",
				slog.String("run_id", runID),
				slog.Int("sequence", u.Sequence),
				slog.Duration("next", next),
			)
			if a.retries != nil {
				a.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", a.Name())))
			}
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return podcast.AudioClip{}, ctxErr
		}
		return podcast.AudioClip{}, a.attach(err, u.Sequence)
	}

	pcm := audio.PCM
	if audio.Channels <= 0 {
		audio.Channels = 1
	}
	frame := 2 * audio.Channels
	pcm = pcm[:len(pcm)-len(pcm)%frame]
	if len(pcm) == 0 || audio.SampleRate <= 0 {
		return podcast.AudioClip{}, a.attach(unavailable(a.Name(), errors.New("provider returned no audio")), u.Sequence)
	}
	return podcast.AudioClip{
		UtteranceSequence: u.Sequence,
		PCM:               pcm,
		SampleRate:        audio.SampleRate,
		Channels:          audio.Channels,
		DurationMs:        podcast.PCMDurationMs(pcm, audio.SampleRate, audio.Channels),
		Provider:          a.Name(),
	}, nil
}

// attach fills in the sequence, wrapping foreign errors as providerUnavailable.
func (a *Adapter) attach(err error, sequence int) error {
	var synthErr *podcast.SynthesisError
	if errors.As(err, &synthErr) {
		out := *synthErr
		out.Sequence = sequence
		if out.Provider == "" {
			out.Provider = a.Name()
		}
		return &out
	}
	return &podcast.SynthesisError{
		Kind:     podcast.SynthesisProviderUnavailable,
		Provider: a.Name(),
		Sequence: sequence,
		Err:      fmt.Errorf("synthesize: %w", err),
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
