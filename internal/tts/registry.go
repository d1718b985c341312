package tts

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-podcast/internal/config"
)

// Registry holds one Adapter per enabled provider, built once at startup.
type Registry struct {
	adapters map[string]*Adapter
	retry    RetryPolicy
	logger   *slog.Logger
}

func NewRegistry(retry RetryPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{adapters: make(map[string]*Adapter), retry: retry, logger: logger}
}

// Register adds p with a token bucket built from limit. A zero rate disables limiting.
func (r *Registry) Register(p Provider, limit config.RateLimit) {
	limiter := rate.NewLimiter(rate.Inf, 0)
	if limit.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), max(limit.Burst, 1))
	}
	r.adapters[p.Name()] = NewAdapter(p, limiter, r.retry, r.logger)
}

// Lookup returns the adapter for name.
func (r *Registry) Lookup(name string) (*Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("tts provider %q is not enabled (available: %v)", name, r.Names())
	}
	return a, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildRegistry constructs every provider enabled in cfg.
func BuildRegistry(cfg config.TTSConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry(RetryPolicyFromConfig(cfg.Retry), logger)
	client := &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}

	if cfg.OpenAI.Enabled {
		reg.Register(NewOpenAIProvider(cfg.OpenAI, client), cfg.OpenAI.RateLimit)
	}
	if cfg.ElevenLabs.Enabled {
		reg.Register(NewElevenLabsProvider(cfg.ElevenLabs, client), cfg.ElevenLabs.RateLimit)
	}
	if cfg.Gemini.Enabled {
		reg.Register(NewGeminiProvider(cfg.Gemini, client), cfg.Gemini.RateLimit)
	}
	if cfg.Exec.Enabled {
		p, err := NewExecProvider(cfg.Exec.Command, cfg.Exec.SampleRate, cfg.Exec.Channels)
		if err != nil {
			return nil, err
		}
		reg.Register(p, cfg.Exec.RateLimit)
	}
	if cfg.Mock.Enabled {
		reg.Register(NewMockProvider(cfg.Mock.SampleRate, cfg.Mock.Channels), config.RateLimit{})
	}
	if len(reg.adapters) == 0 {
		return nil, fmt.Errorf("no tts providers enabled")
	}
	return reg, nil
}
