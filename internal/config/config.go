package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
	StdoutTraces bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Store       StoreConfig      `yaml:"store"`
	Extract     ExtractConfig    `yaml:"extract"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Audio       AudioConfig      `yaml:"audio"`
	Pipeline    PipelineConfig   `yaml:"pipeline"`
	Generation  GenerationConfig `yaml:"generation"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"` // sqlite, postgres
	DSN           string `yaml:"dsn"`
	DataDir       string `yaml:"data_dir"`
	RetentionDays int    `yaml:"retention_days"`
	MaxArtifacts  int    `yaml:"max_artifacts"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type ExtractConfig struct {
	MaxChars    int           `yaml:"max_chars"`
	TimeoutMS   int           `yaml:"timeout_ms"`
	Concurrency int           `yaml:"concurrency"`
	UserAgent   string        `yaml:"user_agent"`
	YouTube     YouTubeConfig `yaml:"youtube"`
}

type YouTubeConfig struct {
	TranscriptAPIURL string `yaml:"transcript_api_url"`
	TranscriptAPIKey string `yaml:"transcript_api_key"`
	CacheDir         string `yaml:"cache_dir"`
}

type LLMConfig struct {
	Mode        string  `yaml:"mode"` // mock, ollama, exec, anthropic
	Endpoint    string  `yaml:"endpoint"`
	Command     string  `yaml:"command"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutMS   int     `yaml:"timeout_ms"`
}

type TTSConfig struct {
	DefaultProvider string              `yaml:"default_provider"`
	TimeoutMS       int                 `yaml:"timeout_ms"`
	Retry           RetryConfig         `yaml:"retry"`
	OpenAI          OpenAITTSConfig     `yaml:"openai"`
	ElevenLabs      ElevenLabsTTSConfig `yaml:"elevenlabs"`
	Gemini          GeminiTTSConfig     `yaml:"gemini"`
	Exec            ExecTTSConfig       `yaml:"exec"`
	Mock            MockTTSConfig       `yaml:"mock"`
}

type RetryConfig struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialIntervalMS   int     `yaml:"initial_interval_ms"`
	MaxIntervalMS       int     `yaml:"max_interval_ms"`
	RandomizationFactor float64 `yaml:"randomization_factor"`
}

// RateLimit is a token bucket: RequestsPerSecond refill, Burst capacity. Zero disables limiting.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type OpenAITTSConfig struct {
	Enabled    bool      `yaml:"enabled"`
	APIKey     string    `yaml:"api_key"`
	BaseURL    string    `yaml:"base_url"`
	Model      string    `yaml:"model"`
	Speed      float64   `yaml:"speed"`
	SampleRate int       `yaml:"sample_rate"`
	RateLimit  RateLimit `yaml:"rate_limit"`
}

type ElevenLabsTTSConfig struct {
	Enabled    bool      `yaml:"enabled"`
	APIKey     string    `yaml:"api_key"`
	BaseURL    string    `yaml:"base_url"`
	Model      string    `yaml:"model"`
	SampleRate int       `yaml:"sample_rate"`
	RateLimit  RateLimit `yaml:"rate_limit"`
}

type GeminiTTSConfig struct {
	Enabled    bool      `yaml:"enabled"`
	APIKey     string    `yaml:"api_key"`
	BaseURL    string    `yaml:"base_url"`
	Model      string    `yaml:"model"`
	SampleRate int       `yaml:"sample_rate"`
	RateLimit  RateLimit `yaml:"rate_limit"`
}

type ExecTTSConfig struct {
	Enabled    bool      `yaml:"enabled"`
	Command    string    `yaml:"command"`
	SampleRate int       `yaml:"sample_rate"`
	Channels   int       `yaml:"channels"`
	RateLimit  RateLimit `yaml:"rate_limit"`
}

type MockTTSConfig struct {
	Enabled    bool `yaml:"enabled"`
	SampleRate int  `yaml:"sample_rate"`
	Channels   int  `yaml:"channels"`
}

type AudioConfig struct {
	PauseMS  int    `yaml:"pause_ms"`
	FileName string `yaml:"file_name"`
}

type PipelineConfig struct {
	SynthesisConcurrency int `yaml:"synthesis_concurrency"`
}

// GenerationConfig holds defaults for per-run generation settings.
type GenerationConfig struct {
	TTSProvider          string            `yaml:"tts_provider"`
	LLMModel             string            `yaml:"llm_model"`
	Voices               map[string]string `yaml:"voices"`
	Language             string            `yaml:"output_language"`
	PodcastName          string            `yaml:"podcast_name"`
	Tagline              string            `yaml:"podcast_tagline"`
	ConversationStyle    []string          `yaml:"conversation_style"`
	Roles                map[string]string `yaml:"roles"`
	DialogueStructure    []string          `yaml:"dialogue_structure"`
	EngagementTechniques []string          `yaml:"engagement_techniques"`
	UserInstructions     string            `yaml:"user_instructions"`
	Creativity           float64           `yaml:"creativity"`
	PromptPath           string            `yaml:"prompt_path"`
	TagPattern           string            `yaml:"tag_pattern"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-podcast",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "podcast",
		},
		Store: StoreConfig{
			Driver:        "sqlite",
			DSN:           "./data/podcast.db",
			DataDir:       "./data",
			RetentionDays: 7,
			MaxArtifacts:  500,
		},
		Extract: ExtractConfig{
			MaxChars:    100000,
			TimeoutMS:   30000,
			Concurrency: 4,
			YouTube: YouTubeConfig{
				TranscriptAPIURL: "https://api.supadata.ai/v1/youtube/transcript",
				CacheDir:         "./data/cache/youtube",
			},
		},
		LLM: LLMConfig{
			Mode:        "mock",
			Endpoint:    "http://localhost:11434",
			Model:       "llama3.2:latest",
			MaxTokens:   4096,
			Temperature: 0.7,
			TimeoutMS:   180000,
		},
		TTS: TTSConfig{
			DefaultProvider: "mock",
			TimeoutMS:       90000,
			Retry: RetryConfig{
				MaxAttempts:         4,
				InitialIntervalMS:   500,
				MaxIntervalMS:       8000,
				RandomizationFactor: 0.5,
			},
			OpenAI: OpenAITTSConfig{
				BaseURL:    "https://api.openai.com/v1",
				Model:      "gpt-4o-mini-tts",
				Speed:      1.0,
				SampleRate: 24000,
				RateLimit:  RateLimit{RequestsPerSecond: 5, Burst: 5},
			},
			ElevenLabs: ElevenLabsTTSConfig{
				BaseURL:    "https://api.elevenlabs.io/v1",
				Model:      "eleven_multilingual_v2",
				SampleRate: 24000,
				RateLimit:  RateLimit{RequestsPerSecond: 2, Burst: 2},
			},
			Gemini: GeminiTTSConfig{
				BaseURL:    "https://generativelanguage.googleapis.com/v1beta",
				Model:      "gemini-2.5-flash-preview-tts",
				SampleRate: 24000,
				RateLimit:  RateLimit{RequestsPerSecond: 1, Burst: 1},
			},
			Exec: ExecTTSConfig{
				SampleRate: 24000,
				Channels:   1,
				RateLimit:  RateLimit{RequestsPerSecond: 0, Burst: 0},
			},
			Mock: MockTTSConfig{
				Enabled:    true,
				SampleRate: 24000,
				Channels:   1,
			},
		},
		Audio: AudioConfig{
			PauseMS:  400,
			FileName: "podcast.wav",
		},
		Pipeline: PipelineConfig{
			SynthesisConcurrency: 4,
		},
		Generation: GenerationConfig{
			TTSProvider: "mock",
			Voices: map[string]string{
				"speaker-1": "onyx",
				"speaker-2": "nova",
			},
			Language:          "English",
			PodcastName:       "Loqa Podcast",
			Tagline:           "Your personal generative AI podcast",
			ConversationStyle: []string{"engaging", "fast-paced", "enthusiastic"},
			Roles: map[string]string{
				"speaker-1": "main summarizer",
				"speaker-2": "questioner/clarifier",
			},
			DialogueStructure:    []string{"Introduction", "Main Content Summary", "Conclusion"},
			EngagementTechniques: []string{"rhetorical questions", "anecdotes", "analogies", "humor"},
			Creativity:           0.7,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "PODCAST_RUNTIME_NAME")
	overrideString(&cfg.Environment, "PODCAST_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "PODCAST_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PODCAST_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "PODCAST_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "PODCAST_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "PODCAST_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.StdoutTraces, "PODCAST_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Enabled, "PODCAST_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "PODCAST_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "PODCAST_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "PODCAST_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "PODCAST_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "PODCAST_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "PODCAST_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "PODCAST_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "PODCAST_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Driver, "PODCAST_STORE_DRIVER")
	overrideString(&cfg.Store.DSN, "PODCAST_STORE_DSN")
	overrideString(&cfg.Store.DataDir, "PODCAST_STORE_DATA_DIR")
	overrideInt(&cfg.Store.RetentionDays, "PODCAST_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxArtifacts, "PODCAST_STORE_MAX_ARTIFACTS")
	overrideBool(&cfg.Store.VacuumOnStart, "PODCAST_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Extract.MaxChars, "PODCAST_EXTRACT_MAX_CHARS")
	overrideInt(&cfg.Extract.TimeoutMS, "PODCAST_EXTRACT_TIMEOUT_MS")
	overrideInt(&cfg.Extract.Concurrency, "PODCAST_EXTRACT_CONCURRENCY")
	overrideString(&cfg.Extract.YouTube.TranscriptAPIURL, "PODCAST_YOUTUBE_TRANSCRIPT_API_URL")
	overrideString(&cfg.Extract.YouTube.TranscriptAPIKey, "PODCAST_YOUTUBE_TRANSCRIPT_API_KEY")
	overrideString(&cfg.LLM.Mode, "PODCAST_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "PODCAST_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "PODCAST_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	overrideString(&cfg.LLM.APIKey, "PODCAST_LLM_API_KEY")
	overrideString(&cfg.LLM.Model, "PODCAST_LLM_MODEL")
	overrideInt(&cfg.LLM.MaxTokens, "PODCAST_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "PODCAST_LLM_TEMPERATURE")
	overrideString(&cfg.TTS.DefaultProvider, "PODCAST_TTS_DEFAULT_PROVIDER")
	overrideInt(&cfg.TTS.Retry.MaxAttempts, "PODCAST_TTS_RETRY_MAX_ATTEMPTS")
	overrideBool(&cfg.TTS.OpenAI.Enabled, "PODCAST_TTS_OPENAI_ENABLED")
	overrideString(&cfg.TTS.OpenAI.APIKey, "OPENAI_API_KEY")
	overrideString(&cfg.TTS.OpenAI.Model, "PODCAST_TTS_OPENAI_MODEL")
	overrideBool(&cfg.TTS.ElevenLabs.Enabled, "PODCAST_TTS_ELEVENLABS_ENABLED")
	overrideString(&cfg.TTS.ElevenLabs.APIKey, "ELEVENLABS_API_KEY")
	overrideBool(&cfg.TTS.Gemini.Enabled, "PODCAST_TTS_GEMINI_ENABLED")
	overrideString(&cfg.TTS.Gemini.APIKey, "GEMINI_API_KEY")
	overrideBool(&cfg.TTS.Exec.Enabled, "PODCAST_TTS_EXEC_ENABLED")
	overrideString(&cfg.TTS.Exec.Command, "PODCAST_TTS_EXEC_COMMAND")
	overrideBool(&cfg.TTS.Mock.Enabled, "PODCAST_TTS_MOCK_ENABLED")
	overrideInt(&cfg.Audio.PauseMS, "PODCAST_AUDIO_PAUSE_MS")
	overrideInt(&cfg.Pipeline.SynthesisConcurrency, "PODCAST_PIPELINE_SYNTHESIS_CONCURRENCY")
	overrideString(&cfg.Generation.TTSProvider, "PODCAST_GENERATION_TTS_PROVIDER")
	overrideString(&cfg.Generation.Language, "PODCAST_GENERATION_OUTPUT_LANGUAGE")
	overrideString(&cfg.Generation.PromptPath, "PODCAST_GENERATION_PROMPT_PATH")
	overrideString(&cfg.Generation.TagPattern, "PODCAST_GENERATION_TAG_PATTERN")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

// EnabledProviders lists the TTS provider names switched on in cfg.
func (c TTSConfig) EnabledProviders() []string {
	var names []string
	if c.OpenAI.Enabled {
		names = append(names, "openai")
	}
	if c.ElevenLabs.Enabled {
		names = append(names, "elevenlabs")
	}
	if c.Gemini.Enabled {
		names = append(names, "gemini")
	}
	if c.Exec.Enabled {
		names = append(names, "exec")
	}
	if c.Mock.Enabled {
		names = append(names, "mock")
	}
	return names
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.Store.Driver {
	case "sqlite", "postgres":
	default:
		return errors.New("store.driver must be one of sqlite|postgres")
	}
	if cfg.Store.DSN == "" {
		return errors.New("store.dsn must not be empty")
	}
	if cfg.Store.DataDir == "" {
		return errors.New("store.data_dir must not be empty")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Extract.MaxChars <= 0 {
		return errors.New("extract.max_chars must be positive")
	}
	if cfg.Extract.TimeoutMS <= 0 {
		return errors.New("extract.timeout_ms must be positive")
	}
	if cfg.Extract.Concurrency <= 0 {
		return errors.New("extract.concurrency must be >= 1")
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "anthropic":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|anthropic")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "anthropic" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=anthropic")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if len(cfg.TTS.EnabledProviders()) == 0 {
		return errors.New("at least one tts provider must be enabled")
	}
	if cfg.TTS.Retry.MaxAttempts <= 0 {
		return errors.New("tts.retry.max_attempts must be >= 1")
	}
	if cfg.TTS.OpenAI.Enabled && cfg.TTS.OpenAI.APIKey == "" {
		return errors.New("tts.openai.api_key must be set when openai is enabled")
	}
	if cfg.TTS.ElevenLabs.Enabled && cfg.TTS.ElevenLabs.APIKey == "" {
		return errors.New("tts.elevenlabs.api_key must be set when elevenlabs is enabled")
	}
	if cfg.TTS.Gemini.Enabled && cfg.TTS.Gemini.APIKey == "" {
		return errors.New("tts.gemini.api_key must be set when gemini is enabled")
	}
	if cfg.TTS.Exec.Enabled {
		if cfg.TTS.Exec.Command == "" {
			return errors.New("tts.exec.command must be set when exec is enabled")
		}
		if cfg.TTS.Exec.SampleRate <= 0 || cfg.TTS.Exec.Channels <= 0 {
			return errors.New("tts.exec.sample_rate and tts.exec.channels must be positive")
		}
	}
	if cfg.Audio.PauseMS < 0 {
		return errors.New("audio.pause_ms must be >= 0")
	}
	if cfg.Audio.FileName == "" {
		return errors.New("audio.file_name must not be empty")
	}
	if cfg.Pipeline.SynthesisConcurrency <= 0 {
		return errors.New("pipeline.synthesis_concurrency must be >= 1")
	}
	if len(cfg.Generation.Voices) == 0 {
		return errors.New("generation.voices must map at least one speaker")
	}
	if cfg.Generation.TagPattern != "" {
		re, err := regexp.Compile(cfg.Generation.TagPattern)
		if err != nil {
			return fmt.Errorf("generation.tag_pattern: %w", err)
		}
		if re.NumSubexp() < 2 {
			return errors.New("generation.tag_pattern must capture speaker and text")
		}
	}
	return nil
}
