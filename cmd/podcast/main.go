package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-podcast/internal/config"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/runtime"
	"github.com/loqalabs/loqa-podcast/internal/service"
	"github.com/loqalabs/loqa-podcast/internal/store"
)

var version = "0.1.0-dev"

var (
	configPath string
	envFile    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "podcast",
	Short:         "Turn web pages, PDFs, YouTube videos and text into a podcast",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var generateOpts struct {
	urls       []string
	pdfs       []string
	youtube    []string
	texts      []string
	textFiles  []string
	tts        string
	llmModel   string
	voices     map[string]string
	language   string
	longForm   bool
	creativity float64
	out        string
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run the pipeline in-process and write the podcast to --out",
	Example: `  podcast generate --url https://example.com/post --tts openai --out episode.wav
  podcast generate --pdf paper.pdf --youtube https://youtu.be/abc123 --long-form`,
	RunE: runGenerate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults plus PODCAST_* env when empty)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override telemetry.log_level")

	f := generateCmd.Flags()
	f.StringArrayVar(&generateOpts.urls, "url", nil, "Web page to include (repeatable)")
	f.StringArrayVar(&generateOpts.pdfs, "pdf", nil, "PDF URL or local path (repeatable)")
	f.StringArrayVar(&generateOpts.youtube, "youtube", nil, "YouTube video URL or ID (repeatable)")
	f.StringArrayVar(&generateOpts.texts, "text", nil, "Raw text to include (repeatable)")
	f.StringArrayVar(&generateOpts.textFiles, "text-file", nil, "File whose contents are included as raw text (repeatable)")
	f.StringVar(&generateOpts.tts, "tts", "", "TTS provider (mock, openai, elevenlabs, gemini, exec)")
	f.StringVar(&generateOpts.llmModel, "llm-model", "", "Language model name")
	f.StringToStringVar(&generateOpts.voices, "voice", nil, "Voice per speaker, e.g. speaker-1=onyx")
	f.StringVar(&generateOpts.language, "language", "", "Output language")
	f.BoolVar(&generateOpts.longForm, "long-form", false, "Write a longer conversation")
	f.Float64Var(&generateOpts.creativity, "creativity", 0, "Model temperature (configured default when unset)")
	f.StringVarP(&generateOpts.out, "out", "o", "podcast.wav", "Where to write the audio")

	rootCmd.AddCommand(generateCmd, versionCmd)
}

func sourcesFromFlags() ([]podcast.SourceItem, error) {
	var sources []podcast.SourceItem
	add := func(kind podcast.SourceKind, locators []string) {
		for _, l := range locators {
			sources = append(sources, podcast.SourceItem{Kind: kind, Locator: l})
		}
	}
	add(podcast.SourceURL, generateOpts.urls)
	add(podcast.SourcePDF, generateOpts.pdfs)
	add(podcast.SourceYouTube, generateOpts.youtube)
	add(podcast.SourceRawText, generateOpts.texts)
	for _, path := range generateOpts.textFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		sources = append(sources, podcast.SourceItem{Kind: podcast.SourceRawText, Locator: string(data)})
	}
	if len(sources) == 0 {
		return nil, errors.New("at least one of --url, --pdf, --youtube, --text or --text-file is required")
	}
	return sources, nil
}

func runGenerate(cmd *cobra.Command, _ []string) error {
	sources, err := sourcesFromFlags()
	if err != nil {
		return err
	}

	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Telemetry.LogLevel = logLevel
	}
	logger := runtime.NewLogger(cfg.Telemetry, cmd.ErrOrStderr(), false)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	svc, err := service.New(cfg, st, nil, logger)
	if err != nil {
		return err
	}

	req := service.Request{
		Sources:     sources,
		TTSProvider: generateOpts.tts,
		LLMModel:    generateOpts.llmModel,
		Voices:      generateOpts.voices,
		Language:    generateOpts.language,
	}
	if generateOpts.longForm {
		req.Conversation = &podcast.ConversationStyle{LongForm: true}
	}
	if cmd.Flags().Changed("creativity") {
		req.Creativity = &generateOpts.creativity
	}
	artifact, err := svc.Generate(ctx, req)
	if err != nil {
		if kind := podcast.KindOf(err); kind != "" {
			return fmt.Errorf("%w (kind: %s)", err, kind)
		}
		return err
	}

	if err := copyArtifact(ctx, svc, artifact.ID, generateOpts.out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d utterances, %.1fs, artifact %s)\n",
		generateOpts.out, artifact.UtteranceCount, float64(artifact.TotalDurationMs)/1000, artifact.ID)
	return nil
}

func copyArtifact(ctx context.Context, svc *service.Service, id, out string) error {
	rc, _, err := svc.Open(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()

	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", out, err)
	}
	return f.Close()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("podcast failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
