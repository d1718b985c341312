package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/pipeline"
	"github.com/loqalabs/loqa-podcast/internal/podcast"
	"github.com/loqalabs/loqa-podcast/internal/service"
	"github.com/loqalabs/loqa-podcast/internal/store"
)

const maxRequestBody = 4 << 20

// generateRequest is the POST /generate body. Field names follow the
// podcastfy web API so existing clients keep working.
type generateRequest struct {
	URLs                 []string          `json:"urls"`
	PDFs                 []string          `json:"pdfs"`
	YouTube              []string          `json:"youtube"`
	Text                 string            `json:"text"`
	TTSModel             string            `json:"tts_model"`
	LLMModel             string            `json:"llm_model"`
	Voices               map[string]string `json:"voices"`
	OutputLanguage       string            `json:"output_language"`
	Name                 string            `json:"name"`
	Tagline              string            `json:"tagline"`
	ConversationStyle    []string          `json:"conversation_style"`
	RolesPerson1         string            `json:"roles_person1"`
	RolesPerson2         string            `json:"roles_person2"`
	DialogueStructure    []string          `json:"dialogue_structure"`
	EngagementTechniques []string          `json:"engagement_techniques"`
	UserInstructions     string            `json:"user_instructions"`
	Creativity           *float64          `json:"creativity"`
	IsLongForm           bool              `json:"is_long_form"`
}

// voiceAliases maps the question/answer voice keys of older clients to speaker ids.
var voiceAliases = map[string]string{
	"question": "speaker-1",
	"answer":   "speaker-2",
}

func (g generateRequest) toServiceRequest() service.Request {
	var sources []podcast.SourceItem
	for _, u := range g.URLs {
		sources = append(sources, podcast.SourceItem{Kind: podcast.SourceURL, Locator: u})
	}
	for _, p := range g.PDFs {
		sources = append(sources, podcast.SourceItem{Kind: podcast.SourcePDF, Locator: p})
	}
	for _, y := range g.YouTube {
		sources = append(sources, podcast.SourceItem{Kind: podcast.SourceYouTube, Locator: y})
	}
	if strings.TrimSpace(g.Text) != "" {
		sources = append(sources, podcast.SourceItem{Kind: podcast.SourceRawText, Locator: g.Text})
	}

	voices := make(map[string]string, len(g.Voices))
	for key, voice := range g.Voices {
		if alias, ok := voiceAliases[key]; ok {
			key = alias
		}
		voices[key] = voice
	}
	roles := map[string]string{}
	if g.RolesPerson1 != "" {
		roles["speaker-1"] = g.RolesPerson1
	}
	if g.RolesPerson2 != "" {
		roles["speaker-2"] = g.RolesPerson2
	}

	return service.Request{
		Sources:     sources,
		TTSProvider: g.TTSModel,
		LLMModel:    g.LLMModel,
		Voices:      voices,
		Language:    g.OutputLanguage,
		Creativity:  g.Creativity,
		Conversation: &podcast.ConversationStyle{
			PodcastName:          g.Name,
			Tagline:              g.Tagline,
			Styles:               g.ConversationStyle,
			Roles:                roles,
			DialogueStructure:    g.DialogueStructure,
			EngagementTechniques: g.EngagementTechniques,
			UserInstructions:     g.UserInstructions,
			LongForm:             g.IsLongForm,
		},
	}
}

type generateResponse struct {
	ArtifactID string `json:"artifact_id"`
	RunID      string `json:"run_id"`
	AudioURL   string `json:"audio_url"`
	DurationMs int    `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
	Stage string `json:"stage,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// api serves the podcast endpoints on top of a service.
type api struct {
	svc    *service.Service
	logger *slog.Logger
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /generate", a.handleGenerate)
	mux.HandleFunc("GET /audio/{id}", a.handleAudio)
	mux.HandleFunc("GET /runs/{id}/events", a.handleRunEvents)
	mux.HandleFunc("GET /{$}", a.handleInfo)
}

func (a *api) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	req := body.toServiceRequest()
	if len(req.Sources) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "at least one of urls, pdfs, youtube or text is required"})
		return
	}

	artifact, err := a.svc.Generate(r.Context(), req)
	if err != nil {
		status, resp := failure(err)
		a.logger.Warn("generate request failed", slog.Int("status", status), slog.String("kind", resp.Kind), slog.String("error", err.Error()))
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, generateResponse{
		ArtifactID: artifact.ID,
		RunID:      artifact.RunID,
		AudioURL:   "/audio/" + artifact.ID,
		DurationMs: artifact.TotalDurationMs,
	})
}

// failure maps a run error to an HTTP status and body. Upstream provider
// trouble is reported as 502.
func failure(err error) (int, errorResponse) {
	resp := errorResponse{Error: err.Error(), Kind: podcast.KindOf(err)}
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		resp.RunID = runErr.RunID
		resp.Stage = string(runErr.Stage)
	}
	switch {
	case errors.Is(err, pipeline.ErrUnknownProvider), errors.Is(err, podcast.ErrNoSources):
		return http.StatusBadRequest, resp
	}
	switch podcast.KindOf(err) {
	case string(podcast.ExtractionUnreachable), string(podcast.ExtractionParse),
		string(podcast.ExtractionUnsupported), string(podcast.ExtractionTimeout),
		string(podcast.GenerationEmptyInput), string(podcast.SegmentationUnrecognizedSpeaker),
		string(podcast.SegmentationEmptyUtterance), string(podcast.SynthesisVoiceNotFound):
		return http.StatusUnprocessableEntity, resp
	case string(podcast.GenerationProviderError), string(podcast.GenerationMalformedOutput),
		string(podcast.SynthesisProviderUnavailable), string(podcast.SynthesisRateLimited),
		string(podcast.SynthesisQuotaExceeded):
		return http.StatusBadGateway, resp
	}
	return http.StatusInternalServerError, resp
}

func (a *api) handleAudio(w http.ResponseWriter, r *http.Request) {
	rc, artifact, err := a.svc.Open(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "artifact not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", `inline; filename="`+artifact.ID+`.wav"`)
	if seeker, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, artifact.ID+".wav", artifact.CreatedAt, seeker)
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		a.logger.Warn("audio stream interrupted", slog.String("artifact_id", artifact.ID), slog.String("error", err.Error()))
	}
}

func (a *api) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.svc.RunEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if len(events) == 0 {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (a *api) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "loqa-podcast",
		"description": "Turns web pages, PDFs, YouTube videos and text into multi-speaker audio conversations",
		"endpoints": map[string]string{
			"generate": "POST /generate",
			"audio":    "GET /audio/{id}",
			"events":   "GET /runs/{id}/events",
			"health":   "GET /healthz",
			"ready":    "GET /readyz",
			"metrics":  "GET /metrics",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
