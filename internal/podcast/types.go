package podcast

import (
	"fmt"
	"sort"
	"time"
)

// SourceKind identifies the strategy used to pull text from a source.
type SourceKind string

const (
	SourceURL     SourceKind = "url"
	SourcePDF     SourceKind = "pdf"
	SourceYouTube SourceKind = "youtube"
	SourceRawText SourceKind = "rawtext"
)

// Valid reports whether k is one of the known source kinds.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceURL, SourcePDF, SourceYouTube, SourceRawText:
		return true
	}
	return false
}

// SourceItem is one unit of input content. Callers build it once and never mutate it.
type SourceItem struct {
	Kind    SourceKind `json:"kind" yaml:"kind"`
	Locator string     `json:"locator" yaml:"locator"`
}

// ID returns a short identifier suitable for logs and error messages.
func (s SourceItem) ID() string {
	if s.Kind == SourceRawText {
		return fmt.Sprintf("%s(%d chars)", s.Kind, len([]rune(s.Locator)))
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Locator)
}

// ExtractedDocument is the plain text pulled from one SourceItem.
type ExtractedDocument struct {
	Source      SourceItem
	Text        string
	Truncated   bool
	ExtractedAt time.Time
}

// Transcript is the unsegmented language model output.
type Transcript struct {
	RawText string
	Model   string
}

// Utterance is one speaker-attributed line of dialogue.
type Utterance struct {
	SpeakerID string `json:"speaker_id"`
	Text      string `json:"text"`
	Sequence  int    `json:"sequence"`
}

// AudioClip is the synthesized audio for one Utterance. PCM is signed
// 16-bit little-endian, interleaved when Channels > 1.
type AudioClip struct {
	UtteranceSequence int
	PCM               []byte
	SampleRate        int
	Channels          int
	DurationMs        int
	Provider          string
}

// PCMDurationMs computes the playback length of 16-bit PCM data.
func PCMDurationMs(pcm []byte, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(pcm) / (2 * channels)
	return int(int64(frames) * 1000 / int64(sampleRate))
}

// PodcastArtifact is the terminal output of a successful run.
type PodcastArtifact struct {
	ID              string       `json:"artifact_id"`
	RunID           string       `json:"run_id"`
	FilePath        string       `json:"file_path"`
	TotalDurationMs int          `json:"duration_ms"`
	UtteranceCount  int          `json:"utterance_count"`
	SourceItems     []SourceItem `json:"source_items"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ConversationStyle shapes the dialogue the language model writes.
type ConversationStyle struct {
	PodcastName          string            `json:"podcast_name,omitempty" yaml:"podcast_name"`
	Tagline              string            `json:"podcast_tagline,omitempty" yaml:"podcast_tagline"`
	Styles               []string          `json:"conversation_style,omitempty" yaml:"conversation_style"`
	Roles                map[string]string `json:"roles,omitempty" yaml:"roles"`
	DialogueStructure    []string          `json:"dialogue_structure,omitempty" yaml:"dialogue_structure"`
	EngagementTechniques []string          `json:"engagement_techniques,omitempty" yaml:"engagement_techniques"`
	UserInstructions     string            `json:"user_instructions,omitempty" yaml:"user_instructions"`
	Creativity           float64           `json:"creativity,omitempty" yaml:"creativity"`
	LongForm             bool              `json:"is_long_form,omitempty" yaml:"long_form"`
}

// GenerationConfig is threaded through every stage of one run and is not
// modified once the run starts.
type GenerationConfig struct {
	TTSProvider       string            `json:"tts_model"`
	LLMModel          string            `json:"llm_model"`
	VoiceMap          map[string]string `json:"voices"`
	Language          string            `json:"output_language"`
	ConversationStyle ConversationStyle `json:"conversation"`
}

// Speakers returns the configured speaker IDs in a stable order.
func (c GenerationConfig) Speakers() []string {
	ids := make([]string, 0, len(c.VoiceMap))
	for id := range c.VoiceMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy so a run cannot observe caller mutations.
func (c GenerationConfig) Clone() GenerationConfig {
	out := c
	out.VoiceMap = make(map[string]string, len(c.VoiceMap))
	for k, v := range c.VoiceMap {
		out.VoiceMap[k] = v
	}
	style := c.ConversationStyle
	style.Styles = append([]string(nil), style.Styles...)
	style.DialogueStructure = append([]string(nil), style.DialogueStructure...)
	style.EngagementTechniques = append([]string(nil), style.EngagementTechniques...)
	if c.ConversationStyle.Roles != nil {
		style.Roles = make(map[string]string, len(c.ConversationStyle.Roles))
		for k, v := range c.ConversationStyle.Roles {
			style.Roles[k] = v
		}
	}
	out.ConversationStyle = style
	return out
}
