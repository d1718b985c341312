package podcast

import (
	"errors"
	"fmt"
)

// ExtractionKind classifies why a source could not be read.
type ExtractionKind string

const (
	ExtractionUnreachable ExtractionKind = "unreachable"
	ExtractionParse       ExtractionKind = "parse"
	ExtractionUnsupported ExtractionKind = "unsupported"
	ExtractionTimeout     ExtractionKind = "timeout"
)

// ExtractionError reports a failed extraction for one source item.
type ExtractionError struct {
	Kind   ExtractionKind
	Source SourceItem
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("extract %s: %s", e.Source.ID(), e.Kind)
	}
	return fmt.Sprintf("extract %s: %s: %v", e.Source.ID(), e.Kind, e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// GenerationKind classifies transcript generation failures.
type GenerationKind string

const (
	GenerationProviderError   GenerationKind = "providerError"
	GenerationEmptyInput      GenerationKind = "emptyInput"
	GenerationMalformedOutput GenerationKind = "malformedOutput"
)

// GenerationError reports a failed transcript generation.
type GenerationError struct {
	Kind GenerationKind
	Err  error
}

func (e *GenerationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("generate transcript: %s", e.Kind)
	}
	return fmt.Sprintf("generate transcript: %s: %v", e.Kind, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// SegmentationKind classifies transcript parsing failures.
type SegmentationKind string

const (
	SegmentationUnrecognizedSpeaker SegmentationKind = "unrecognizedSpeaker"
	SegmentationEmptyUtterance      SegmentationKind = "emptyUtterance"
)

// SegmentationError reports a transcript that does not follow the speaker-tag grammar.
// Line is 1-based; zero means the whole transcript.
type SegmentationError struct {
	Kind    SegmentationKind
	Line    int
	Speaker string
	Err     error
}

func (e *SegmentationError) Error() string {
	msg := fmt.Sprintf("segment transcript: %s", e.Kind)
	if e.Line > 0 {
		msg = fmt.Sprintf("%s at line %d", msg, e.Line)
	}
	if e.Speaker != "" {
		msg = fmt.Sprintf("%s (speaker %q)", msg, e.Speaker)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *SegmentationError) Unwrap() error { return e.Err }

// SynthesisKind classifies text-to-speech failures.
type SynthesisKind string

const (
	SynthesisProviderUnavailable SynthesisKind = "providerUnavailable"
	SynthesisRateLimited         SynthesisKind = "rateLimited"
	SynthesisVoiceNotFound       SynthesisKind = "voiceNotFound"
	SynthesisQuotaExceeded       SynthesisKind = "quotaExceeded"
)

// SynthesisError reports a failed synthesis of one utterance.
type SynthesisError struct {
	Kind     SynthesisKind
	Provider string
	Sequence int
	Err      error
}

func (e *SynthesisError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("synthesize utterance %d via %s: %s", e.Sequence, e.Provider, e.Kind)
	}
	return fmt.Sprintf("synthesize utterance %d via %s: %s: %v", e.Sequence, e.Provider, e.Kind, e.Err)
}

func (e *SynthesisError) Unwrap() error { return e.Err }

// AssemblyKind classifies audio assembly failures.
type AssemblyKind string

const (
	AssemblyMissingClip    AssemblyKind = "missingClip"
	AssemblyFormatMismatch AssemblyKind = "formatMismatch"
	AssemblyWriteFailure   AssemblyKind = "writeFailure"
)

// AssemblyError reports why the final audio file was not written.
// Sequence is -1 when the failure is not tied to one clip.
type AssemblyError struct {
	Kind     AssemblyKind
	Sequence int
	Err      error
}

func (e *AssemblyError) Error() string {
	msg := fmt.Sprintf("assemble audio: %s", e.Kind)
	if e.Sequence >= 0 {
		msg = fmt.Sprintf("%s (sequence %d)", msg, e.Sequence)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// ErrNoSources is returned when a run is started without any source items.
var ErrNoSources = errors.New("no source items")

// KindOf returns the kind of the stage error in err's chain, checked in
// pipeline order, or "".
func KindOf(err error) string {
	var (
		extractErr  *ExtractionError
		genErr      *GenerationError
		segErr      *SegmentationError
		synthErr    *SynthesisError
		assemblyErr *AssemblyError
	)
	switch {
	case errors.As(err, &extractErr):
		return string(extractErr.Kind)
	case errors.As(err, &genErr):
		return string(genErr.Kind)
	case errors.As(err, &segErr):
		return string(segErr.Kind)
	case errors.As(err, &synthErr):
		return string(synthErr.Kind)
	case errors.As(err, &assemblyErr):
		return string(assemblyErr.Kind)
	}
	return ""
}
