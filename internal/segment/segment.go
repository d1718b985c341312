// Package segment splits a generated transcript into ordered speaker utterances.
package segment

import (
	"bufio"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// DefaultTagPattern matches `<speaker-id>text` with an optional closing `</speaker-id>`.
// Group 1 is the speaker, group 2 the text, group 3 the closing tag name.
const DefaultTagPattern = `^<([A-Za-z0-9_.-]+)>(.*?)(?:</([A-Za-z0-9_.-]+)>)?\s*$`

// Segmenter parses transcripts with one tag grammar. It holds no mutable state.
type Segmenter struct {
	pattern *regexp.Regexp
}

// New compiles pattern, or DefaultTagPattern when empty. The pattern must
// capture the speaker id and the utterance text; an optional third group is
// taken as the closing tag name.
func New(pattern string) (*Segmenter, error) {
	if pattern == "" {
		pattern = DefaultTagPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile tag pattern: %w", err)
	}
	if re.NumSubexp() < 2 {
		return nil, errors.New("tag pattern must capture speaker and text")
	}
	return &Segmenter{pattern: re}, nil
}

// MustDefault returns a Segmenter using DefaultTagPattern.
func MustDefault() *Segmenter {
	s, err := New("")
	if err != nil {
		panic(err)
	}
	return s
}

var (
	closingLine   = regexp.MustCompile(`^</([A-Za-z0-9_.-]+)>$`)
	closingSuffix = regexp.MustCompile(`^(.*?)\s*</([A-Za-z0-9_.-]+)>$`)
)

// Segment parses t line by line. Every speaker must be a key of voiceMap.
// Lines without a tag continue the previous utterance, and a closing tag on
// its own line or at the end of a continuation line ends the block.
// Whitespace-only utterances are dropped and sequences are assigned densely from 0.
func (s *Segmenter) Segment(t podcast.Transcript, voiceMap map[string]string) ([]podcast.Utterance, error) {
	blocks, err := s.parse(t, func(speaker string) bool {
		_, ok := voiceMap[speaker]
		return ok
	})
	if err != nil {
		return nil, err
	}

	utterances := make([]podcast.Utterance, 0, len(blocks))
	for _, b := range blocks {
		text := strings.Join(strings.Fields(strings.Join(b.parts, " ")), " ")
		if text == "" {
			continue
		}
		utterances = append(utterances, podcast.Utterance{
			SpeakerID: b.speaker,
			Text:      text,
			Sequence:  len(utterances),
		})
	}
	if len(utterances) == 0 {
		return nil, &podcast.SegmentationError{Kind: podcast.SegmentationEmptyUtterance}
	}
	return utterances, nil
}

// Validate checks only the tag structure of t: at least one tagged line, no
// text before the first tag and matching closing tags. Speaker ids are not
// checked against any voice map.
func (s *Segmenter) Validate(t podcast.Transcript) error {
	_, err := s.parse(t, nil)
	return err
}

type block struct {
	speaker string
	parts   []string
	closed  bool
}

// parse splits t into speaker blocks. known is nil when any speaker is accepted.
func (s *Segmenter) parse(t podcast.Transcript, known func(string) bool) ([]block, error) {
	var (
		blocks []block
		lineNo int
	)
	mismatch := func(closing string) error {
		open := blocks[len(blocks)-1].speaker
		return &podcast.SegmentationError{
			Kind:    podcast.SegmentationUnrecognizedSpeaker,
			Line:    lineNo,
			Speaker: closing,
			Err:     fmt.Errorf("closing tag does not match %q", open),
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(t.RawText))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		m := s.pattern.FindStringSubmatch(line)
		if m == nil {
			if len(blocks) == 0 {
				return nil, &podcast.SegmentationError{
					Kind: podcast.SegmentationUnrecognizedSpeaker,
					Line: lineNo,
					Err:  errors.New("text before first speaker tag"),
				}
			}
			cur := &blocks[len(blocks)-1]
			if c := closingLine.FindStringSubmatch(line); c != nil {
				if c[1] != cur.speaker {
					return nil, mismatch(c[1])
				}
				cur.closed = true
				continue
			}
			if c := closingSuffix.FindStringSubmatch(line); c != nil && !cur.closed {
				if c[2] != cur.speaker {
					return nil, mismatch(c[2])
				}
				cur.parts = append(cur.parts, c[1])
				cur.closed = true
				continue
			}
			cur.parts = append(cur.parts, line)
			continue
		}
		speaker := m[1]
		closed := len(m) > 3 && m[3] != ""
		if closed && m[3] != speaker {
			return nil, &podcast.SegmentationError{
				Kind:    podcast.SegmentationUnrecognizedSpeaker,
				Line:    lineNo,
				Speaker: m[3],
				Err:     fmt.Errorf("closing tag does not match %q", speaker),
			}
		}
		if known != nil && !known(speaker) {
			return nil, &podcast.SegmentationError{
				Kind:    podcast.SegmentationUnrecognizedSpeaker,
				Line:    lineNo,
				Speaker: speaker,
			}
		}
		blocks = append(blocks, block{speaker: speaker, parts: []string{m[2]}, closed: closed})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	if len(blocks) == 0 {
		return nil, &podcast.SegmentationError{Kind: podcast.SegmentationUnrecognizedSpeaker}
	}
	return blocks, nil
}

// Serialize renders utterances in the default grammar, one per line.
func Serialize(utterances []podcast.Utterance) string {
	var b strings.Builder
	for _, u := range utterances {
		fmt.Fprintf(&b, "<%s>%s</%s>\n", u.SpeakerID, u.Text, u.SpeakerID)
	}
	return b.String()
}
