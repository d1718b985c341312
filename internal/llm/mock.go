package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

var mockLines = []string{
	"Welcome back to the show. Today we are digging into a fresh batch of reading material.",
	"Sounds great. What is the one thing listeners should take away from it?",
	"The core idea is simple: the sources all point at the same shift, just from different angles.",
	"Interesting. Can you give an example that makes that concrete?",
	"Sure. Think of it like switching from a paper map to live navigation. Same roads, very different trip.",
	"That helps. So what should people do with this tomorrow morning?",
	"Start small, try one idea, and see what changes. That is all for today, thanks for listening.",
}

type mockGenerator struct{}

// NewMockGenerator returns a generator that emits a fixed speaker-tagged dialogue,
// alternating between the requested speakers.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	speakers := req.Speakers
	if len(speakers) == 0 {
		speakers = []string{"speaker-1", "speaker-2"}
	}
	var b strings.Builder
	for i, line := range mockLines {
		speaker := speakers[i%len(speakers)]
		fmt.Fprintf(&b, "<%s>%s</%s>\n", speaker, line, speaker)
	}
	return consumer(Chunk{
		RunID:   req.RunID,
		Content: b.String(),
		Partial: false,
		Latency: 20 * time.Millisecond,
	})
}
