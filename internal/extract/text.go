package extract

import (
	"context"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// RawTextStrategy returns the locator itself.
type RawTextStrategy struct{}

func (RawTextStrategy) Kind() podcast.SourceKind { return podcast.SourceRawText }

func (RawTextStrategy) FetchText(_ context.Context, locator string) (string, error) {
	return locator, nil
}
