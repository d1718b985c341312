package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// PDFStrategy reads a PDF from an http(s) URL or a local path.
type PDFStrategy struct {
	client *HTTPClient
}

func NewPDFStrategy(client *HTTPClient) *PDFStrategy {
	return &PDFStrategy{client: client}
}

func (p *PDFStrategy) Kind() podcast.SourceKind { return podcast.SourcePDF }

func (p *PDFStrategy) FetchText(ctx context.Context, locator string) (string, error) {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		resp, err := p.client.get(ctx, locator, nil)
		if err != nil {
			return "", err
		}
		return p.textFromBytes(resp.body)
	}
	if locator == "" {
		return "", failure(podcast.ExtractionUnsupported, errors.New("pdf locator is empty"))
	}
	data, err := os.ReadFile(locator)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", failure(podcast.ExtractionUnreachable, err)
		}
		return "", err
	}
	return p.textFromBytes(data)
}

// textFromBytes extracts plain text. The pdf package panics on some malformed
// inputs, so panics are reported as parse failures.
func (p *PDFStrategy) textFromBytes(data []byte) (text string, err error) {
	if len(data) == 0 {
		return "", failure(podcast.ExtractionParse, errors.New("pdf content is empty"))
	}
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = failure(podcast.ExtractionParse, fmt.Errorf("read pdf: %v", r))
		}
	}()

	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("open pdf: %w", err))
	}
	plain, err := doc.GetPlainText()
	if err != nil {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("read pdf text: %w", err))
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", failure(podcast.ExtractionParse, err)
	}
	return buf.String(), nil
}
