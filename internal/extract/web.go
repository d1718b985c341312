package extract

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/loqalabs/loqa-podcast/internal/podcast"
)

// WebStrategy reads the main article of an HTML page. Responses served as
// application/pdf are handed to the PDF strategy.
type WebStrategy struct {
	client    *HTTPClient
	pdf       *PDFStrategy
	converter *md.Converter
}

func NewWebStrategy(client *HTTPClient, pdf *PDFStrategy) *WebStrategy {
	return &WebStrategy{client: client, pdf: pdf, converter: md.NewConverter("", true, nil)}
}

func (w *WebStrategy) Kind() podcast.SourceKind { return podcast.SourceURL }

func (w *WebStrategy) FetchText(ctx context.Context, locator string) (string, error) {
	pageURL, err := url.Parse(locator)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return "", failure(podcast.ExtractionUnsupported, fmt.Errorf("not an http(s) url: %q", locator))
	}
	resp, err := w.client.get(ctx, locator, nil)
	if err != nil {
		return "", err
	}
	if strings.Contains(resp.contentType, "application/pdf") {
		return w.pdf.textFromBytes(resp.body)
	}
	return w.articleText(resp.body, pageURL)
}

func (w *WebStrategy) articleText(body []byte, pageURL *url.URL) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err == nil {
		text := strings.TrimSpace(article.TextContent)
		if article.Content != "" {
			if markdown, mdErr := w.converter.ConvertString(article.Content); mdErr == nil && strings.TrimSpace(markdown) != "" {
				text = strings.TrimSpace(markdown)
			}
		}
		if text != "" {
			if title := strings.TrimSpace(article.Title); title != "" && !strings.HasPrefix(text, title) {
				text = "# " + title + "\n\n" + text
			}
			return text, nil
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("parse html: %w", err))
	}
	doc.Find("script, style, noscript, nav, footer").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" && text != "" {
		text = "# " + title + "\n\n" + text
	}
	if text == "" {
		return "", failure(podcast.ExtractionParse, fmt.Errorf("no readable text in page"))
	}
	return text, nil
}
