// Package ingest provides the default ingestion collaborator: it fetches a web
// page or Markdown document and extracts the facts the knowledge base indexes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"

	"github.com/raphaelgruber/knowhow-ingest/internal/models"
	"github.com/raphaelgruber/knowhow-ingest/internal/queue"
	"github.com/raphaelgruber/knowhow-ingest/internal/retry"
)

const (
	defaultUserAgent = "knowhow-ingest/1.0 (+https://github.com/raphaelgruber/knowhow-ingest)"
	// maxBodyBytes bounds how much of a page is read.
	maxBodyBytes = 10 << 20
)

// Page is what a successful fetch extracts.
type Page struct {
	FinalURL    string
	Title       string
	Description string
	Language    string
	Words       int
	Links       int
	// Format is "html", "markdown" or "other".
	Format   string
	Headings []string
	Tags     []string
	NonHTML  bool
}

const (
	formatHTML     = "html"
	formatMarkdown = "markdown"
	formatOther    = "other"
)

// Fetcher is a queue.Executor that crawls a single URL.
type Fetcher struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

var _ queue.Executor = (*Fetcher)(nil)

// NewFetcher creates a Fetcher. A nil client uses http.DefaultClient.
// Deadlines come from the job context.
func NewFetcher(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, userAgent: defaultUserAgent, logger: logger}
}

// Execute fetches sourceReference and summarizes the page.
func (f *Fetcher) Execute(ctx context.Context, sourceReference string) (*queue.Result, error) {
	page, err := f.Fetch(ctx, sourceReference)
	if err != nil {
		return nil, err
	}
	summary := map[string]any{
		"url":      page.FinalURL,
		"format":   page.Format,
		"title":    page.Title,
		"language": page.Language,
		"words":    page.Words,
		"links":    page.Links,
		"non_html": page.NonHTML,
	}
	if len(page.Headings) > 0 {
		summary["headings"] = len(page.Headings)
	}
	if len(page.Tags) > 0 {
		summary["tags"] = page.Tags
	}
	return &queue.Result{Summary: summary}, nil
}

// Fetch retrieves rawURL and parses it. Errors are *retry.ClassifiedError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &retry.ClassifiedError{
			Class:  models.ErrorParse,
			Detail: map[string]any{"url": rawURL},
			Err:    fmt.Errorf("not an http(s) url: %q", rawURL),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, retry.Classified(models.ErrorOther, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	f.logger.Debug("fetching source", "source", rawURL)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, transportError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(rawURL, resp)
	}

	page := &Page{FinalURL: resp.Request.URL.String(), Format: formatHTML}
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	if isMarkdown(contentType, resp.Request.URL.Path) {
		return f.markdownPage(ctx, rawURL, page, resp.Body)
	}
	if !strings.Contains(contentType, "html") {
		page.Format = formatOther
		page.NonHTML = true
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, transportError(rawURL, ctx.Err())
		}
		return nil, &retry.ClassifiedError{
			Class:  models.ErrorParse,
			Detail: map[string]any{"url": rawURL},
			Err:    fmt.Errorf("parse html: %w", err),
		}
	}

	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if val, ok := doc.Find("meta[name='description']").Attr("content"); ok {
		page.Description = strings.TrimSpace(val)
	}
	page.Links = doc.Find("a[href]").Length()

	doc.Find("script, style, noscript").Remove()
	words := strings.Fields(doc.Find("body").Text())
	page.Words = len(words)

	page.Language = detectLanguage(page.Title+" "+page.Description, words)

	return page, nil
}

func (f *Fetcher) markdownPage(ctx context.Context, rawURL string, page *Page, body io.Reader) (*Page, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, transportError(rawURL, err)
	}

	doc := parseMarkdown(string(data))
	words := strings.Fields(doc.body)

	page.Format = formatMarkdown
	page.NonHTML = true
	page.Title = doc.title
	page.Description = doc.frontmatterString("description")
	page.Headings = doc.headings
	page.Links = len(doc.links)
	page.Tags = doc.tags()
	page.Words = len(words)
	page.Language = detectLanguage(page.Title+" "+page.Description, words)

	f.logger.Debug("parsed markdown source", "source", rawURL, "headings", len(page.Headings), "links", page.Links)
	return page, nil
}

// detectLanguage returns the ISO 639-3 code for a sample of the text, or ""
// when there is nothing to sample.
func detectLanguage(lead string, words []string) string {
	snippet := words
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	sample := strings.TrimSpace(lead + " " + strings.Join(snippet, " "))
	if sample == "" {
		return ""
	}
	return whatlanggo.Detect(sample).Lang.Iso6393()
}

// statusError classifies a non-2xx response.
func statusError(rawURL string, resp *http.Response) error {
	detail := map[string]any{"url": rawURL, "http_status": resp.StatusCode}
	err := fmt.Errorf("unexpected status %d", resp.StatusCode)

	class := models.ErrorOther
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable:
		class = models.ErrorRateLimit
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			detail["retry_after"] = ra
		}
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		class = models.ErrorTimeout
	case resp.StatusCode >= 500:
		class = models.ErrorNetwork
	}
	return &retry.ClassifiedError{Class: class, Detail: detail, Err: err}
}

// transportError classifies a failure to get a response at all.
func transportError(rawURL string, err error) error {
	detail := map[string]any{"url": rawURL}
	if errors.Is(err, context.DeadlineExceeded) {
		return &retry.ClassifiedError{Class: models.ErrorTimeout, Detail: detail, Err: err}
	}
	class := retry.Classify(err)
	if class == models.ErrorOther {
		class = models.ErrorNetwork
	}
	return &retry.ClassifiedError{Class: class, Detail: detail, Err: err}
}
