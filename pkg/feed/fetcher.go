// Package feed fetches RSS/Atom documents over HTTP and extracts
// normalized candidate items for ingestion.
package feed

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

const snippetMaxLen = 500

// Item is one normalized entry extracted from a feed document
type Item struct {
	ExternalID string
	Title      string
	URL        string
	Content    string // plain-text snippet, <= 500 chars
	Published  time.Time
}

// FetchError reports a non-2xx HTTP response from a feed endpoint
type FetchError struct {
	URL        string
	StatusCode int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status code %d", e.URL, e.StatusCode)
}

// Retryable reports whether the failure is worth another attempt on the
// next poll cycle. Informational only, the poller never retries in-run.
func (e *FetchError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Fetcher retrieves and parses feeds via HTTP
type Fetcher struct {
	client    *http.Client
	parser    *gofeed.Parser
	sanitizer *bluemonday.Policy
	userAgent string
}

// noisePrefixes are source-specific markers stripped from titles,
// e.g. subreddit or category tags prepended by aggregator feeds
var noisePrefixes = regexp.MustCompile(`^(\[[^\]]{1,30}\]|/r/\w+[:\s]|r/\w+[:\s])\s*`)

var whitespaceRe = regexp.MustCompile(`\s+`)

// NewFetcher creates a feed fetcher with the given timeout and user agent
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	return &Fetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		parser:    gofeed.NewParser(),
		sanitizer: bluemonday.StrictPolicy(),
		userAgent: userAgent,
	}
}

// Fetch retrieves the feed at url and extracts its entries. A reachable
// feed with zero entries is a success with an empty slice, not an error.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	addBrowserHeaders(req)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode}
	}

	parsed, err := f.parser.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}

	items := make([]Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		items = append(items, f.convert(parsed.Title, entry))
	}
	return items, nil
}

// IsRetryable classifies an error for logging: network failures, timeouts
// and 5xx are retryable on the next cycle, 4xx are not.
func IsRetryable(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Retryable()
	}
	return true // network-level failures are transient by default
}

func (f *Fetcher) convert(feedTitle string, entry *gofeed.Item) Item {
	item := Item{
		Title: CleanTitle(entry.Title),
		URL:   entry.Link,
	}

	// external id: guid, falling back to the link
	switch {
	case entry.GUID != "":
		item.ExternalID = entry.GUID
	case entry.Link != "":
		item.ExternalID = entry.Link
	default:
		item.ExternalID = fmt.Sprintf("%s-%s", feedTitle, entry.Title)
	}

	// best-effort plain-text snippet
	raw := entry.Description
	if raw == "" {
		raw = entry.Content
	}
	item.Content = f.snippet(raw)

	// published time with updated fallback, then "now" for malformed dates
	switch {
	case entry.PublishedParsed != nil:
		item.Published = *entry.PublishedParsed
	case entry.UpdatedParsed != nil:
		item.Published = *entry.UpdatedParsed
	default:
		item.Published = time.Now()
	}

	return item
}

// snippet strips HTML tags, decodes entities, collapses whitespace and
// truncates to 500 characters
func (f *Fetcher) snippet(s string) string {
	if s == "" {
		return ""
	}
	plain := html.UnescapeString(f.sanitizer.Sanitize(s))
	plain = strings.TrimSpace(whitespaceRe.ReplaceAllString(plain, " "))
	if len(plain) > snippetMaxLen {
		cut := snippetMaxLen
		for cut > 0 && !utf8.RuneStart(plain[cut]) {
			cut-- // back off to a rune boundary
		}
		plain = plain[:cut]
	}
	return plain
}

// CleanTitle removes common source-specific noise prefixes from a title
func CleanTitle(title string) string {
	title = strings.TrimSpace(title)
	for {
		cleaned := noisePrefixes.ReplaceAllString(title, "")
		if cleaned == title {
			return title
		}
		title = strings.TrimSpace(cleaned)
	}
}
