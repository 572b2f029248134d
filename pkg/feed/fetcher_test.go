package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Test Feed</title>
	<link>https://example.com</link>
	<item>
		<title>First Article</title>
		<link>https://example.com/first</link>
		<guid>guid-1</guid>
		<description>&lt;p&gt;Some &lt;b&gt;bold&lt;/b&gt; content &amp;amp; more&lt;/p&gt;</description>
		<pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
	</item>
	<item>
		<title>Second Article</title>
		<link>https://example.com/second</link>
		<description>plain text</description>
	</item>
</channel>
</rss>`

const testAtom = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
	<title>Atom Feed</title>
	<entry>
		<title>Atom Entry</title>
		<link href="https://example.com/atom-entry"/>
		<id>atom-id-1</id>
		<updated>2024-03-01T12:00:00Z</updated>
	</entry>
</feed>`

const emptyRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
	<title>Empty Feed</title>
	<link>https://example.com</link>
</channel>
</rss>`

func TestFetcher_Fetch(t *testing.T) {
	t.Run("rss feed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "newsriver-test/1.0", r.Header.Get("User-Agent"))
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprint(w, testRSS)
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		items, err := f.Fetch(context.Background(), ts.URL)
		require.NoError(t, err)
		require.Len(t, items, 2)

		assert.Equal(t, "First Article", items[0].Title)
		assert.Equal(t, "https://example.com/first", items[0].URL)
		assert.Equal(t, "guid-1", items[0].ExternalID)
		assert.Equal(t, "Some bold content & more", items[0].Content)
		assert.Equal(t, 2006, items[0].Published.Year())

		// no guid falls back to the link, no date falls back to now
		assert.Equal(t, "https://example.com/second", items[1].ExternalID)
		assert.WithinDuration(t, time.Now(), items[1].Published, time.Minute)
	})

	t.Run("atom feed", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, testAtom)
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		items, err := f.Fetch(context.Background(), ts.URL)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "atom-id-1", items[0].ExternalID)
		assert.Equal(t, "2024-03-01T12:00:00Z", items[0].Published.UTC().Format(time.RFC3339))
	})

	t.Run("empty feed is success", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, emptyRSS)
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		items, err := f.Fetch(context.Background(), ts.URL)
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("http error status", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		_, err := f.Fetch(context.Background(), ts.URL)
		require.Error(t, err)

		var fe *FetchError
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, http.StatusNotFound, fe.StatusCode)
		assert.False(t, fe.Retryable())
	})

	t.Run("malformed document", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not a feed at all")
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		_, err := f.Fetch(context.Background(), ts.URL)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse feed")
	})

	t.Run("context cancellation", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(time.Second)
		}))
		defer ts.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		_, err := f.Fetch(ctx, ts.URL)
		require.Error(t, err)
	})

	t.Run("snippet truncation", func(t *testing.T) {
		long := strings.Repeat("word ", 200)
		body := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>T</title>
<item><title>Long</title><link>https://example.com/x</link><description>%s</description></item>
</channel></rss>`, long)

		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, body)
		}))
		defer ts.Close()

		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		items, err := f.Fetch(context.Background(), ts.URL)
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.LessOrEqual(t, len(items[0].Content), 500)
	})

	t.Run("snippet truncation keeps valid utf8", func(t *testing.T) {
		f := NewFetcher(5*time.Second, "newsriver-test/1.0")
		long := strings.Repeat("洪", 200) // 3 bytes per rune, cut falls mid-rune
		got := f.snippet(long)
		assert.LessOrEqual(t, len(got), 500)
		assert.True(t, utf8.ValidString(got))
	})
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"server error", &FetchError{StatusCode: http.StatusInternalServerError}, true},
		{"rate limited", &FetchError{StatusCode: http.StatusTooManyRequests}, true},
		{"not found", &FetchError{StatusCode: http.StatusNotFound}, false},
		{"forbidden", &FetchError{StatusCode: http.StatusForbidden}, false},
		{"wrapped fetch error", fmt.Errorf("poll: %w", &FetchError{StatusCode: http.StatusBadGateway}), true},
		{"network error", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name     string
		title    string
		expected string
	}{
		{"no noise", "Plain Headline", "Plain Headline"},
		{"bracket tag", "[Sports] Team Wins", "Team Wins"},
		{"subreddit prefix", "/r/golang: new release", "new release"},
		{"bare subreddit prefix", "r/news: something happened", "something happened"},
		{"stacked tags", "[A] [B] Headline", "Headline"},
		{"surrounding whitespace", "  Headline  ", "Headline"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CleanTitle(tt.title))
		})
	}
}
