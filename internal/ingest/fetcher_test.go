package ingest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/david/opportunity-finder/internal/models"
	"github.com/david/opportunity-finder/internal/security"
)

const rssFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:content="http://purl.org/rss/1.0/modules/content/" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
  <title>Test Opportunities</title>
  <link>https://example.org</link>
  <description>Fixture feed</description>
  <language>en</language>
  <item>
    <title>Full Scholarship for Graduate Students</title>
    <link>https://example.org/scholarship?utm_source=rss</link>
    <pubDate>Mon, 05 Oct 2026 10:00:00 +0000</pubDate>
    <dc:creator>Jane Editor</dc:creator>
    <description>Short summary</description>
    <content:encoded><![CDATA[<p>Study in <b>Germany</b>.</p>]]></content:encoded>
    <category>Scholarships</category>
    <guid>sch-1</guid>
  </item>
  <item>
    <title>Summer Internship at Google</title>
    <link>https://example.org/internship</link>
  </item>
</channel>
</rss>`

const emptyFixture = `<?xml version="1.0"?><rss version="2.0"><channel><title>Empty</title></channel></rss>`

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// newTestFetcher uses a plain client because the safe dialer refuses the
// loopback address httptest listens on.
func newTestFetcher() *FeedFetcher {
	f := NewFeedFetcher(&http.Client{Timeout: 5 * time.Second}, nil, quietLogger())
	f.guard = func(string) error { return nil }
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func TestFetchFeed_Normalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = io.WriteString(w, rssFixture)
	}))
	defer srv.Close()

	items, err := newTestFetcher().FetchFeed(context.Background(), srv.URL, "fixture")
	require.NoError(t, err)
	require.Len(t, items, 2)

	first := items[0]
	assert.Equal(t, "Full Scholarship for Graduate Students", first.Title)
	assert.Equal(t, "https://example.org/scholarship?utm_source=rss", first.Link)
	assert.Equal(t, "2026-10-05T10:00:00Z", first.IsoDate)
	assert.Equal(t, "Jane Editor", first.Creator)
	assert.Contains(t, first.Content, "Germany")
	assert.Equal(t, "Short summary", first.Description)
	assert.Equal(t, []string{"Scholarships"}, first.Categories)
	assert.Equal(t, "sch-1", first.GUID)

	assert.Empty(t, items[1].IsoDate)
}

func TestFetchFeed_EmptyFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, emptyFixture)
	}))
	defer srv.Close()

	_, err := newTestFetcher().FetchFeed(context.Background(), srv.URL, "")
	assert.ErrorIs(t, err, ErrNoItems)
	assert.Equal(t, "No items found in feed", err.Error())
}

func TestFetchFeed_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, rssFixture)
	}))
	defer srv.Close()

	items, err := newTestFetcher().FetchFeed(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchFeed_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestFetcher().FetchFeed(context.Background(), srv.URL, "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.Code)
	assert.EqualValues(t, maxRetries+1, calls.Load())
}

func TestFetchFeed_NoRetry(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"not found", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNotFound) }},
		{"forbidden", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) }},
		{"invalid xml", func(w http.ResponseWriter, r *http.Request) { _, _ = io.WriteString(w, "<html>not a feed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				tt.handler(w, r)
			}))
			defer srv.Close()

			_, err := newTestFetcher().FetchFeed(context.Background(), srv.URL, "")
			assert.Error(t, err)
			assert.EqualValues(t, 1, calls.Load())
		})
	}
}

func TestFetchFeed_GuardRejectsPrivateHosts(t *testing.T) {
	f := NewFeedFetcher(nil, nil, quietLogger())
	_, err := f.FetchFeed(context.Background(), "http://192.168.1.5/feed", "")
	var unsafe *security.UnsafeURLError
	require.ErrorAs(t, err, &unsafe)
	assert.Contains(t, err.Error(), "Private network")
}

func TestBackoffDelay(t *testing.T) {
	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, min(baseRetryDelay<<uint(attempt), maxRetryDelay))
		assert.LessOrEqual(t, d, maxRetryDelay)
	}
}

func TestValidateFeedAndMetadata(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, rssFixture)
	}))
	defer srv.Close()

	f := newTestFetcher()
	v := f.ValidateFeed(context.Background(), srv.URL)
	assert.True(t, v.Valid)
	assert.Equal(t, "Test Opportunities", v.FeedTitle)
	assert.Equal(t, 2, v.ItemCount)
	require.NotNil(t, v.Metadata)
	assert.Equal(t, "en", v.Metadata.Language)
	assert.Equal(t, int32(1), hits.Load())

	meta := f.FeedMetadata(context.Background(), srv.URL)
	require.NotNil(t, meta)
	assert.Equal(t, "en", meta.Language)
	assert.Equal(t, "Fixture feed", meta.Description)

	bad := f.ValidateFeed(context.Background(), srv.URL+"/missing-host-\x7f")
	assert.False(t, bad.Valid)
}

type countingFetcher struct {
	inFlight, peak atomic.Int32
}

func (c *countingFetcher) FetchFeed(_ context.Context, url, _ string) ([]models.FeedItem, error) {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	c.inFlight.Add(-1)
	return []models.FeedItem{{Title: url, Link: url}}, nil
}

func TestFetchMultiple_BoundedAndOrdered(t *testing.T) {
	sources := make([]models.RssSource, 7)
	for i := range sources {
		sources[i] = models.RssSource{Name: string(rune('a' + i)), URL: "https://example.org/" + string(rune('a'+i))}
	}
	f := &countingFetcher{}

	results := FetchMultiple(context.Background(), f, sources, 3, 0)
	require.Len(t, results, 7)
	for i, r := range results {
		assert.Equal(t, sources[i].URL, r.Source.URL)
		assert.Equal(t, sources[i].URL, r.Items[0].Link)
	}
	assert.LessOrEqual(t, f.peak.Load(), int32(3))
}

func TestDefaultSources(t *testing.T) {
	sources := DefaultSources()
	require.Len(t, sources, 8)
	assert.Equal(t, "Opportunities For Youth", sources[0].Name)
	for _, s := range sources {
		assert.True(t, s.IsActive)
		assert.NoError(t, security.AssertSafeOutboundURL(s.URL, nil))
	}
}
