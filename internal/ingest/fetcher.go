package ingest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"

	"github.com/david/opportunity-finder/internal/models"
	"github.com/david/opportunity-finder/internal/security"
)

const (
	userAgent    = "OpportunityBot/1.0 (+https://www.placementbridge.org)"
	acceptHeader = "application/rss+xml, application/xml, text/xml, application/atom+xml"

	fetchTimeout     = 30 * time.Second
	maxRetries       = 3
	baseRetryDelay   = time.Second
	maxRetryDelay    = 30 * time.Second
	multiFetchPause  = time.Second
	DefaultBatchSize = 3
)

// ErrNoItems is returned for a feed that parsed but holds no entries.
var ErrNoItems = errors.New("No items found in feed")

// StatusError is a non-200 feed response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Code)
}

// ParseError wraps a body that is not a readable RSS or Atom document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "Invalid XML: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

// FeedFetcher downloads and parses RSS/Atom feeds with retries.
type FeedFetcher struct {
	client *http.Client
	guard  func(rawURL string) error
	log    logrus.FieldLogger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewFeedFetcher returns a fetcher using client, or a private-address-safe
// client when nil. allowedHosts, when non-empty, restricts feed hosts.
func NewFeedFetcher(client *http.Client, allowedHosts []string, logger logrus.FieldLogger) *FeedFetcher {
	if client == nil {
		client = security.NewSafeHTTPClient(fetchTimeout)
	}
	return &FeedFetcher{
		client: client,
		guard: func(rawURL string) error {
			return security.AssertSafeOutboundURL(rawURL, allowedHosts)
		},
		log:   logger.WithField("component", "rss-fetcher"),
		sleep: sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func backoffDelay(attempt int) time.Duration {
	d := baseRetryDelay*time.Duration(1<<uint(attempt)) + time.Duration(rand.Int63n(int64(time.Second)))
	return min(d, maxRetryDelay)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code != http.StatusNotFound && se.Code != http.StatusForbidden
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}

// FetchFeed returns the normalized entries of the feed at url.
func (f *FeedFetcher) FetchFeed(ctx context.Context, url, name string) ([]models.FeedItem, error) {
	if name == "" {
		name = url
	}
	if err := f.guard(url); err != nil {
		return nil, err
	}
	log := f.log.WithFields(logrus.Fields{"feed": name, "url": security.RedactURL(url)})

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt - 1)
			log.WithField("delay", delay).Infof("retry %d/%d", attempt, maxRetries)
			if err := f.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		feed, err := f.parse(ctx, url)
		if err == nil {
			if len(feed.Items) == 0 {
				log.Warn("no items found in feed")
				return nil, ErrNoItems
			}
			items := make([]models.FeedItem, 0, len(feed.Items))
			for _, it := range feed.Items {
				items = append(items, normalizeItem(it))
			}
			log.WithField("items", len(items)).Info("fetched feed")
			return items, nil
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt+1).Warn("fetch attempt failed")
		if !retryable(err) {
			break
		}
	}

	log.WithError(lastErr).Error("failed to fetch feed")
	return nil, lastErr
}

func (f *FeedFetcher) parse(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	feed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	return feed, nil
}

// normalizeItem maps a parsed RSS or Atom entry onto FeedItem. All
// dialect-specific lookups live here.
func normalizeItem(it *gofeed.Item) models.FeedItem {
	item := models.FeedItem{
		Title:       it.Title,
		Link:        it.Link,
		PubDate:     it.Published,
		Content:     it.Content,
		Description: it.Description,
		Categories:  it.Categories,
		GUID:        it.GUID,
	}
	if item.Link == "" && len(it.Links) > 0 {
		item.Link = it.Links[0]
	}
	if item.PubDate == "" {
		item.PubDate = it.Updated
	}
	switch {
	case it.PublishedParsed != nil:
		item.IsoDate = it.PublishedParsed.UTC().Format(time.RFC3339)
	case it.UpdatedParsed != nil:
		item.IsoDate = it.UpdatedParsed.UTC().Format(time.RFC3339)
	}
	switch {
	case len(it.Authors) > 0 && it.Authors[0] != nil && it.Authors[0].Name != "":
		item.Creator = it.Authors[0].Name
	case it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0:
		item.Creator = it.DublinCoreExt.Creator[0]
	}
	item.Creator = strings.TrimSpace(item.Creator)
	return item
}

// FeedResult is the outcome of fetching one source.
type FeedResult struct {
	Source models.RssSource
	Items  []models.FeedItem
	Err    error
}

// Fetcher fetches a single feed.
type Fetcher interface {
	FetchFeed(ctx context.Context, url, name string) ([]models.FeedItem, error)
}

// FetchMultiple fetches sources in batches of at most concurrency, pausing
// between batches. Results keep the order of sources.
func FetchMultiple(ctx context.Context, f Fetcher, sources []models.RssSource, concurrency int, pause time.Duration) []FeedResult {
	if concurrency <= 0 {
		concurrency = DefaultBatchSize
	}
	results := make([]FeedResult, len(sources))

	for start := 0; start < len(sources); start += concurrency {
		if start > 0 && pause > 0 {
			if err := sleepContext(ctx, pause); err != nil {
				for i := start; i < len(sources); i++ {
					results[i] = FeedResult{Source: sources[i], Err: err}
				}
				return results
			}
		}

		end := min(start+concurrency, len(sources))
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				src := sources[i]
				items, err := f.FetchFeed(ctx, src.URL, src.Name)
				results[i] = FeedResult{Source: src, Items: items, Err: err}
			}(i)
		}
		wg.Wait()
	}
	return results
}

// FetchMultiple fetches sources with the default inter-batch pause.
func (f *FeedFetcher) FetchMultiple(ctx context.Context, sources []models.RssSource, concurrency int) []FeedResult {
	return FetchMultiple(ctx, f, sources, concurrency, multiFetchPause)
}

// Validation is the result of probing a candidate feed URL.
type Validation struct {
	Valid     bool      `json:"valid"`
	FeedTitle string    `json:"feedTitle,omitempty"`
	ItemCount int       `json:"itemCount"`
	Error     string    `json:"error,omitempty"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata describes a feed channel.
type Metadata struct {
	Title         string `json:"title,omitempty"`
	Description   string `json:"description,omitempty"`
	Link          string `json:"link,omitempty"`
	Language      string `json:"language,omitempty"`
	LastBuildDate string `json:"lastBuildDate,omitempty"`
	ItemCount     int    `json:"itemCount"`
}

// ValidateFeed fetches url once and reports whether it parses as a feed.
func (f *FeedFetcher) ValidateFeed(ctx context.Context, url string) Validation {
	if err := f.guard(url); err != nil {
		return Validation{Error: err.Error()}
	}
	feed, err := f.parse(ctx, url)
	if err != nil {
		return Validation{Error: err.Error()}
	}
	return Validation{
		Valid:     true,
		FeedTitle: feed.Title,
		ItemCount: len(feed.Items),
		Metadata:  metadataOf(feed),
	}
}

// FeedMetadata returns channel metadata, or nil when url is not a readable feed.
func (f *FeedFetcher) FeedMetadata(ctx context.Context, url string) *Metadata {
	return f.ValidateFeed(ctx, url).Metadata
}

func metadataOf(feed *gofeed.Feed) *Metadata {
	return &Metadata{
		Title:         feed.Title,
		Description:   feed.Description,
		Link:          feed.Link,
		Language:      feed.Language,
		LastBuildDate: feed.Updated,
		ItemCount:     len(feed.Items),
	}
}
